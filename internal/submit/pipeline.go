// Package submit moves finalized trials from the session cache into durable
// storage in fixed-size chunks with bounded retries.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/terra-clan/research-engine/internal/models"
)

// Config tunes chunking and retries
type Config struct {
	ChunkSize       int
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	InterChunkDelay time.Duration
	AttemptTimeout  time.Duration
}

// DefaultConfig returns the production submission settings
func DefaultConfig() Config {
	return Config{
		ChunkSize:       5,
		MaxAttempts:     3,
		InitialBackoff:  time.Second,
		MaxBackoff:      30 * time.Second,
		InterChunkDelay: 250 * time.Millisecond,
		AttemptTimeout:  30 * time.Second,
	}
}

// Submitter delivers one chunk of a participant's trials to a backend
type Submitter interface {
	SubmitChunk(ctx context.Context, participantID int64, trials []models.TrialResult) error
}

// SubmitterFunc adapts a function to Submitter
type SubmitterFunc func(ctx context.Context, participantID int64, trials []models.TrialResult) error

func (f SubmitterFunc) SubmitChunk(ctx context.Context, participantID int64, trials []models.TrialResult) error {
	return f(ctx, participantID, trials)
}

// BatchStatus is the outcome of one chunk
type BatchStatus string

const (
	BatchPending BatchStatus = "pending"
	BatchSaved   BatchStatus = "saved"
	BatchFailed  BatchStatus = "failed"
)

// Batch is one chunk of trials and the attempts spent on it
type Batch struct {
	Trials  []models.TrialResult `json:"-"`
	Keys    []models.TrialKey    `json:"keys"`
	Attempt int                  `json:"attempts"`
	Status  BatchStatus          `json:"status"`
	Error   string               `json:"error,omitempty"`
}

// ItemError is a per-trial failure message
type ItemError struct {
	Key     models.TrialKey `json:"key"`
	Message string          `json:"message"`
}

// SubmissionResult is the status report of a flush
type SubmissionResult struct {
	SavedCount  int               `json:"saved_count"`
	FailedCount int               `json:"failed_count"`
	Saved       []models.TrialKey `json:"saved,omitempty"`
	Errors      []ItemError       `json:"errors,omitempty"`
	Batches     []Batch           `json:"batches"`
}

// OK reports whether every trial was confirmed
func (r SubmissionResult) OK() bool {
	return r.FailedCount == 0
}

// Pipeline flushes trials chunk by chunk
type Pipeline struct {
	submitter Submitter
	cfg       Config
	backoff   Backoff
	sleeper   Sleeper
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithBackoff replaces the exponential retry policy
func WithBackoff(b Backoff) PipelineOption {
	return func(p *Pipeline) {
		p.backoff = b
	}
}

// WithSleeper replaces the real-clock sleeper
func WithSleeper(s Sleeper) PipelineOption {
	return func(p *Pipeline) {
		p.sleeper = s
	}
}

// NewPipeline creates a pipeline; zero config fields fall back to DefaultConfig
func NewPipeline(submitter Submitter, cfg Config, opts ...PipelineOption) *Pipeline {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}

	p := &Pipeline{
		submitter: submitter,
		cfg:       cfg,
		backoff:   ExponentialBackoff{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff},
		sleeper:   ClockSleeper{Clock: clockwork.NewRealClock()},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Chunk splits trials into consecutive chunks of at most size
func Chunk(trials []models.TrialResult, size int) [][]models.TrialResult {
	if size <= 0 {
		size = 1
	}

	var chunks [][]models.TrialResult
	for start := 0; start < len(trials); start += size {
		end := min(start+size, len(trials))
		chunks = append(chunks, trials[start:end])
	}
	return chunks
}

// Flush submits trials sequentially in chunks. A failed chunk is reported and
// the next one is still attempted. Errors never escape: they are folded into
// the returned report.
func (p *Pipeline) Flush(ctx context.Context, participantID int64, trials []models.TrialResult) SubmissionResult {
	chunks := Chunk(trials, p.cfg.ChunkSize)
	result := SubmissionResult{Batches: make([]Batch, 0, len(chunks))}

	for i, chunk := range chunks {
		batch := Batch{Trials: chunk, Keys: keysOf(chunk), Status: BatchPending}

		var err error
		if i > 0 {
			err = p.sleeper.Sleep(ctx, p.cfg.InterChunkDelay)
		}
		if err == nil {
			err = p.submitWithRetry(ctx, participantID, &batch)
		}

		if err != nil {
			batch.Status = BatchFailed
			batch.Error = err.Error()
			result.FailedCount += len(chunk)
			for _, key := range batch.Keys {
				result.Errors = append(result.Errors, ItemError{Key: key, Message: err.Error()})
			}

			slog.Warn("result chunk not saved",
				"participant_id", participantID,
				"chunk", i+1,
				"chunks", len(chunks),
				"attempts", batch.Attempt,
				"error", err,
			)
		} else {
			batch.Status = BatchSaved
			result.SavedCount += len(chunk)
			result.Saved = append(result.Saved, batch.Keys...)
		}

		result.Batches = append(result.Batches, batch)
	}

	slog.Info("results flushed",
		"participant_id", participantID,
		"saved", result.SavedCount,
		"failed", result.FailedCount,
		"chunks", len(chunks),
	)

	return result
}

func (p *Pipeline) submitWithRetry(ctx context.Context, participantID int64, batch *Batch) error {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleeper.Sleep(ctx, p.backoff.Delay(attempt-1)); err != nil {
				return fmt.Errorf("retry aborted after %d attempts: %w", attempt-1, err)
			}
		}

		batch.Attempt = attempt
		err := p.attempt(ctx, participantID, batch.Trials)
		if err == nil || errors.Is(err, ErrDuplicateSubmission) {
			return nil
		}

		lastErr = err
		if IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Debug("result chunk attempt failed",
			"participant_id", participantID,
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

func (p *Pipeline) attempt(ctx context.Context, participantID int64, trials []models.TrialResult) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	err := p.submitter.SubmitChunk(attemptCtx, participantID, trials)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Transient(fmt.Errorf("attempt timed out after %s: %w", p.cfg.AttemptTimeout, err))
	}
	return err
}

func keysOf(trials []models.TrialResult) []models.TrialKey {
	keys := make([]models.TrialKey, len(trials))
	for i, t := range trials {
		keys[i] = t.Key()
	}
	return keys
}
