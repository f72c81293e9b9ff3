package submit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/terra-clan/research-engine/internal/cache"
	"github.com/terra-clan/research-engine/internal/models"
	"github.com/terra-clan/research-engine/internal/session"
)

var (
	// ErrOffline is returned when flushing a session that has no participant
	ErrOffline = errors.New("session is offline")

	// ErrUnknownSession is returned for sessions the recorder never saw
	ErrUnknownSession = errors.New("no submission state for session")
)

const cacheTimeout = 5 * time.Second

// State summarizes where a session's results are
type State string

const (
	StateIdle     State = "idle"
	StateFlushing State = "flushing"
	StateSaved    State = "saved"
	StatePartial  State = "partial"
	StateFailed   State = "failed"
	StateOffline  State = "offline"
)

// Status is the submission report exposed per session
type Status struct {
	SessionID     string            `json:"session_id"`
	ParticipantID *int64            `json:"participant_id,omitempty"`
	State         State             `json:"state"`
	Pending       int               `json:"pending"`
	Last          *SubmissionResult `json:"last,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type sessionState struct {
	participantID *int64
	completed     bool
	generation    uint64
	ctx           context.Context
	cancel        context.CancelFunc
	flushMu       sync.Mutex
	status        Status
}

// Recorder observes sessions: it caches every finalized trial and flushes the
// cache in the background when a phase completes. Flush failures only change
// the reported status; they never reach the session.
type Recorder struct {
	cache    cache.Cache
	pipeline *Pipeline
	clock    clockwork.Clock

	mu       sync.Mutex
	sessions map[string]*sessionState
	wg       sync.WaitGroup
}

// NewRecorder creates a recorder
func NewRecorder(c cache.Cache, pipeline *Pipeline, clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{
		cache:    c,
		pipeline: pipeline,
		clock:    clock,
		sessions: make(map[string]*sessionState),
	}
}

// Notify implements session.Observer
func (r *Recorder) Notify(ev session.Event) {
	switch ev.Type {
	case session.EventTrialFinalized:
		r.record(ev)
	case session.EventPhaseCompleted:
		r.phaseCompleted(ev)
	case session.EventReset:
		r.reset(ev.SessionID)
	case session.EventClosed:
		r.close(ev.SessionID)
	}
}

func (r *Recorder) state(sessionID string, participantID *int64) *sessionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		st = &sessionState{
			participantID: participantID,
			ctx:           ctx,
			cancel:        cancel,
			status: Status{
				SessionID:     sessionID,
				ParticipantID: participantID,
				State:         StateIdle,
				UpdatedAt:     r.clock.Now(),
			},
		}
		if participantID == nil {
			st.status.State = StateOffline
		}
		r.sessions[sessionID] = st
	}
	return st
}

func (r *Recorder) lookup(sessionID string) (*sessionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	return st, ok
}

func (r *Recorder) record(ev session.Event) {
	if ev.Result == nil {
		return
	}
	st := r.state(ev.SessionID, ev.ParticipantID)

	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()

	if err := r.cache.Put(ctx, ev.SessionID, *ev.Result); err != nil {
		slog.Error("failed to cache trial result",
			"session_id", ev.SessionID,
			"trial", ev.Result.Key().String(),
			"error", err,
		)
		return
	}

	r.mu.Lock()
	st.status.Pending++
	st.status.UpdatedAt = r.clock.Now()
	r.mu.Unlock()
}

func (r *Recorder) phaseCompleted(ev session.Event) {
	st := r.state(ev.SessionID, ev.ParticipantID)

	r.mu.Lock()
	st.completed = ev.Completed
	ctx := st.ctx
	r.mu.Unlock()

	if st.participantID == nil {
		slog.Info("offline session, submission skipped",
			"session_id", ev.SessionID,
			"phase", ev.Phase,
		)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.flush(ctx, ev.SessionID, st, ev.Results); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("background flush failed", "session_id", ev.SessionID, "error", err)
		}
	}()
}

// flush submits everything cached for the session plus extra, then prunes the
// cache. Flushes of one session run one at a time. A flush overtaken by a reset
// leaves the cache and status of the restarted session alone.
func (r *Recorder) flush(ctx context.Context, sessionID string, st *sessionState, extra []models.TrialResult) (SubmissionResult, error) {
	st.flushMu.Lock()
	defer st.flushMu.Unlock()

	r.mu.Lock()
	gen := st.generation
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return SubmissionResult{}, err
	}

	// Without the cached view, results of earlier failed flushes are unknown
	// and the cache must not be cleared wholesale.
	cached, loadErr := r.cache.Load(ctx, sessionID)
	if loadErr != nil {
		slog.Warn("failed to load cached results", "session_id", sessionID, "error", loadErr)
	}
	trials := mergeResults(cached, extra)

	if !r.setState(st, gen, StateFlushing, nil, len(trials)) {
		return SubmissionResult{}, context.Canceled
	}

	result := r.pipeline.Flush(ctx, *st.participantID, trials)

	r.mu.Lock()
	stale := gen != st.generation
	completed := st.completed
	r.mu.Unlock()

	if stale {
		slog.Info("discarding flush overtaken by reset", "session_id", sessionID)
		return result, context.Canceled
	}

	switch {
	case completed && result.FailedCount == 0 && loadErr == nil:
		if err := r.cache.Clear(ctx, sessionID); err != nil {
			slog.Warn("failed to clear result cache", "session_id", sessionID, "error", err)
		} else {
			slog.Info("session results confirmed, cache cleared", "session_id", sessionID)
		}
	case len(result.Saved) > 0:
		if err := r.cache.Remove(ctx, sessionID, result.Saved...); err != nil {
			slog.Warn("failed to prune cached results", "session_id", sessionID, "error", err)
		}
	}

	state := StateSaved
	switch {
	case result.FailedCount > 0 && result.SavedCount > 0:
		state = StatePartial
	case result.FailedCount > 0:
		state = StateFailed
	}
	r.setState(st, gen, state, &result, result.FailedCount)

	return result, ctx.Err()
}

// setState updates the report unless a reset started a new generation
func (r *Recorder) setState(st *sessionState, gen uint64, state State, last *SubmissionResult, pending int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != st.generation {
		return false
	}
	st.status.State = state
	st.status.Pending = pending
	if last != nil {
		st.status.Last = last
	}
	st.status.UpdatedAt = r.clock.Now()
	return true
}

func (r *Recorder) reset(sessionID string) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	if ok {
		st.cancel()
		st.ctx, st.cancel = context.WithCancel(context.Background())
		st.generation++
		st.completed = false
		st.status.Pending = 0
		st.status.Last = nil
		st.status.State = StateIdle
		if st.participantID == nil {
			st.status.State = StateOffline
		}
		st.status.UpdatedAt = r.clock.Now()
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := r.cache.Clear(ctx, sessionID); err != nil {
		slog.Warn("failed to clear result cache on reset", "session_id", sessionID, "error", err)
	}
}

// close abandons retries; cached results stay for a manual flush
func (r *Recorder) close(sessionID string) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if ok {
		st.cancel()
	}
}

// Status returns the submission report of a session
func (r *Recorder) Status(sessionID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		return Status{}, false
	}
	return st.status, true
}

// Retry flushes the session's cached results now and waits for the report
func (r *Recorder) Retry(ctx context.Context, sessionID string) (SubmissionResult, error) {
	st, ok := r.lookup(sessionID)
	if !ok {
		return SubmissionResult{}, ErrUnknownSession
	}
	if st.participantID == nil {
		return SubmissionResult{}, ErrOffline
	}

	r.mu.Lock()
	sessionCtx := st.ctx
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessionCtx, cancel)
	defer stop()

	return r.flush(ctx, sessionID, st, nil)
}

// Wait blocks until background flushes finish
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Close cancels every in-flight flush and waits for them
func (r *Recorder) Close() {
	r.mu.Lock()
	for _, st := range r.sessions {
		st.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// mergeResults returns cached plus extra, deduplicated by key and sorted
func mergeResults(cached, extra []models.TrialResult) []models.TrialResult {
	seen := make(map[models.TrialKey]bool, len(cached)+len(extra))
	out := make([]models.TrialResult, 0, len(cached)+len(extra))
	for _, list := range [][]models.TrialResult{cached, extra} {
		for _, t := range list {
			if seen[t.Key()] {
				continue
			}
			seen[t.Key()] = true
			out = append(out, t.Clone())
		}
	}
	cache.SortResults(out)
	return out
}
