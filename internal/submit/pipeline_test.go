package submit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/research-engine/internal/models"
)

// recordingSleeper returns immediately and remembers every requested delay
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// fakeSubmitter fails chunks that contain a poisoned trial index
type fakeSubmitter struct {
	mu     sync.Mutex
	calls  [][]models.TrialKey
	failOn map[int]error
}

func (f *fakeSubmitter) SubmitChunk(_ context.Context, _ int64, trials []models.TrialResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, keysOf(trials))
	for _, t := range trials {
		if err, ok := f.failOn[t.Index]; ok {
			return err
		}
	}
	return nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func mainTrials(n int) []models.TrialResult {
	trials := make([]models.TrialResult, n)
	for i := range trials {
		trials[i] = models.TrialResult{Phase: models.PhaseMain, Index: i, SelectedItems: []string{fmt.Sprintf("W%d", i)}}
	}
	return trials
}

func testConfig() Config {
	return Config{
		ChunkSize:       5,
		MaxAttempts:     3,
		InitialBackoff:  time.Second,
		MaxBackoff:      30 * time.Second,
		InterChunkDelay: 250 * time.Millisecond,
		AttemptTimeout:  time.Minute,
	}
}

func TestChunk(t *testing.T) {
	chunks := Chunk(mainTrials(12), 5)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 5)
	assert.Len(t, chunks[1], 5)
	assert.Len(t, chunks[2], 2)
	assert.Equal(t, 10, chunks[2][0].Index)

	assert.Empty(t, Chunk(nil, 5))
	assert.Len(t, Chunk(mainTrials(3), 0), 3)
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{Initial: time.Second, Max: 5 * time.Second}

	assert.Equal(t, time.Duration(0), b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(4))
	assert.Equal(t, 5*time.Second, b.Delay(40))
}

func TestFlushAllChunksSaved(t *testing.T) {
	sub := &fakeSubmitter{}
	sleeper := &recordingSleeper{}
	p := NewPipeline(sub, testConfig(), WithSleeper(sleeper))

	result := p.Flush(context.Background(), 7, mainTrials(12))

	assert.True(t, result.OK())
	assert.Equal(t, 12, result.SavedCount)
	assert.Len(t, result.Saved, 12)
	require.Len(t, result.Batches, 3)
	for _, b := range result.Batches {
		assert.Equal(t, BatchSaved, b.Status)
		assert.Equal(t, 1, b.Attempt)
	}

	assert.Equal(t, 3, sub.callCount())
	// Only inter-chunk pauses, no retries
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, sleeper.recorded())
}

func TestFlushFailedMiddleChunkDoesNotBlockOthers(t *testing.T) {
	sub := &fakeSubmitter{failOn: map[int]error{7: Transient(errors.New("connection reset"))}}
	sleeper := &recordingSleeper{}
	p := NewPipeline(sub, testConfig(), WithSleeper(sleeper))

	result := p.Flush(context.Background(), 7, mainTrials(12))

	assert.False(t, result.OK())
	assert.Equal(t, 7, result.SavedCount)
	assert.Equal(t, 5, result.FailedCount)
	require.Len(t, result.Batches, 3)
	assert.Equal(t, BatchSaved, result.Batches[0].Status)
	assert.Equal(t, BatchFailed, result.Batches[1].Status)
	assert.Equal(t, BatchSaved, result.Batches[2].Status)

	// Exactly three attempts for the failing chunk
	assert.Equal(t, 3, result.Batches[1].Attempt)
	assert.Equal(t, 1+3+1, sub.callCount())
	assert.Contains(t, result.Batches[1].Error, "failed after 3 attempts")

	require.Len(t, result.Errors, 5)
	assert.Equal(t, models.TrialKey{Phase: models.PhaseMain, Index: 5}, result.Errors[0].Key)

	assert.Equal(t, []time.Duration{
		250 * time.Millisecond, // before chunk 2
		time.Second,            // retry 1
		2 * time.Second,        // retry 2
		250 * time.Millisecond, // before chunk 3
	}, sleeper.recorded())
}

func TestFlushPermanentErrorIsNotRetried(t *testing.T) {
	sub := &fakeSubmitter{failOn: map[int]error{0: Permanent(errors.New("bad phase"))}}
	p := NewPipeline(sub, testConfig(), WithSleeper(&recordingSleeper{}))

	result := p.Flush(context.Background(), 7, mainTrials(3))

	assert.Equal(t, 1, sub.callCount())
	assert.Equal(t, 3, result.FailedCount)
	assert.Equal(t, 1, result.Batches[0].Attempt)
}

func TestFlushDuplicateCountsAsSaved(t *testing.T) {
	sub := &fakeSubmitter{failOn: map[int]error{1: ErrDuplicateSubmission}}
	p := NewPipeline(sub, testConfig(), WithSleeper(&recordingSleeper{}))

	result := p.Flush(context.Background(), 7, mainTrials(4))

	assert.True(t, result.OK())
	assert.Equal(t, 4, result.SavedCount)
	assert.Equal(t, 1, sub.callCount())
}

func TestFlushRecoversOnSecondAttempt(t *testing.T) {
	var calls int
	sub := SubmitterFunc(func(context.Context, int64, []models.TrialResult) error {
		calls++
		if calls == 1 {
			return errors.New("503")
		}
		return nil
	})
	sleeper := &recordingSleeper{}
	p := NewPipeline(sub, testConfig(), WithSleeper(sleeper))

	result := p.Flush(context.Background(), 7, mainTrials(2))

	assert.True(t, result.OK())
	assert.Equal(t, 2, result.Batches[0].Attempt)
	assert.Equal(t, []time.Duration{time.Second}, sleeper.recorded())
}

func TestFlushAttemptTimeoutIsTransient(t *testing.T) {
	var calls int
	sub := SubmitterFunc(func(ctx context.Context, _ int64, _ []models.TrialResult) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := testConfig()
	cfg.AttemptTimeout = 10 * time.Millisecond
	p := NewPipeline(sub, cfg, WithSleeper(&recordingSleeper{}))

	result := p.Flush(context.Background(), 7, mainTrials(1))

	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, result.FailedCount)
	assert.Contains(t, result.Errors[0].Message, "timed out")
}

func TestFlushStopsRetryingWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := SubmitterFunc(func(context.Context, int64, []models.TrialResult) error {
		cancel()
		return errors.New("unavailable")
	})
	p := NewPipeline(sub, testConfig(), WithSleeper(&recordingSleeper{}))

	result := p.Flush(ctx, 7, mainTrials(7))

	assert.Equal(t, 0, result.SavedCount)
	assert.Equal(t, 7, result.FailedCount)
	assert.Equal(t, 1, result.Batches[0].Attempt)
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsPermanent(Permanent(base)))
	assert.False(t, IsPermanent(Transient(base)))
	assert.False(t, IsPermanent(base))
	assert.ErrorIs(t, Permanent(base), base)
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", Transient(base)), base)
	assert.Nil(t, Permanent(nil))
}
