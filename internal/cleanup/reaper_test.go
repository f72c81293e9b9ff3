package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	idle    []string
	deleted []string
	sweeps  int
}

func (f *fakeStore) Idle(time.Duration) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	ids := f.idle
	f.idle = nil
	return ids
}

func (f *fakeStore) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "broken" {
		return errors.New("session not found")
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

func (f *fakeStore) setIdle(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle = ids
}

func TestSweepClosesIdleSessions(t *testing.T) {
	store := &fakeStore{idle: []string{"a", "broken", "b"}}
	r := NewReaper(store, time.Minute, time.Hour, clockwork.NewFakeClock())

	assert.Equal(t, 2, r.Sweep())
	assert.Equal(t, []string{"a", "b"}, store.deleted)
	assert.Equal(t, 0, r.Sweep())
}

func TestReaperRunsOnEveryTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := &fakeStore{}
	r := NewReaper(store, time.Minute, time.Hour, clock)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	// First sweep happens immediately, then the ticker is armed
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, store.sweepCount())

	store.setIdle("x")
	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return store.sweepCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"x"}, store.deleted)
}
