package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/research-engine/internal/models"
	"github.com/terra-clan/research-engine/internal/study"
)

func testLoader(t *testing.T) *study.Loader {
	t.Helper()
	loader := study.NewLoader()
	require.NoError(t, loader.LoadBytes([]byte(testStudyYAML), "test"))
	return loader
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Notify(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) count(typ EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestManagerRequiresStudy(t *testing.T) {
	m := NewManager(study.NewLoader())
	_, err := m.Create(nil)
	assert.ErrorIs(t, err, ErrStudyNotLoaded)
}

func TestManagerLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	obs := &collector{}
	m := NewManager(testLoader(t), WithClock(clock), WithShuffler(reverseShuffler), WithObserver(obs))
	defer m.Close()

	pid := int64(3)
	s, err := m.Create(&pid)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	s.Acknowledge()
	assert.Equal(t, 1, obs.count(EventChanged))

	require.NoError(t, m.Delete(s.ID()))
	assert.ErrorIs(t, m.Delete(s.ID()), ErrSessionNotFound)
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 1, obs.count(EventClosed))
}

func TestManagerIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(testLoader(t), WithClock(clock))
	defer m.Close()

	stale, err := m.Create(nil)
	require.NoError(t, err)

	clock.Advance(90 * time.Minute)
	fresh, err := m.Create(nil)
	require.NoError(t, err)

	idle := m.Idle(time.Hour)
	assert.Equal(t, []string{stale.ID()}, idle)

	// activity refreshes the session
	stale.Acknowledge()
	assert.Empty(t, m.Idle(time.Hour))
	_ = fresh
}

func TestTimerCountsDownAndTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(testLoader(t), WithClock(clock), WithShuffler(reverseShuffler))
	defer m.Close()

	s, err := m.Create(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	// the countdown is suspended behind the instructions
	clock.Advance(3 * time.Second)
	assert.Never(t, func() bool {
		return s.Snapshot().RemainingSeconds != 12
	}, 50*time.Millisecond, 5*time.Millisecond)

	s.Acknowledge()
	s.SelectItem("P2")
	s.SelectItem("P6")

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return s.Snapshot().Index == 1
	}, 5*time.Second, 2*time.Millisecond)

	done := s.CompletedTrials()
	require.Len(t, done, 1)
	assert.True(t, done[0].TimedOut)
	assert.Equal(t, []string{"P2", "P6"}, done[0].SelectedItems)
	assert.Equal(t, models.PhasePractice, done[0].Phase)
}

func TestHubDeliversLatestSnapshot(t *testing.T) {
	hub := NewHub()
	m := NewManager(testLoader(t), WithClock(clockwork.NewFakeClock()), WithObserver(hub))
	defer m.Close()

	s, err := m.Create(nil)
	require.NoError(t, err)

	ch, cancel := hub.Subscribe(s.ID())
	defer cancel()

	s.Acknowledge()
	s.SelectItem("P1")
	s.SelectItem("P2")

	snap := <-ch
	assert.Equal(t, []string{"P1", "P2"}, snap.SelectedItems)
	assert.Equal(t, uint64(3), snap.Version)

	require.NoError(t, m.Delete(s.ID()))
	_, open := <-ch
	assert.False(t, open)

	// cancel after close is safe
	cancel()
}

func TestHubCancelUnsubscribes(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("abc")
	cancel()

	_, open := <-ch
	assert.False(t, open)

	hub.Notify(Event{Type: EventChanged, SessionID: "abc"})
	hub.Notify(Event{Type: EventClosed, SessionID: "abc"})
}
