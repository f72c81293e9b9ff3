// Package cleanup runs the background worker that drops abandoned sessions.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// SessionStore is the part of the session manager the reaper needs
type SessionStore interface {
	Idle(ttl time.Duration) []string
	Delete(id string) error
}

// Reaper periodically closes sessions idle for longer than the TTL.
// Closing stops their timers and abandons submission retries; cached
// results stay behind for a manual flush.
type Reaper struct {
	store    SessionStore
	interval time.Duration
	ttl      time.Duration
	clock    clockwork.Clock
	done     chan struct{}
}

// NewReaper creates a new cleanup worker
func NewReaper(store SessionStore, interval, ttl time.Duration, clock clockwork.Clock) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Reaper{
		store:    store,
		interval: interval,
		ttl:      ttl,
		clock:    clock,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup worker in a goroutine
func (r *Reaper) Start(ctx context.Context) {
	go r.run(ctx)
}

// Done is closed once the worker has stopped
func (r *Reaper) Done() <-chan struct{} {
	return r.done
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)
	slog.Info("session reaper started", "interval", r.interval, "idle_ttl", r.ttl)

	// Run immediately on start
	r.Sweep()

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session reaper stopped")
			return
		case <-ticker.Chan():
			r.Sweep()
		}
	}
}

// Sweep closes every idle session once and returns how many were closed
func (r *Reaper) Sweep() int {
	idle := r.store.Idle(r.ttl)
	if len(idle) == 0 {
		slog.Debug("no idle sessions")
		return 0
	}

	slog.Info("found idle sessions", "count", len(idle))

	closed := 0
	for _, id := range idle {
		if err := r.store.Delete(id); err != nil {
			slog.Error("failed to close idle session", "session_id", id, "error", err)
			continue
		}
		closed++
	}
	return closed
}
