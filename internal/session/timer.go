package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer drives a session's countdown, one tick per second of the clock.
// The ticker is realigned whenever a new trial starts or an interstitial is
// dismissed, and ticks that belong to a superseded trial are dropped.
type Timer struct {
	session *Session
	clock   clockwork.Clock

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// StartTimer launches the countdown goroutine for s
func StartTimer(s *Session, clock clockwork.Clock) *Timer {
	if clock == nil {
		clock = s.clock
	}

	t := &Timer{
		session: s,
		clock:   clock,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Timer) run() {
	defer close(t.done)

	ticker := t.clock.NewTicker(time.Second)
	defer ticker.Stop()

	gen := t.session.currentGeneration()
	for {
		select {
		case <-t.stop:
			return
		case <-t.session.restart:
			ticker.Reset(time.Second)
			// drop a tick that fired for the previous trial
			select {
			case <-ticker.Chan():
			default:
			}
			gen = t.session.currentGeneration()
		case <-ticker.Chan():
			t.session.tickGeneration(gen)
		}
	}
}

// Stop halts the countdown and waits for the goroutine to exit
func (t *Timer) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	<-t.done
}

func (s *Session) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}
