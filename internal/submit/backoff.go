package submit

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backoff decides how long to wait before retry n (1-based)
type Backoff interface {
	Delay(retry int) time.Duration
}

// ExponentialBackoff doubles Initial for every retry, capped at Max when set
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b ExponentialBackoff) Delay(retry int) time.Duration {
	if retry < 1 || b.Initial <= 0 {
		return 0
	}

	d := b.Initial
	for i := 1; i < retry; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Sleeper waits for a duration or until ctx is done
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ClockSleeper sleeps on a clockwork clock so tests can drive it with a fake
type ClockSleeper struct {
	Clock clockwork.Clock
}

func (s ClockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := s.Clock.NewTimer(d)
	select {
	case <-ctx.Done():
		stopAndDrainTimer(timer)
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
