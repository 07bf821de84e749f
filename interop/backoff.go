package interop

import (
	"context"
	"time"
)

// Backoff yields the delay before retry attempt n, counted from zero.
// Implementations are stateless so one value can serve concurrent loops.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same interval before every retry.
type Fixed time.Duration

func (f Fixed) Delay(int) time.Duration { return time.Duration(f) }

// Exponential doubles Base per attempt, capped at Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	d := e.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
	}
	return d
}

// sleep waits for d, or returns the context's error if it ends first. A
// non-positive d still checks for cancellation so abort points stay dense.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
