package worker

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pacer draws the delay a worker waits before it starts the next command
type Pacer struct {
	lo, hi time.Duration
}

func NewPacer(lo, hi time.Duration) Pacer {
	if hi < lo {
		hi = lo
	}
	return Pacer{lo: lo, hi: hi}
}

// Next returns a uniformly distributed delay in [lo, hi]. A per command
// override wins over the bounds.
func (p Pacer) Next(override *time.Duration) time.Duration {
	if override != nil {
		return max(*override, 0)
	}
	if p.hi <= p.lo {
		return p.lo
	}
	return p.lo + rand.N(p.hi-p.lo+1)
}

// sleep waits for d and reports false when ctx was cancelled first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
