package dispatcher

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes exponential backoff with full jitter. The
// dispatcher uses two instances: an unbounded flat policy for the
// phase-1 pool wait, and an exponential one for phase-2 retries.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	Exponential bool
}

// Duration returns the sleep before the given attempt (0-based). The
// result is jittered uniformly over (0, d] so concurrent workers spread
// out instead of thundering.
func (p BackoffPolicy) Duration(attempt int) time.Duration {
	d := p.Base
	if p.Exponential {
		for i := 0; i < attempt; i++ {
			d *= 2
			if p.Max > 0 && d >= p.Max {
				d = p.Max
				break
			}
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d))) + 1
}
