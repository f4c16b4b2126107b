// Package limiter provides the process-wide byte pacing primitive shared
// by all segment workers. Capacity is twice the configured rate, giving a
// two-second burst allowance.
package limiter

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket over bytes. A zero rate disables pacing
// entirely; workers then proceed unthrottled with no lock traffic.
type Limiter struct {
	enabled atomic.Bool
	mu      sync.Mutex
	bucket  *rate.Limiter
	burst   int
}

// New creates a Limiter with the given rate in bytes per second.
// bytesPerSec = 0 disables limiting.
func New(bytesPerSec int64) *Limiter {
	l := &Limiter{
		bucket: rate.NewLimiter(rate.Inf, 0),
	}
	l.SetLimit(bytesPerSec)
	return l
}

// SetLimit updates the global rate in bytes per second. Zero disables
// limiting; otherwise capacity becomes 2x the rate.
func (l *Limiter) SetLimit(bytesPerSec int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bytesPerSec <= 0 {
		l.enabled.Store(false)
		l.bucket.SetLimit(rate.Inf)
		l.bucket.SetBurst(0)
		l.burst = 0
		return
	}

	burst := int(2 * bytesPerSec)
	l.bucket.SetLimit(rate.Limit(bytesPerSec))
	l.bucket.SetBurst(burst)
	l.burst = burst
	l.enabled.Store(true)
}

// Acquire blocks until n bytes worth of tokens are available, then
// consumes them. Requests larger than the bucket capacity are consumed
// in capacity-sized slices so they never deadlock.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if !l.enabled.Load() {
		return nil
	}

	l.mu.Lock()
	burst := l.burst
	l.mu.Unlock()
	if burst <= 0 {
		return nil
	}

	for n > 0 {
		slice := n
		if slice > burst {
			slice = burst
		}
		if err := l.bucket.WaitN(ctx, slice); err != nil {
			return err
		}
		n -= slice
	}
	return nil
}

// Enabled reports whether a limit is currently in force.
func (l *Limiter) Enabled() bool {
	return l.enabled.Load()
}
