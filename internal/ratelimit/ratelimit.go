// Package ratelimit implements the token-bucket gate described in spec
// §4.2: a single bucket per shipper, in either events mode or bytes mode,
// built on golang.org/x/time/rate — the same rate limiting library the
// teacher already depended on transitively for its per-IP HTTP middleware,
// here promoted to a direct, first-class component.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Mode names what a single token stands for (spec §6.4 rate_limit.mode).
// The Limiter only stores it and reports it through Mode(); how many tokens
// a call takes is chosen by the caller.
type Mode string

const (
	ModeEvents Mode = "events"
	ModeBytes  Mode = "bytes"
)

// Limiter gates outbound event or byte rate.
type Limiter struct {
	mode Mode
	rl   *rate.Limiter
}

// New creates a Limiter with the given burst capacity and refill rate per
// second (spec §4.2 capacity / refill_rate).
func New(mode Mode, capacity int, refillPerSec float64) *Limiter {
	if mode == "" {
		mode = ModeEvents
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{
		mode: mode,
		rl:   rate.NewLimiter(rate.Limit(refillPerSec), capacity),
	}
}

// Mode reports whether this limiter counts events or bytes.
func (l *Limiter) Mode() Mode { return l.mode }

// SetRate updates capacity and refill rate in place (spec §4.8: rate-limit
// values are safe to reload on SIGHUP without restarting the shipper).
func (l *Limiter) SetRate(capacity int, refillPerSec float64) {
	if capacity <= 0 {
		capacity = 1
	}
	l.rl.SetBurst(capacity)
	l.rl.SetLimit(rate.Limit(refillPerSec))
}

// TryAcquire returns immediately with whether n tokens were available and,
// if so, consumes them (spec §4.2 try_acquire).
func (l *Limiter) TryAcquire(n int) bool {
	if n <= 0 {
		return true
	}
	return l.rl.AllowN(time.Now(), n)
}

// Acquire suspends until n tokens are available or ctx is done (spec §4.2
// acquire). Refill is computed lazily from wall-clock delta by the
// underlying rate.Limiter, matching the spec's lazy-refill requirement.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return l.rl.WaitN(ctx, n)
}
