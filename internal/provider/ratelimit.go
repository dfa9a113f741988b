package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// NewLimiter builds the token bucket for a plugin's declared rate limit.
// Capacity is the full call budget; refill spreads it across the window. All
// concurrent callers of one plugin share the same limiter.
func NewLimiter(rl RateLimit) *rate.Limiter {
	if rl.Calls <= 0 || rl.Seconds <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	per := float64(rl.Calls) / float64(rl.Seconds)
	return rate.NewLimiter(rate.Limit(per), rl.Calls)
}

// WaitN blocks until n calls are admitted or the context is cancelled. The
// caller's context bounds the wait; a slow refill is a legal state, not an
// error.
func WaitN(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	return l.WaitN(ctx, n)
}
