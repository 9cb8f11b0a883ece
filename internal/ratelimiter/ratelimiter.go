// Package ratelimiter throttles connection admission with a token bucket.
//
// The endpoint's acceptors consult a RateLimiter before each accept() when an
// accept rate is configured. A zero rate disables throttling entirely: Wait
// and Allow return immediately without touching the bucket.
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter gates accepted connections per second.
//
// Thread safety:
// All methods are safe for concurrent use by multiple acceptor goroutines.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter admitting perSecond connections with the given
// burst. perSecond == 0 means unlimited. A burst of 0 defaults to perSecond so
// a freshly started endpoint can absorb one second worth of connections.
func New(perSecond, burst uint) *RateLimiter {
	if perSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = perSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(burst)),
	}
}

// Unlimited reports whether the limiter admits everything.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.Unlimited() {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// Reserve returns how long the caller would have to wait for the next token
// without consuming it. Acceptors use it to log throttling decisions.
func (r *RateLimiter) Reserve() time.Duration {
	if r.Unlimited() {
		return 0
	}
	res := r.limiter.Reserve()
	delay := res.Delay()
	res.Cancel()
	return delay
}

// SetLimit changes the admission rate; 0 switches to unlimited. The burst is
// kept at least as large as the new rate.
func (r *RateLimiter) SetLimit(perSecond uint) {
	if perSecond == 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Limit(perSecond))
	if uint(r.limiter.Burst()) < perSecond {
		r.limiter.SetBurst(int(perSecond))
	}
}

// Tokens returns the current bucket level, for monitoring.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
