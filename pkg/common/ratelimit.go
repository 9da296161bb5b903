package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides thread-safe rate limiting with dynamically adjustable limits.
// Provider connections share one limiter per subscription so that pollers and
// snapshot operations against the same account draw from a single budget.
type RateLimiter struct {
	mu      sync.RWMutex // Protects concurrent access to the limiter
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter with the specified requests per second (rps)
// and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// Limit returns the current requests per second.
func (rl *RateLimiter) Limit() float64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return float64(rl.limiter.Limit())
}

// UpdateLimits dynamically adjusts the rate limiter's requests per second and burst size.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}

// UpdateFromRemaining spreads the remaining request quota evenly over window.
// It never raises the limit above ceiling. Non-positive inputs are ignored.
func (rl *RateLimiter) UpdateFromRemaining(remaining int, window time.Duration, ceiling float64) {
	if remaining <= 0 || window <= 0 {
		return
	}

	// Use 90% of the available rate to stay clear of the throttling boundary.
	rps := float64(remaining) / window.Seconds() * 0.9
	if ceiling > 0 && rps > ceiling {
		rps = ceiling
	}
	burst := remaining / 10
	if burst < 1 {
		burst = 1
	}
	rl.UpdateLimits(rps, burst)
}

// Throttle drops the limiter to a single request per retryAfter interval.
// Used when the provider answers 429 with a Retry-After hint.
func (rl *RateLimiter) Throttle(retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	rl.UpdateLimits(1/retryAfter.Seconds(), 1)
}
