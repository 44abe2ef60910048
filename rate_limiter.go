package esi

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket holding up to maxTokens, refilled with one
// token every refillRate.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a full bucket. A non-positive refillRate never refills.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	limit := rate.Limit(0)
	if refillRate > 0 {
		limit = rate.Every(refillRate)
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, maxTokens)}
}

// Allow takes a token if one is available right now.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// Tokens returns the number of whole tokens currently available.
func (rl *RateLimiter) Tokens() int {
	return int(rl.limiter.Tokens())
}
