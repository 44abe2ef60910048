package esi

import (
	"net/http"
	"sync"
	"time"
)

// KeyFunc maps an outbound fragment request onto a rate limiter key.
type KeyFunc func(req *http.Request) string

// RateLimiterRegistry keeps one bucket per key, created on first use with the
// same capacity and refill rate.
type RateLimiterRegistry struct {
	keyFunc    KeyFunc
	maxTokens  int
	refillRate time.Duration

	mu       sync.RWMutex
	limiters map[string]*RateLimiter
}

// NewRateLimiterRegistry creates a registry. A nil keyFunc puts every request
// in a single bucket.
func NewRateLimiterRegistry(keyFunc KeyFunc, maxTokens int, refillRate time.Duration) *RateLimiterRegistry {
	return &RateLimiterRegistry{
		keyFunc:    keyFunc,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		limiters:   make(map[string]*RateLimiter),
	}
}

// Limiter returns the bucket for req along with its key.
func (r *RateLimiterRegistry) Limiter(req *http.Request) (*RateLimiter, string) {
	key := "default"
	if r.keyFunc != nil {
		key = r.keyFunc(req)
	}

	r.mu.RLock()
	rl, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok {
		return rl, key
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rl, ok = r.limiters[key]; !ok {
		rl = NewRateLimiter(r.maxTokens, r.refillRate)
		r.limiters[key] = rl
	}
	return rl, key
}

// DefaultHostKeyFunc keys requests by target host.
func DefaultHostKeyFunc(req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return "host:" + req.URL.Host
	}
	if req.Host != "" {
		return "host:" + req.Host
	}
	return "host:unknown"
}

// DefaultRouteKeyFunc keys requests by path.
func DefaultRouteKeyFunc(req *http.Request) string {
	return "route:" + req.Method + ":" + req.URL.Path
}
