package esi

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ambiyansyah-risyal/esi/internal/backoff"
)

// maxRetryAfter caps how long a Retry-After header can stall a fragment.
const maxRetryAfter = 30 * time.Second

// RetryPolicy decides whether a failed fragment fetch is attempted again and
// how long to wait first. resp is nil when the transport failed.
type RetryPolicy interface {
	ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool)
}

// RetryPolicyFunc adapts a function to RetryPolicy.
type RetryPolicyFunc func(resp *http.Response, err error, attempt int) (time.Duration, bool)

func (f RetryPolicyFunc) ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool) {
	return f(resp, err, attempt)
}

// DefaultRetryPolicy retries transport errors, 5xx and 429 responses up to
// maxRetries times. Retry-After on the response overrides the computed backoff.
type DefaultRetryPolicy struct {
	maxRetries int
	params     backoff.Params
	strategy   backoff.Strategy
}

// NewDefaultRetryPolicy creates a policy using exponential backoff with jitter.
func NewDefaultRetryPolicy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) *DefaultRetryPolicy {
	return NewDefaultRetryPolicyWithStrategy(maxRetries, initialBackoff, maxBackoff, multiplier, jitter, backoff.ExponentialJitter{})
}

// NewDefaultRetryPolicyWithStrategy creates a policy with a specific backoff strategy.
func NewDefaultRetryPolicyWithStrategy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64, strategy backoff.Strategy) *DefaultRetryPolicy {
	if strategy == nil {
		strategy = backoff.ExponentialJitter{}
	}
	return &DefaultRetryPolicy{
		maxRetries: maxRetries,
		params: backoff.Params{
			Initial:    initialBackoff,
			Max:        maxBackoff,
			Multiplier: multiplier,
			Jitter:     jitter,
		},
		strategy: strategy,
	}
}

// ShouldRetry implements RetryPolicy.
func (p *DefaultRetryPolicy) ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool) {
	if attempt >= p.maxRetries {
		return 0, false
	}

	var delay time.Duration
	switch {
	case err != nil:
	case resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500):
		delay = parseRetryAfter(resp.Header.Get("Retry-After"))
	default:
		return 0, false
	}

	if delay == 0 {
		delay = p.strategy.Delay(attempt, p.params)
	}
	return delay, true
}

// parseRetryAfter accepts both the delay-seconds and the HTTP-date form.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return min(time.Duration(seconds)*time.Second, maxRetryAfter)
	}

	if t, err := http.ParseTime(value); err == nil {
		if delay := time.Until(t); delay > 0 {
			return min(delay, maxRetryAfter)
		}
	}
	return 0
}

// RetryBudget caps the number of retries a Client spends per time window so
// that a failing upstream does not multiply load while pages are assembled.
type RetryBudget struct {
	maxRetries  int64
	window      time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a budget of maxRetries per window.
func NewRetryBudget(maxRetries int, window time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		window:      window,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow consumes one retry from the budget.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	start := atomic.LoadInt64(&rb.windowStart)
	if now-start >= int64(rb.window) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, start, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}
	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// Stats returns retries spent in the current window and the budget size.
func (rb *RetryBudget) Stats() (current, max int64) {
	return atomic.LoadInt64(&rb.current), rb.maxRetries
}
