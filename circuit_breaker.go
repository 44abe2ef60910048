package esi

import (
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// NewCircuitBreaker creates a breaker, filling zero config values with
// defaults: 5 failures to open, 60s recovery, 2 successes to close.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	return &CircuitBreaker{
		config: config,
		state:  int64(StateClosed),
	}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// Allow reports whether a request may go out. An open breaker moves to
// half-open once the recovery timeout has elapsed since the last failure.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		since := time.Now().UnixNano() - atomic.LoadInt64(&cb.lastFailure)
		if since < int64(cb.config.RecoveryTimeout) {
			return false
		}
		if atomic.CompareAndSwapInt64(&cb.state, int64(StateOpen), int64(StateHalfOpen)) {
			atomic.StoreInt64(&cb.successes, 0)
		}
		return true
	default:
		return false
	}
}

// RecordFailure counts a failure. A half-open breaker reopens at once.
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.lastFailure, time.Now().UnixNano())

	switch cb.State() {
	case StateClosed:
		if atomic.AddInt64(&cb.failures, 1) >= int64(cb.config.FailureThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateOpen))
		}
	case StateHalfOpen:
		atomic.AddInt64(&cb.failures, 1)
		atomic.StoreInt64(&cb.successes, 0)
		atomic.StoreInt64(&cb.state, int64(StateOpen))
	}
}

// RecordSuccess counts a success. Closed breakers forget earlier failures;
// half-open breakers close after SuccessThreshold successes.
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case StateClosed:
		atomic.StoreInt64(&cb.failures, 0)
	case StateHalfOpen:
		if atomic.AddInt64(&cb.successes, 1) >= int64(cb.config.SuccessThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateClosed))
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.successes, 0)
		}
	}
}

// breakerRegistry hands out one breaker per fragment host, so one failing
// origin does not cut off fragments served by another.
type breakerRegistry struct {
	config   CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func newBreakerRegistry(config CircuitBreakerConfig) *breakerRegistry {
	return &breakerRegistry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (r *breakerRegistry) get(host string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(r.config)
		r.breakers[host] = cb
	}
	return cb
}

// hostKey names the upstream a fragment URL belongs to.
func hostKey(u *url.URL) string {
	if u == nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
