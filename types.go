package esi

import (
	"context"
	"net/http"
	"time"
)

// Response is a fetched fragment. Responses handed out by the request cache
// may be shared between callers and must be treated as read-only.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       string
}

// FetchOptions carries per-request settings for a Fetcher.
type FetchOptions struct {
	// Headers are sent with the request in addition to the fetcher's defaults.
	Headers http.Header
	// Timeout bounds this request; zero leaves the fetcher's own timeout.
	Timeout time.Duration
}

// Fetcher performs a single GET of a fully-qualified URL. It must fail for
// transport errors and non-2xx statuses; NewStatusError builds the
// conventional status error.
type Fetcher interface {
	Get(ctx context.Context, url string, opts FetchOptions) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string, opts FetchOptions) (*Response, error)

// Get calls f.
func (f FetcherFunc) Get(ctx context.Context, url string, opts FetchOptions) (*Response, error) {
	return f(ctx, url, opts)
}

// ErrorHandler produces replacement content for an include whose fetch
// failed. src is the resolved URL.
type ErrorHandler func(src string, err error) string

// DefaultErrorHandler replaces a failed include with nothing.
func DefaultErrorHandler(src string, err error) string {
	return ""
}

// DedupKeyFunc builds the key under which identical in-flight fetches are
// merged.
type DedupKeyFunc func(url string, opts FetchOptions) string

// Option configures a Processor.
type Option func(*Processor)

// ClientOption configures a Client.
type ClientOption func(*Client)

// ProcessOption configures a single Process call.
type ProcessOption func(*processOptions)

type processOptions struct {
	headers http.Header
}

// processingState is threaded through the passes of one Process call.
type processingState struct {
	depth     int
	requestID string
	fetched   int
	failed    int
	dropped   int
}

// ClientMiddleware wraps the transport of a Client
type ClientMiddleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// CircuitBreaker guards one upstream host
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       int64
	failures    int64
	lastFailure int64
	successes   int64
}

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CacheEntry is a cached fragment
type CacheEntry struct {
	Body       string
	StatusCode int
	Header     http.Header
	ExpiresAt  time.Time
}

// Cache interface for response caching
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry, ttl time.Duration)
	Delete(key string)
	Clear()
	Len() int
}
