package esi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ambiyansyah-risyal/esi/internal/backoff"
)

// WithHTTPClient sets the underlying *http.Client. Its Timeout, if any,
// applies on top of the per-request timeout.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout bounds each fragment request attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMaxRetries sets how many times a failed fragment is retried.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBackoff configures the delay between retries.
func WithBackoff(initial, max time.Duration, multiplier, jitter float64) ClientOption {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = max
		c.backoffMultiplier = multiplier
		c.jitter = jitter
	}
}

// WithBackoffStrategy selects how retry delays grow.
func WithBackoffStrategy(strategy backoff.Strategy) ClientOption {
	return func(c *Client) {
		c.backoffStrategy = strategy
	}
}

// WithRetryPolicy replaces the default retry decision. Retry settings from
// WithMaxRetries and WithBackoff are then ignored.
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithRetryBudget caps retries across all fragments per window.
func WithRetryBudget(maxRetries int, window time.Duration) ClientOption {
	return func(c *Client) {
		c.retryBudget = NewRetryBudget(maxRetries, window)
	}
}

// WithCircuitBreaker enables a circuit breaker per fragment host.
func WithCircuitBreaker(config CircuitBreakerConfig) ClientOption {
	return func(c *Client) {
		c.breakerConfig = &config
	}
}

// WithRateLimit enables a token bucket per fragment host. Fetches wait for a
// token rather than fail.
func WithRateLimit(maxTokens int, refillRate time.Duration) ClientOption {
	return func(c *Client) {
		c.rateLimit = &rateLimitConfig{maxTokens: maxTokens, refillRate: refillRate, keyFunc: DefaultHostKeyFunc}
	}
}

// WithRateLimitKeyFunc changes how requests are grouped into buckets. It has
// no effect without WithRateLimit.
func WithRateLimitKeyFunc(fn KeyFunc) ClientOption {
	return func(c *Client) {
		if c.rateLimit != nil {
			c.rateLimit.keyFunc = fn
		}
	}
}

// WithResponseCache keeps successful fragments in memory for ttl, or for the
// lifetime the fragment's own Cache-Control or Expires headers allow.
func WithResponseCache(ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.cache = NewInMemoryCache()
		c.cacheTTL = ttl
	}
}

// WithCustomResponseCache is WithResponseCache with a caller-supplied store.
func WithCustomResponseCache(cache Cache, ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// WithMaxBodyBytes caps the decoded size of a fragment body.
func WithMaxBodyBytes(n int64) ClientOption {
	return func(c *Client) {
		c.maxBodyBytes = n
	}
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithDefaultHeaders sets headers sent with every fragment request. Headers
// passed per Process call override them.
func WithDefaultHeaders(headers http.Header) ClientOption {
	return func(c *Client) {
		for name, values := range headers {
			c.defaultHeaders[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
}

// WithMiddleware appends to the middleware chain. The first middleware added
// is the outermost.
func WithMiddleware(middleware ...ClientMiddleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

func WithClientLogger(logger Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithClientMetrics(collector *MetricsCollector) ClientOption {
	return func(c *Client) {
		c.metrics = collector
	}
}

// ValidateConfiguration checks the client settings and reports every problem
// in a single validation error.
func (c *Client) ValidateConfiguration() error {
	var problems []string
	problems = append(problems, c.validateRetryConfig()...)
	problems = append(problems, c.validateTransportConfig()...)
	problems = append(problems, c.validateRateLimitConfig()...)
	problems = append(problems, c.validateCacheConfig()...)
	problems = append(problems, c.validateCircuitBreakerConfig()...)

	if len(problems) > 0 {
		return &Error{
			Type:    ErrorTypeValidation,
			Message: "client configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", problems),
		}
	}
	return nil
}

func (c *Client) validateRetryConfig() []string {
	var problems []string
	if c.maxRetries < 0 {
		problems = append(problems, "maxRetries must be non-negative")
	}
	if c.maxRetries > 10 {
		problems = append(problems, "maxRetries > 10 would stall page assembly")
	}
	if c.initialBackoff <= 0 {
		problems = append(problems, "initialBackoff must be positive")
	}
	if c.maxBackoff < c.initialBackoff {
		problems = append(problems, "maxBackoff must be greater than or equal to initialBackoff")
	}
	if c.backoffMultiplier <= 0 {
		problems = append(problems, "backoffMultiplier must be positive")
	}
	if c.jitter < 0 || c.jitter > 1 {
		problems = append(problems, "jitter must be between 0 and 1")
	}
	return problems
}

func (c *Client) validateTransportConfig() []string {
	var problems []string
	if c.httpClient == nil {
		problems = append(problems, "HTTP client cannot be nil")
	}
	if c.timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if c.maxBodyBytes < 0 {
		problems = append(problems, "maxBodyBytes must be non-negative")
	}
	for i, mw := range c.middleware {
		if mw == nil {
			problems = append(problems, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}
	return problems
}

func (c *Client) validateRateLimitConfig() []string {
	if c.rateLimit == nil {
		return nil
	}
	var problems []string
	if c.rateLimit.maxTokens <= 0 {
		problems = append(problems, "rate limit maxTokens must be positive")
	}
	if c.rateLimit.refillRate <= 0 {
		problems = append(problems, "rate limit refillRate must be positive")
	}
	return problems
}

func (c *Client) validateCacheConfig() []string {
	if c.cache == nil {
		return nil
	}
	if c.cacheTTL <= 0 {
		return []string{"cacheTTL must be positive when the response cache is enabled"}
	}
	return nil
}

func (c *Client) validateCircuitBreakerConfig() []string {
	if c.breakerConfig == nil {
		return nil
	}
	var problems []string
	if c.breakerConfig.FailureThreshold < 0 {
		problems = append(problems, "circuit breaker FailureThreshold must be non-negative")
	}
	if c.breakerConfig.RecoveryTimeout < 0 {
		problems = append(problems, "circuit breaker RecoveryTimeout must be non-negative")
	}
	if c.breakerConfig.SuccessThreshold < 0 {
		problems = append(problems, "circuit breaker SuccessThreshold must be non-negative")
	}
	return problems
}
