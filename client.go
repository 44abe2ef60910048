package esi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ambiyansyah-risyal/esi/internal/backoff"
)

// Client is the default Fetcher. It layers retries, per-host circuit
// breaking and rate limiting, an optional response cache, middleware and
// metrics around net/http, and decodes fragment bodies to UTF-8 text. It is
// safe for concurrent use.
type Client struct {
	httpClient        *http.Client
	timeout           time.Duration
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   backoff.Strategy
	retryPolicy       RetryPolicy
	retryBudget       *RetryBudget
	breakerConfig     *CircuitBreakerConfig
	breakers          *breakerRegistry
	rateLimit         *rateLimitConfig
	limiters          *RateLimiterRegistry
	cache             Cache
	cacheTTL          time.Duration
	maxBodyBytes      int64
	userAgent         string
	defaultHeaders    http.Header
	middleware        []ClientMiddleware
	metrics           *MetricsCollector
	logger            Logger
	validationError   error
}

type rateLimitConfig struct {
	maxTokens  int
	refillRate time.Duration
	keyFunc    KeyFunc
}

// NewClient constructs a Client. Configuration problems do not panic; check
// IsValid / ValidationError, or let New reject the client.
func NewClient(options ...ClientOption) *Client {
	c := &Client{
		httpClient:        &http.Client{},
		timeout:           10 * time.Second,
		maxRetries:        0,
		initialBackoff:    50 * time.Millisecond,
		maxBackoff:        time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.1,
		backoffStrategy:   backoff.ExponentialJitter{},
		maxBodyBytes:      DefaultMaxBodyBytes,
		userAgent:         "esi/" + Version,
		defaultHeaders:    make(http.Header),
		logger:            NopLogger{},
	}

	for _, option := range options {
		option(c)
	}

	if c.retryPolicy == nil {
		c.retryPolicy = NewDefaultRetryPolicyWithStrategy(c.maxRetries, c.initialBackoff, c.maxBackoff, c.backoffMultiplier, c.jitter, c.backoffStrategy)
	}
	if c.breakerConfig != nil {
		c.breakers = newBreakerRegistry(*c.breakerConfig)
	}
	if c.rateLimit != nil {
		c.limiters = NewRateLimiterRegistry(c.rateLimit.keyFunc, c.rateLimit.maxTokens, c.rateLimit.refillRate)
	}
	if c.logger == nil {
		c.logger = NopLogger{}
	}

	if err := c.ValidateConfiguration(); err != nil {
		c.validationError = err
	}
	return c
}

// Get fetches rawURL. Non-2xx responses fail with a status *Error; every
// other failure is an *Error as well.
func (c *Client) Get(ctx context.Context, rawURL string, opts FetchOptions) (*Response, error) {
	start := time.Now()
	requestID := requestIDFromContext(ctx)

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &Error{
			Type:      ErrorTypeValidation,
			Message:   "invalid fragment URL",
			Cause:     err,
			URL:       rawURL,
			RequestID: requestID,
			Timestamp: time.Now(),
		}
	}
	host := hostKey(u)

	var cacheKey string
	if c.cache != nil {
		cacheKey = responseCacheKey(rawURL, opts)
		if entry, ok := c.cache.Get(cacheKey); ok {
			c.metrics.RecordCacheHit(host)
			c.logger.Debug("fragment cache hit", "request_id", requestID, "url", rawURL)
			return &Response{URL: rawURL, StatusCode: entry.StatusCode, Header: entry.Header.Clone(), Body: entry.Body}, nil
		}
		c.metrics.RecordCacheMiss(host)
	}

	resp, raw, err := c.doWithRetry(ctx, u, opts, requestID)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.RequestID = requestID
			e.Duration = time.Since(start)
		}
		c.logger.Debug("fragment fetch failed", "request_id", requestID, "url", rawURL, "error", err)
		return nil, err
	}

	if c.cache != nil {
		if ttl, ok := cacheTTLFor(raw.Header, c.cacheTTL, time.Now()); ok {
			c.cache.Set(cacheKey, &CacheEntry{Body: resp.Body, StatusCode: resp.StatusCode, Header: resp.Header.Clone()}, ttl)
			c.metrics.RecordCacheSize(c.cache.Len())
		}
	}

	c.logger.Debug("fragment fetched", "request_id", requestID, "url", rawURL, "status", resp.StatusCode, "bytes", len(resp.Body), "duration", time.Since(start))
	return resp, nil
}

func (c *Client) doWithRetry(ctx context.Context, u *url.URL, opts FetchOptions, requestID string) (*Response, *http.Response, error) {
	host := hostKey(u)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.metrics.RecordRetry(host, attempt)
			c.logger.Debug("retrying fragment", "request_id", requestID, "url", u.String(), "attempt", attempt)
		}

		resp, raw, err := c.attempt(ctx, u, opts)
		if err == nil {
			return resp, raw, nil
		}
		annotateAttempt(err, attempt, c.maxRetries)

		if !c.retryable(ctx, err) {
			return nil, nil, err
		}

		var policyErr error
		if raw == nil {
			policyErr = err
		}
		delay, retry := c.retryPolicy.ShouldRetry(raw, policyErr, attempt)
		if !retry {
			return nil, nil, err
		}
		if c.retryBudget != nil && !c.retryBudget.Allow() {
			c.metrics.RecordRetryBudgetExceeded(host)
			c.logger.Warn("retry budget exceeded", "request_id", requestID, "host", host)
			return nil, nil, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, err
		case <-timer.C:
		}
	}
}

func (c *Client) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return IsTransient(err)
}

// attempt performs one request. raw is returned, with its body consumed, for
// responses that reached the server so retry policies can inspect headers.
func (c *Client) attempt(ctx context.Context, u *url.URL, opts FetchOptions) (*Response, *http.Response, error) {
	host := hostKey(u)
	target := u.String()

	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, &Error{Type: ErrorTypeValidation, Message: "invalid fragment request", Cause: err, URL: target, Timestamp: time.Now()}
	}
	c.applyHeaders(req, opts.Headers)

	if c.limiters != nil {
		rl, key := c.limiters.Limiter(req)
		if err := rl.Wait(ctx); err != nil {
			c.metrics.RecordError(ErrorTypeRateLimit, host)
			return nil, nil, &Error{Type: ErrorTypeRateLimit, Message: "rate limit wait aborted", Cause: err, URL: target, Timestamp: time.Now()}
		}
		c.metrics.RecordRateLimiterTokens(key, rl.Tokens())
	}

	var breaker *CircuitBreaker
	if c.breakers != nil {
		breaker = c.breakers.get(host)
		if !breaker.Allow() {
			c.metrics.RecordError(ErrorTypeCircuitOpen, host)
			return nil, nil, &Error{Type: ErrorTypeCircuitOpen, Message: "circuit breaker is open", URL: target, Timestamp: time.Now()}
		}
	}

	c.metrics.RecordFetchStart(host)
	defer c.metrics.RecordFetchEnd(host)

	start := time.Now()
	httpResp, err := c.executeMiddleware(req)
	if err != nil {
		c.recordBreaker(breaker, host, false)
		errType := classifyTransportError(err)
		c.metrics.RecordFetch(host, 0, time.Since(start))
		c.metrics.RecordError(errType, host)
		return nil, nil, &Error{Type: errType, Message: "fragment request failed", Cause: err, URL: target, Timestamp: time.Now()}
	}
	defer httpResp.Body.Close()

	c.metrics.RecordFetch(host, httpResp.StatusCode, time.Since(start))
	c.recordBreaker(breaker, host, httpResp.StatusCode < 500)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4<<10))
		c.metrics.RecordError(ErrorTypeHTTPStatus, host)
		return nil, httpResp, NewStatusError(target, httpResp.StatusCode)
	}

	body, err := readBody(httpResp, c.maxBodyBytes)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.URL = target
			e.Timestamp = time.Now()
			c.metrics.RecordError(e.Type, host)
		}
		return nil, nil, err
	}

	return &Response{
		URL:        target,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       body,
	}, httpResp, nil
}

func (c *Client) recordBreaker(cb *CircuitBreaker, host string, ok bool) {
	if cb == nil {
		return
	}
	if ok {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}
	c.metrics.RecordCircuitBreakerState(host, cb.State())
}

// applyHeaders layers defaults, then per-call headers. Accept-Encoding is
// always ours since readBody does the decoding.
func (c *Client) applyHeaders(req *http.Request, headers http.Header) {
	for name, values := range c.defaultHeaders {
		req.Header[name] = append([]string(nil), values...)
	}
	for name, values := range headers {
		req.Header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := current
		current = func(r *http.Request) (*http.Response, error) {
			return mw(r, next)
		}
	}
	return current.RoundTrip(req)
}

func annotateAttempt(err error, attempt, maxRetries int) {
	var e *Error
	if errors.As(err, &e) {
		e.Attempt = attempt + 1
		e.MaxRetries = maxRetries
	}
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

type requestIDKey struct{}

// ContextWithRequestID tags ctx so that fetches made under it log and report
// the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
