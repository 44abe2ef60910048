package esi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Error types carried by *Error.
const (
	ErrorTypeNetwork      = "Network"
	ErrorTypeTimeout      = "Timeout"
	ErrorTypeHTTPStatus   = "HTTPStatus"
	ErrorTypeRateLimit    = "RateLimit"
	ErrorTypeCircuitOpen  = "CircuitBreaker"
	ErrorTypeBodyTooLarge = "BodyTooLarge"
	ErrorTypeDecode       = "Decode"
	ErrorTypeValidation   = "Validation"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the breaker for a host is open
	ErrCircuitOpen = errors.New("esi: circuit open")

	// ErrRateLimited is returned when a fetch could not obtain a rate limiter token
	ErrRateLimited = errors.New("esi: rate limited")

	// ErrBodyTooLarge is returned when a fragment exceeds the configured body limit
	ErrBodyTooLarge = errors.New("esi: body too large")
)

// Error describes a failed fetch or an invalid configuration. Error handlers
// receive it for every failed include fetched by the built-in Client.
type Error struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	URL        string
	StatusCode int
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
}

// NewStatusError builds the error reported for a non-2xx response. Custom
// Fetcher implementations can use it to report statuses the same way.
func NewStatusError(url string, statusCode int) *Error {
	return &Error{
		Type:       ErrorTypeHTTPStatus,
		Message:    fmt.Sprintf("HTTP error: status code %d", statusCode),
		URL:        url,
		StatusCode: statusCode,
		Timestamp:  time.Now(),
	}
}

// Error implements error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error of the same type, or the sentinel that
// corresponds to this error's type.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	case ErrBodyTooLarge:
		return e.Type == ErrorTypeBodyTooLarge
	}
	if targetErr, ok := target.(*Error); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *Error) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsTransient determines if an error represents a failure that might succeed
// on retry: network errors, timeouts, 5xx and 429 responses, rate limiting
// and open circuits. Other 4xx responses and configuration errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		switch e.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCircuitOpen:
			return true
		case ErrorTypeHTTPStatus:
			return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
		default:
			return false
		}
	}

	return false
}

// classifyTransportError maps a transport failure onto an error type.
func classifyTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}
	return ErrorTypeNetwork
}
