package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tcmartin/routinerunner/pkg/breaker"
)

// Router errors
var (
	ErrServiceUnavailable = errors.New("no llm service available")
	ErrUnsafeContent      = errors.New("content rejected by safety check")
	ErrCostLimitExceeded  = errors.New("credit budget exhausted before generation")
	ErrStreamClosed       = errors.New("stream closed")
)

// ErrorKind classifies a provider failure for the service registry
type ErrorKind string

const (
	KindAPIError       ErrorKind = "api_error"
	KindRateLimit      ErrorKind = "rate_limit"
	KindOverloaded     ErrorKind = "overloaded"
	KindAuthentication ErrorKind = "authentication"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindContentFilter  ErrorKind = "content_filter"
	KindTimeout        ErrorKind = "timeout"
)

// ProviderError is a failed provider call
type ProviderError struct {
	Provider   string
	StatusCode int
	Kind       ErrorKind
	Message    string
	RetryAfter *time.Duration
}

func (e *ProviderError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s error (%s): %s", e.Provider, e.Kind, msg)
	}
	return fmt.Sprintf("%s error (status=%d, %s): %s", e.Provider, e.StatusCode, e.Kind, msg)
}

// ErrorFromHTTPStatus maps an HTTP failure to a ProviderError. Ambiguous
// statuses are refined using hints in the message.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) *ProviderError {
	e := &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		RetryAfter: retryAfter,
	}
	switch statusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		e.Kind = classifyByMessage(message, KindInvalidRequest)
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Kind = KindAuthentication
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case http.StatusTooManyRequests:
		e.Kind = KindRateLimit
	case http.StatusServiceUnavailable, 529:
		e.Kind = KindOverloaded
	default:
		e.Kind = classifyByMessage(message, KindAPIError)
	}
	return e
}

func classifyByMessage(message string, fallback ErrorKind) ErrorKind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "content_filter") || strings.Contains(lower, "safety"):
		return KindContentFilter
	case strings.Contains(lower, "overloaded"):
		return KindOverloaded
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit"):
		return KindRateLimit
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid key") || strings.Contains(lower, "api key"):
		return KindAuthentication
	}
	return fallback
}

// ParseRetryAfter parses a Retry-After header in seconds or HTTP-date form
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// ClassifyError is the default classifier. Unrecognized errors are
// KindAPIError.
func ClassifyError(err error) ErrorKind {
	var pe *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, breaker.ErrHalfOpenTimeout):
		return KindTimeout
	case errors.Is(err, breaker.ErrCircuitOpen):
		return KindOverloaded
	default:
		return KindAPIError
	}
}

// AttemptError records one failed router attempt
type AttemptError struct {
	Attempt   int
	ServiceID string
	Kind      ErrorKind
	Err       error
}

func (e *AttemptError) Error() string {
	if e.ServiceID == "" {
		return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("attempt %d on %s (%s): %v", e.Attempt, e.ServiceID, e.Kind, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}
