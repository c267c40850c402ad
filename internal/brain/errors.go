package brain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrAuthExpired means the provider rejected our credentials. It is never
	// retried automatically.
	ErrAuthExpired = errors.New("brain: auth expired")
	// ErrUnavailable covers transient failures: 5xx, network errors, timeouts.
	ErrUnavailable = errors.New("brain: unavailable")
)

// RateLimitedError is returned when the provider throttles us. RetryAfter is
// zero when the provider gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("brain: rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("brain: rate limited: %v", e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// ErrorClass categorizes provider errors.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassBilling indicates billing or payment issues.
	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassUnavailable indicates 5xx responses and overloaded backends.
	ErrorClassUnavailable ErrorClass = "UNAVAILABLE"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError inspects a raw provider error message for known patterns and
// returns the most specific ErrorClass that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "unauthenticated") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid x-api-key") ||
		strings.Contains(msg, "api key expired") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "credit balance") {
		return ErrorClassBilling
	}

	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "529") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") {
		return ErrorClassUnavailable
	}

	return ErrorClassUnknown
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry(?:[-_ ]after|\s+in)["':=\s]*(\d+(?:\.\d+)?)\s*(ms|s|sec|secs|seconds)?`)

// parseRetryAfter extracts a retry hint such as "retry-after: 12" or
// "Please retry in 41.5s" from a provider message.
func parseRetryAfter(msg string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v < 0 {
		return 0
	}
	if strings.EqualFold(m[2], "ms") {
		return time.Duration(v * float64(time.Millisecond))
	}
	return time.Duration(v * float64(time.Second))
}

// Normalize maps a raw provider error onto the capability taxonomy:
// ErrAuthExpired, *RateLimitedError or ErrUnavailable. Context cancellation
// is passed through untouched so callers can stop.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	var rl *RateLimitedError
	if errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrUnavailable) || errors.As(err, &rl) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch ClassifyError(err) {
	case ErrorClassAuth, ErrorClassBilling:
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	case ErrorClassRateLimit:
		return &RateLimitedError{RetryAfter: parseRetryAfter(err.Error()), Err: err}
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// Class is a short label for logs and metrics.
func Class(err error) string {
	var rl *RateLimitedError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrAuthExpired):
		return "auth_expired"
	case errors.As(err, &rl):
		return "rate_limited"
	default:
		return "transient"
	}
}

// RetryAfter returns the provider's retry hint when err is rate limiting.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
