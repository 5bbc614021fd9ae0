package provider

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// HTTPError is a provider call failure carrying the HTTP status and, for 429
// responses, the Retry-After header value.
type HTTPError struct {
	StatusCode int
	RetryAfter string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider returned %d", e.StatusCode)
}

// IsRetryable reports whether the error is a transient provider failure:
// HTTP 429, 500, 502, 503 or 504. Everything else propagates immediately.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	switch httpErr.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// RetryAfter returns the exact wait mandated by a 429 Retry-After header when
// it parses as a positive integer number of seconds.
func RetryAfter(err error) (time.Duration, bool) {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return 0, false
	}
	if httpErr.StatusCode != 429 || httpErr.RetryAfter == "" {
		return 0, false
	}
	secs, convErr := strconv.Atoi(httpErr.RetryAfter)
	if convErr != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
