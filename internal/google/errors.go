package google

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnauthorized is returned when the directory rejects the token even after
// a forced refresh. The HTTP layer maps this to 401 with an auth hint; the
// worker never dead-letters on it.
var ErrUnauthorized = errors.New("google authorization expired or revoked")

// RateLimitError is returned once the retry budget for quota responses is
// exhausted. RetryAfter is the server-suggested (or computed) wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("google rate limit exceeded, retry after %s", e.RetryAfter)
}

// StatusError is any other non-2xx directory response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("google api status %d: %s", e.StatusCode, e.Body)
}

// StatusOf extracts the HTTP status from err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
