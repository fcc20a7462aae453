package remote

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a blob that does not exist on the channel.
// Permanent: retrying cannot succeed.
var ErrNotFound = errors.New("blob not found")

// ErrUnauthorized indicates the session is no longer valid and the user
// must log in again.
var ErrUnauthorized = errors.New("not authorized")

// RateLimitError carries the backend's required cool-down. Callers must
// sleep exactly RetryAfter and retry; rate-limit waits never count against
// the retry budget.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// TransientError wraps a failure worth retrying with backoff: network
// errors, timeouts, temporary backend trouble.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRateLimit reports whether err is a rate-limit error and returns the
// required sleep.
func IsRateLimit(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
