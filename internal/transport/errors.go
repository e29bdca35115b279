package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Delivery and resolution failures fall into two classes:
//
//   - permanent: the chat or user is gone (deleted account, bot kicked,
//     unknown id). Retrying cannot help.
//   - transient: rate limits and network failures. Retrying with backoff is
//     expected to succeed eventually.
//
// Anything unclassified is treated as transient, which errs on the side of
// keeping reminders alive.
var (
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrUnavailable = errors.New("temporarily unavailable")
)

// RateLimitedError reports a platform flood limit. RetryAfter is the
// platform-mandated pause before the next attempt (0 if unknown).
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden)
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// RetryAfter extracts the platform-mandated pause from a rate limit error,
// or 0 if the error carries none.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
