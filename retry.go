package aria

import (
	"context"
	"errors"
	"time"
)

const (
	maxRetryAttempts = 3
	retryBaseDelay   = 200 * time.Millisecond
)

// isTransient reports whether an error is worth retrying. Unclassified
// errors (raw network failures, driver errors) are treated as transient;
// a non-transient *Error (bad request, missing credentials, policy) is not.
func isTransient(err error) bool {
	var ariaErr *Error
	if errors.As(err, &ariaErr) {
		return ariaErr.Kind == KindTransient
	}
	return true
}

// withRetry runs fn up to maxRetryAttempts times with exponential backoff
// between attempts, surfacing the last error on final failure. Used for the
// transient error kind: embedder and vector-store calls that may time out.
// Non-transient failures surface immediately, and cancellation cuts the
// wait short.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
	}
	return err
}
