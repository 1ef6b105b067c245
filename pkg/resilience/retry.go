package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
// Attempts counts the first call; Backoff is a fixed delay between attempts.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

func NewRetryPolicy(attempts int, backoff time.Duration) RetryPolicy {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff < 0 {
		backoff = 0
	}
	return RetryPolicy{Attempts: attempts, Backoff: backoff}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

func (r RetryPolicy) Do(fn func() error) error {
	return r.DoContext(context.Background(), func(context.Context, int) error { return fn() })
}

// DoContext runs fn until it succeeds, returns a permanent error, the attempts
// run out, or ctx is done. The backoff wait is interrupted by ctx.
func (r RetryPolicy) DoContext(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				return cerr
			}
			return err
		}
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if r.OnRetry != nil {
			r.OnRetry(attempt, err)
		}
		if r.Backoff > 0 {
			timer := time.NewTimer(r.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
	}
	return ExhaustedError{Attempts: attempts, Err: err}
}
