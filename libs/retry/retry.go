// Package retry runs an operation until it succeeds, the error is not
// retryable, or the attempt budget is spent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backoff returns the wait before the given retry. attempt is 1 for the
// first retry.
type Backoff func(attempt int) time.Duration

// Linear waits step, 2*step, 3*step, ...
func Linear(step time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return time.Duration(attempt) * step
	}
}

// Exponential waits initial, 2*initial, 4*initial, ... capped at ceiling
// when ceiling is positive.
func Exponential(initial, ceiling time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := initial
		for i := 1; i < attempt; i++ {
			d *= 2
			if ceiling > 0 && d >= ceiling {
				return ceiling
			}
		}
		if ceiling > 0 && d > ceiling {
			return ceiling
		}
		return d
	}
}

func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Policy configures Do.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single call.
	MaxAttempts int
	Backoff     Backoff
	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries every error.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

type exhaustedError struct {
	attempts int
	last     error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.attempts, e.last)
}

func (e *exhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.last}
}

// Do calls fn until it succeeds. Non-retryable errors are returned as is;
// running out of attempts returns an error matching both ErrExhausted and
// the last error.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = Constant(0)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := backoff(attempt - 1)
			if p.OnRetry != nil {
				p.OnRetry(attempt-1, lastErr, wait)
			}
			if err := sleep(ctx, wait); err != nil {
				return zero, fmt.Errorf("context cancelled while retrying: %w", err)
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
	}
	return zero, &exhaustedError{attempts: attempts, last: lastErr}
}

func DoVoid(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
