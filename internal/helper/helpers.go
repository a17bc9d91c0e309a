package helper

import (
	"context"
	"fmt"
)

// TypedOf safely asserts the result of a getter function to the expected type T.
// Returns an error if type assertion fails.
func TypedOf[T any](getFn func() (any, error)) (T, error) {
	var zero T

	res, err := getFn()
	if err != nil {
		return zero, fmt.Errorf("failed to get value: %w", err)
	}

	val, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type: %T", res)
	}

	return val, nil
}

var ErrMaxAttempts = fmt.Errorf("max attempts reached")

// Retry re-runs fn until it succeeds, ctx is cancelled, or maxAttempts is
// exhausted.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	numAttempts := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}
		numAttempts++
		if numAttempts >= maxAttempts {
			return fmt.Errorf("%w: %d, %w", ErrMaxAttempts, numAttempts, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
