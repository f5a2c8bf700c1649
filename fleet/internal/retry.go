package internal

import (
	"fmt"
	"log/slog"
	"time"
)

// Sleep is swapped out in tests to avoid real backoff waits.
var Sleep = time.Sleep

// RetryExhaustedError wraps the last failure after all attempts were spent.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// Retry calls fn up to maxAttempts times with quadratic backoff: attempt k
// sleeps k²×unit before the next attempt (no sleep after the final one).
// Intermediate failures are only logged; callers see a single
// RetryExhaustedError wrapping the last failure.
func Retry(log *slog.Logger, maxAttempts int, unit time.Duration, fn func() error) error {
	_, err := RetryResult(log, maxAttempts, unit, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryResult is like Retry but for functions that return a value.
func RetryResult[T any](log *slog.Logger, maxAttempts int, unit time.Duration, fn func() (T, error)) (T, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var result T
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if result, err = fn(); err == nil {
			return result, nil
		}
		log.Debug("Attempt failed", "attempt", attempt, "maxAttempts", maxAttempts, "error", err)
		if attempt < maxAttempts {
			Sleep(time.Duration(attempt*attempt) * unit)
		}
	}
	return result, &RetryExhaustedError{Attempts: maxAttempts, Last: err}
}
