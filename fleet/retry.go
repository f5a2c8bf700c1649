package fleet

import (
	"log/slog"
	"time"

	"github.com/nimbus-hpc/slurmbridge/fleet/internal"
)

// RetryExhaustedError wraps the last failure after a retried call gave up.
type RetryExhaustedError = internal.RetryExhaustedError

// Retry runs fn up to maxAttempts times with quadratic backoff (attempt k
// sleeps k² seconds). Fleet and scheduler calls are idempotent, name-keyed
// operations, so a plain blocking retry without jitter is sufficient.
func Retry(log *slog.Logger, maxAttempts int, fn func() error) error {
	return internal.Retry(log, maxAttempts, time.Second, fn)
}

// RetryResult is like Retry but for functions that return a value.
func RetryResult[T any](log *slog.Logger, maxAttempts int, fn func() (T, error)) (T, error) {
	return internal.RetryResult(log, maxAttempts, time.Second, fn)
}
