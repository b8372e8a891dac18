// Package retry runs fallible operations with bounded attempts and
// exponential backoff. It knows nothing about the operations it wraps; the
// same executor serves configuration loading, storage connection, scan
// passes and result storage.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/metrics"
)

const (
	// DefaultMaxAttempts is the attempt budget used by the process loop.
	DefaultMaxAttempts = 3
	// DefaultMaxDelay caps the backoff between attempts.
	DefaultMaxDelay = 60 * time.Second
)

// ExhaustedError is returned when every attempt failed. It unwraps to the
// last underlying error.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Policy controls how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	MaxAttempts int
	MaxDelay    time.Duration
	// Sleep waits for d or until ctx is done. Nil means a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the policy used by the process loop: three attempts
// with delays capped at one minute.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Backoff returns the wait after the given failed attempt (1-based):
// 2^attempt seconds, capped at maxDelay.
func Backoff(attempt int, maxDelay time.Duration) time.Duration {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	// 2^6 s already exceeds the default cap; avoid shifting into overflow.
	if attempt >= 30 {
		return maxDelay
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Do invokes op until it succeeds or the policy's attempt budget is spent.
// Backoff sleeps only block the calling goroutine. If ctx is cancelled while
// waiting, Do returns an ExhaustedError that wraps both the last operation
// error and the context error.
func Do[T any](ctx context.Context, p Policy, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	recorder := metrics.GetGlobalMetrics()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			recorder.IncrementRetryAttempts(operation, "success")
			if attempt > 1 {
				logging.Info("Operation succeeded after retries",
					"operation", operation,
					"attempt", attempt)
			}
			return result, nil
		}

		lastErr = err
		recorder.IncrementRetryAttempts(operation, "error")

		if attempt == maxAttempts {
			break
		}

		delay := Backoff(attempt, p.MaxDelay)
		logging.Warn("Operation attempt failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err)

		if err := sleep(ctx, delay); err != nil {
			return zero, &ExhaustedError{Operation: operation, Attempts: attempt, Err: errors.Join(lastErr, err)}
		}
	}

	logging.Warn("Operation failed after all attempts",
		"operation", operation,
		"attempts", maxAttempts,
		"error", lastErr)
	return zero, &ExhaustedError{Operation: operation, Attempts: maxAttempts, Err: lastErr}
}

// Run is Do for operations that produce no value.
func Run(ctx context.Context, p Policy, operation string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
