package pipeline

import (
	"context"
	"time"
)

// retryPolicy bounds how a stage retries one message in memory. Failures
// never re-enqueue; exhausting the budget is the caller's terminal signal.
type retryPolicy struct {
	// attempts is the total number of tries including the first one.
	attempts int
	// delay returns how long to sleep after the given attempt (1-based) failed.
	delay func(attempt int) time.Duration
	// retryable reports whether the error is worth another attempt.
	// nil means every error is.
	retryable func(error) bool
}

// runWithRetry executes op under the policy. onRetry, when non-nil, fires
// before each backoff sleep with the attempt number that just failed.
// Cancellation is never retried: once ctx is done the last error returns
// immediately.
func runWithRetry(ctx context.Context, policy retryPolicy, op func() error, onRetry func(attempt int, err error)) error {
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt >= policy.attempts {
			return err
		}
		if policy.retryable != nil && !policy.retryable(err) {
			return err
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(policy.delay(attempt)):
		}
	}
}

// expBackoff doubles the delay after every failed attempt: base, 2*base, ...
func expBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base << (attempt - 1)
	}
}

// linearBackoff grows the delay by a fixed step: step, 2*step, ...
func linearBackoff(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}
