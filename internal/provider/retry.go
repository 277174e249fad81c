package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"relaybot/internal/domain"
)

const defaultMaxAttempts = 3

// withRetry runs call up to maxAttempts times. Only *domain.TransportError is
// retried; any other error returns at once. The returned TransportError
// carries the number of attempts made.
func withRetry[T any](ctx context.Context, maxAttempts int, backoff time.Duration, call func(context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && backoff > 0 {
			// Quadratic backoff with jitter.
			base := backoff * time.Duration((attempt-1)*(attempt-1))
			wait := base + time.Duration(rand.Int64N(int64(base/2+1)))
			select {
			case <-ctx.Done():
				return zero, &domain.TransportError{Attempts: attempt - 1, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}

		out, err := call(ctx)
		if err == nil {
			return out, nil
		}

		if !domain.IsRetryable(err) {
			return zero, err
		}
		var te *domain.TransportError
		errors.As(err, &te)
		te.Attempts = attempt
		lastErr = te

		if ctx.Err() != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}
