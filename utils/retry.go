package utils

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig holds the parameters for the retry strategy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *Logger

	// Retryable decides whether a failed attempt should be retried.
	// A nil Retryable retries every error.
	Retryable func(error) bool
}

// Do executes fn with exponential back-off retry logic. It stops early when
// ctx is cancelled or when Retryable rejects the error.
func (r *RetryConfig) Do(ctx context.Context, operationName string, fn func() error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := r.BaseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if r.Retryable != nil && !r.Retryable(lastErr) {
			return lastErr
		}

		if attempt < attempts {
			if r.Logger != nil {
				r.Logger.Warn("[retry] %s failed (attempt %d/%d): %v, retrying in %v",
					operationName, attempt, attempts, lastErr, delay)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s aborted after %d attempts: %w", operationName, attempt, lastErr)
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	if attempts == 1 {
		return lastErr
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempts, lastErr)
}
