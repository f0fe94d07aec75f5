package errors

import (
	"context"
	"fmt"
	"math"
	"time"
)

// BackoffConfig configures exponential backoff
type BackoffConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultBackoffConfig returns default backoff configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryWithExponentialBackoff retries operation until it succeeds, returns a
// Permanent error, or runs out of attempts. Permanent errors are returned
// unwrapped.
func RetryWithExponentialBackoff(ctx context.Context, operation func() error, config BackoffConfig) error {
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * config.BaseDelay
			if config.MaxDelay > 0 && delay > config.MaxDelay {
				delay = config.MaxDelay
			}

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := operation()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries, lastErr)
}
