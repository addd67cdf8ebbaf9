// Package retry provides a bounded retry helper shared by the registry
// register, unregister and reset flows.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config configures a bounded retry loop.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first (default: 1).
	MaxAttempts int

	// Delay is the pause before the second attempt. Zero retries immediately.
	Delay time.Duration

	// MaxDelay caps the delay when Multiplier grows it (default: no cap).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 1.0, fixed spacing).
	Multiplier float64

	// Jitter adds up to 25% random delay.
	Jitter bool

	// IsRetryable reports whether err warrants another attempt.
	// If nil, every error except a PermanentError is retried.
	IsRetryable func(error) bool

	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error)
}

// Fixed returns a config with attempts spaced by a constant delay.
func Fixed(attempts int, delay time.Duration) Config {
	return Config{MaxAttempts: attempts, Delay: delay, Multiplier: 1}
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done. fn receives the 1-based attempt number.
func Do[T any](ctx context.Context, cfg Config, fn func(attempt int) (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 1
	}

	var zero T
	var lastErr error
	delay := cfg.Delay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, ctx.Err()
		}

		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return zero, err
		}
		if cfg.IsRetryable != nil && !cfg.IsRetryable(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		if delay > 0 {
			sleep := delay
			if cfg.Jitter {
				sleep += time.Duration(rand.Float64() * 0.25 * float64(delay))
			}
			select {
			case <-ctx.Done():
				return zero, lastErr
			case <-time.After(sleep):
			}

			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}

	return zero, lastErr
}

// PermanentError wraps an error to indicate it should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent checks if an error is marked as permanent.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// MarkPermanent wraps an error to indicate it should not be retried.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
