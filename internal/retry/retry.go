// Package retry wraps github.com/cenkalti/backoff/v4 with the one policy
// every provider call in this tree needs: exponential backoff, bounded
// attempts, and a stop the moment an error turns out not to be retryable.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kestrelai/depth/internal/thinkerr"
)

// Config holds retry configuration. The zero value is not usable;
// construct via DefaultConfig.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig mirrors the three-attempt, capped-exponential policy every
// adapter used before this package existed.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// Do runs fn under exponential backoff, stopping early if fn's error is
// classified (via thinkerr) as non-retryable — there's no point burning
// attempts on a 401. An error that was never run through the taxonomy at
// all (a plain Go error from somewhere upstream of a provider adapter) is
// treated as transient and retried, same as a classified RateLimit.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialDelay
	policy.MaxInterval = cfg.MaxDelay
	policy.Multiplier = cfg.Multiplier
	policy.MaxElapsedTime = 0 // bounded by MaxAttempts, not wall time

	attempts := 0
	var lastErr error

	operation := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || attempts >= cfg.MaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return fmt.Errorf("retry: cancelled after %d attempt(s): %w", attempts, err)
		}
		return fmt.Errorf("retry: attempt %d/%d failed: %w", attempts, cfg.MaxAttempts, lastErr)
	}
	return nil
}

// IsRetryable reports whether err is worth another attempt. Errors
// classified by thinkerr defer to the taxonomy's retry column; context
// cancellation never retries; anything else is assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var classified *thinkerr.Error
	if errors.As(err, &classified) {
		return classified.Kind.Retryable()
	}
	return true
}
