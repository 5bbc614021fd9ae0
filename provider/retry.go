package provider

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig holds the retry policy for provider calls.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the computed backoff duration.
	MaxBackoff time.Duration

	// sleep is injectable for tests; nil uses a context-aware time.After wait.
	sleep func(ctx context.Context, d time.Duration) error

	// jitter maps a computed backoff to the actual wait. nil applies full
	// jitter: uniform in [0, computed].
	jitter func(d time.Duration) time.Duration
}

// DefaultRetryConfig returns the standard provider retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Retry runs op, retrying transient provider failures per cfg. A 429 with a
// parseable Retry-After header waits exactly that long; other retryable
// failures back off exponentially with full jitter. Non-retryable errors and
// the final error after MaxRetries propagate unchanged.
func Retry[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, op func(context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sleep := cfg.sleep
	if sleep == nil {
		sleep = waitFor
	}
	jitter := cfg.jitter
	if jitter == nil {
		jitter = fullJitter
	}

	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt >= cfg.MaxRetries {
			return zero, lastErr
		}

		wait, exact := RetryAfter(err)
		if !exact {
			wait = jitter(cfg.backoff(attempt))
		}

		logger.Debug("provider call failed, retrying",
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"wait", wait,
			"error", err)

		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

// backoff computes the exponential backoff for a zero-based retry attempt,
// capped at MaxBackoff.
func (cfg RetryConfig) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= cfg.BackoffMultiplier
	}

	backoff := time.Duration(float64(cfg.BackoffBase) * multiplier)
	if backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	return backoff
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * float64(d))
}

func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
