// Package retry provides retry logic with exponential backoff and jitter.
//
// Basic usage:
//
//	err := retry.Retry(ctx, func(ctx context.Context) error {
//	    return storage.InsertTask(ctx, rec)
//	})
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
	// Jitter randomizes each delay uniformly in (0, delay] to avoid
	// synchronized retries.
	Jitter bool
	// OnRetry is called before each retry for observability.
	OnRetry func(attempt int, err error, nextDelay time.Duration)
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry runs fn with DefaultConfig.
func Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return Do(ctx, DefaultConfig(), fn)
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or ctx is
// done. The last error is returned wrapped with the attempt count.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		next := delay
		if cfg.Jitter && next > 0 {
			next = time.Duration(rand.Int63n(int64(next))) + 1
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, next)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
