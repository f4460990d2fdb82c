// Package resilience retries database work that failed for transient
// reasons.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the base delay before the first retry. Default: 200ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 5s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Default: 0.25.
	JitterFraction float64

	// ShouldRetry optionally overrides the default transient-error check.
	// If nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the retry policy used for chunk writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Do executes fn with retry logic according to cfg. It retries only on
// errors deemed transient. Context cancellation stops retries immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for functions that return a value. The value from the
// successful attempt is returned.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !shouldRetry(lastErr) {
			return zero, lastErr
		}

		// Don't sleep after the last attempt.
		if attempt >= cfg.MaxAttempts-1 {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr)
		}

		timer := time.NewTimer(computeBackoff(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, lastErr
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}

	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(component, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("component", component),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
