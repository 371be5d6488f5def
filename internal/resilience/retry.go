package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls how many times an operation is attempted and how long
// to wait between attempts.
type RetryConfig struct {
	// MaxAttempts counts the first try. 1 disables retries. Default 3.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry. Default 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps any single wait. Default 30s.
	MaxBackoff time.Duration

	// Multiplier grows the wait geometrically. Default 2.
	Multiplier float64

	// Linear grows the wait as InitialBackoff × retry number instead.
	// Multiplier is ignored.
	Linear bool

	// JitterFraction spreads each wait by ±fraction. 0 disables jitter.
	JitterFraction float64

	// ShouldRetry decides whether an error is worth another attempt.
	// Defaults to IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry runs before each wait with the retry number (1-based).
	OnRetry func(attempt int, err error)

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns the exponential policy used for HTTP calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// LinearRetryConfig returns a jitter-free config whose n-th retry waits
// step × n: with step 10s and 3 attempts the waits are 10s then 20s.
func LinearRetryConfig(maxAttempts int, step time.Duration) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if step > 0 {
		cfg.InitialBackoff = step
		cfg.MaxBackoff = step * time.Duration(cfg.MaxAttempts)
	}
	cfg.Linear = true
	cfg.JitterFraction = 0
	return cfg
}

// Do runs fn until it succeeds, the attempts run out, ShouldRetry rejects the
// error, or ctx is done. The last error is returned unchanged.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for operations that return a value. On failure the zero value
// is returned.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !cfg.ShouldRetry(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}
		if cfg.Sleep(ctx, cfg.Backoff(attempt)) != nil {
			break
		}
	}
	return zero, lastErr
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = IsTransient
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
	return c
}

// Backoff returns the wait after the given zero-based attempt, capped at
// MaxBackoff and then jittered.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	base := float64(c.InitialBackoff)
	var delay float64
	if c.Linear {
		delay = base * float64(attempt+1)
	} else {
		delay = base * math.Pow(c.Multiplier, float64(attempt))
	}
	delay = math.Min(delay, float64(c.MaxBackoff))

	if c.JitterFraction > 0 {
		spread := delay * c.JitterFraction
		delay += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(math.Max(delay, 0))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryLogger returns an OnRetry callback that logs each retry attempt,
// noting whether the failure looks transient.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		fields := []zap.Field{
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Bool("transient", IsTransient(err)),
			zap.Error(err),
		}
		if code, ok := StatusCode(err); ok {
			fields = append(fields, zap.Int("status", code))
		}
		zap.L().Warn("retrying operation", fields...)
	}
}
