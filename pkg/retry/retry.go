// Package retry provides exponential backoff retries for daemon calls and
// share store commits.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/bardlex/poolcore/pkg/errors"
)

// Config describes a backoff schedule. The n-th wait (from zero) is
// BaseDelay * Multiplier^n capped at MaxDelay, plus up to 10% with Jitter.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig is used when a nil Config is passed.
func DefaultConfig() *Config {
	return &Config{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: true}
}

// NetworkConfig suits daemon RPC and broker writes: more attempts, short waits.
func NetworkConfig() *Config {
	return &Config{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 1.5, Jitter: true}
}

// DatabaseConfig suits share batch commits.
func DatabaseConfig() *Config {
	return &Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 3 * time.Second, Multiplier: 2, Jitter: true}
}

// RetryableFunc is one attempt of an operation.
type RetryableFunc func() error

// Do runs fn until it succeeds, fails with a non-retryable error, ctx ends or
// the attempts run out. Non-retryable errors and ctx.Err() are returned as is.
func Do(ctx context.Context, config *Config, fn RetryableFunc) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions returning a value.
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	if config == nil {
		config = DefaultConfig()
	}
	attempts := max(config.MaxAttempts, 1)

	var (
		zero T
		err  error
	)
	for n := 0; ; n++ {
		var res T
		if res, err = fn(); err == nil {
			return res, nil
		}
		if !errors.IsRetryable(err) {
			return zero, err
		}
		if n+1 >= attempts {
			break
		}

		wait := config.delay(n)
		if config.OnRetry != nil {
			config.OnRetry(n+1, err, wait)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return zero, serr
		}
	}

	return zero, errors.Wrap(err, errors.ErrorTypeInternal, "retry", "giving up").
		WithContext("max_attempts", attempts)
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

func (c *Config) delay(n int) time.Duration {
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := math.Min(float64(c.BaseDelay)*math.Pow(mult, float64(n)), float64(c.MaxDelay))
	if c.Jitter {
		d += d * 0.1 * rand.Float64()
	}
	return time.Duration(d)
}
