// Package retry retries startup-time operations, such as connecting to
// the shared state store, with decorrelated-jitter backoff.
//
// Requests are never retried: a dispatched request fails once and the
// failure is reported to the caller.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

// Config contains retry configuration parameters.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int

	// InitialBackoff is the lower bound of every wait.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

func (c Config) normalized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// OnRetryFunc is called before each wait with the 1-based attempt that
// just failed.
type OnRetryFunc func(attempt int, err error, wait time.Duration)

// Do calls fn until it succeeds, the retries are exhausted or ctx ends.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error, onRetry OnRetryFunc) error {
	cfg = cfg.normalized()
	backoff := NewDecorrelatedJitter(cfg.InitialBackoff, cfg.MaxBackoff)

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxRetries {
			break
		}

		wait := backoff.Next()
		if onRetry != nil {
			onRetry(attempt+1, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// DecorrelatedJitter produces waits following
// sleep = min(cap, random_between(base, sleep*3)).
type DecorrelatedJitter struct {
	base    time.Duration
	limit   time.Duration
	current time.Duration
}

// NewDecorrelatedJitter creates a backoff starting at base and capped at limit.
func NewDecorrelatedJitter(base, limit time.Duration) *DecorrelatedJitter {
	return &DecorrelatedJitter{base: base, limit: limit}
}

// Next returns the next wait. The first wait is base.
func (b *DecorrelatedJitter) Next() time.Duration {
	if b.current == 0 {
		b.current = b.base
		return b.current
	}

	lo := float64(b.base)
	hi := float64(b.current) * 3
	//nolint:gosec // jitter for retry timing is not security-sensitive
	wait := lo + rand.Float64()*(hi-lo)
	if wait > float64(b.limit) {
		wait = float64(b.limit)
	}

	b.current = time.Duration(wait)
	return b.current
}
