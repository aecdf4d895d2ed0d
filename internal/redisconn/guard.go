package redisconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/medgw/internal/observability"
)

// ErrUnavailable is returned when the store is unreachable or the guard
// is refusing calls after repeated failures.
var ErrUnavailable = errors.New("state store unavailable")

// Default guard settings.
const (
	DefaultGuardFailures     = 5
	DefaultGuardOpenDuration = 5 * time.Second
)

// OperationObserver receives one observation per store round trip.
type OperationObserver interface {
	ObserveStoreOperation(store, operation string, err error, duration time.Duration)
}

// Guard wraps store round trips in a two-step circuit breaker so that a
// dead Redis costs one fast local decision per request instead of a
// network timeout. Each caller then applies its own failure policy to
// ErrUnavailable.
type Guard struct {
	name     string
	breaker  *gobreaker.TwoStepCircuitBreaker
	logger   observability.Logger
	observer OperationObserver
}

// GuardOption configures a Guard.
type GuardOption func(*guardOptions)

type guardOptions struct {
	failures     uint32
	openDuration time.Duration
	logger       observability.Logger
	observer     OperationObserver
}

// WithGuardFailures sets the consecutive failures that open the guard.
func WithGuardFailures(n uint32) GuardOption {
	return func(o *guardOptions) {
		o.failures = n
	}
}

// WithGuardOpenDuration sets how long the guard refuses calls once open.
func WithGuardOpenDuration(d time.Duration) GuardOption {
	return func(o *guardOptions) {
		o.openDuration = d
	}
}

// WithGuardLogger sets the logger.
func WithGuardLogger(logger observability.Logger) GuardOption {
	return func(o *guardOptions) {
		o.logger = logger
	}
}

// WithGuardObserver sets the operation observer.
func WithGuardObserver(observer OperationObserver) GuardOption {
	return func(o *guardOptions) {
		o.observer = observer
	}
}

// NewGuard creates a guard for the named store.
func NewGuard(name string, opts ...GuardOption) *Guard {
	o := guardOptions{
		failures:     DefaultGuardFailures,
		openDuration: DefaultGuardOpenDuration,
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Guard{
		name:     name,
		logger:   o.logger,
		observer: o.observer,
	}

	g.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     o.openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				g.logger.Warn("state store guard opened",
					observability.String("store", name),
					observability.String("from", from.String()),
				)
				return
			}
			g.logger.Info("state store guard state changed",
				observability.String("store", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return g
}

// Do runs fn unless the guard is open. Context cancellation and redis.Nil
// are not counted against the store.
func (g *Guard) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done, err := g.breaker.Allow()
	if err != nil {
		return fmt.Errorf("%s %s: %w", g.name, operation, ErrUnavailable)
	}

	start := time.Now()
	err = fn(ctx)
	if g.observer != nil {
		g.observer.ObserveStoreOperation(g.name, operation, err, time.Since(start))
	}

	switch {
	case err == nil, errors.Is(err, redis.Nil):
		done(true)
		return err
	case errors.Is(err, context.Canceled):
		done(true)
		return err
	default:
		done(false)
		return fmt.Errorf("%s %s: %w: %w", g.name, operation, ErrUnavailable, err)
	}
}

// State returns the guard state as a string.
func (g *Guard) State() string {
	return g.breaker.State().String()
}
