package circuitbreaker

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/vyrodovalexey/medgw/internal/observability"
)

// Breakers is the breaker contract used by the dispatcher. There is
// exactly one breaker per backend name, created on first use. Outcomes
// and releases pass back the generation of the Ticket that admitted the
// call.
type Breakers interface {
	Allow(ctx context.Context, name string) (Ticket, error)
	RecordSuccess(ctx context.Context, name string, generation uint64) error
	RecordFailure(ctx context.Context, name string, generation uint64) error
	Release(ctx context.Context, name string, generation uint64) error
	Status(ctx context.Context, name string) (Status, error)
	Settings(name string) Config
}

// settings resolves per-backend configuration.
type settings struct {
	defaults  Config
	overrides map[string]Config
}

func (s settings) forName(name string) Config {
	if cfg, ok := s.overrides[name]; ok {
		return cfg.withDefaults()
	}
	return s.defaults.withDefaults()
}

// RegistryOption configures a Registry or RedisRegistry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	overrides     map[string]Config
	clock         clock.Clock
	logger        observability.Logger
	onStateChange StateChangeFunc
}

// WithOverrides sets per-backend configuration.
func WithOverrides(overrides map[string]Config) RegistryOption {
	return func(o *registryOptions) {
		o.overrides = overrides
	}
}

// WithClock sets the clock.
func WithClock(c clock.Clock) RegistryOption {
	return func(o *registryOptions) {
		o.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// WithStateChangeCallback sets a callback for state transitions. It runs
// after the internal logging.
func WithStateChangeCallback(fn StateChangeFunc) RegistryOption {
	return func(o *registryOptions) {
		o.onStateChange = fn
	}
}

func buildOptions(opts []RegistryOption) registryOptions {
	o := registryOptions{
		clock:  clock.New(),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// stateLogger logs transitions and forwards them to the user callback.
func stateLogger(logger observability.Logger, next StateChangeFunc) StateChangeFunc {
	return func(name string, from, to State) {
		fields := []observability.Field{
			observability.String("service", name),
			observability.String("from", from.String()),
			observability.String("to", to.String()),
		}
		if to == StateOpen {
			logger.Warn("circuit breaker opened", fields...)
		} else {
			logger.Info("circuit breaker state changed", fields...)
		}
		if next != nil {
			next(name, from, to)
		}
	}
}

// Registry manages in-process circuit breakers.
type Registry struct {
	breakers      sync.Map
	settings      settings
	clock         clock.Clock
	logger        observability.Logger
	onStateChange StateChangeFunc
}

// NewRegistry creates a new circuit breaker registry.
func NewRegistry(defaults Config, opts ...RegistryOption) *Registry {
	o := buildOptions(opts)

	return &Registry{
		settings:      settings{defaults: defaults, overrides: o.overrides},
		clock:         o.clock,
		logger:        o.logger,
		onStateChange: stateLogger(o.logger, o.onStateChange),
	}
}

// GetOrCreate returns an existing circuit breaker or creates a new one.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	if value, ok := r.breakers.Load(name); ok {
		return value.(*CircuitBreaker)
	}

	cb := NewCircuitBreaker(name, r.settings.forName(name), r.clock, r.onStateChange)

	// Store or get existing (handles race condition)
	actual, loaded := r.breakers.LoadOrStore(name, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}

	r.logger.Debug("created circuit breaker",
		observability.String("service", name),
	)

	return cb
}

// Allow implements Breakers.
func (r *Registry) Allow(_ context.Context, name string) (Ticket, error) {
	return r.GetOrCreate(name).Allow(), nil
}

// RecordSuccess implements Breakers.
func (r *Registry) RecordSuccess(_ context.Context, name string, generation uint64) error {
	r.GetOrCreate(name).RecordSuccess(generation)
	return nil
}

// RecordFailure implements Breakers.
func (r *Registry) RecordFailure(_ context.Context, name string, generation uint64) error {
	r.GetOrCreate(name).RecordFailure(generation)
	return nil
}

// Release implements Breakers.
func (r *Registry) Release(_ context.Context, name string, generation uint64) error {
	r.GetOrCreate(name).Release(generation)
	return nil
}

// Status implements Breakers.
func (r *Registry) Status(_ context.Context, name string) (Status, error) {
	return r.GetOrCreate(name).Status(), nil
}

// Settings implements Breakers.
func (r *Registry) Settings(name string) Config {
	return r.settings.forName(name)
}

var _ Breakers = (*Registry)(nil)
