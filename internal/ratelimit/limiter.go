package ratelimit

import (
	"context"
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/medgw/internal/observability"
	"github.com/vyrodovalexey/medgw/internal/ratelimit/store"
)

// storeWarnInterval throttles the "store unavailable" warning.
const storeWarnInterval = 10 * time.Second

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the maximum number of requests allowed in the window.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAt is when the current window ends.
	ResetAt time.Time

	// RetryAfter is the duration to wait before retrying (when not allowed).
	RetryAfter time.Duration
}

// Limiter checks requests against per-endpoint fixed-window rules. Rules
// and the fail-open flag can be swapped while requests are in flight.
type Limiter struct {
	store    store.Store
	rules    atomic.Pointer[Rules]
	failOpen atomic.Bool
	clock    clock.Clock
	logger   observability.Logger
	warn     rate.Sometimes
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock used for reset timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithFailOpen sets whether store errors admit the request.
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) {
		l.failOpen.Store(failOpen)
	}
}

// NewLimiter creates a limiter. Store errors fail open unless configured
// otherwise.
func NewLimiter(s store.Store, rules Rules, opts ...Option) *Limiter {
	l := &Limiter{
		store:  s,
		clock:  clock.New(),
		logger: observability.NopLogger(),
		warn:   rate.Sometimes{First: 1, Interval: storeWarnInterval},
	}
	l.failOpen.Store(true)
	l.SetRules(rules)

	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetRules atomically replaces the rule table.
func (l *Limiter) SetRules(rules Rules) {
	if rules == nil {
		rules = DefaultRules()
	}
	cp := maps.Clone(rules)
	if _, ok := cp[DefaultEndpoint]; !ok {
		cp[DefaultEndpoint] = DefaultRules()[DefaultEndpoint]
	}
	l.rules.Store(&cp)
}

// SetFailOpen changes the store failure policy.
func (l *Limiter) SetFailOpen(failOpen bool) {
	l.failOpen.Store(failOpen)
}

// Rules returns the current rule table. It must not be modified.
func (l *Limiter) Rules() Rules {
	return *l.rules.Load()
}

// Endpoint resolves a request path against the current rules.
func (l *Limiter) Endpoint(path string) string {
	return EndpointFor(path, l.Rules())
}

// CheckLimit admits or rejects one request from identifier to endpoint
// and, when admitted, counts it.
func (l *Limiter) CheckLimit(ctx context.Context, identifier, endpoint string) (*Result, error) {
	rule := l.Rules().Resolve(endpoint)
	key := Key(identifier, endpoint)

	counter, admitted, err := l.store.Take(ctx, key, int64(rule.MaxRequests), rule.Window)
	now := l.clock.Now()
	if err != nil {
		return l.storeFailure(ctx, key, rule, now, err)
	}

	return newResult(rule, counter, admitted, now), nil
}

// Peek reports the state of identifier's window for endpoint without
// counting a request.
func (l *Limiter) Peek(ctx context.Context, identifier, endpoint string) (*Result, error) {
	rule := l.Rules().Resolve(endpoint)

	counter, err := l.store.Peek(ctx, Key(identifier, endpoint))
	if err != nil {
		return nil, fmt.Errorf("rate limit peek: %w", err)
	}

	return newResult(rule, counter, counter.Count < int64(rule.MaxRequests), l.clock.Now()), nil
}

func newResult(rule Rule, counter store.Counter, admitted bool, now time.Time) *Result {
	resetAt := now.Add(rule.Window)
	if counter.TTL > 0 {
		resetAt = now.Add(counter.TTL)
	}

	res := &Result{
		Allowed:   admitted,
		Limit:     rule.MaxRequests,
		Remaining: max(rule.MaxRequests-int(counter.Count), 0),
		ResetAt:   resetAt,
	}
	if !admitted {
		res.Remaining = 0
		res.RetryAfter = resetAt.Sub(now)
	}
	return res
}

func (l *Limiter) storeFailure(ctx context.Context, key string, rule Rule, now time.Time, err error) (*Result, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !l.failOpen.Load() {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}

	l.warn.Do(func() {
		l.logger.Warn("rate limit store unavailable, admitting requests",
			observability.String("key", key),
			observability.Error(err),
		)
	})

	return &Result{
		Allowed:   true,
		Limit:     rule.MaxRequests,
		Remaining: rule.MaxRequests,
		ResetAt:   now.Add(rule.Window),
	}, nil
}
