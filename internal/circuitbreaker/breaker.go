package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is testing if the backend is healthy.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState is the inverse of State.String.
func ParseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// StateChangeFunc is called after a breaker changes state.
type StateChangeFunc func(name string, from, to State)

// Stats is a snapshot of the rolling window.
type Stats struct {
	Successes         int64     `json:"successes"`
	Failures          int64     `json:"failures"`
	Total             int64     `json:"total"`
	FailurePercentage float64   `json:"failurePercentage"`
	OpenedAt          time.Time `json:"openedAt,omitzero"`
	HalfOpenInFlight  int       `json:"halfOpenInFlight"`
}

// Ticket is the admission decision returned by Allow. Outcomes and
// releases carry its Generation back; the breaker ignores them once it has
// changed state since the admission.
type Ticket struct {
	Allowed    bool
	Generation uint64
}

// Status describes one breaker.
type Status struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	Stats Stats  `json:"stats"`

	Generation uint64 `json:"generation"`
}

type bucket struct {
	epoch     int64
	successes int64
	failures  int64
}

// CircuitBreaker is an in-process breaker with a bucketed rolling window.
// All state transitions happen under one mutex together with the counters.
type CircuitBreaker struct {
	name          string
	config        Config
	clock         clock.Clock
	onStateChange StateChangeFunc

	mu               sync.Mutex
	state            State
	generation       uint64
	buckets          []bucket
	openedAt         time.Time
	halfOpenInFlight int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg Config, clk clock.Clock, onStateChange StateChangeFunc) *CircuitBreaker {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}

	return &CircuitBreaker{
		name:          name,
		config:        cfg,
		clock:         clk,
		onStateChange: onStateChange,
		state:         StateClosed,
		buckets:       newBuckets(cfg.RollingBuckets),
	}
}

func newBuckets(n int) []bucket {
	b := make([]bucket, n)
	for i := range b {
		b[i].epoch = -1
	}
	return b
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() Config {
	return cb.config
}

// Allow reports whether a request may pass. An open circuit whose reset
// timeout has elapsed moves to half-open and admits the caller as a trial.
func (cb *CircuitBreaker) Allow() Ticket {
	cb.mu.Lock()
	from := cb.state
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true

	case StateOpen:
		if !cb.clock.Now().Before(cb.openedAt.Add(cb.config.ResetTimeout)) {
			cb.setState(StateHalfOpen)
			cb.halfOpenInFlight = 1
			allowed = true
		}

	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.config.HalfOpenMaxRequests {
			cb.halfOpenInFlight++
			allowed = true
		}
	}

	ticket := Ticket{Allowed: allowed, Generation: cb.generation}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return ticket
}

// RecordSuccess records a successful call admitted in generation.
func (cb *CircuitBreaker) RecordSuccess(generation uint64) {
	cb.record(generation, true)
}

// RecordFailure records a failed call admitted in generation.
func (cb *CircuitBreaker) RecordFailure(generation uint64) {
	cb.record(generation, false)
}

func (cb *CircuitBreaker) record(generation uint64, success bool) {
	cb.mu.Lock()
	if generation != cb.generation {
		cb.mu.Unlock()
		return
	}
	from := cb.state
	now := cb.clock.Now()

	switch cb.state {
	case StateClosed:
		b := cb.currentBucket(now)
		if success {
			b.successes++
		} else {
			b.failures++
		}
		total, failures := cb.windowCounts(now)
		if cb.config.shouldTrip(total, failures) {
			cb.open(now)
		}

	case StateHalfOpen:
		if success {
			cb.setState(StateClosed)
			cb.halfOpenInFlight = 0
			cb.buckets = newBuckets(cb.config.RollingBuckets)
		} else {
			cb.open(now)
		}
	}

	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// Release returns an unused half-open trial slot without recording an
// outcome. Only a trial admitted in the current generation holds a slot.
func (cb *CircuitBreaker) Release(generation uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if generation == cb.generation && cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status returns a snapshot of the breaker.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	total, failures := cb.windowCounts(cb.clock.Now())

	st := Status{
		Name:       cb.name,
		State:      cb.state,
		Stats:      newStats(total-failures, failures),
		Generation: cb.generation,
	}
	if cb.state != StateClosed {
		st.Stats.OpenedAt = cb.openedAt
	}
	st.Stats.HalfOpenInFlight = cb.halfOpenInFlight
	return st
}

// setState moves to a new state and starts a new generation.
func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	cb.generation++
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.setState(StateOpen)
	cb.openedAt = now
	cb.halfOpenInFlight = 0
	cb.buckets = newBuckets(cb.config.RollingBuckets)
}

func (cb *CircuitBreaker) epoch(now time.Time) int64 {
	return now.UnixNano() / int64(cb.config.bucketWidth())
}

// currentBucket returns the bucket for now, recycling it if it belongs to
// an older rotation.
func (cb *CircuitBreaker) currentBucket(now time.Time) *bucket {
	e := cb.epoch(now)
	b := &cb.buckets[e%int64(len(cb.buckets))]
	if b.epoch != e {
		*b = bucket{epoch: e}
	}
	return b
}

func (cb *CircuitBreaker) windowCounts(now time.Time) (total, failures int64) {
	oldest := cb.epoch(now) - int64(len(cb.buckets))
	for _, b := range cb.buckets {
		if b.epoch > oldest {
			total += b.successes + b.failures
			failures += b.failures
		}
	}
	return total, failures
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to || cb.onStateChange == nil {
		return
	}
	cb.onStateChange(cb.name, from, to)
}

func newStats(successes, failures int64) Stats {
	s := Stats{
		Successes: successes,
		Failures:  failures,
		Total:     successes + failures,
	}
	if s.Total > 0 {
		s.FailurePercentage = float64(failures) * 100 / float64(s.Total)
	}
	return s
}
