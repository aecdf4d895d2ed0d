package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	from, to State
}

type transitionRecorder struct {
	mu  sync.Mutex
	got []transition
}

func (r *transitionRecorder) record(_ string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, transition{from, to})
}

func (r *transitionRecorder) transitions() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.got...)
}

func newTestBreaker(t *testing.T, cfg Config) (*CircuitBreaker, *clock.Mock, *transitionRecorder) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := &transitionRecorder{}
	return NewCircuitBreaker("appointment-service", cfg, mock, rec.record), mock, rec
}

// fail admits n calls and fails each one in the generation that admitted it.
func fail(cb *CircuitBreaker, n int) {
	for range n {
		cb.RecordFailure(cb.Allow().Generation)
	}
}

func succeed(cb *CircuitBreaker, n int) {
	for range n {
		cb.RecordSuccess(cb.Allow().Generation)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
		if tt.want != "unknown" {
			assert.Equal(t, tt.state, ParseState(tt.want))
		}
	}
}

func TestCircuitBreaker_SixFailuresFourSuccessesOpens(t *testing.T) {
	t.Parallel()

	cb, _, rec := newTestBreaker(t, DefaultConfig())

	fail(cb, 6)
	assert.Equal(t, StateClosed, cb.State(), "below volume threshold")

	succeed(cb, 4)

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow().Allowed)
	assert.Equal(t, []transition{{StateClosed, StateOpen}}, rec.transitions())
}

func TestCircuitBreaker_BelowThresholdStaysClosed(t *testing.T) {
	t.Parallel()

	cb, _, _ := newTestBreaker(t, DefaultConfig())

	fail(cb, 4)
	succeed(cb, 6)

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow().Allowed)

	st := cb.Status()
	assert.Equal(t, int64(10), st.Stats.Total)
	assert.InDelta(t, 40.0, st.Stats.FailurePercentage, 0.001)
}

func TestCircuitBreaker_ResetTimeoutBoundary(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.VolumeThreshold = 1
	cb, mock, rec := newTestBreaker(t, cfg)

	fail(cb, 1)
	require.Equal(t, StateOpen, cb.State())
	openedAt := mock.Now()

	mock.Add(cfg.ResetTimeout - time.Millisecond)
	assert.False(t, cb.Allow().Allowed)
	assert.Equal(t, StateOpen, cb.State())

	mock.Add(time.Millisecond)
	assert.True(t, cb.Allow().Allowed, "trial admitted exactly at openedAt+resetTimeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow().Allowed, "only one trial in flight")

	st := cb.Status()
	assert.Equal(t, openedAt, st.Stats.OpenedAt)
	assert.Equal(t, 1, st.Stats.HalfOpenInFlight)

	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
	}, rec.transitions())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.VolumeThreshold = 2
	cb, mock, _ := newTestBreaker(t, cfg)

	fail(cb, 2)
	require.Equal(t, StateOpen, cb.State())

	mock.Add(cfg.ResetTimeout)
	trial := cb.Allow()
	require.True(t, trial.Allowed)
	cb.RecordSuccess(trial.Generation)

	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Status().Stats.Total, "closing resets the window")

	fail(cb, 1)
	assert.Equal(t, StateClosed, cb.State(), "counters start from zero")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.VolumeThreshold = 1
	cb, mock, _ := newTestBreaker(t, cfg)

	fail(cb, 1)
	mock.Add(cfg.ResetTimeout)
	trial := cb.Allow()
	require.True(t, trial.Allowed)

	mock.Add(time.Second)
	cb.RecordFailure(trial.Generation)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, mock.Now(), cb.Status().Stats.OpenedAt)

	mock.Add(cfg.ResetTimeout - time.Second)
	assert.False(t, cb.Allow().Allowed, "reset timeout counts from the reopen")
}

func TestCircuitBreaker_OpenIgnoresLateOutcomes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.VolumeThreshold = 1
	cb, _, rec := newTestBreaker(t, cfg)

	first, second := cb.Allow(), cb.Allow()
	cb.RecordFailure(first.Generation)
	cb.RecordSuccess(second.Generation)
	cb.RecordFailure(second.Generation)

	assert.Equal(t, StateOpen, cb.State())
	assert.Len(t, rec.transitions(), 1)
}

func TestCircuitBreaker_OutcomeFromBeforeTripDoesNotSettleTrial(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cb, mock, rec := newTestBreaker(t, cfg)

	slow := cb.Allow()
	require.True(t, slow.Allowed)

	fail(cb, cfg.VolumeThreshold)
	require.Equal(t, StateOpen, cb.State())

	mock.Add(cfg.ResetTimeout)
	trial := cb.Allow()
	require.True(t, trial.Allowed)
	require.NotEqual(t, slow.Generation, trial.Generation)

	cb.RecordSuccess(slow.Generation)
	assert.Equal(t, StateHalfOpen, cb.State(), "late success is not the trial result")
	assert.False(t, cb.Allow().Allowed, "trial still in flight")

	cb.RecordFailure(slow.Generation)
	assert.Equal(t, StateHalfOpen, cb.State(), "late failure is not the trial result")

	cb.Release(slow.Generation)
	assert.Equal(t, 1, cb.Status().Stats.HalfOpenInFlight, "late cancel frees no slot")
	assert.False(t, cb.Allow().Allowed)

	cb.RecordSuccess(trial.Generation)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, rec.transitions())
}

func TestCircuitBreaker_GenerationAdvancesOnEveryTransition(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.VolumeThreshold = 1
	cb, mock, _ := newTestBreaker(t, cfg)

	assert.Zero(t, cb.Status().Generation)

	succeed(cb, 1)
	assert.Zero(t, cb.Status().Generation, "outcomes while closed keep the generation")

	fail(cb, 1)
	assert.Equal(t, uint64(1), cb.Status().Generation)

	mock.Add(cfg.ResetTimeout)
	trial := cb.Allow()
	assert.Equal(t, uint64(2), trial.Generation)

	cb.RecordSuccess(trial.Generation)
	assert.Equal(t, uint64(3), cb.Status().Generation)
}

func TestCircuitBreaker_Release(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.VolumeThreshold = 1
	cb, mock, _ := newTestBreaker(t, cfg)

	fail(cb, 1)
	mock.Add(cfg.ResetTimeout)
	trial := cb.Allow()
	require.True(t, trial.Allowed)
	require.False(t, cb.Allow().Allowed)

	cb.Release(trial.Generation)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Allow().Allowed, "released slot is reusable")
}

func TestCircuitBreaker_RollingWindowExpires(t *testing.T) {
	t.Parallel()

	cb, mock, _ := newTestBreaker(t, DefaultConfig())

	fail(cb, 9)
	mock.Add(DefaultRollingWindow)

	fail(cb, 1)
	assert.Equal(t, StateClosed, cb.State(), "old failures left the window")
	assert.Equal(t, int64(1), cb.Status().Stats.Total)
}

func TestCircuitBreaker_ConcurrentOutcomes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.VolumeThreshold = 1000
	cb := NewCircuitBreaker("search-service", cfg, nil, nil)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ticket := cb.Allow(); ticket.Allowed {
				if i%2 == 0 {
					cb.RecordSuccess(ticket.Generation)
				} else {
					cb.RecordFailure(ticket.Generation)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), cb.Status().Stats.Total)
}
