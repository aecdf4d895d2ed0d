package backend

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/medgw/internal/config"
)

func testBackends() []config.Backend {
	return []config.Backend{
		{
			Name:     "payment-service",
			Prefix:   "/payments",
			Critical: true,
			Instances: []config.Instance{
				{ID: "payment-service-1", Host: "localhost", Port: 3005},
			},
		},
		{
			Name:   "search-service",
			Prefix: "/search",
			Instances: []config.Instance{
				{ID: "search-1", Host: "10.0.0.1", Port: 8080},
				{ID: "search-2", Host: "10.0.0.2", Port: 8080},
			},
		},
	}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(testBackends())
	require.NoError(t, err)
	assert.Equal(t, []string{"payment-service", "search-service"}, r.Services())

	st, err := r.GetServiceStatus("search-service")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Healthy)
	assert.Equal(t, 0, st.Unhealthy)
	assert.False(t, st.Critical)
	for _, inst := range st.Instances {
		assert.True(t, inst.Healthy)
		assert.Zero(t, inst.Load)
	}
}

func TestNewRegistry_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		backends []config.Backend
	}{
		{
			name:     "missing name",
			backends: []config.Backend{{Prefix: "/x"}},
		},
		{
			name: "duplicate backend",
			backends: []config.Backend{
				{Name: "a", Prefix: "/a"},
				{Name: "a", Prefix: "/b"},
			},
		},
		{
			name: "duplicate instance",
			backends: []config.Backend{{
				Name:   "a",
				Prefix: "/a",
				Instances: []config.Instance{
					{ID: "a-1", Host: "h", Port: 1},
					{ID: "a-1", Host: "h", Port: 2},
				},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewRegistry(tt.backends)
			assert.Error(t, err)
		})
	}
}

func TestGetHealthyInstance_SingleInstance(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	r, err := NewRegistry(testBackends(), WithClock(mock))
	require.NoError(t, err)

	mock.Add(time.Minute)
	inst, err := r.GetHealthyInstance("payment-service")
	require.NoError(t, err)
	assert.Equal(t, "payment-service-1", inst.ID)
	assert.Equal(t, "localhost", inst.Host)
	assert.Equal(t, 3005, inst.Port)
	assert.Equal(t, int64(1), inst.Load)
	assert.Equal(t, mock.Now(), inst.LastHealthCheck)
	assert.Equal(t, "http://localhost:3005", inst.URL())

	st, err := r.GetServiceStatus("payment-service")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Instances[0].Load)
}

func TestGetHealthyInstance_NoneHealthy(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(testBackends())
	require.NoError(t, err)

	require.NoError(t, r.MarkInstanceUnhealthy("payment-service", "payment-service-1"))

	inst, err := r.GetHealthyInstance("payment-service")
	assert.Nil(t, inst)
	assert.ErrorIs(t, err, ErrNoHealthyInstances)

	st, err := r.GetServiceStatus("payment-service")
	require.NoError(t, err)
	assert.Zero(t, st.Instances[0].Load, "failed selection must not touch load")
}

func TestGetHealthyInstance_UnknownService(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(testBackends())
	require.NoError(t, err)

	_, err = r.GetHealthyInstance("billing-service")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestGetHealthyInstance_SkipsUnhealthy(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(testBackends())
	require.NoError(t, err)
	require.NoError(t, r.MarkInstanceUnhealthy("search-service", "search-1"))

	for range 5 {
		inst, err := r.GetHealthyInstance("search-service")
		require.NoError(t, err)
		assert.Equal(t, "search-2", inst.ID)
	}
}

func TestMarkInstance_Idempotent(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	var mu sync.Mutex
	var flips []bool

	r, err := NewRegistry(testBackends(),
		WithClock(mock),
		WithStatusChangeCallback(func(service, instanceID string, healthy bool) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "search-service", service)
			assert.Equal(t, "search-1", instanceID)
			flips = append(flips, healthy)
		}),
	)
	require.NoError(t, err)

	mock.Add(time.Second)
	require.NoError(t, r.MarkInstanceUnhealthy("search-service", "search-1"))
	first, err := r.GetServiceStatus("search-service")
	require.NoError(t, err)

	mock.Add(time.Second)
	require.NoError(t, r.MarkInstanceUnhealthy("search-service", "search-1"))
	second, err := r.GetServiceStatus("search-service")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, second.Unhealthy)

	require.NoError(t, r.MarkInstanceHealthy("search-service", "search-1"))
	require.NoError(t, r.MarkInstanceHealthy("search-service", "search-1"))

	assert.Equal(t, []bool{false, true}, flips)
}

func TestMarkInstance_Unknown(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(testBackends())
	require.NoError(t, err)

	assert.ErrorIs(t, r.MarkInstanceHealthy("nope", "x"), ErrServiceNotFound)
	assert.ErrorIs(t, r.MarkInstanceUnhealthy("search-service", "x"), ErrInstanceNotFound)
}

func TestAddRemoveInstance(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(testBackends())
	require.NoError(t, err)

	require.NoError(t, r.AddInstance("payment-service", config.Instance{ID: "payment-service-2", Host: "localhost", Port: 3105}))
	assert.ErrorIs(t,
		r.AddInstance("payment-service", config.Instance{ID: "payment-service-2", Host: "localhost", Port: 3105}),
		ErrDuplicateInstance,
	)

	st, err := r.GetServiceStatus("payment-service")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)

	require.NoError(t, r.RemoveInstance("payment-service", "payment-service-1"))
	assert.ErrorIs(t, r.RemoveInstance("payment-service", "payment-service-1"), ErrInstanceNotFound)

	inst, err := r.GetHealthyInstance("payment-service")
	require.NoError(t, err)
	assert.Equal(t, "payment-service-2", inst.ID)
}

func TestTargets(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(testBackends())
	require.NoError(t, err)

	targets := r.Targets()
	require.Len(t, targets, 3)
	assert.Equal(t, "payment-service", targets[0].Service)
	assert.Equal(t, "search-1", targets[1].Instance.ID)
	assert.Equal(t, "10.0.0.2:8080", targets[2].Instance.Address())
}

func TestGetHealthyInstance_Concurrent(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(testBackends(), WithBalancer(NewLeastLoadedBalancer()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.GetHealthyInstance("search-service")
		}()
	}
	wg.Wait()

	st, err := r.GetServiceStatus("search-service")
	require.NoError(t, err)
	assert.Equal(t, int64(50), st.Instances[0].Load+st.Instances[1].Load)
	assert.Equal(t, int64(25), st.Instances[0].Load)
}
