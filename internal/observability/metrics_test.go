package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordRequest(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.RecordRequest("GET", "payment-service", 200, 15*time.Millisecond)
	m.RecordRequest("GET", "payment-service", 200, 25*time.Millisecond)
	m.RecordRequest("POST", "payment-service", 502, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "payment-service", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("POST", "payment-service", "502")))
}

func TestMetrics_Gauges(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	m.SetCircuitBreakerState("user-service", 2)
	m.SetInstanceHealth("user-service", "user-service-1", true)
	m.SetInstanceHealth("user-service", "user-service-2", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuitBreaker.WithLabelValues("user-service")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.instanceHealth.WithLabelValues("user-service", "user-service-1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.instanceHealth.WithLabelValues("user-service", "user-service-2")))
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.RecordGatingRejection("video-service", "circuit_open")
	m.RecordRateLimitRejection("auth/login")
	m.RecordUpstreamError("video-service", "timeout")
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)
	m.ObserveStoreOperation("redis", "take", nil, time.Millisecond)
	m.ObserveStoreOperation("redis", "take", errors.New("down"), time.Millisecond)
	m.RecordConfigReload(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatingRejections.WithLabelValues("video-service", "circuit_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitRejected.WithLabelValues("auth/login")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamErrors.WithLabelValues("video-service", "timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOperations.WithLabelValues("redis", "take", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.configReloads.WithLabelValues("failure")))
}

func TestMetrics_Registry(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.RecordRequest("GET", "search-service", 200, time.Millisecond)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "test_request_duration_seconds" {
			found = f
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.GetMetric(), 1)
	assert.Equal(t, uint64(1), found.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.RecordRateLimitRejection("payments")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_rate_limit_rejections_total")
}
