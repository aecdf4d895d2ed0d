package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/medgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/health"
	"github.com/vyrodovalexey/medgw/internal/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns the default configuration with every backend
// pointing at upstreamURL and no listeners that bind fixed ports.
func testConfig(t *testing.T, upstreamURL string) *config.GatewayConfig {
	t.Helper()

	u, err := url.Parse(upstreamURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Spec.Server.Address = "127.0.0.1:0"
	cfg.Spec.HealthCheck.Enabled = false
	cfg.Spec.Observability.Metrics.Enabled = false
	for i := range cfg.Spec.Backends {
		cfg.Spec.Backends[i].Instances = []config.Instance{{
			ID:   cfg.Spec.Backends[i].Name + "-1",
			Host: u.Hostname(),
			Port: port,
		}}
	}
	require.NoError(t, config.ValidateConfig(cfg))
	return cfg
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T, cfg *config.GatewayConfig, logger observability.Logger) *application {
	t.Helper()

	app, err := newApplication(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.close(context.Background()) })
	return app
}

func get(app *application, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	app.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestNewApplication_MemoryStore(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, testConfig(t, newUpstream(t).URL), observability.NopLogger())

	assert.IsType(t, &circuitbreaker.Registry{}, app.breakers)
	assert.NotNil(t, app.limiter)
	assert.NotNil(t, app.cache)
	assert.Nil(t, app.redis)
	assert.Nil(t, app.metricsServer)

	w := get(app, "/appointments/today")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/today", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))

	w = get(app, "/search/q")
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	w = get(app, "/search/q")
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))

	assert.Equal(t, http.StatusOK, get(app, health.PathReadiness).Code)
}

func TestNewApplication_TracingEnabled(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Header.Get("traceparent"))
	}))
	t.Cleanup(upstream.Close)

	cfg := testConfig(t, upstream.URL)
	cfg.Spec.Observability.Tracing.Enabled = true
	cfg.Spec.Observability.Tracing.SamplingRate = 1

	app := newTestApp(t, cfg, observability.NopLogger())
	require.NotNil(t, app.tracer)

	w := get(app, "/appointments/today")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`, w.Body.String())
}

func TestNewApplication_RedisStore(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := testConfig(t, newUpstream(t).URL)
	cfg.Spec.Store.Type = config.StoreRedis
	cfg.Spec.Store.Redis.Address = mr.Addr()
	cfg.Spec.Cache.Type = config.StoreRedis

	app := newTestApp(t, cfg, observability.NopLogger())
	assert.IsType(t, &circuitbreaker.RedisRegistry{}, app.breakers)
	require.NotNil(t, app.redis)

	w := get(app, "/payments/1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, mr.Keys(), "counters live in redis")

	w = get(app, health.PathHealth)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"redis"`)

	mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, get(app, health.PathReadiness).Code,
		"redis is critical when the store fails closed")
}

func TestNewApplication_RedisUnreachable(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, newUpstream(t).URL)
	cfg.Spec.Store.Type = config.StoreRedis
	cfg.Spec.Store.Redis.Address = "127.0.0.1:1"
	cfg.Spec.Store.Redis.ConnectRetries = 1
	cfg.Spec.Store.Redis.DialTimeout = config.Duration(50 * time.Millisecond)

	_, err := newApplication(context.Background(), cfg, observability.NopLogger())
	assert.Error(t, err)
}

func TestNewApplication_MetricsServer(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, newUpstream(t).URL)
	cfg.Spec.Observability.Metrics.Enabled = true
	cfg.Spec.Observability.Metrics.Address = "127.0.0.1:0"

	app := newTestApp(t, cfg, observability.NopLogger())
	require.NotNil(t, app.metricsServer)

	get(app, "/users/1")

	w := httptest.NewRecorder()
	app.metricsServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gateway_circuit_breaker_state")
}

func TestApplication_Run(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	app, err := newApplication(context.Background(), testConfig(t, newUpstream(t).URL),
		observability.NewLoggerFromZap(zap.New(core)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.run(ctx, nil) }()

	require.Eventually(t, app.server.IsRunning, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.False(t, app.server.IsRunning())
	assert.Equal(t, 1, logs.FilterMessage("gateway stopped").Len())

	registered := logs.FilterMessage("backends registered").All()
	require.Len(t, registered, 1)
	assert.EqualValues(t, 9, registered[0].ContextMap()["backends"])
	assert.ElementsMatch(t,
		[]any{"auth-service", "user-service", "appointment-service", "payment-service"},
		registered[0].ContextMap()["critical"])
}
