package main

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/observability"
)

func TestReloadComponents_HotSections(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	cfg := testConfig(t, newUpstream(t).URL)
	app := newTestApp(t, cfg, observability.NewLoggerFromZap(zap.New(core)))

	assert.Equal(t, http.StatusOK, get(app, "/video/1").Code)

	next := testConfig(t, newUpstream(t).URL)
	next.Spec.Backends = cfg.Spec.Backends
	next.Spec.RateLimit.Rules["video"] = config.RateLimitRule{Window: config.Duration(time.Minute), MaxRequests: 1}
	next.Spec.ExemptPaths = []string{"/health", "/analytics"}
	next.Spec.Cache.CacheablePrefixes = nil

	reloadComponents(app, config.Change{Previous: cfg, Current: next, Sections: config.ChangedSections(cfg, next)})

	assert.Equal(t, http.StatusTooManyRequests, get(app, "/video/2").Code, "new rule applies to the existing counter")
	assert.True(t, app.dispatcher.IsExempt("/analytics/report"))
	assert.False(t, app.dispatcher.IsExempt("/auth/login"))

	w := get(app, "/search/q")
	assert.Empty(t, w.Header().Get("X-Cache"), "search is no longer cacheable")

	assert.Equal(t, 0, logs.FilterMessageSnippet("not hot-reloaded").Len())
	assert.Equal(t, 1, logs.FilterMessage("configuration reloaded").Len())
	count, err := testutil.GatherAndCount(app.metrics.Registry(), "gateway_config_reloads_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReloadComponents_WarnsOnRestartSections(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	cfg := testConfig(t, newUpstream(t).URL)
	app := newTestApp(t, cfg, observability.NewLoggerFromZap(zap.New(core)))

	next := testConfig(t, newUpstream(t).URL)
	next.Spec.Backends = cfg.Spec.Backends
	next.Spec.Server.Address = "127.0.0.1:9999"
	next.Spec.Store.Type = config.StoreRedis

	reloadComponents(app, config.Change{Previous: cfg, Current: next, Sections: config.ChangedSections(cfg, next)})

	var sections []string
	for _, e := range logs.FilterMessageSnippet("not hot-reloaded").All() {
		sections = append(sections, e.ContextMap()["section"].(string))
	}
	assert.ElementsMatch(t, []string{config.SectionServer, config.SectionStoreConnection}, sections)
}

func TestReloadComponents_AppliesOnlyChangedSections(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	cfg := testConfig(t, newUpstream(t).URL)
	app := newTestApp(t, cfg, observability.NewLoggerFromZap(zap.New(core)))

	next := testConfig(t, newUpstream(t).URL)
	next.Spec.Backends = cfg.Spec.Backends
	next.Spec.ExemptPaths = []string{"/health", "/analytics"}
	next.Spec.Store.FailClosed = !cfg.Spec.Store.FailClosed

	reloadComponents(app, config.Change{Previous: cfg, Current: next, Sections: []string{config.SectionStoreFailClosed}})

	assert.False(t, app.dispatcher.IsExempt("/analytics/report"), "exempt paths were not reported as changed")
	entries := logs.FilterMessage("configuration reloaded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, []any{config.SectionStoreFailClosed}, entries[0].ContextMap()["applied"])
}

func TestStartConfigWatcher_ReloadsFromFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, newUpstream(t).URL)
	app := newTestApp(t, cfg, observability.NopLogger())

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, path, cfg)

	watcher := startConfigWatcher(t.Context(), app, path, envConfig{})
	require.NotNil(t, watcher)
	t.Cleanup(func() { _ = watcher.Stop() })

	next := *cfg
	next.Spec.ExemptPaths = []string{"/health", "/users"}
	writeConfig(t, path, &next)

	require.Eventually(t, func() bool {
		return app.dispatcher.IsExempt("/users/1")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStartConfigWatcher_MissingFile(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, testConfig(t, newUpstream(t).URL), observability.NopLogger())
	assert.Nil(t, startConfigWatcher(t.Context(), app, filepath.Join(t.TempDir(), "none.yaml"), envConfig{}))
}

func writeConfig(t *testing.T, path string, cfg *config.GatewayConfig) {
	t.Helper()

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
