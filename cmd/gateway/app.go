package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/medgw/internal/backend"
	"github.com/vyrodovalexey/medgw/internal/cache"
	"github.com/vyrodovalexey/medgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/health"
	"github.com/vyrodovalexey/medgw/internal/observability"
	"github.com/vyrodovalexey/medgw/internal/proxy"
	"github.com/vyrodovalexey/medgw/internal/ratelimit"
	"github.com/vyrodovalexey/medgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/medgw/internal/redisconn"
	"github.com/vyrodovalexey/medgw/internal/server"
)

// application holds all application components.
type application struct {
	config        *config.GatewayConfig
	logger        observability.Logger
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	redis         *redis.Client
	registry      *backend.Registry
	healthChecker *backend.HealthChecker
	breakers      circuitbreaker.Breakers
	limiter       *ratelimit.Limiter
	limiterStore  store.Store
	cache         cache.Cache
	dispatcher    *proxy.Dispatcher
	aggregator    *health.Aggregator
	server        *server.Server
	metricsServer *http.Server
}

// newApplication builds every component from cfg. Components created
// before a failure are released.
func newApplication(ctx context.Context, cfg *config.GatewayConfig, logger observability.Logger) (app *application, err error) {
	spec := &cfg.Spec
	app = &application{
		config:  cfg,
		logger:  logger,
		metrics: observability.NewMetrics(spec.Observability.Metrics.Namespace),
	}
	defer func() {
		if err != nil {
			_ = app.close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	if app.tracer, err = initTracer(ctx, cfg); err != nil {
		return app, err
	}

	var guard *redisconn.Guard
	if spec.UsesRedis() {
		rc := redisconn.FromGatewayConfig(spec.Store.Redis)
		if app.redis, err = redisconn.Connect(ctx, rc, logger); err != nil {
			return app, err
		}
		guard = redisconn.NewGuard("redis",
			redisconn.WithGuardLogger(logger),
			redisconn.WithGuardObserver(app.metrics),
		)
	}

	if err = app.initBackends(); err != nil {
		return app, err
	}
	app.initBreakers(guard)
	app.initLimiter(guard)
	if err = app.initCache(guard); err != nil {
		return app, err
	}
	app.initDispatcher()
	app.initHealth()

	app.server, err = server.New(spec, app.dispatcher, health.NewHandler(app.aggregator),
		server.WithLogger(logger),
		server.WithTracer(app.tracer.Tracer()),
	)
	if err != nil {
		return app, err
	}

	if spec.Observability.Metrics.Enabled {
		app.metricsServer = createMetricsServer(spec.Observability.Metrics, app.metrics, logger)
	}

	return app, nil
}

// initTracer initializes the tracer.
func initTracer(ctx context.Context, cfg *config.GatewayConfig) (*observability.Tracer, error) {
	t := cfg.Spec.Observability.Tracing
	serviceName := t.ServiceName
	if serviceName == "" {
		serviceName = cfg.Metadata.Name
	}

	tracer, err := observability.NewTracer(ctx, observability.TracerConfig{
		ServiceName:  serviceName,
		OTLPEndpoint: t.OTLPEndpoint,
		SamplingRate: t.SamplingRate,
		Enabled:      t.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	return tracer, nil
}

func (app *application) initBackends() error {
	spec := &app.config.Spec

	balancer, err := backend.NewBalancer(spec.LoadBalancer.Policy)
	if err != nil {
		return err
	}

	app.registry, err = backend.NewRegistry(spec.Backends,
		backend.WithBalancer(balancer),
		backend.WithRegistryLogger(app.logger),
		backend.WithStatusChangeCallback(app.metrics.SetInstanceHealth),
	)
	if err != nil {
		return fmt.Errorf("failed to load backends: %w", err)
	}
	for _, t := range app.registry.Targets() {
		app.metrics.SetInstanceHealth(t.Service, t.Instance.ID, t.Instance.Healthy)
	}
	app.logger.Info("backends registered",
		observability.Int("backends", len(spec.Backends)),
		observability.Strings("critical", spec.CriticalBackends()),
		observability.String("policy", spec.LoadBalancer.Policy),
	)

	if spec.HealthCheck.Enabled {
		app.healthChecker = backend.NewHealthChecker(app.registry, spec.HealthCheck,
			backend.WithHealthCheckLogger(app.logger),
		)
	}
	return nil
}

func (app *application) initBreakers(guard *redisconn.Guard) {
	spec := &app.config.Spec
	defaults, overrides := circuitbreaker.FromGatewaySpec(spec)

	opts := []circuitbreaker.RegistryOption{
		circuitbreaker.WithOverrides(overrides),
		circuitbreaker.WithLogger(app.logger),
		circuitbreaker.WithStateChangeCallback(func(name string, _, to circuitbreaker.State) {
			app.metrics.SetCircuitBreakerState(name, int(to))
		}),
	}

	if spec.Store.Type == config.StoreRedis {
		app.breakers = circuitbreaker.NewRedisRegistry(app.redis, guard, spec.Store.Redis.KeyPrefix, defaults, opts...)
	} else {
		app.breakers = circuitbreaker.NewRegistry(defaults, opts...)
	}
	for _, name := range app.registry.Services() {
		app.metrics.SetCircuitBreakerState(name, int(circuitbreaker.StateClosed))
	}
}

func (app *application) initLimiter(guard *redisconn.Guard) {
	spec := &app.config.Spec
	if !spec.RateLimit.Enabled {
		return
	}

	if spec.Store.Type == config.StoreRedis {
		app.limiterStore = store.NewRedisStore(app.redis, guard, spec.Store.Redis.KeyPrefix)
	} else {
		app.limiterStore = store.NewMemoryStore()
	}

	app.limiter = ratelimit.NewLimiter(app.limiterStore, ratelimit.RulesFromConfig(spec.RateLimit.Rules),
		ratelimit.WithLogger(app.logger),
		ratelimit.WithFailOpen(spec.RateLimit.FailOpen),
	)
}

func (app *application) initCache(guard *redisconn.Guard) error {
	spec := &app.config.Spec
	if !spec.Cache.Enabled {
		return nil
	}

	cb := cache.Backend{Guard: guard, Prefix: spec.Store.Redis.KeyPrefix}
	if app.redis != nil {
		cb.Client = app.redis
	}
	c, err := cache.New(&spec.Cache, cb, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	app.cache = c
	return nil
}

func (app *application) initDispatcher() {
	spec := &app.config.Spec

	opts := []proxy.Option{
		proxy.WithLogger(app.logger),
		proxy.WithMetrics(app.metrics),
		proxy.WithTracer(app.tracer.Tracer()),
		proxy.WithGatewayName(spec.Server.GatewayName),
		proxy.WithIdentityHeaders(spec.Identity.UserIDHeader, spec.Identity.RolesHeader),
		proxy.WithExemptPaths(spec.ExemptPaths),
		proxy.WithFailClosed(spec.Store.FailClosed),
	}
	if app.limiter != nil {
		opts = append(opts, proxy.WithLimiter(app.limiter))
	}
	if app.cache != nil {
		opts = append(opts, proxy.WithCache(app.cache, cache.NewPolicy(spec.Cache)))
	}

	app.dispatcher = proxy.NewDispatcher(app.registry, app.breakers, opts...)
}

func (app *application) initHealth() {
	opts := []health.Option{health.WithLogger(app.logger)}
	if app.redis != nil {
		opts = append(opts, health.WithCheck(
			health.RedisHealthCheck("redis", app.redis, health.WithCritical(app.config.Spec.Store.FailClosed)),
		))
	}
	app.aggregator = health.NewAggregator(app.registry, opts...)
}

// shutdownTimeout returns the configured drain budget.
func (app *application) shutdownTimeout() time.Duration {
	if d := app.config.Spec.Server.ShutdownTimeout.Duration(); d > 0 {
		return d
	}
	return defaultShutdownTimeout
}
