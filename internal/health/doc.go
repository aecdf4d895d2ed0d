// Package health answers liveness, readiness and health endpoints for the
// gateway.
//
// The Aggregator is a read-only view over the backend registry:
//
//   - liveness is always ok while the process serves
//   - readiness requires a healthy instance for every critical backend
//   - health requires a healthy instance for every backend
//
// Dependency checks (for example a Redis ping) run concurrently under a
// timeout; a failing critical check fails readiness and health.
//
// # Usage
//
//	agg := health.NewAggregator(registry,
//	    health.WithCheck(health.RedisHealthCheck("redis", client)),
//	    health.WithLogger(logger),
//	)
//	health.NewHandler(agg).RegisterRoutes(engine)
package health
