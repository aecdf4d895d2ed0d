// Package observability provides logging, metrics, and tracing
// for the gateway.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer func() { _ = logger.Sync() }()
//
//	logger.Info("request dispatched",
//	    observability.String("service", "payment-service"),
//	    observability.Int("status", 200),
//	)
//
// # Metrics
//
// Prometheus metrics live on a private registry so that several
// gateways (or tests) can coexist in one process:
//
//	metrics := observability.NewMetrics("gateway")
//	http.Handle("/metrics", metrics.Handler())
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export. The SDK's own
// diagnostics are routed to the gateway logger through logr/zapr.
package observability
