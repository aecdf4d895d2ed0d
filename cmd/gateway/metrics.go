package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/observability"
)

// Metrics listener defaults.
const (
	defaultMetricsAddress = ":9090"
	defaultMetricsPath    = "/metrics"
)

// createMetricsServer creates the metrics HTTP server on its own listener.
func createMetricsServer(cfg config.MetricsConfig, metrics *observability.Metrics, logger observability.Logger) *http.Server {
	addr := cfg.Address
	if addr == "" {
		addr = defaultMetricsAddress
	}
	path := cfg.Path
	if path == "" {
		path = defaultMetricsPath
	}

	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())

	logger.Info("metrics server configured",
		observability.String("address", addr),
		observability.String("metrics_path", path),
	)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// runMetricsServer runs the metrics HTTP server until it is shut down.
func runMetricsServer(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
