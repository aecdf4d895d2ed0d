package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/vyrodovalexey/medgw/internal/config"
)

// envConfig holds the deployment knobs that may be set from the
// environment. Empty values leave the YAML configuration untouched.
type envConfig struct {
	ConfigPath    string `env:"GATEWAY_CONFIG_PATH" envDefault:"configs/gateway.yaml"`
	LogLevel      string `env:"GATEWAY_LOG_LEVEL"`
	LogFormat     string `env:"GATEWAY_LOG_FORMAT"`
	ListenAddr    string `env:"GATEWAY_LISTEN_ADDR"`
	MetricsAddr   string `env:"GATEWAY_METRICS_ADDR"`
	StoreType     string `env:"GATEWAY_STORE_TYPE"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// loadEnv reads an optional dotenv file into the process environment
// and parses envConfig. Variables already set win over the file.
func loadEnv(dotenvPath string) (envConfig, error) {
	var e envConfig

	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return e, fmt.Errorf("failed to load %s: %w", dotenvPath, err)
		}
	}

	if err := env.Parse(&e); err != nil {
		return e, fmt.Errorf("failed to parse environment: %w", err)
	}
	return e, nil
}

// apply overlays the non-empty environment values onto cfg.
func (e envConfig) apply(cfg *config.GatewayConfig) {
	spec := &cfg.Spec

	if e.LogLevel != "" {
		spec.Observability.Logging.Level = e.LogLevel
	}
	if e.LogFormat != "" {
		spec.Observability.Logging.Format = e.LogFormat
	}
	if e.ListenAddr != "" {
		spec.Server.Address = e.ListenAddr
	}
	if e.MetricsAddr != "" {
		spec.Observability.Metrics.Address = e.MetricsAddr
	}
	if e.StoreType != "" {
		spec.Store.Type = e.StoreType
	}
	if e.RedisAddr != "" {
		spec.Store.Redis.Address = e.RedisAddr
	}
	if e.RedisPassword != "" {
		spec.Store.Redis.Password = e.RedisPassword
	}
	if e.OTLPEndpoint != "" {
		spec.Observability.Tracing.OTLPEndpoint = e.OTLPEndpoint
	}
}
