// Package redisconn owns the shared Redis connection used by the
// rate-limit store, the distributed circuit breaker registry and the
// response cache.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/observability"
	"github.com/vyrodovalexey/medgw/internal/retry"
)

// Config holds connection settings.
type Config struct {
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	PoolSize       int
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ConnectRetries int
}

// FromGatewayConfig converts the YAML redis section.
func FromGatewayConfig(c config.RedisConfig) Config {
	return Config{
		Address:        c.Address,
		Password:       c.Password,
		DB:             c.DB,
		KeyPrefix:      c.KeyPrefix,
		PoolSize:       c.PoolSize,
		DialTimeout:    c.DialTimeout.Duration(),
		ReadTimeout:    c.ReadTimeout.Duration(),
		WriteTimeout:   c.WriteTimeout.Duration(),
		ConnectRetries: c.ConnectRetries,
	}
}

// NewClient creates a client without contacting the server.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   1,
	})
}

// Connect creates a client and pings the server until it answers,
// backing off with decorrelated jitter between attempts.
func Connect(ctx context.Context, cfg Config, logger observability.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	client := NewClient(cfg)

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	retryCfg := retry.DefaultConfig()
	if cfg.ConnectRetries > 0 {
		retryCfg.MaxRetries = cfg.ConnectRetries
	}

	err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("redis connection failed, retrying",
			observability.String("address", cfg.Address),
			observability.Int("attempt", attempt),
			observability.Duration("backoff", wait),
			observability.Error(err),
		)
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	logger.Info("connected to redis", observability.String("address", cfg.Address))
	return client, nil
}

// IsNil reports whether err is redis' "key does not exist" reply.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
