package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/observability"
	"github.com/vyrodovalexey/medgw/internal/redisconn"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheDisabled indicates that caching is disabled.
	ErrCacheDisabled = errors.New("cache disabled")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

// tracerName is the OpenTelemetry tracer name for cache operations.
const tracerName = "medgw/cache"

// Cache is the main interface for caching.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns ErrCacheMiss if the key is not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache.
	Delete(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// Backend carries what a Redis cache needs. It is ignored for the memory
// cache.
type Backend struct {
	Client redis.UniversalClient
	Guard  *redisconn.Guard
	Prefix string
}

// New creates a new cache based on the configuration.
func New(cfg *config.CacheConfig, backend Backend, logger observability.Logger) (Cache, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	if !cfg.Enabled {
		return disabledCache{}, nil
	}

	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Type {
	case config.StoreMemory, "":
		return NewMemoryCache(cfg.MaxEntries, cfg.TTL.Duration(), logger), nil
	case config.StoreRedis:
		if backend.Client == nil {
			return nil, fmt.Errorf("%w: redis cache requires a redis client", ErrInvalidConfig)
		}
		return NewRedisCache(backend.Client, backend.Guard, backend.Prefix, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown cache type %q", ErrInvalidConfig, cfg.Type)
	}
}

// disabledCache is a cache that always returns ErrCacheDisabled.
type disabledCache struct{}

func (disabledCache) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheDisabled
}

func (disabledCache) Set(context.Context, string, []byte, time.Duration) error {
	return ErrCacheDisabled
}

func (disabledCache) Delete(context.Context, string) error {
	return ErrCacheDisabled
}

func (disabledCache) Close() error {
	return nil
}
