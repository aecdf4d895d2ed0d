package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/medgw/internal/observability"
	"github.com/vyrodovalexey/medgw/internal/redisconn"
)

// RedisCache implements Cache on a shared Redis instance. Keys are
// "<prefix>cache:<key>".
type RedisCache struct {
	client redis.UniversalClient
	guard  *redisconn.Guard
	prefix string
	logger observability.Logger
}

// NewRedisCache creates a Redis cache on an existing client. A nil guard
// gets a default one.
func NewRedisCache(client redis.UniversalClient, guard *redisconn.Guard, prefix string, logger observability.Logger) *RedisCache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if guard == nil {
		guard = redisconn.NewGuard("cache", redisconn.WithGuardLogger(logger))
	}
	return &RedisCache{
		client: client,
		guard:  guard,
		prefix: prefix,
		logger: logger,
	}
}

func (c *RedisCache) key(key string) string {
	return c.prefix + "cache:" + key
}

func (c *RedisCache) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("cache.backend", "redis")),
	)
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := c.startSpan(ctx, "cache.Get")
	defer span.End()

	var value []byte
	err := c.guard.Do(ctx, "get", func(ctx context.Context) error {
		var err error
		value, err = c.client.Get(ctx, c.key(key)).Bytes()
		return err
	})

	switch {
	case err == nil:
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return value, nil
	case redisconn.IsNil(err):
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := c.startSpan(ctx, "cache.Set")
	defer span.End()

	err := c.guard.Do(ctx, "set", func(ctx context.Context) error {
		return c.client.Set(ctx, c.key(key), value, ttl).Err()
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, context.Canceled) {
			c.logger.Debug("cache write failed", observability.Error(err))
		}
	}
	return err
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.guard.Do(ctx, "delete", func(ctx context.Context) error {
		return c.client.Del(ctx, c.key(key)).Err()
	})
}

// Close implements Cache. The client is owned by the caller.
func (c *RedisCache) Close() error {
	return nil
}
