package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/medgw/internal/observability"
)

// DefaultMaxEntries bounds the memory cache when no size is configured.
const DefaultMaxEntries = 1000

// memoryEntry carries its own deadline so that Set can use a TTL shorter
// than the LRU-wide one.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process LRU cache with expiring entries.
type MemoryCache struct {
	lru    *expirable.LRU[string, memoryEntry]
	logger observability.Logger
	now    func() time.Time
}

// NewMemoryCache creates a memory cache holding at most maxEntries
// entries, none of which outlives maxTTL.
func NewMemoryCache(maxEntries int, maxTTL time.Duration, logger observability.Logger) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	c := &MemoryCache{
		lru:    expirable.NewLRU[string, memoryEntry](maxEntries, nil, maxTTL),
		logger: logger,
		now:    time.Now,
	}

	logger.Info("memory cache initialized",
		observability.Int("maxEntries", maxEntries),
		observability.Duration("maxTTL", maxTTL),
	)

	return c
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.backend", "memory")),
	)
	defer span.End()

	entry, ok := c.lru.Get(key)
	if ok && !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.lru.Remove(key)
		ok = false
	}
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	if !ok {
		return nil, ErrCacheMiss
	}
	return entry.value, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.Int("cache.size", len(value)),
		),
	)
	defer span.End()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.lru.Add(key, entry)
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Len returns the number of entries, including ones not yet purged.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// Close implements Cache.
func (c *MemoryCache) Close() error {
	c.lru.Purge()
	return nil
}

