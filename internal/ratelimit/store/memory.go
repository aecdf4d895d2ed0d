package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// maxCASRetries bounds the compare-and-swap loop under heavy contention
// on a single key.
const maxCASRetries = 100

// DefaultCleanupInterval is how often expired windows are purged.
const DefaultCleanupInterval = time.Minute

// entry represents a window counter. Entries are immutable; updates swap
// the pointer.
type entry struct {
	value      int64
	expiration time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expiration)
}

// MemoryStore implements Store using in-memory storage. It is local to
// one gateway process.
type MemoryStore struct {
	data  sync.Map
	clock clock.Clock

	cleanup *clock.Ticker
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	clock           clock.Clock
	cleanupInterval time.Duration
}

// WithClock sets the clock used for window expiry.
func WithClock(c clock.Clock) MemoryOption {
	return func(o *memoryOptions) {
		o.clock = c
	}
}

// WithCleanupInterval sets the janitor interval.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		o.cleanupInterval = d
	}
}

// NewMemoryStore creates a new in-memory store and starts its janitor.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	o := memoryOptions{
		clock:           clock.New(),
		cleanupInterval: DefaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &MemoryStore{
		clock:   o.clock,
		cleanup: o.clock.Ticker(o.cleanupInterval),
		done:    make(chan struct{}),
	}

	go s.startCleanup()

	return s
}

// Peek implements Store.
func (s *MemoryStore) Peek(ctx context.Context, key string) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}

	value, ok := s.data.Load(key)
	if !ok {
		return Counter{}, nil
	}

	now := s.clock.Now()
	e := value.(*entry)
	if e.expired(now) {
		return Counter{}, nil
	}
	return Counter{Count: e.value, TTL: e.expiration.Sub(now)}, nil
}

// Take implements Store.
func (s *MemoryStore) Take(ctx context.Context, key string, limit int64, window time.Duration) (Counter, bool, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, false, err
	}

	now := s.clock.Now()
	if limit <= 0 {
		return Counter{TTL: window}, false, nil
	}

	for retries := 0; retries < maxCASRetries; retries++ {
		fresh := &entry{value: 1, expiration: now.Add(window)}

		value, ok := s.data.Load(key)
		if !ok {
			actual, loaded := s.data.LoadOrStore(key, fresh)
			if !loaded {
				return Counter{Count: 1, TTL: window}, true, nil
			}
			// Another goroutine created it
			value = actual
		}

		e := value.(*entry)

		if e.expired(now) {
			if s.data.CompareAndSwap(key, e, fresh) {
				return Counter{Count: 1, TTL: window}, true, nil
			}
			continue
		}

		ttl := e.expiration.Sub(now)
		if e.value >= limit {
			return Counter{Count: e.value, TTL: ttl}, false, nil
		}

		next := &entry{value: e.value + 1, expiration: e.expiration}
		if s.data.CompareAndSwap(key, e, next) {
			return Counter{Count: next.value, TTL: ttl}, true, nil
		}
		// CAS failed, retry
	}

	return Counter{}, false, fmt.Errorf("take %q: max retries (%d) exceeded", key, maxCASRetries)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.cleanup.Stop()
	close(s.done)

	return nil
}

// startCleanup periodically removes expired entries.
func (s *MemoryStore) startCleanup() {
	for {
		select {
		case <-s.cleanup.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

// cleanupExpired removes all expired entries.
func (s *MemoryStore) cleanupExpired() {
	now := s.clock.Now()

	s.data.Range(func(key, value any) bool {
		e := value.(*entry)
		if e.expired(now) {
			s.data.CompareAndDelete(key, e)
		}
		return true
	})
}

// Size returns the number of entries in the store, expired or not.
func (s *MemoryStore) Size() int {
	count := 0
	s.data.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

var _ Store = (*MemoryStore)(nil)
