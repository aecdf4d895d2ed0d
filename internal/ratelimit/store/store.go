// Package store provides storage backends for fixed-window rate limiting.
package store

import (
	"context"
	"time"

	"github.com/vyrodovalexey/medgw/internal/redisconn"
)

// ErrStoreUnavailable is returned when the backing store cannot be reached.
var ErrStoreUnavailable = redisconn.ErrUnavailable

// Counter is the state of one fixed window.
type Counter struct {
	// Count is the number of admitted requests in the window.
	Count int64

	// TTL is the time left until the window resets. Zero when no window
	// is open for the key.
	TTL time.Duration
}

// Store defines the interface for rate limit storage.
type Store interface {
	// Peek returns the current counter without modifying it. A key with
	// no open window reports a zero Counter.
	Peek(ctx context.Context, key string) (Counter, error)

	// Take admits one request if the window holds fewer than limit
	// requests. The first admitted request opens the window with the
	// given length; the expiry is never extended afterwards. A rejected
	// request leaves the counter untouched.
	Take(ctx context.Context, key string, limit int64, window time.Duration) (Counter, bool, error)

	// Close releases resources.
	Close() error
}
