package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryStore(t *testing.T) (*MemoryStore, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC))
	s := NewMemoryStore(WithClock(mock), WithCleanupInterval(time.Minute))
	t.Cleanup(func() { _ = s.Close() })
	return s, mock
}

func TestMemoryStore_TakeUpToLimit(t *testing.T) {
	t.Parallel()

	s, mock := newTestMemoryStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		c, ok, err := s.Take(ctx, "ip:1.2.3.4:users", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, c.Count)
		assert.Equal(t, time.Minute, c.TTL, "window fixed at first write")
	}

	mock.Add(20 * time.Second)
	c, ok, err := s.Take(ctx, "ip:1.2.3.4:users", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(3), c.Count, "rejection does not increment")
	assert.Equal(t, 40*time.Second, c.TTL)
}

func TestMemoryStore_WindowReset(t *testing.T) {
	t.Parallel()

	s, mock := newTestMemoryStore(t)
	ctx := context.Background()

	_, ok, err := s.Take(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.Take(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	mock.Add(time.Minute)
	c, ok, err := s.Take(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Count)
}

func TestMemoryStore_Peek(t *testing.T) {
	t.Parallel()

	s, mock := newTestMemoryStore(t)
	ctx := context.Background()

	c, err := s.Peek(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Counter{}, c)
	assert.Zero(t, s.Size(), "peek creates no record")

	_, _, err = s.Take(ctx, "k", 5, time.Minute)
	require.NoError(t, err)
	mock.Add(15 * time.Second)

	c, err = s.Peek(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Counter{Count: 1, TTL: 45 * time.Second}, c)
}

func TestMemoryStore_ZeroLimit(t *testing.T) {
	t.Parallel()

	s, _ := newTestMemoryStore(t)

	c, ok, err := s.Take(context.Background(), "k", 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.Count)
	assert.Zero(t, s.Size())
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	t.Parallel()

	s, _ := newTestMemoryStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.Take(ctx, "k", 1, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Peek(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_ConcurrentTakeNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Take(context.Background(), "hot", 50, time.Hour)
			if err == nil && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), admitted.Load())
}

func TestMemoryStore_CleanupExpired(t *testing.T) {
	t.Parallel()

	s, mock := newTestMemoryStore(t)
	ctx := context.Background()

	_, _, err := s.Take(ctx, "short", 5, time.Second)
	require.NoError(t, err)
	_, _, err = s.Take(ctx, "long", 5, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, s.Size())

	mock.Add(time.Minute)

	assert.Eventually(t, func() bool { return s.Size() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
