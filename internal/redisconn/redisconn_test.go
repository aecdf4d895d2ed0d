package redisconn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/observability"
)

func TestConnect(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), Config{Address: mr.Addr(), DialTimeout: time.Second}, nil)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestConnect_Unreachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, Config{
		Address:        addr,
		DialTimeout:    50 * time.Millisecond,
		ConnectRetries: 1,
	}, observability.NopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestFromGatewayConfig(t *testing.T) {
	t.Parallel()

	cfg := FromGatewayConfig(config.DefaultConfig().Spec.Store.Redis)
	assert.Equal(t, "localhost:6379", cfg.Address)
	assert.Equal(t, "medgw:", cfg.KeyPrefix)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
}

type recordingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingObserver) ObserveStoreOperation(store, operation string, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := "ok"
	if err != nil {
		status = "err"
	}
	r.ops = append(r.ops, store+"/"+operation+"/"+status)
}

func TestGuard_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	observer := &recordingObserver{}
	g := NewGuard("ratelimit",
		WithGuardFailures(2),
		WithGuardOpenDuration(time.Hour),
		WithGuardObserver(observer),
		WithGuardLogger(observability.NopLogger()),
	)

	boom := errors.New("i/o timeout")
	calls := 0
	fail := func(context.Context) error {
		calls++
		return boom
	}

	err := g.Do(context.Background(), "take", fail)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, boom)

	_ = g.Do(context.Background(), "take", fail)
	assert.Equal(t, "open", g.State())

	err = g.Do(context.Background(), "take", fail)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, calls, "open guard must not call the store")
	assert.Equal(t, []string{"ratelimit/take/err", "ratelimit/take/err"}, observer.ops)
}

func TestGuard_NilAndCancelAreNotFailures(t *testing.T) {
	t.Parallel()

	g := NewGuard("cache", WithGuardFailures(1))

	err := g.Do(context.Background(), "get", func(context.Context) error { return redis.Nil })
	assert.True(t, IsNil(err))
	assert.Equal(t, "closed", g.State())

	err = g.Do(context.Background(), "get", func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "closed", g.State())
}

func TestGuard_CancelledContext(t *testing.T) {
	t.Parallel()

	g := NewGuard("breaker")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := g.Do(ctx, "allow", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
