package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/medgw/internal/redisconn"
)

// takeScript is the Lua script for an atomic check-and-increment.
// KEYS[1] = key
// ARGV[1] = limit
// ARGV[2] = window in milliseconds
// Returns {count, pttl, admitted}.
var takeScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if current >= tonumber(ARGV[1]) then
		return {current, redis.call('PTTL', KEYS[1]), 0}
	end
	current = redis.call('INCR', KEYS[1])
	if current == 1 or redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return {current, redis.call('PTTL', KEYS[1]), 1}
`)

// RedisStore implements Store using Redis, shared by every gateway
// replica.
type RedisStore struct {
	client redis.UniversalClient
	guard  *redisconn.Guard
	prefix string
}

// NewRedisStore creates a Redis store on an existing client. Keys are
// "<prefix>rl:<key>". A nil guard gets a default one.
func NewRedisStore(client redis.UniversalClient, guard *redisconn.Guard, prefix string) *RedisStore {
	if guard == nil {
		guard = redisconn.NewGuard("ratelimit")
	}
	return &RedisStore{
		client: client,
		guard:  guard,
		prefix: prefix,
	}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + "rl:" + key
}

// Peek implements Store.
func (s *RedisStore) Peek(ctx context.Context, key string) (Counter, error) {
	var (
		get  *redis.StringCmd
		pttl *redis.DurationCmd
	)
	err := s.guard.Do(ctx, "peek", func(ctx context.Context) error {
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			get = pipe.Get(ctx, s.key(key))
			pttl = pipe.PTTL(ctx, s.key(key))
			return nil
		})
		if redisconn.IsNil(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return Counter{}, err
	}

	count, err := get.Int64()
	if redisconn.IsNil(err) {
		return Counter{}, nil
	}
	if err != nil {
		return Counter{}, fmt.Errorf("peek %q: %w", key, err)
	}

	return Counter{Count: count, TTL: positive(pttl.Val())}, nil
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, limit int64, window time.Duration) (Counter, bool, error) {
	var res []int64
	err := s.guard.Do(ctx, "take", func(ctx context.Context) error {
		var err error
		res, err = takeScript.Run(ctx, s.client, []string{s.key(key)}, limit, window.Milliseconds()).Int64Slice()
		return err
	})
	if err != nil {
		return Counter{}, false, err
	}
	if len(res) != 3 {
		return Counter{}, false, fmt.Errorf("take %q: unexpected reply %v", key, res)
	}

	c := Counter{Count: res[0]}
	if res[1] > 0 {
		c.TTL = time.Duration(res[1]) * time.Millisecond
	}
	return c, res[2] == 1, nil
}

// Close implements Store. The client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

// positive maps Redis' negative PTTL sentinels to zero.
func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

var _ Store = (*RedisStore)(nil)
