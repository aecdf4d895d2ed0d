package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/medgw/internal/redisconn"
)

// allowScript performs the admission decision atomically and returns
// {allowed, state, generation}. Every state change bumps 'gen'.
//
// KEYS[1] breaker hash
// ARGV[1] now (ms), ARGV[2] reset timeout (ms), ARGV[3] half-open max
var allowScript = redis.NewScript(`
local key = KEYS[1]
local state = redis.call('HGET', key, 'state') or 'closed'
local gen = tonumber(redis.call('HGET', key, 'gen') or '0')
if state == 'closed' then
  return {1, state, gen}
end
if state == 'open' then
  local opened = tonumber(redis.call('HGET', key, 'opened_at') or '0')
  if tonumber(ARGV[1]) < opened + tonumber(ARGV[2]) then
    return {0, state, gen}
  end
  gen = gen + 1
  redis.call('HSET', key, 'state', 'half-open', 'trials', 1, 'gen', string.format('%d', gen))
  return {1, 'half-open', gen}
end
local trials = tonumber(redis.call('HGET', key, 'trials') or '0')
if trials < tonumber(ARGV[3]) then
  redis.call('HINCRBY', key, 'trials', 1)
  return {1, state, gen}
end
return {0, state, gen}
`)

// recordScript adds an outcome and evaluates the trip condition. Outcomes
// from an older generation are dropped.
//
// KEYS[1] breaker hash
// ARGV[1] now (ms), ARGV[2] 's' or 'f', ARGV[3] bucket width (ms),
// ARGV[4] bucket count, ARGV[5] volume threshold, ARGV[6] error percentage,
// ARGV[7] generation of the admission
var recordScript = redis.NewScript(`
local key = KEYS[1]
local state = redis.call('HGET', key, 'state') or 'closed'
local gen = tonumber(redis.call('HGET', key, 'gen') or '0')
if tonumber(ARGV[7]) ~= gen or state == 'open' then
  return state
end
local nextgen = string.format('%d', gen + 1)
if state == 'half-open' then
  redis.call('DEL', key)
  if ARGV[2] == 's' then
    redis.call('HSET', key, 'state', 'closed', 'gen', nextgen)
    return 'closed'
  end
  redis.call('HSET', key, 'state', 'open', 'opened_at', ARGV[1], 'trials', 0, 'gen', nextgen)
  return 'open'
end
local n = tonumber(ARGV[4])
local epoch = math.floor(tonumber(ARGV[1]) / tonumber(ARGV[3]))
local idx = string.format('%d', epoch % n)
if tonumber(redis.call('HGET', key, 'e:' .. idx) or '-1') ~= epoch then
  redis.call('HSET', key, 'e:' .. idx, string.format('%d', epoch), 's:' .. idx, 0, 'f:' .. idx, 0)
end
redis.call('HINCRBY', key, ARGV[2] .. ':' .. idx, 1)
local total, failures = 0, 0
for i = 0, n - 1 do
  local j = string.format('%d', i)
  local e = tonumber(redis.call('HGET', key, 'e:' .. j) or '-1')
  if e > epoch - n then
    local s = tonumber(redis.call('HGET', key, 's:' .. j) or '0')
    local f = tonumber(redis.call('HGET', key, 'f:' .. j) or '0')
    total = total + s + f
    failures = failures + f
  end
end
if total >= tonumber(ARGV[5]) and failures * 100 >= tonumber(ARGV[6]) * total then
  redis.call('DEL', key)
  redis.call('HSET', key, 'state', 'open', 'opened_at', ARGV[1], 'trials', 0, 'gen', nextgen)
  return 'open'
end
redis.call('HSET', key, 'state', 'closed')
return 'closed'
`)

// releaseScript frees a half-open trial slot held by generation ARGV[1].
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local gen = tonumber(redis.call('HGET', key, 'gen') or '0')
if tonumber(ARGV[1]) == gen and redis.call('HGET', key, 'state') == 'half-open' then
  local trials = tonumber(redis.call('HGET', key, 'trials') or '0')
  if trials > 0 then
    redis.call('HINCRBY', key, 'trials', -1)
  end
end
return 1
`)

// RedisRegistry keeps breaker state in Redis hashes so that every gateway
// replica shares one breaker per backend. Each operation is a single Lua
// script, so state and counters change together.
type RedisRegistry struct {
	client        redis.UniversalClient
	guard         *redisconn.Guard
	prefix        string
	settings      settings
	clock         clock.Clock
	onStateChange StateChangeFunc
	lastStates    sync.Map
}

// NewRedisRegistry creates a Redis-backed breaker registry. Keys are
// "<prefix>cb:<name>".
func NewRedisRegistry(
	client redis.UniversalClient,
	guard *redisconn.Guard,
	prefix string,
	defaults Config,
	opts ...RegistryOption,
) *RedisRegistry {
	o := buildOptions(opts)
	if guard == nil {
		guard = redisconn.NewGuard("circuitbreaker", redisconn.WithGuardLogger(o.logger))
	}

	return &RedisRegistry{
		client:        client,
		guard:         guard,
		prefix:        prefix,
		settings:      settings{defaults: defaults, overrides: o.overrides},
		clock:         o.clock,
		onStateChange: stateLogger(o.logger, o.onStateChange),
	}
}

func (r *RedisRegistry) key(name string) string {
	return r.prefix + "cb:" + name
}

func (r *RedisRegistry) nowMillis() int64 {
	return r.clock.Now().UnixMilli()
}

// Allow implements Breakers.
func (r *RedisRegistry) Allow(ctx context.Context, name string) (Ticket, error) {
	cfg := r.Settings(name)

	var res []any
	err := r.guard.Do(ctx, "allow", func(ctx context.Context) error {
		var err error
		res, err = allowScript.Run(ctx, r.client, []string{r.key(name)},
			r.nowMillis(),
			cfg.ResetTimeout.Milliseconds(),
			cfg.HalfOpenMaxRequests,
		).Slice()
		return err
	})
	if err != nil {
		return Ticket{}, err
	}
	if len(res) != 3 {
		return Ticket{}, fmt.Errorf("unexpected allow reply: %v", res)
	}

	allowed, _ := res[0].(int64)
	state, _ := res[1].(string)
	gen, _ := res[2].(int64)
	r.observe(name, state)
	return Ticket{Allowed: allowed == 1, Generation: uint64(gen)}, nil
}

// RecordSuccess implements Breakers.
func (r *RedisRegistry) RecordSuccess(ctx context.Context, name string, generation uint64) error {
	return r.record(ctx, name, "s", generation)
}

// RecordFailure implements Breakers.
func (r *RedisRegistry) RecordFailure(ctx context.Context, name string, generation uint64) error {
	return r.record(ctx, name, "f", generation)
}

func (r *RedisRegistry) record(ctx context.Context, name, outcome string, generation uint64) error {
	cfg := r.Settings(name)

	var state string
	err := r.guard.Do(ctx, "record", func(ctx context.Context) error {
		var err error
		state, err = recordScript.Run(ctx, r.client, []string{r.key(name)},
			r.nowMillis(),
			outcome,
			cfg.bucketWidth().Milliseconds(),
			cfg.RollingBuckets,
			cfg.VolumeThreshold,
			strconv.FormatFloat(cfg.ErrorThresholdPercentage, 'f', -1, 64),
			generation,
		).Text()
		return err
	})
	if err != nil {
		return err
	}

	r.observe(name, state)
	return nil
}

// Release implements Breakers.
func (r *RedisRegistry) Release(ctx context.Context, name string, generation uint64) error {
	return r.guard.Do(ctx, "release", func(ctx context.Context) error {
		return releaseScript.Run(ctx, r.client, []string{r.key(name)}, generation).Err()
	})
}

// Status implements Breakers.
func (r *RedisRegistry) Status(ctx context.Context, name string) (Status, error) {
	cfg := r.Settings(name)

	var fields map[string]string
	err := r.guard.Do(ctx, "status", func(ctx context.Context) error {
		var err error
		fields, err = r.client.HGetAll(ctx, r.key(name)).Result()
		return err
	})
	if err != nil {
		return Status{}, err
	}

	return statusFromHash(name, cfg, fields, r.nowMillis()), nil
}

// Settings implements Breakers.
func (r *RedisRegistry) Settings(name string) Config {
	return r.settings.forName(name)
}

// observe fires the state-change callback when this replica sees a
// different state than it last saw.
func (r *RedisRegistry) observe(name, state string) {
	to := ParseState(state)
	prev, loaded := r.lastStates.Swap(name, to)
	from := StateClosed
	if loaded {
		from = prev.(State)
	}
	if from != to && r.onStateChange != nil {
		r.onStateChange(name, from, to)
	}
}

func statusFromHash(name string, cfg Config, fields map[string]string, nowMillis int64) Status {
	st := Status{Name: name, State: ParseState(fields["state"])}

	n := int64(cfg.RollingBuckets)
	epoch := nowMillis / cfg.bucketWidth().Milliseconds()

	var successes, failures int64
	for field, value := range fields {
		idx, ok := strings.CutPrefix(field, "e:")
		if !ok {
			continue
		}
		e, err := strconv.ParseInt(value, 10, 64)
		if err != nil || e <= epoch-n {
			continue
		}
		s, _ := strconv.ParseInt(fields["s:"+idx], 10, 64)
		f, _ := strconv.ParseInt(fields["f:"+idx], 10, 64)
		successes += s
		failures += f
	}

	st.Stats = newStats(successes, failures)
	if st.State != StateClosed {
		if ms, err := strconv.ParseInt(fields["opened_at"], 10, 64); err == nil {
			st.Stats.OpenedAt = time.UnixMilli(ms)
		}
	}
	if gen, err := strconv.ParseUint(fields["gen"], 10, 64); err == nil {
		st.Generation = gen
	}
	if trials, err := strconv.Atoi(fields["trials"]); err == nil && st.State == StateHalfOpen {
		st.Stats.HalfOpenInFlight = trials
	}
	return st
}

var _ Breakers = (*RedisRegistry)(nil)
