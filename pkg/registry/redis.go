package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically.
// KEYS[1] bucket key, ARGV[1] tokens/second, ARGV[2] capacity,
// ARGV[3] cost, ARGV[4] now in fractional unix seconds.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 60)
return allowed
`)

// RedisLimiter shares token buckets between claimgate replicas.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
}

func NewRedisLimiter(client redis.Scripter) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "claimgate:limiter:"}
}

func (s *RedisLimiter) Allow(ctx context.Context, key string, l Limit) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + key}, l.perSecond(), l.burst(), 1, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	return res == 1, nil
}

// RedisTiers reads agent tiers from a hash (field = agent id).
type RedisTiers struct {
	client redis.Cmdable
	hash   string
}

func NewRedisTiers(client redis.Cmdable) *RedisTiers {
	return &RedisTiers{client: client, hash: "claimgate:agent_tiers"}
}

func (r *RedisTiers) Tier(ctx context.Context, agentID string) (int, error) {
	v, err := r.client.HGet(ctx, r.hash, agentID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrUnknownAgent
	}
	if err != nil {
		return 0, fmt.Errorf("redis tier lookup: %w", err)
	}
	t, err := strconv.Atoi(v)
	if err != nil || t < 0 || t > 4 {
		return 0, fmt.Errorf("redis tier lookup: invalid tier %q for %s", v, agentID)
	}
	return t, nil
}

// Set registers an agent's tier.
func (r *RedisTiers) Set(ctx context.Context, agentID string, tier int) error {
	if tier < 0 || tier > 4 {
		return fmt.Errorf("tier %d out of range 0..4", tier)
	}
	return r.client.HSet(ctx, r.hash, agentID, tier).Err()
}
