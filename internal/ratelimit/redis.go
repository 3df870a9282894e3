package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript checks the quota before incrementing so denied requests do not consume it.
var takeScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local ttl = redis.call("PTTL", KEYS[1])
if current > 0 and ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end
if current >= limit then
  return {0, current, ttl}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end
return {1, current, ttl}
`)

type redisClient interface {
	redis.Scripter
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisBackend keeps counters in Redis so several API instances share one quota per organization.
type RedisBackend struct {
	client redisClient
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redisClient) (*RedisBackend, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	return &RedisBackend{client: client}, nil
}

// DialRedis opens a client for addr and verifies it answers PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("ratelimit: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisBackend) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Usage, error) {
	if limit <= 0 {
		return Usage{}, errInvalidLimit
	}
	windowMillis := window.Milliseconds()
	if windowMillis <= 0 {
		windowMillis = 1000
	}
	result, err := takeScript.Run(ctx, r.client, []string{key}, limit, windowMillis).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("ratelimit: redis take: %w", err)
	}
	values, ok := result.([]any)
	if !ok || len(values) < 3 {
		return Usage{}, errors.New("ratelimit: unexpected redis response")
	}
	allowed, ok1 := values[0].(int64)
	current, ok2 := values[1].(int64)
	ttlMillis, ok3 := values[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Usage{}, errors.New("ratelimit: invalid redis counter response")
	}
	resetAt := now
	if ttlMillis > 0 {
		resetAt = now.Add(time.Duration(ttlMillis) * time.Millisecond)
	}
	return Usage{Allowed: allowed == 1, Count: int(current), ResetAt: resetAt}, nil
}

func (r *RedisBackend) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis reset: %w", err)
	}
	return nil
}
