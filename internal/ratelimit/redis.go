package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript increments the window counter atomically and arms the
// expiry on first use, so concurrent instances never under-count.
var admitScript = redis.NewScript(`
local current = redis.call("INCRBY", KEYS[1], ARGV[2])
if current == tonumber(ARGV[2]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter is a fixed-window counter backed by a shared Redis
// instance. A Redis outage degrades to the in-memory fallback so ingress
// never hard-fails on the limiter's own dependency.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Limit    int
	Prefix   string
	Fallback *InMemoryLimiter
}

// NewRedis builds a Redis-backed limiter with the same admission
// semantics as NewInMemory for a single instance.
func NewRedis(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Second
	}
	if limit <= 0 {
		limit = 1
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Limit:    limit,
		Prefix:   "omni:rl:",
		Fallback: NewInMemory(limit, window),
	}
}

func (l *RedisLimiter) Allow(key string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	if l.Client == nil {
		return l.fallback(key, cost)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := admitScript.Run(ctx, l.Client,
		[]string{l.Prefix + key},
		l.Window.Milliseconds(), cost,
	).Result()
	if err != nil {
		return l.fallback(key, cost)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(key, cost)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}

	now := time.Now().UTC()
	resetAt := now.Add(time.Duration(ttlMs) * time.Millisecond)
	return decide(int(count), l.Limit, resetAt, now)
}

func (l *RedisLimiter) fallback(key string, cost int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, cost)
	}
	now := time.Now().UTC()
	return Decision{OK: true, Limit: l.Limit, Remaining: l.Limit, ResetAt: now.Add(l.Window)}
}
