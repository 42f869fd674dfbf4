package ratelimit

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Increments only while under the limit so denials never extend the count.
const fixedWindowScript = `
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local count = tonumber(redis.call("GET", KEYS[1]) or "0")
local ttl = redis.call("PTTL", KEYS[1])

if count >= limit then
  if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], window)
    ttl = window
  end
  return {0, count, ttl}
end

count = redis.call("INCR", KEYS[1])
if count == 1 or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end

-- Return: allowed, count, ttl (milliseconds)
return {1, count, ttl}
`

// RedisLimiter shares fixed-window counters across instances.
type RedisLimiter struct {
	client *redis.Client
	script *redis.Script
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	if client == nil {
		return nil
	}
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if l == nil || l.client == nil {
		return Result{}, errors.New("rate limiter not configured")
	}
	if err := validate(key, limit, window); err != nil {
		return Result{}, err
	}

	res, err := l.script.Run(
		ctx,
		l.client,
		[]string{l.prefix + ":" + key},
		limit,
		window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(res) < 3 {
		return Result{}, errors.New("invalid rate limit script response")
	}

	allowed := res[0] == 1
	count := int(res[1])
	ttl := time.Duration(res[2]) * time.Millisecond
	resetAt := l.now().Add(ttl)

	out := Result{
		Allowed: allowed,
		Limit:   limit,
		ResetAt: resetAt,
	}
	if allowed {
		out.Remaining = max(limit-count, 0)
	} else {
		out.RetryAfter = ttl
	}
	return out, nil
}
