package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OrderRateLimiter decides whether a caller may submit another order right now.
type OrderRateLimiter interface {
	// ReserveOrderSlot records an attempt when it is allowed. When it is not, retryAfter is
	// how long until the oldest attempt in the window ages out.
	ReserveOrderSlot(ctx context.Context, subject string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

// Keeps a sorted set of attempt timestamps per caller. Only allowed attempts are logged, so
// a caller hammering the endpoint while blocked does not extend its own lockout.
var orderSlotScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) < tonumber(ARGV[3]) then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return {1, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
return {0, tonumber(oldest[2]) + window - now}
`)

// RedisOrderRateLimiter is a sliding-log limiter for checkout submissions, keyed
// <prefix>:orders:place:<subject> where subject is "user:<id>" or "ip:<addr>".
type RedisOrderRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisOrderRateLimiter {
	trimmed := strings.Trim(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "fnms"
	}
	return &RedisOrderRateLimiter{client: client, prefix: trimmed + ":orders:place", now: time.Now}
}

func (r *RedisOrderRateLimiter) key(subject string) string {
	return r.prefix + ":" + subject
}

func (r *RedisOrderRateLimiter) ReserveOrderSlot(ctx context.Context, subject string, limit int, window time.Duration) (bool, time.Duration, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" || limit <= 0 || window <= 0 {
		return true, 0, nil
	}

	nowMs := r.now().UnixMilli()
	raw, err := orderSlotScript.Run(ctx, r.client, []string{r.key(subject)},
		nowMs, window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(raw) != 2 {
		return false, 0, fmt.Errorf("unexpected order slot reply of %d values", len(raw))
	}
	if raw[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(raw[1]) * time.Millisecond, nil
}
