package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

// RateLimiter counts generation requests per chat member in fixed windows.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, limit int64, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &RateLimiter{redis: rdb, limit: limit, window: window}
}

func (r *RateLimiter) Allow(ctx context.Context, chatID, userID int64, now time.Time) (Decision, error) {
	if r.limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	windowStart := now.UTC().Truncate(r.window)
	windowEnd := windowStart.Add(r.window)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("sakha:ratelimit:%d:%d:%d", chatID, userID, windowStart.Unix())
	used, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	return Decision{
		Allowed: used <= r.limit,
		Used:    used,
		Limit:   r.limit,
		ResetAt: windowEnd,
	}, nil
}

// UpdateDeduplicator drops Telegram updates that were already seen, which happens when
// webhook deliveries are retried.
type UpdateDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, ttl: ttl}
}

func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	key := fmt.Sprintf("sakha:update:%d", updateID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
