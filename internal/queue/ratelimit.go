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

// RateLimiter counts actions per subject in fixed hourly windows.
type RateLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int64
}

func NewRateLimiter(rdb *redis.Client, prefix string, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, prefix: prefix, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, subject string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("growthscript:ratelimit:%s:%s:%s", r.prefix, subject, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

func (r *RateLimiter) Limit() int64 {
	return r.limit
}

// Deduplicator remembers ids for ttl so repeated deliveries can be ignored.
type Deduplicator struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewDeduplicator(rdb *redis.Client, prefix string, ttl time.Duration) *Deduplicator {
	return &Deduplicator{redis: rdb, prefix: prefix, ttl: ttl}
}

// MarkFirst reports whether id is seen for the first time.
func (d *Deduplicator) MarkFirst(ctx context.Context, id string) (bool, error) {
	key := fmt.Sprintf("growthscript:%s:%s", d.prefix, id)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

// Forget removes id so a failed delivery can be retried.
func (d *Deduplicator) Forget(ctx context.Context, id string) error {
	key := fmt.Sprintf("growthscript:%s:%s", d.prefix, id)
	if err := d.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedupe del: %w", err)
	}
	return nil
}

// Remember stores id for ttl regardless of the default window.
func (d *Deduplicator) Remember(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = d.ttl
	}
	key := fmt.Sprintf("growthscript:%s:%s", d.prefix, id)
	if err := d.redis.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("dedupe set: %w", err)
	}
	return nil
}

func (d *Deduplicator) Seen(ctx context.Context, id string) (bool, error) {
	key := fmt.Sprintf("growthscript:%s:%s", d.prefix, id)
	n, err := d.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe exists: %w", err)
	}
	return n > 0, nil
}
