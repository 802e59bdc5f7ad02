package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rateLimitKeyPrefix = "credits:consume:"
	windowDuration     = 60 * time.Second
	keyTTL             = 90 * time.Second
)

// RateLimiter implements a Redis sorted-set sliding window on consume
// attempts per user. It guards against a client hammering the ledger and is
// independent of the daily credit allowances.
type RateLimiter struct {
	rdb redis.Cmdable
}

// NewRateLimiter creates a new Redis-based rate limiter.
func NewRateLimiter(rdb redis.Cmdable) *RateLimiter {
	return &RateLimiter{rdb: rdb}
}

// Allow reports whether the user is under maxPerMinute attempts and, if so,
// records this attempt.
func (rl *RateLimiter) Allow(ctx context.Context, userID string, maxPerMinute int) (bool, error) {
	key := rateLimitKeyPrefix + userID
	now := time.Now()
	nowMs := float64(now.UnixMilli())
	windowStart := float64(now.Add(-windowDuration).UnixMilli())

	pipe := rl.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(windowStart, 'f', 0, 64))
	countCmd := pipe.ZCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline (clean+count): %w", err)
	}

	count := countCmd.Val()
	if count >= int64(maxPerMinute) {
		return false, nil
	}

	pipe2 := rl.rdb.Pipeline()
	member := fmt.Sprintf("%d:%d", now.UnixNano(), count)
	pipe2.ZAdd(ctx, key, redis.Z{Score: nowMs, Member: member})
	pipe2.Expire(ctx, key, keyTTL)

	if _, err := pipe2.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline (add): %w", err)
	}
	return true, nil
}

// Usage returns the number of attempts in the current sliding window.
func (rl *RateLimiter) Usage(ctx context.Context, userID string) (int, error) {
	key := rateLimitKeyPrefix + userID
	now := time.Now()
	windowStart := float64(now.Add(-windowDuration).UnixMilli())
	nowMs := float64(now.UnixMilli())

	count, err := rl.rdb.ZCount(ctx, key,
		strconv.FormatFloat(windowStart, 'f', 0, 64),
		strconv.FormatFloat(nowMs, 'f', 0, 64),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("getting attempt usage: %w", err)
	}
	return int(count), nil
}
