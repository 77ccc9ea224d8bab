package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Result reports the outcome of a single Allow call.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter implements a sliding window rate limiter backed by Redis sorted sets.
type Limiter struct {
	Client *redis.Client
	Prefix string
	Now    func() time.Time
}

func (l Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Allow registers an event for key. Rejected events are removed again so a
// caller hammering the endpoint does not extend its own window.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (Result, error) {
	now := l.now()
	if l.Client == nil || max <= 0 || window <= 0 {
		return Result{Allowed: true, Remaining: max, Reset: now.Add(window)}, nil
	}

	redisKey := l.Prefix + key
	member := uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+cutoff)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{Reset: now.Add(window)}, err
	}

	reset := now.Add(window)
	if oldest := oldestCmd.Val(); len(oldest) == 1 {
		reset = time.Unix(0, int64(oldest[0].Score)).Add(window)
	}

	current := int(countCmd.Val())
	if current > max {
		if err := l.Client.ZRem(ctx, redisKey, member).Err(); err != nil {
			return Result{Reset: reset}, err
		}
		return Result{Allowed: false, Remaining: 0, Reset: reset}, nil
	}
	return Result{Allowed: true, Remaining: max - current, Reset: reset}, nil
}
