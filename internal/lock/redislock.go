// Package lock serialises work on a single checkout session across API
// replicas.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock stays held for longer than Wait.
var ErrNotAcquired = errors.New("lock: not acquired")

const (
	defaultTTL   = 30 * time.Second
	defaultRetry = 50 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token, so a
// holder whose TTL lapsed cannot free a lock someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker is a single-instance Redis mutex (SET NX PX plus a token-checked
// release).
type Locker struct {
	R            redis.UniversalClient
	RetryBackoff time.Duration
	// Wait bounds how long WithLock keeps retrying. Zero waits until the
	// context is done.
	Wait time.Duration
}

// WithLock runs fn while holding key for at most ttl. The lock is released
// when fn returns, whatever its result.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	token := uuid.NewString()
	if err := l.acquire(ctx, key, token, ttl); err != nil {
		return err
	}
	defer func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.R, []string{key}, token).Err()
	}()
	return fn(ctx)
}

func (l Locker) acquire(ctx context.Context, key, token string, ttl time.Duration) error {
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = defaultRetry
	}
	var giveUp <-chan time.Time
	if l.Wait > 0 {
		t := time.NewTimer(l.Wait)
		defer t.Stop()
		giveUp = t.C
	}
	tick := time.NewTicker(retry)
	defer tick.Stop()

	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-giveUp:
			return ErrNotAcquired
		case <-tick.C:
		}
	}
}
