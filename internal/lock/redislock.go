// Package lock provides a Redis-backed mutual exclusion helper shared by API
// and worker processes.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotConfigured is returned when the locker has no Redis client.
var ErrNotConfigured = errors.New("lock: redis client not configured")

const keyPrefix = "lock:"

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// Locker acquires short-lived named locks with SET NX PX.
type Locker struct {
	R            redis.UniversalClient
	TTL          time.Duration
	RetryBackoff time.Duration
}

func (l Locker) ttl(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if l.TTL > 0 {
		return l.TTL
	}
	return 30 * time.Second
}

// WithLock waits for the lock on name and runs fn while holding it. The lock
// is released when fn returns, even on error.
func (l Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return ErrNotConfigured
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	for {
		ran, err := l.TryLock(ctx, name, ttl, fn)
		if err != nil || ran {
			return err
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryLock runs fn only when the lock on name is free and reports whether it ran.
func (l Locker) TryLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if l.R == nil {
		return false, ErrNotConfigured
	}
	if fn == nil {
		return false, errors.New("lock: callback not provided")
	}
	key := keyPrefix + name
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, key, token, l.ttl(ttl)).Result()
	if err != nil || !ok {
		return false, err
	}
	defer l.release(context.WithoutCancel(ctx), key, token)
	return true, fn(ctx)
}

func (l Locker) release(ctx context.Context, key, token string) {
	if err := l.R.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}
