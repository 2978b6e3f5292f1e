// Package coordination provides cross-instance mutual exclusion for
// scheduler rules. The lock is advisory: checkpoint claims remain the
// authority on whether a rule's effect runs.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReleaseFunc gives a held lock back.
type ReleaseFunc func(ctx context.Context) error

// RuleLocker serialises evaluation of a named rule across instances.
type RuleLocker interface {
	// TryLock attempts to take the lock without waiting. ok is false when
	// another holder owns it.
	TryLock(ctx context.Context, name string) (release ReleaseFunc, ok bool, err error)
}

// ErrLockLost is returned by a release when the lock expired and was taken
// by someone else in the meantime.
var ErrLockLost = errors.New("rule lock lost before release")

const keyPrefix = "pipeline:rule-lock:"

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// RedisLocker implements RuleLocker with SET NX PX.
type RedisLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLocker returns a locker whose locks expire after ttl if never
// released (crashed holder).
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string) (ReleaseFunc, bool, error) {
	key := keyPrefix + name
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int64()
		if err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		if n == 0 {
			return ErrLockLost
		}
		return nil
	}
	return release, true, nil
}

// NoopLocker always grants the lock. Used when no Redis is configured.
type NoopLocker struct{}

func (NoopLocker) TryLock(context.Context, string) (ReleaseFunc, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}
