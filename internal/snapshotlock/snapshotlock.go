// Package snapshotlock guards the periodic snapshot write with a
// Redis-backed distributed lock, so two adsyncd instances pointed at the
// same snapshot path during a blue/green deploy overlap never interleave
// writes to the same file. Grounded on the teacher's go-redis client usage
// for short-lived coordination keys (SET NX PX, fencing token compared on
// release) rather than anything store-shaped — a directory mirror's
// in-memory state is never itself cached in Redis, only this one
// operational lock.
package snapshotlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lock isn't held by this
// token, e.g. because it already expired and another holder acquired it.
var ErrNotHeld = errors.New("snapshotlock: lock not held by this token")

// Locker acquires and releases the distributed snapshot-write lock.
// syncpipeline.Pipeline depends on this narrow interface, not *RedisLock
// directly, so a single-instance deployment can pass nil and skip locking
// entirely.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLock implements Locker against a single Redis key.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// New returns a RedisLock for key, with a lease of ttl (default 1 minute,
// long enough to cover one snapshot write cycle with margin).
func New(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// TryAcquire attempts to set the lock key with a fresh fencing token,
// returning false (not an error) when another holder already owns it.
func (l *RedisLock) TryAcquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release deletes the lock key, but only if it still carries the token
// this instance set in TryAcquire — protects against releasing a lease
// that has since expired and been re-acquired by another instance.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.token == "" {
		return ErrNotHeld
	}
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return err
	}
	l.token = ""
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
