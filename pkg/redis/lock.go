package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockNotHeld     = errors.New("lock not held")
)

// KEYS: lock. ARGV: owner token, lease ms. A lease of 0 deletes the key.
// Returns 1 when the caller still owned the key.
var ownedScript = redis.NewScript(`
if redis.call("get", KEYS[1]) ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[2]) == 0 then
	return redis.call("del", KEYS[1])
end
return redis.call("pexpire", KEYS[1], ARGV[2])
`)

// Locker hands out SET NX leases under a key prefix.
type Locker struct {
	client *Client
	prefix string
}

func NewLocker(client *Client, prefix string) *Locker {
	if prefix == "" {
		prefix = "lock:"
	}
	return &Locker{client: client, prefix: prefix}
}

// Lock is an owned lease. Only the holder of its token can renew or release it.
type Lock struct {
	client *Client
	key    string
	token  string
}

// Acquire leases key for ttl, or returns ErrLockNotAcquired while someone else holds it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lock := &Lock{client: l.client, key: l.prefix + key, token: uuid.NewString()}

	ok, err := l.client.rdb.SetNX(ctx, lock.key, lock.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.client.logger.WithContext(ctx).Debugf("Leased %s for %v", lock.key, ttl)
	return lock, nil
}

func (lock *Lock) owned(ctx context.Context, lease time.Duration) error {
	held, err := ownedScript.Run(ctx, lock.client.rdb, []string{lock.key}, lock.token, lease.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if held == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Release frees the key. It fails with ErrLockNotHeld once the lease lapsed and the key
// was taken by another owner.
func (lock *Lock) Release(ctx context.Context) error {
	if err := lock.owned(ctx, 0); err != nil {
		return err
	}
	lock.client.logger.WithContext(ctx).Debugf("Released %s", lock.key)
	return nil
}

// Extend renews the lease to ttl from now.
func (lock *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if ttl < time.Millisecond {
		return errors.New("lease must be at least a millisecond")
	}
	return lock.owned(ctx, ttl)
}
