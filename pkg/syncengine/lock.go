package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/redis"
)

// ErrLocked is returned by a Locker when the key is already held.
var ErrLocked = errors.New("lock is held")

// Lock is a held sync lock.
type Lock interface {
	Release(ctx context.Context) error
	// Extend renews the lock for ttl from now.
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker hands out exclusive, expiring locks by key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// LockKey is the lock guarding syncs of one integration.
func LockKey(integrationID uuid.UUID) string {
	return fmt.Sprintf("sync:integration:%s", integrationID)
}

// RedisLocker adapts the redis SET NX locker for multi-node deployments.
type RedisLocker struct {
	locker *redis.Locker
}

func NewRedisLocker(locker *redis.Locker) *RedisLocker {
	return &RedisLocker{locker: locker}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := l.locker.Acquire(ctx, key, ttl)
	if errors.Is(err, redis.ErrLockNotAcquired) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// LocalLocker is an in-process Locker for single-node runs and tests.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token     string
	expiresAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  map[string]localEntry{},
		clock: time.Now,
	}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if entry, ok := l.held[key]; ok && now.Before(entry.expiresAt) {
		return nil, ErrLocked
	}

	token := uuid.New().String()
	l.held[key] = localEntry{token: token, expiresAt: now.Add(ttl)}
	return &localLock{locker: l, key: key, token: token}, nil
}

type localLock struct {
	locker *LocalLocker
	key    string
	token  string
}

// Release frees the key unless it expired and was taken by someone else.
func (lock *localLock) Release(context.Context) error {
	lock.locker.mu.Lock()
	defer lock.locker.mu.Unlock()

	entry, ok := lock.locker.held[lock.key]
	if !ok || entry.token != lock.token {
		return redis.ErrLockNotHeld
	}
	delete(lock.locker.held, lock.key)
	return nil
}

func (lock *localLock) Extend(_ context.Context, ttl time.Duration) error {
	lock.locker.mu.Lock()
	defer lock.locker.mu.Unlock()

	entry, ok := lock.locker.held[lock.key]
	now := lock.locker.clock()
	if !ok || entry.token != lock.token || !now.Before(entry.expiresAt) {
		return redis.ErrLockNotHeld
	}
	entry.expiresAt = now.Add(ttl)
	lock.locker.held[lock.key] = entry
	return nil
}

// keepAlive renews lock every ttl/3 until the returned stop is called. A failed renewal
// is logged and retried on the next tick.
func (e *Engine) keepAlive(ctx context.Context, lock Lock, ttl time.Duration) (stop func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	interval := max(ttl/3, time.Second)

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Extend(ctx, ttl); err != nil {
					e.logger.WithContext(ctx).WithError(err).Warn("Failed to extend sync lock")
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
