package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrLockNotHeld = errors.New("lock was not held by this holder")
)

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// DistributedLock is a Redis SET NX lock with a holder token and background renewal.
type DistributedLock struct {
	client   *redis.Client
	key      string
	token    string
	ttl      time.Duration
	stopOnce sync.Once
	stop     chan struct{}
}

func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
		stop:   make(chan struct{}),
	}
}

// Lock polls until the lock is acquired, wait elapses, or ctx is done.
func (l *DistributedLock) Lock(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if acquired {
		go l.renew()
	}
	return acquired, nil
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })

	released, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if released == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// renew extends the TTL at half-life for as long as this holder owns the key.
func (l *DistributedLock) renew() {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			current, err := l.client.Get(ctx, l.key).Result()
			if err == nil && current == l.token {
				l.client.Expire(ctx, l.key, l.ttl)
			}
			cancel()
			if err != nil || current != l.token {
				return
			}
		}
	}
}

// LockManager hands out locks under a common key prefix.
type LockManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

func NewLockManager(client *redis.Client, prefix string, ttl, wait time.Duration) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		wait:   wait,
	}
}

func (lm *LockManager) NewLock(key string) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+key, lm.ttl)
}

// WithLock runs fn while holding the lock for key.
func (lm *LockManager) WithLock(ctx context.Context, key string, fn func() error) error {
	lock := lm.NewLock(key)
	if err := lock.Lock(ctx, lm.wait); err != nil {
		return err
	}
	defer lock.Unlock(context.WithoutCancel(ctx))

	return fn()
}
