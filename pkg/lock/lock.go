// Package lock provides named, expiring mutual exclusion used to keep two
// ingestion runs of the same book apart.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by TryLock when another holder owns the lock.
var ErrHeld = errors.New("lock already held")

// ReleaseFunc releases a lock obtained from TryLock. It is safe to call after
// the lock expired; a lock taken over by someone else is left alone.
type ReleaseFunc func(ctx context.Context) error

// Locker grants named locks.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, error)
}

const defaultPrefix = "booktutor:lock:"

// RedisLocker implements Locker with SET NX PX and an owner token.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker connects to Redis at addr.
func NewRedisLocker(addr, password string) *RedisLocker {
	return NewRedisLockerWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: password}))
}

// NewRedisLockerWithClient reuses an existing client.
func NewRedisLockerWithClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: defaultPrefix}
}

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}, nil
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// MemoryLocker implements Locker within one process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	now   func() time.Time
	count uint64
}

type memoryLease struct {
	id        uint64
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLease), now: time.Now}
}

func (l *MemoryLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.held[name]; ok && (ttl <= 0 || cur.expiresAt.IsZero() || now.Before(cur.expiresAt)) {
		return nil, ErrHeld
	}
	l.count++
	lease := memoryLease{id: l.count}
	if ttl > 0 {
		lease.expiresAt = now.Add(ttl)
	}
	l.held[name] = lease
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[name]; ok && cur.id == lease.id {
			delete(l.held, name)
		}
		return nil
	}, nil
}
