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

// ErrNotAcquired is returned when another runner holds the key.
var ErrNotAcquired = errors.New("lock not acquired")

const keyPrefix = "click-attribution:lock:"

// Locker hands out exclusive, expiring leases on a key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// releaseScript deletes the key only when it still carries our token, so an
// expired lease never frees a lock another runner has taken over.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker coordinates runners across processes.
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	return &redisLease{rdb: l.rdb, key: keyPrefix + key, token: token}, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

// LocalLocker serialises runners inside one process. Used when no redis is configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	e := localEntry{token: uuid.NewString()}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	l.held[key] = e
	return &localLease{owner: l, key: key, token: e.token}, nil
}

type localLease struct {
	owner *LocalLocker
	key   string
	token string
}

func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if e, ok := l.owner.held[l.key]; ok && e.token == l.token {
		delete(l.owner.held, l.key)
	}
	return nil
}
