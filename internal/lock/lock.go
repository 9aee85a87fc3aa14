// Package lock serializes batch processing so that at most one batch is in
// flight per key, either within the process or across hosts via Redis.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrTimeout is returned when a lock could not be acquired before the
// context expired.
var ErrTimeout = eris.New("lock: timed out waiting for lock")

// Unlock releases a held lock.
type Unlock func(ctx context.Context) error

// Locker acquires exclusive locks by key. Lock blocks until the lock is held
// or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{sems: map[string]chan struct{}{}}
}

func (l *Local) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.sems[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.sems[key] = ch
	}
	return ch
}

// Lock implements Locker.
func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	ch := l.sem(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, eris.Wrapf(ErrTimeout, "key %s", key)
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis is a distributed Locker using SET NX with a TTL and an ownership
// token checked on release.
type Redis struct {
	client  redis.UniversalClient
	ttl     time.Duration
	retry   time.Duration
	prefix  string
	release *redis.Script
}

// RedisOptions configures a Redis locker.
type RedisOptions struct {
	// TTL bounds how long a crashed holder can block others. Defaults to 10m.
	TTL time.Duration
	// RetryInterval is the polling interval while waiting. Defaults to 100ms.
	RetryInterval time.Duration
	// Prefix namespaces keys. Defaults to "txn-pipeline:lock:".
	Prefix string
}

// NewRedis creates a Redis-backed Locker.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if opts.Prefix == "" {
		opts.Prefix = "txn-pipeline:lock:"
	}
	return &Redis{
		client:  client,
		ttl:     opts.TTL,
		retry:   opts.RetryInterval,
		prefix:  opts.Prefix,
		release: redis.NewScript(releaseScript),
	}
}

// Lock implements Locker.
func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	fullKey := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrapf(ErrTimeout, "key %s", key)
			}
			return nil, eris.Wrapf(err, "lock: acquire %s", key)
		}
		if ok {
			return r.unlocker(fullKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ErrTimeout, "key %s", key)
		case <-ticker.C:
		}
	}
}

func (r *Redis) unlocker(fullKey, token string) Unlock {
	return func(ctx context.Context) error {
		n, err := r.release.Run(ctx, r.client, []string{fullKey}, token).Int()
		if err != nil {
			return eris.Wrapf(err, "lock: release %s", fullKey)
		}
		if n == 0 {
			zap.L().Warn("lock: released after expiry", zap.String("key", fullKey))
		}
		return nil
	}
}
