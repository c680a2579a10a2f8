package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// renewScript extends the lease only if the caller still owns the lock.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared by every replica. The lease bounds how long
// a crashed holder can block a contact; a live holder renews it every third
// of the lease until it releases.
type RedisLocker struct {
	client *redis.Client
	prefix string
	lease  time.Duration
	retry  time.Duration
	logger *logging.Logger
}

var _ Locker = (*RedisLocker)(nil)

type RedisOption func(*RedisLocker)

func WithLease(d time.Duration) RedisOption {
	return func(r *RedisLocker) {
		if d > 0 {
			r.lease = d
		}
	}
}

func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *RedisLocker) {
		if d > 0 {
			r.retry = d
		}
	}
}

func WithLogger(l *logging.Logger) RedisOption {
	return func(r *RedisLocker) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRedisLocker(client *redis.Client, opts ...RedisOption) *RedisLocker {
	if client == nil {
		panic("lock: redis client cannot be nil")
	}
	r := &RedisLocker{
		client: client,
		prefix: "lock:contact:",
		lease:  30 * time.Second,
		retry:  25 * time.Millisecond,
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.lease).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.renew(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Release must survive the caller's context being cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				r.logger.Warn("failed to release contact lock", "key", key, "error", err)
			}
		})
	}, nil
}

// renew keeps the lease alive until stop is closed or ownership is lost.
func (r *RedisLocker) renew(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.lease/3)
		n, err := renewScript.Run(ctx, r.client, []string{redisKey}, token, r.lease.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil && !errors.Is(err, redis.Nil):
			r.logger.Warn("failed to renew contact lock", "key", redisKey, "error", err)
		case n == 0:
			r.logger.Warn("contact lock lost before release", "key", redisKey)
			return
		}
	}
}
