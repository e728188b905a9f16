package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLocker holds the pool lock as a Redis key with a TTL
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// TryLock sets the key with SET NX PX and keeps it alive until unlock
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	full := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := keepAlive(l.ttl, full, func(ctx context.Context) error {
		n, err := extendScript.Run(ctx, l.client, []string{full}, token, l.ttl.Milliseconds()).Int()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("lock %s lost", full)
		}
		return nil
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{full}, token).Err(); err != nil {
				slog.Error("failed to release redis lock", "key", full, "error", err)
			}
		})
	}, true, nil
}
