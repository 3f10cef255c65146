package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/storage/redis"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

const minLeaseTTL = 300 * time.Millisecond

// extendScript pushes the lease expiry out only if this holder still owns it.
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker is a lease lock shared by every API and worker process. The
// holder renews the lease every ttl/3 until release, so a lease only
// expires when its holder dies.
type RedisLocker struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisLocker(client *redis.Client, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, logger: logger.Named("locker")}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl < minLeaseTTL {
		ttl = minLeaseTTL
	}
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, core.ErrHealInProgress
	}

	stop := make(chan struct{})
	go l.renew(key, token, ttl, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			// The caller's context may already be cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (l *RedisLocker) renew(key, token string, ttl time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := extendScript.Run(rctx, l.client, []string{key}, token, ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				l.logger.Warn("Failed to renew lock", zap.String("key", key), zap.Error(err))
			case n == 0:
				l.logger.Error("Lock lost before release", zap.String("key", key))
				return
			}
		}
	}
}
