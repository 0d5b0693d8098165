package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock implements Locker with SET NX PX and a compare-and-delete release.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *zap.Logger
}

// NewRedisLock builds a Redis backed Locker. ttl bounds how long a crashed holder blocks others.
func NewRedisLock(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLock{client: client, prefix: prefix, ttl: ttl, retry: 25 * time.Millisecond, logger: logger}
}

// Acquire polls until the key is set or ctx is done.
func (l *RedisLock) Acquire(ctx context.Context, key string) (func(), error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	redisKey := l.prefix + key

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
		case <-timer.C:
		}
	}

	return func() { l.release(redisKey, token) }, nil
}

// release deletes the key only while it still holds token. Failures are logged; the key then
// lives until its TTL expires.
func (l *RedisLock) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	deleted, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int()
	if err != nil {
		l.logger.Warn("lock release failed", zap.String("key", redisKey), zap.Duration("ttl", l.ttl), zap.Error(err))
		return
	}
	if deleted == 0 {
		l.logger.Warn("lock expired before release", zap.String("key", redisKey), zap.Duration("ttl", l.ttl))
	}
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
