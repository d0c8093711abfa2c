package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"forum-digest/internal/infra/metrics"
)

// Сравнение токена и действие выполняются атомарно, чтобы не снять чужой замок.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLock реализует domain.RunLock через SET NX.
type RedisLock struct {
	client redis.Cmdable
	key    string
	token  string
}

// NewRedisLock создаёт замок по ключу.
func NewRedisLock(client redis.Cmdable, key string) *RedisLock {
	return &RedisLock{client: client, key: key, token: uuid.NewString()}
}

// Acquire пытается захватить замок; false означает, что его держит другой процесс.
func (l *RedisLock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	metrics.ObserveNetworkRequest("redis", "setnx", l.key, start, err)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// Extend продлевает замок, если он всё ещё принадлежит нам.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	start := time.Now()
	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	metrics.ObserveNetworkRequest("redis", "pexpire", l.key, start, err)
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("extend lock: %s lost", l.key)
	}
	return nil
}

// Release снимает замок.
func (l *RedisLock) Release(ctx context.Context) error {
	start := time.Now()
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	metrics.ObserveNetworkRequest("redis", "del", l.key, start, err)
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// NopLock всегда успешно захватывается; используется без Redis.
type NopLock struct{}

func (NopLock) Acquire(context.Context, time.Duration) (bool, error) { return true, nil }
func (NopLock) Extend(context.Context, time.Duration) error          { return nil }
func (NopLock) Release(context.Context) error                        { return nil }
