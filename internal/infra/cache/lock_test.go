package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR не задан")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis недоступен: %v", err)
	}
	return client
}

func TestRedisLockExclusive(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	key := "test:lock:" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, key) })

	first := NewRedisLock(client, key)
	second := NewRedisLock(client, key)

	ok, err := first.Acquire(ctx, time.Minute)
	if err != nil || !ok {
		t.Fatalf("первый захват должен пройти: ok=%v err=%v", ok, err)
	}
	ok, err = second.Acquire(ctx, time.Minute)
	if err != nil || ok {
		t.Fatalf("второй захват должен вернуть false: ok=%v err=%v", ok, err)
	}
	if err := second.Release(ctx); err != nil {
		t.Fatalf("чужой release не должен падать: %v", err)
	}
	if err := second.Extend(ctx, time.Minute); err == nil {
		t.Fatalf("чужой extend должен вернуть ошибку")
	}
	if err := first.Extend(ctx, 2*time.Minute); err != nil {
		t.Fatalf("extend владельца: %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release владельца: %v", err)
	}
	ok, err = second.Acquire(ctx, time.Minute)
	if err != nil || !ok {
		t.Fatalf("после release замок должен освободиться: ok=%v err=%v", ok, err)
	}
}

func TestNopLock(t *testing.T) {
	var l NopLock
	ok, err := l.Acquire(context.Background(), time.Second)
	if err != nil || !ok {
		t.Fatalf("NopLock всегда захватывается")
	}
	if err := l.Extend(context.Background(), time.Second); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
}
