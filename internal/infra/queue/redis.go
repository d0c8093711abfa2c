package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
)

// RedisNotifier складывает события в Redis list.
type RedisNotifier struct {
	client redis.Cmdable
	key    string
}

// NewRedisNotifier создаёт нотификатор по указанному ключу.
func NewRedisNotifier(client redis.Cmdable, key string) *RedisNotifier {
	return &RedisNotifier{client: client, key: key}
}

// Notify публикует событие в начало списка.
func (n *RedisNotifier) Notify(ctx context.Context, kind domain.EventKind, payload map[string]any) error {
	body, err := encodeEvent(newEvent(ctx, kind, payload))
	if err != nil {
		return err
	}
	start := time.Now()
	err = n.client.LPush(ctx, n.key, body).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", n.key, start, err)
	if err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}

// Pop блокирующе читает следующее событие; нужен потребителям и тестам.
func (n *RedisNotifier) Pop(ctx context.Context, timeout time.Duration) (domain.Event, error) {
	res, err := n.client.BRPop(ctx, timeout, n.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Event{}, domain.ErrNotFound
		}
		return domain.Event{}, err
	}
	if len(res) != 2 {
		return domain.Event{}, errors.New("redis queue: unexpected response")
	}
	return decodeEvent([]byte(res[1]))
}
