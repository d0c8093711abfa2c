package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
)

// RabbitNotifier публикует события рассылки в topic exchange RabbitMQ.
// Ключ маршрутизации равен виду события.
type RabbitNotifier struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitNotifier подключается к брокеру и объявляет exchange.
func NewRabbitNotifier(amqpURL, exchange string) (*RabbitNotifier, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if exchange == "" {
		return nil, errors.New("exchange name is empty")
	}
	n := &RabbitNotifier{url: amqpURL, exchange: exchange}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.connectLocked(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *RabbitNotifier) connectLocked() error {
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(n.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	n.conn = conn
	n.ch = ch
	return nil
}

// Notify публикует событие. После разрыва соединения выполняется одно переподключение.
func (n *RabbitNotifier) Notify(ctx context.Context, kind domain.EventKind, payload map[string]any) error {
	ev := newEvent(ctx, kind, payload)
	body, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil || n.conn.IsClosed() {
		if err := n.connectLocked(); err != nil {
			return err
		}
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	err = n.ch.PublishWithContext(pubCtx, n.exchange, string(kind), false, false, msg)
	metrics.ObserveNetworkRequest("rabbitmq", "publish", n.exchange, start, err)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (n *RabbitNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
