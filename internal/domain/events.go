package domain

import (
	"context"
	"time"
)

// EventKind описывает событие рассылки.
type EventKind string

const (
	// EventPostMailed фиксирует успешную мгновенную отправку поста получателю.
	EventPostMailed EventKind = "post_mailed"
	// EventPostMailFailed фиксирует ошибку мгновенной отправки.
	EventPostMailFailed EventKind = "post_mail_failed"
	// EventPostQueued фиксирует постановку поста в очередь дайджеста.
	EventPostQueued EventKind = "post_queued"
	// EventDigestSent фиксирует доставку дайджеста.
	EventDigestSent EventKind = "digest_sent"
	// EventDigestFailed фиксирует ошибку дайджеста.
	EventDigestFailed EventKind = "digest_failed"
	// EventRunCompleted фиксирует завершение прохода рассылки.
	EventRunCompleted EventKind = "run_completed"
)

// Event: конверт события для внешних подписчиков.
type Event struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	RunID      string         `json:"run_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Notifier публикует события рассылки, не влияя на саму доставку.
type Notifier interface {
	Notify(ctx context.Context, kind EventKind, payload map[string]any) error
}

// NopNotifier игнорирует события.
type NopNotifier struct{}

// Notify ничего не делает.
func (NopNotifier) Notify(context.Context, EventKind, map[string]any) error { return nil }

type runIDKey struct{}

// WithRunID кладёт идентификатор прохода в контекст, чтобы он попал в события.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom возвращает идентификатор прохода из контекста.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
