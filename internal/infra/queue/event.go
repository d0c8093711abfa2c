package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"forum-digest/internal/domain"
)

func newEvent(ctx context.Context, kind domain.EventKind, payload map[string]any) domain.Event {
	return domain.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		RunID:      domain.RunIDFrom(ctx),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

func encodeEvent(ev domain.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return body, nil
}

// LogNotifier пишет события в лог.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier создаёт нотификатор поверх логгера.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.With().Str("component", "events").Logger()}
}

// Notify записывает событие на уровне debug.
func (n *LogNotifier) Notify(ctx context.Context, kind domain.EventKind, payload map[string]any) error {
	ev := newEvent(ctx, kind, payload)
	n.log.Debug().Str("event", string(ev.Kind)).Str("run", ev.RunID).Fields(ev.Payload).Msg("events: published")
	return nil
}

func decodeEvent(body []byte) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
