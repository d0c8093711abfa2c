package queue

import (
	"context"
	"testing"

	"forum-digest/internal/domain"
)

func TestEventEnvelopeCarriesRunID(t *testing.T) {
	ctx := domain.WithRunID(context.Background(), "run-1")
	ev := newEvent(ctx, domain.EventPostMailed, map[string]any{"post_id": 7})
	if ev.RunID != "run-1" {
		t.Fatalf("ожидали run-1, получили %q", ev.RunID)
	}
	if ev.ID == "" || ev.OccurredAt.IsZero() {
		t.Fatalf("идентификатор и время события должны быть заполнены: %+v", ev)
	}
	body, err := encodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeEvent(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != domain.EventPostMailed || got.RunID != "run-1" {
		t.Fatalf("событие искажено: %+v", got)
	}
}

func TestRunIDMissing(t *testing.T) {
	ev := newEvent(context.Background(), domain.EventRunCompleted, nil)
	if ev.RunID != "" {
		t.Fatalf("ожидали пустой run id, получили %q", ev.RunID)
	}
}
