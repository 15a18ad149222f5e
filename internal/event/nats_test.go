package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
)

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("", nil)
	if err := p.Publish(context.Background(), model.OutboxEvent{ID: "01", Type: model.EventReviewSubmitted}); err != nil {
		t.Fatalf("noop publish returned error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("noop close returned error: %v", err)
	}
}

func TestEnvelope(t *testing.T) {
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	e := model.OutboxEvent{
		ID:           "01HZX",
		Type:         model.EventStatusChanged,
		ManuscriptID: "m-1",
		Payload:      json.RawMessage(`{"to":"ACCEPTED"}`),
		CreatedAt:    at,
	}
	env := Envelope(e)
	if env.CorrelationID != e.ID || env.ID != e.ID {
		t.Errorf("envelope ids: got %q/%q want %q", env.ID, env.CorrelationID, e.ID)
	}
	if !env.OccurredAt.Equal(at) {
		t.Errorf("occurredAt: got %v want %v", env.OccurredAt, at)
	}
	if string(env.Payload) != `{"to":"ACCEPTED"}` {
		t.Errorf("payload: got %s", env.Payload)
	}
	if got := Subject(e.Type); got != "editorial.manuscript.status_changed" {
		t.Errorf("subject: got %q", got)
	}

	empty := Envelope(model.OutboxEvent{ID: "x", Type: model.EventVersionAppended})
	if string(empty.Payload) != "{}" {
		t.Errorf("empty payload should encode as {}, got %s", empty.Payload)
	}
}

func TestDedupWindow(t *testing.T) {
	p := &natsPub{dedup: make(map[string]time.Time)}
	if p.shouldDedup("a") {
		t.Fatal("unseen key must not be deduplicated")
	}
	p.updateDedup("a")
	if !p.shouldDedup("a") {
		t.Fatal("key published just now must be deduplicated")
	}

	p.dedup["old"] = time.Now().Add(-10 * time.Minute)
	p.updateDedup("b")
	if _, ok := p.dedup["old"]; ok {
		t.Error("stale entries should be pruned on update")
	}
}
