// internal/event/nats.go
// Package event provides NATS JetStream publishing of committed workflow events.
// The outbox relay publishes each event after its side effects are delivered,
// giving downstream consumers an ordered audit stream of the editorial workflow.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/nats-io/nats.go"
)

const (
	// StreamName is the JetStream stream carrying editorial events.
	StreamName = "EDITORIAL_EVENTS"
	// SubjectPrefix prefixes every event subject, e.g. editorial.review.submitted.
	SubjectPrefix = "editorial."

	dedupWindow  = 2 * time.Minute
	dedupRetain  = 5 * time.Minute
	envelopeVers = "1.0.0"
)

// Publisher publishes committed outbox events.
type Publisher interface {
	Publish(ctx context.Context, e model.OutboxEvent) error
	Close() error
}

// noop is used when NATS is not configured.
type noop struct{}

func (noop) Publish(context.Context, model.OutboxEvent) error { return nil }
func (noop) Close() error                                      { return nil }

// NewNoop returns a publisher that discards events.
func NewNoop() Publisher { return noop{} }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	metrics *metrics.Metrics

	// Deduplication of relay redeliveries inside the window; JetStream's
	// Nats-Msg-Id dedupe covers the broker side.
	dedup map[string]time.Time
	mutex sync.RWMutex
}

// NewPublisher connects to url and ensures the stream exists. An empty url,
// or any connection failure, yields the noop publisher.
func NewPublisher(url string, m *metrics.Metrics) Publisher {
	if url == "" {
		return noop{}
	}

	nc, err := nats.Connect(url, nats.Name("editoriald"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}
	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}
	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &natsPub{nc: nc, js: js, metrics: m, dedup: make(map[string]time.Time)}
}

// initStreams creates the editorial stream when it does not exist yet.
func initStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: dedupWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId"`
	ManuscriptID  string          `json:"manuscriptId"`
	Payload       json.RawMessage `json:"payload"`
}

// Subject returns the NATS subject an event type is published on.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// Envelope wraps an outbox event for the wire. The event id doubles as the
// correlation id so consumers can join the stream with the outbox.
func Envelope(e model.OutboxEvent) EventEnvelope {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return EventEnvelope{
		ID:            e.ID,
		Type:          e.Type,
		Version:       envelopeVers,
		OccurredAt:    e.CreatedAt,
		CorrelationID: e.ID,
		ManuscriptID:  e.ManuscriptID,
		Payload:       payload,
	}
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) shouldDedup(key string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if last, ok := p.dedup[key]; ok {
		return time.Since(last) < dedupWindow
	}
	return false
}

func (p *natsPub) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	cutoff := time.Now().Add(-dedupRetain)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}
	p.dedup[key] = time.Now()
}

// Publish sends the event with its id as Nats-Msg-Id.
func (p *natsPub) Publish(ctx context.Context, e model.OutboxEvent) (err error) {
	if p.shouldDedup(e.ID) {
		return nil
	}
	start := time.Now()
	defer func() {
		status := metrics.Status(err)
		p.metrics.EventPublishTotal.WithLabelValues(e.Type, status).Inc()
		p.metrics.EventPublishDuration.WithLabelValues(e.Type, status).Observe(time.Since(start).Seconds())
	}()

	b, err := json.Marshal(Envelope(e))
	if err != nil {
		return err
	}
	if _, err = p.js.Publish(Subject(e.Type), b, nats.MsgId(e.ID), nats.Context(ctx)); err != nil {
		return err
	}
	p.updateDedup(e.ID)
	return nil
}
