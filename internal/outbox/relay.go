// Package outbox drains committed workflow events and delivers their side
// effects to the certificate issuer, the notification dispatcher and the
// event stream. Delivery is at-least-once; every effect carries an
// idempotency key so collaborators can drop repeats.
package outbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/storage"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultBatch       = 50
	DefaultMaxAttempts = 5
)

// Issuer mints certificates and returns the issued certificate id.
type Issuer interface {
	Issue(ctx context.Context, req model.CertificateRequest) (string, error)
}

// Dispatcher delivers notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, n model.Notification) error
}

// Publisher announces delivered events on the event stream.
type Publisher interface {
	Publish(ctx context.Context, e model.OutboxEvent) error
}

// Config bounds the relay's polling and redelivery.
type Config struct {
	Interval    time.Duration
	Batch       int
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Relay polls the outbox and delivers pending events.
type Relay struct {
	store      storage.Store
	issuer     Issuer
	dispatcher Dispatcher
	publisher  Publisher
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	wake       chan struct{}
	now        func() time.Time
}

// Options wires a Relay. Store, Issuer and Dispatcher are required.
type Options struct {
	Store      storage.Store
	Issuer     Issuer
	Dispatcher Dispatcher
	Publisher  Publisher
	Config     Config
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// New returns a relay over opts.Store. A nil Logger discards output and nil
// Metrics use the process-wide collectors.
func New(opts Options) *Relay {
	r := &Relay{
		store:      opts.Store,
		issuer:     opts.Issuer,
		dispatcher: opts.Dispatcher,
		publisher:  opts.Publisher,
		cfg:        opts.Config.withDefaults(),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		wake:       make(chan struct{}, 1),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.metrics == nil {
		r.metrics = metrics.NewMetrics()
	}
	return r
}

// Notify asks a running relay to poll now. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started",
		"interval", r.cfg.Interval, "batch", r.cfg.Batch, "max_attempts", r.cfg.MaxAttempts)
	for {
		if _, err := r.DeliverPending(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// DeliverPending makes one pass over up to Batch pending events and returns
// how many were delivered. A failing event does not stop the pass.
func (r *Relay) DeliverPending(ctx context.Context) (int, error) {
	events, err := r.store.ListOutbox(ctx, r.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}
	delivered := 0
	for _, e := range events {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err := r.deliver(ctx, e); err != nil {
			r.fail(ctx, e, err)
			continue
		}
		if err := r.store.MarkDelivered(ctx, e.ID, r.now()); err != nil {
			return delivered, fmt.Errorf("mark %s delivered: %w", e.ID, err)
		}
		delivered++
		r.logger.Debug("outbox event delivered", "event_id", e.ID, "type", e.Type, "effects", len(e.Effects))
	}
	return delivered, nil
}

// deliver sends every effect of e and then publishes e. Effects already
// delivered on an earlier attempt are sent again under the same key.
func (r *Relay) deliver(ctx context.Context, e model.OutboxEvent) error {
	for i, eff := range e.Effects {
		var err error
		switch eff.Kind {
		case model.EffectCertificate:
			if eff.Certificate == nil {
				continue
			}
			var certID string
			certID, err = r.issuer.Issue(ctx, *eff.Certificate)
			if err == nil {
				r.logger.Info("certificate issued", "event_id", e.ID, "certificate_id", certID,
					"type", eff.Certificate.Type, "manuscript_id", eff.Certificate.ManuscriptID)
			}
		case model.EffectNotification:
			if eff.Notification == nil {
				continue
			}
			err = r.dispatcher.Dispatch(ctx, *eff.Notification)
		default:
			r.logger.Warn("skipping unknown effect kind", "event_id", e.ID, "kind", eff.Kind)
			continue
		}
		r.metrics.OutboxDeliveriesTotal.WithLabelValues(string(eff.Kind), metrics.Status(err)).Inc()
		if err != nil {
			return fmt.Errorf("effect %d (%s): %w", i, eff.Kind, err)
		}
	}
	if r.publisher != nil {
		err := r.publisher.Publish(ctx, e)
		r.metrics.OutboxDeliveriesTotal.WithLabelValues("publish", metrics.Status(err)).Inc()
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
	return nil
}

func (r *Relay) fail(ctx context.Context, e model.OutboxEvent, cause error) {
	attempts := e.Attempts + 1
	park := attempts >= r.cfg.MaxAttempts
	if err := r.store.RecordAttempt(ctx, e.ID, cause.Error(), park, r.now()); err != nil {
		r.logger.Error("failed to record outbox attempt", "event_id", e.ID, "error", err)
		return
	}
	if park {
		r.metrics.OutboxParkedTotal.Inc()
		r.logger.Error("outbox event parked",
			"event_id", e.ID, "type", e.Type, "manuscript_id", e.ManuscriptID, "attempts", attempts, "error", cause)
		return
	}
	r.logger.Warn("outbox delivery failed",
		"event_id", e.ID, "type", e.Type, "attempt", attempts, "max_attempts", r.cfg.MaxAttempts, "error", cause)
}
