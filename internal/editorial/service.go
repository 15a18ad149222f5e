// Package editorial is the manuscript workflow core. Every operation takes the
// acting identity explicitly, asks the access gate, validates the move against
// the state machine and commits state, history, adjunct records and outbox
// events in one storage unit. Side effects are delivered later by the relay.
package editorial

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/access"
	errordefs "github.com/RegistryAccord/registryaccord-editorial-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// maxAppendAttempts bounds the re-fetch loop when concurrent appends race.
	maxAppendAttempts = 3
	// versionPageSize is the page size used by the lazy version iterator.
	versionPageSize = 50
)

// timeNow is the service clock.
var timeNow = func() time.Time { return time.Now().UTC() }

// Directory resolves co-author emails to accounts at submission time.
type Directory interface {
	LookupByEmail(ctx context.Context, email string) (identity.Account, error)
}

// Waker is told when new outbox events have committed.
type Waker interface {
	Notify()
}

// Options configures a Service. Store is required.
type Options struct {
	Store     storage.Store
	Gate      *access.Gate
	Directory Directory
	Waker     Waker
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// LinkBase prefixes links placed in notifications, e.g. https://journal.example.org
	LinkBase string
}

// Service implements the editorial operations.
type Service struct {
	store    storage.Store
	gate     *access.Gate
	dir      Directory
	waker    Waker
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	linkBase string
}

// New builds a Service from opts.
func New(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		gate:     opts.Gate,
		dir:      opts.Directory,
		waker:    opts.Waker,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("editorial-service"),
		linkBase: strings.TrimRight(opts.LinkBase, "/"),
	}
	if s.gate == nil {
		s.gate = access.NewGate(nil)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if s.metrics == nil {
		s.metrics = metrics.NewMetrics()
	}
	return s
}

// Gate returns the access gate the service evaluates.
func (s *Service) Gate() *access.Gate { return s.gate }

func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "editorial."+op)
	span.SetAttributes(attrs...)
	return ctx, span
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errordefs.CodeOf(err)))
	}
	span.End()
}

// observe runs one storage call and records its outcome.
func observe[T any](s *Service, op string, fn func() (T, error)) (T, error) {
	began := time.Now()
	v, err := fn()
	status := metrics.Status(err)
	s.metrics.StorageOperationTotal.WithLabelValues(op, status).Inc()
	s.metrics.StorageOperationDuration.WithLabelValues(op, status).Observe(time.Since(began).Seconds())
	return v, err
}

func (s *Service) wake() {
	if s.waker != nil {
		s.waker.Notify()
	}
}

func (s *Service) link(parts ...string) string {
	if s.linkBase == "" {
		return "/" + strings.Join(parts, "/")
	}
	return s.linkBase + "/" + strings.Join(parts, "/")
}

func errAuthn() error {
	return errordefs.New(errordefs.EDT_AUTHN, "authentication required", "")
}

func errForbidden() error {
	return errordefs.New(errordefs.EDT_FORBIDDEN, "forbidden", "")
}

func errValidation(field, message string) error {
	return errordefs.NewWithDetails(errordefs.EDT_VALIDATION, message, "", errordefs.Field(field))
}

func errNotFound(kind, id string) error {
	return errordefs.NewWithDetails(errordefs.EDT_NOT_FOUND, kind+" not found", "", errordefs.Entity(kind, id))
}

func errInvalidTransition(from, to model.ManuscriptStatus, err error) error {
	return errordefs.NewWithDetails(errordefs.EDT_INVALID_TRANSITION, err.Error(), "",
		map[string]string{"from": string(from), "to": string(to)})
}

func errOperationNotAllowed(op string, status model.ManuscriptStatus) error {
	return errordefs.NewWithDetails(errordefs.EDT_INVALID_TRANSITION,
		op+" is not allowed while the manuscript is "+string(status), "",
		map[string]string{"operation": op, "status": string(status)})
}

// storeErr maps a storage sentinel to its coded error. Anything unrecognised
// is logged and surfaces as EDT_INTERNAL.
func (s *Service) storeErr(ctx context.Context, op, kind, id string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errNotFound(kind, id)
	case errors.Is(err, storage.ErrStaleState):
		return errordefs.NewWithDetails(errordefs.EDT_STALE_STATE, kind+" changed concurrently; re-fetch and retry", "", errordefs.Entity(kind, id))
	case errors.Is(err, storage.ErrDuplicate):
		return errordefs.NewWithDetails(errordefs.EDT_DUPLICATE_ASSIGNMENT, "reviewer already assigned for this round", "", errordefs.Entity(kind, id))
	case errors.Is(err, storage.ErrAlreadySubmitted):
		return errordefs.NewWithDetails(errordefs.EDT_ALREADY_SUBMITTED, "review already submitted", "", errordefs.Entity(kind, id))
	case errors.Is(err, storage.ErrAlreadyValidated):
		return errordefs.NewWithDetails(errordefs.EDT_ALREADY_VALIDATED, "report is already validated", "", errordefs.Entity(kind, id))
	case errors.Is(err, storage.ErrAuthorClaimed):
		return errForbidden()
	case errors.Is(err, storage.ErrConflict):
		return errordefs.NewWithDetails(errordefs.EDT_CONCURRENT_APPEND, "concurrent update conflict", "", errordefs.Entity(kind, id))
	}
	if _, ok := errordefs.As(err); ok {
		return err
	}
	s.logger.ErrorContext(ctx, "storage operation failed", "operation", op, "entity", kind, "id", id, "error", err)
	return errordefs.New(errordefs.EDT_INTERNAL, "internal error", "")
}

// loadManuscript reads the manuscript for an editorial operation. Staff see
// NotFound distinctly.
func (s *Service) loadManuscript(ctx context.Context, id string) (*model.Manuscript, error) {
	m, err := observe(s, "get_manuscript", func() (*model.Manuscript, error) {
		return s.store.GetManuscript(ctx, id)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "get_manuscript", "manuscript", id, err)
	}
	return m, nil
}

// loadForAuthor reads the manuscript for an author-facing operation and
// hides its existence from actors who may not see it. Reads never bind an
// unclaimed author.
func (s *Service) loadForAuthor(ctx context.Context, actor model.Actor, id string) (*model.Manuscript, error) {
	m, err := s.loadManuscript(ctx, id)
	if err != nil {
		if errordefs.Is(err, errordefs.EDT_NOT_FOUND) && !s.gate.IsStaff(actor) {
			return nil, errForbidden()
		}
		return nil, err
	}
	if _, err := s.authorizeAuthor(actor, m); err != nil {
		return nil, err
	}
	return m, nil
}

// authorizeAuthor admits staff and listed authors. For an unclaimed author
// matched by email it returns the claim the caller may commit with its
// next write; staff and claimed authors get a nil claim.
func (s *Service) authorizeAuthor(actor model.Actor, m *model.Manuscript) (*storage.AuthorClaim, error) {
	if s.gate.IsStaff(actor) {
		return nil, nil
	}
	match, ok := s.gate.MatchAuthor(actor, *m)
	if !ok {
		return nil, errForbidden()
	}
	if !match.Claim {
		return nil, nil
	}
	return &storage.AuthorClaim{AuthorID: match.AuthorID, UserID: actor.ID}, nil
}

func (s *Service) requireStaff(actor model.Actor) error {
	if !actor.Authenticated() {
		return errAuthn()
	}
	if !s.gate.CanDecide(actor) {
		return errForbidden()
	}
	return nil
}
