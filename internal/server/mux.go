// internal/server/mux.go
// Package server implements the HTTP surface of the editorial workflow.
// Every /v1 route requires a bearer JWT; responses use the
// {"data": ...} / {"error": {...}} envelopes.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/editorial"
	errordefs "github.com/RegistryAccord/registryaccord-editorial-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/media"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/schema"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyActor         ContextKey = "actor"
	ContextKeyCorrelationID ContextKey = "correlationId"

	maxBodyBytes = 1 << 20
	tracerName   = "editorial-http"
)

// TokenValidator validates bearer tokens. *jwks.Client implements it.
type TokenValidator interface {
	ValidateJWT(ctx context.Context, token, issuer, audience string) (jwt.MapClaims, error)
}

// Pinger reports storage readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the mux.
type Deps struct {
	Service     *editorial.Service
	Ready       Pinger
	Tokens      TokenValidator
	JWTIssuer   string
	JWTAudience string
	Validator   *schema.Validator // nil builds the default command schemas
	Files       media.Store       // nil means local placeholder refs
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// CORS configuration; empty denies cross-origin requests.
	CORSAllowedOrigins []string
}

// Mux handles HTTP requests for the editorial service.
type Mux struct {
	mux         *http.ServeMux
	svc         *editorial.Service
	ready       Pinger
	tokens      TokenValidator
	jwtIssuer   string
	jwtAudience string
	validator   *schema.Validator
	files       media.Store
	metrics     *metrics.Metrics
	logger      *slog.Logger
	cors        []string
}

// methods maps an HTTP method to its handler for one route.
type methods map[string]http.HandlerFunc

// NewMux creates the HTTP mux with all editorial endpoints.
func NewMux(d Deps) (*http.ServeMux, error) {
	if d.Validator == nil {
		v, err := schema.NewValidator()
		if err != nil {
			return nil, err
		}
		d.Validator = v
	}
	if d.Files == nil {
		d.Files = media.Local{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewMetrics()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	m := &Mux{
		mux:         http.NewServeMux(),
		svc:         d.Service,
		ready:       d.Ready,
		tokens:      d.Tokens,
		jwtIssuer:   d.JWTIssuer,
		jwtAudience: d.JWTAudience,
		validator:   d.Validator,
		files:       d.Files,
		metrics:     d.Metrics,
		logger:      d.Logger,
		cors:        d.CORSAllowedOrigins,
	}

	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.route("/v1/manuscripts", methods{http.MethodPost: m.handleSubmitManuscript, http.MethodGet: m.handleListManuscripts})
	m.route("/v1/manuscripts/{id}", methods{http.MethodGet: m.handleGetManuscript})
	m.route("/v1/manuscripts/{id}/versions", methods{http.MethodPost: m.handleAppendVersion, http.MethodGet: m.handleListVersions})
	m.route("/v1/manuscripts/{id}/status", methods{http.MethodPost: m.handleTransition})
	m.route("/v1/manuscripts/{id}/history", methods{http.MethodGet: m.handleHistory})
	m.route("/v1/manuscripts/{id}/timeline", methods{http.MethodGet: m.handleTimeline})
	m.route("/v1/manuscripts/{id}/assignments", methods{http.MethodPost: m.handleAssignReviewer, http.MethodGet: m.handleListAssignments})
	m.route("/v1/assignments/{id}/review", methods{http.MethodPost: m.handleSubmitReview, http.MethodGet: m.handleGetReview})
	m.route("/v1/assignments/{id}/review/validate", methods{http.MethodPost: m.handleValidateReview})
	m.route("/v1/reviews/pending", methods{http.MethodGet: m.handlePendingReviews})
	m.route("/v1/reviewer/dashboard", methods{http.MethodGet: m.handleDashboard})
	m.route("/v1/files/uploadInit", methods{http.MethodPost: m.handleUploadInit})

	return m.mux, nil
}

func (m *Mux) route(pattern string, h methods) {
	m.mux.HandleFunc(pattern, m.withMiddleware(m.dispatch(h)))
}

// dispatch selects the handler for the request method.
func (m *Mux) dispatch(h methods) http.HandlerFunc {
	allowed := make([]string, 0, len(h))
	for method := range h {
		allowed = append(allowed, method)
	}
	slices.Sort(allowed)
	return func(w http.ResponseWriter, r *http.Request) {
		handler, ok := h[r.Method]
		if !ok {
			w.Header().Set("Allow", strings.Join(allowed, ", "))
			m.writeErrorDef(w, errordefs.New(errordefs.EDT_BAD_REQUEST, "method not allowed", correlationID(r.Context())))
			return
		}
		handler(w, r)
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (m *Mux) allowOrigin(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(m.cors) == 0 {
		return false
	}
	if !slices.Contains(m.cors, "*") && !slices.Contains(m.cors, origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	return true
}

// withMiddleware applies CORS, correlation ids, authentication, request
// logging and metrics.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if r.Method == http.MethodOptions {
			if m.allowOrigin(w, r) {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		m.allowOrigin(w, r)

		cid := r.Header.Get("X-Correlation-Id")
		if cid == "" {
			cid = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, cid))
		w.Header().Set("X-Correlation-Id", cid)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() { m.logRequest(r, rec, time.Since(start)) }()

		actor, err := m.authenticate(r)
		if err != nil {
			err.CorrelationID = cid
			rec.err = err
			m.writeErrorDef(rec, err)
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyActor, actor))
		h(rec, r)
	}
}

// authenticate validates the bearer token and maps its claims to an actor.
func (m *Mux) authenticate(r *http.Request) (model.Actor, *errordefs.Error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return model.Actor{}, errordefs.New(errordefs.EDT_AUTHN, "missing Authorization header", "")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return model.Actor{}, errordefs.New(errordefs.EDT_AUTHN, "invalid Authorization header format", "")
	}

	claims, err := m.tokens.ValidateJWT(r.Context(), strings.TrimSpace(token), m.jwtIssuer, m.jwtAudience)
	if err != nil {
		switch {
		case errors.Is(err, jwks.ErrExpired):
			return model.Actor{}, errordefs.New(errordefs.EDT_JWT_EXPIRED, "JWT token expired", "")
		case errors.Is(err, jwks.ErrInvalidIssuer):
			return model.Actor{}, errordefs.New(errordefs.EDT_JWT_INVALID, "invalid JWT issuer", "")
		case errors.Is(err, jwks.ErrInvalidAudience):
			return model.Actor{}, errordefs.New(errordefs.EDT_JWT_INVALID, "invalid JWT audience", "")
		case errors.Is(err, jwks.ErrMalformed):
			return model.Actor{}, errordefs.New(errordefs.EDT_JWT_MALFORMED, "malformed JWT", "")
		case errors.Is(err, jwks.ErrUnknownKey):
			return model.Actor{}, errordefs.New(errordefs.EDT_JWT_INVALID, "unknown JWT signing key", "")
		case errors.Is(err, jwks.ErrSignature):
			return model.Actor{}, errordefs.New(errordefs.EDT_JWT_INVALID, "invalid JWT signature", "")
		default:
			m.logger.WarnContext(r.Context(), "JWT validation failed", "error", err)
			return model.Actor{}, errordefs.New(errordefs.EDT_JWT_INVALID, "failed to validate JWT", "")
		}
	}
	actor := jwks.ActorFromClaims(claims)
	if actor.ID == "" {
		return model.Actor{}, errordefs.New(errordefs.EDT_JWT_INVALID, "missing or invalid sub claim", "")
	}
	return actor, nil
}

func correlationID(ctx context.Context) string {
	cid, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return cid
}

func actorFrom(ctx context.Context) model.Actor {
	a, _ := ctx.Value(ContextKeyActor).(model.Actor)
	return a
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// writeError writes an error envelope
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details any) {
	body := map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// fail writes err, which is either a coded error from the service or an
// unexpected failure reported as EDT_INTERNAL.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	cid := correlationID(r.Context())
	e, ok := errordefs.As(err)
	if !ok {
		m.logger.ErrorContext(r.Context(), "unhandled error", "error", err, "correlation_id", cid)
		e = errordefs.New(errordefs.EDT_INTERNAL, "internal error", cid)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = cid
	}
	span.SetStatus(codes.Error, string(e.Code))
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = e
	}
	m.writeErrorDef(w, e)
}

func (m *Mux) span(r *http.Request, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(r.Context(), name)
}

// decode reads a JSON body, checks it against the command schema and
// unmarshals it into v.
func (m *Mux) decode(w http.ResponseWriter, r *http.Request, command string, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return errordefs.New(errordefs.EDT_BAD_REQUEST, "request body too large or unreadable", "")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	err = m.validator.Validate(command, body)
	m.metrics.SchemaValidationTotal.WithLabelValues(command, metrics.Status(err)).Inc()
	if err != nil {
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			return errordefs.NewWithDetails(errordefs.EDT_VALIDATION, "request body does not match the "+command+" schema", "", ve.Fields)
		}
		return errordefs.New(errordefs.EDT_BAD_REQUEST, "invalid JSON", "")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errordefs.New(errordefs.EDT_BAD_REQUEST, "invalid JSON", "")
	}
	return nil
}

// verifyFile checks that a stored file ref was actually uploaded.
func (m *Mux) verifyFile(ctx context.Context, field, ref string) error {
	if ref == "" {
		return nil
	}
	if _, err := m.files.Verify(ctx, ref); err != nil {
		if errors.Is(err, media.ErrTooLarge) {
			return errordefs.NewWithDetails(errordefs.EDT_MEDIA_SIZE, err.Error(), "", errordefs.Field(field))
		}
		if errors.Is(err, media.ErrNotUploaded) {
			return errordefs.NewWithDetails(errordefs.EDT_VALIDATION, "file has not been uploaded", "", errordefs.Field(field))
		}
		return err
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errordefs.NewWithDetails(errordefs.EDT_VALIDATION, name+" must be a non-negative integer", "", errordefs.Field(name))
	}
	return n, nil
}

// logRequest logs request details and records HTTP metrics.
func (m *Mux) logRequest(r *http.Request, rec *statusRecorder, duration time.Duration) {
	path := r.Pattern
	if path == "" {
		path = r.URL.Path
	}
	status := strconv.Itoa(rec.status)
	m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, path, status).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path, status).Observe(duration.Seconds())

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID(r.Context())),
	}
	if actor := actorFrom(r.Context()); actor.ID != "" {
		attrs = append(attrs, slog.String("actor_id", actor.ID))
	}

	switch {
	case rec.status >= 500:
		if rec.err != nil {
			attrs = append(attrs, slog.String("error", rec.err.Error()))
		}
		m.logger.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case rec.err != nil:
		attrs = append(attrs, slog.String("error", rec.err.Error()))
		m.logger.LogAttrs(r.Context(), slog.LevelInfo, "request rejected", attrs...)
	default:
		m.logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the store answers.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if m.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := m.ready.Ping(ctx); err != nil {
			m.logger.WarnContext(ctx, "readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
