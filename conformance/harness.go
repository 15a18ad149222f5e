// Package conformance provides a harness that drives the editorial API over
// HTTP and checks the end-to-end workflow scenarios.
package conformance

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/access"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/editorial"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/event"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/outbox"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/server"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/storage"
	"github.com/golang-jwt/jwt/v5"
)

const harnessKid = "conformance"

// Harness runs an editorial server backed by a real store and relay whose
// collaborators record what they are asked to do.
type Harness struct {
	server   *httptest.Server
	store    storage.Store
	relay    *outbox.Relay
	rec      *recorder
	priv     ed25519.PrivateKey
	issuer   string
	audience string
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// Store is "memory" (default) or "sqlite" (in-memory SQLite through gorm)
	Store string

	JWTIssuer   string
	JWTAudience string
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var store storage.Store
	switch cfg.Store {
	case "", "memory":
		store = storage.NewMemory()
	case "sqlite":
		s, err := storage.NewSQLite("", logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		store = s
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}

	rec := &recorder{}
	relay := outbox.New(outbox.Options{
		Store:      store,
		Issuer:     rec,
		Dispatcher: rec,
		Publisher:  event.NewNoop(),
		Logger:     logger,
	})
	svc := editorial.New(editorial.Options{
		Store:  store,
		Gate:   access.NewGate(nil),
		Logger: logger,
	})
	mux, err := server.NewMux(server.Deps{
		Service:     svc,
		Ready:       store,
		Tokens:      jwks.NewStaticClient(map[string]ed25519.PublicKey{harnessKid: pub}),
		JWTIssuer:   cfg.JWTIssuer,
		JWTAudience: cfg.JWTAudience,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Harness{
		server:   httptest.NewServer(mux),
		store:    store,
		relay:    relay,
		rec:      rec,
		priv:     priv,
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.store.Close()
}

// Token signs a one-hour access token for the given actor.
func (h *Harness) Token(t *testing.T, sub, email, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss":   h.issuer,
		"aud":   h.audience,
		"sub":   sub,
		"email": email,
		"role":  role,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = harnessKid
	signed, err := tok.SignedString(h.priv)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

// Envelope is the response body shape shared by every endpoint.
type Envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

// Do sends one JSON request and decodes the envelope.
func (h *Harness) Do(t *testing.T, method, path, token string, body any) (int, Envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.URL()+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: response is not an envelope: %v", method, path, err)
	}
	return resp.StatusCode, env
}

// Drain runs one relay pass and fails the test if anything is left undelivered.
func (h *Harness) Drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.relay.DeliverPending(ctx); err != nil {
		t.Fatalf("relay pass failed: %v", err)
	}
	left, err := h.store.ListOutbox(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("%d outbox events left after drain (first: %s %q)", len(left), left[0].Type, left[0].LastError)
	}
}

// Certificates returns the certificate requests delivered so far.
func (h *Harness) Certificates() []model.CertificateRequest {
	return h.rec.certificates()
}

// Notifications returns the notifications delivered so far.
func (h *Harness) Notifications() []model.Notification {
	return h.rec.notifications()
}

// RunScenarios runs the end-to-end workflow scenarios.
func (h *Harness) RunScenarios(t *testing.T) {
	t.Run("ReviewAcceptPublish", h.scenarioReviewAcceptPublish)
	t.Run("RevisionRound", h.scenarioRevisionRound)
	t.Run("OutsiderCannotAppend", h.scenarioOutsiderCannotAppend)
	t.Run("IllegalJumpRejected", h.scenarioIllegalJumpRejected)
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
	return v
}

func (h *Harness) submit(t *testing.T, token, title string) model.Manuscript {
	t.Helper()
	status, env := h.Do(t, http.MethodPost, "/v1/manuscripts", token, map[string]any{
		"journalId":      "journal-1",
		"title":          title,
		"abstract":       "An abstract.",
		"authorName":     "Author A",
		"initialFileRef": "s3://manuscripts/" + title + "/v1.pdf",
	})
	if status != http.StatusCreated {
		t.Fatalf("submit = %d: %+v", status, env.Error)
	}
	return decode[model.Manuscript](t, env)
}

func (h *Harness) assign(t *testing.T, token, manuscriptID, reviewerID string) model.ReviewAssignment {
	t.Helper()
	status, env := h.Do(t, http.MethodPost, "/v1/manuscripts/"+manuscriptID+"/assignments", token, map[string]any{
		"reviewerId": reviewerID,
		"dueDate":    time.Now().Add(21 * 24 * time.Hour).UTC().Format(time.RFC3339),
	})
	if status != http.StatusCreated {
		t.Fatalf("assign = %d: %+v", status, env.Error)
	}
	return decode[model.ReviewAssignment](t, env)
}

func (h *Harness) transition(t *testing.T, token, manuscriptID string, to model.ManuscriptStatus) (int, Envelope) {
	t.Helper()
	return h.Do(t, http.MethodPost, "/v1/manuscripts/"+manuscriptID+"/status", token, map[string]any{"to": to})
}

func (h *Harness) history(t *testing.T, token, manuscriptID string) []model.StatusHistoryEntry {
	t.Helper()
	status, env := h.Do(t, http.MethodGet, "/v1/manuscripts/"+manuscriptID+"/history", token, nil)
	if status != http.StatusOK {
		t.Fatalf("history = %d: %+v", status, env.Error)
	}
	return decode[[]model.StatusHistoryEntry](t, env)
}

func countCertificates(certs []model.CertificateRequest, manuscriptID string, typ model.CertificateType) []model.CertificateRequest {
	var out []model.CertificateRequest
	for _, c := range certs {
		if c.ManuscriptID == manuscriptID && c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

// Submission through publication with one accepting review.
func (h *Harness) scenarioReviewAcceptPublish(t *testing.T) {
	author := h.Token(t, "author-a", "a@x.com", "AUTHOR")
	editor := h.Token(t, "editor-1", "e@x.com", "EDITOR")
	reviewer := h.Token(t, "r1", "r1@x.com", "REVIEWER")

	ms := h.submit(t, author, "Paper X")
	if ms.Status != model.StatusSubmitted || ms.VersionCount != 1 {
		t.Fatalf("submitted manuscript = %s with %d versions", ms.Status, ms.VersionCount)
	}

	a := h.assign(t, editor, ms.ID, "r1")
	status, env := h.Do(t, http.MethodGet, "/v1/manuscripts/"+ms.ID+"/assignments?status=PENDING", editor, nil)
	if status != http.StatusOK {
		t.Fatalf("list assignments = %d", status)
	}
	if pending := decode[[]model.ReviewAssignment](t, env); len(pending) != 1 || pending[0].ID != a.ID {
		t.Fatalf("pending assignments = %+v", pending)
	}

	status, env = h.Do(t, http.MethodPost, "/v1/assignments/"+a.ID+"/review", reviewer, map[string]any{
		"rating": 5, "commentsToEditor": "Ready.", "recommendation": "ACCEPT",
	})
	if status != http.StatusCreated {
		t.Fatalf("review = %d: %+v", status, env.Error)
	}
	status, env = h.Do(t, http.MethodGet, "/v1/manuscripts/"+ms.ID+"/assignments", editor, nil)
	if status != http.StatusOK {
		t.Fatalf("list assignments = %d", status)
	}
	if all := decode[[]model.ReviewAssignment](t, env); len(all) != 1 || all[0].Status != model.AssignmentSubmitted {
		t.Fatalf("assignment after review = %+v", all)
	}
	h.Drain(t)
	if got := countCertificates(h.Certificates(), ms.ID, model.CertificateReviewer); len(got) != 1 || got[0].RecipientUserID != "r1" {
		t.Fatalf("reviewer certificates = %+v", got)
	}

	status, env = h.transition(t, editor, ms.ID, model.StatusAccepted)
	if status != http.StatusOK {
		t.Fatalf("accept = %d: %+v", status, env.Error)
	}
	if accepted := decode[model.Manuscript](t, env); accepted.AcceptedAt == nil {
		t.Fatal("acceptedAt not set")
	}

	status, env = h.transition(t, editor, ms.ID, model.StatusPublished)
	if status != http.StatusOK {
		t.Fatalf("publish = %d: %+v", status, env.Error)
	}
	if published := decode[model.Manuscript](t, env); published.PublishedAt == nil {
		t.Fatal("publishedAt not set")
	}
	h.Drain(t)
	got := countCertificates(h.Certificates(), ms.ID, model.CertificateAuthor)
	if len(got) != 1 || got[0].RecipientEmail != "a@x.com" {
		t.Fatalf("author certificates = %+v", got)
	}
}

// A requested revision reopens review in a new round.
func (h *Harness) scenarioRevisionRound(t *testing.T) {
	author := h.Token(t, "author-b", "a@x.com", "AUTHOR")
	editor := h.Token(t, "editor-1", "e@x.com", "EDITOR")

	ms := h.submit(t, author, "Paper Y")
	h.assign(t, editor, ms.ID, "r2")
	if status, env := h.transition(t, editor, ms.ID, model.StatusRevisionRequested); status != http.StatusOK {
		t.Fatalf("request revision = %d: %+v", status, env.Error)
	}

	status, env := h.Do(t, http.MethodPost, "/v1/manuscripts/"+ms.ID+"/versions", author, map[string]any{
		"fileRef": "s3://manuscripts/Paper Y/v2.pdf", "changelog": "Addressed comments",
	})
	if status != http.StatusCreated {
		t.Fatalf("append = %d: %+v", status, env.Error)
	}
	if v := decode[model.Version](t, env); v.Number != 2 {
		t.Fatalf("version number = %d, want 2", v.Number)
	}

	status, env = h.Do(t, http.MethodGet, "/v1/manuscripts/"+ms.ID, author, nil)
	if status != http.StatusOK {
		t.Fatalf("get = %d", status)
	}
	got := decode[model.Manuscript](t, env)
	if got.VersionCount != 2 || got.Status != model.StatusUnderReview || got.Round != 2 {
		t.Fatalf("after revision: versions=%d status=%s round=%d", got.VersionCount, got.Status, got.Round)
	}

	hist := h.history(t, author, ms.ID)
	last := hist[len(hist)-1]
	if last.From != model.StatusRevisionRequested || last.To != model.StatusUnderReview {
		t.Fatalf("last history entry = %s -> %s", last.From, last.To)
	}
	h.Drain(t)
}

// Someone who is neither an author nor staff cannot add versions.
func (h *Harness) scenarioOutsiderCannotAppend(t *testing.T) {
	author := h.Token(t, "author-c", "c@x.com", "AUTHOR")
	outsider := h.Token(t, "outsider", "o@x.com", "AUTHOR")

	ms := h.submit(t, author, "Paper Z")
	status, env := h.Do(t, http.MethodPost, "/v1/manuscripts/"+ms.ID+"/versions", outsider, map[string]any{
		"fileRef": "s3://manuscripts/other/v2.pdf",
	})
	if status != http.StatusForbidden || env.Error == nil || env.Error.Code != "EDT_FORBIDDEN" {
		t.Fatalf("outsider append = %d %+v, want 403 EDT_FORBIDDEN", status, env.Error)
	}

	status, env = h.Do(t, http.MethodGet, "/v1/manuscripts/"+ms.ID+"/versions", author, nil)
	if status != http.StatusOK {
		t.Fatalf("list versions = %d", status)
	}
	if versions := decode[[]model.Version](t, env); len(versions) != 1 {
		t.Fatalf("versions = %d, want 1", len(versions))
	}
}

// Publishing straight from submission is refused and leaves no trace.
func (h *Harness) scenarioIllegalJumpRejected(t *testing.T) {
	author := h.Token(t, "author-d", "d@x.com", "AUTHOR")
	editor := h.Token(t, "editor-1", "e@x.com", "EDITOR")

	ms := h.submit(t, author, "Paper W")
	status, env := h.transition(t, editor, ms.ID, model.StatusPublished)
	if status != http.StatusConflict || env.Error == nil || env.Error.Code != "EDT_INVALID_TRANSITION" {
		t.Fatalf("publish from SUBMITTED = %d %+v, want 409 EDT_INVALID_TRANSITION", status, env.Error)
	}

	status, env = h.Do(t, http.MethodGet, "/v1/manuscripts/"+ms.ID, editor, nil)
	if status != http.StatusOK {
		t.Fatalf("get = %d", status)
	}
	if got := decode[model.Manuscript](t, env); got.Status != model.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got.Status)
	}
	if hist := h.history(t, editor, ms.ID); len(hist) != 0 {
		t.Fatalf("history = %+v, want empty", hist)
	}
}

// recorder stands in for the certificate issuer and notification dispatcher.
type recorder struct {
	mu    sync.Mutex
	certs []model.CertificateRequest
	notes []model.Notification
}

func (r *recorder) Issue(_ context.Context, cr model.CertificateRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.certs = append(r.certs, cr)
	return fmt.Sprintf("cert-%d", len(r.certs)), nil
}

func (r *recorder) Dispatch(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recorder) certificates() []model.CertificateRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.CertificateRequest(nil), r.certs...)
}

func (r *recorder) notifications() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Notification(nil), r.notes...)
}
