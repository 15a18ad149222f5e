// internal/server/mux_test.go
// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/access"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/editorial"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/media"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/storage"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://id.example.org"
	testAudience = "editorial"
	testKid      = "test-key"
)

type testServer struct {
	h    http.Handler
	priv ed25519.PrivateKey
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func newTestServer(t *testing.T, ready Pinger) *testServer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	if ready == nil {
		ready = store
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := editorial.New(editorial.Options{
		Store:     store,
		Gate:      access.NewGate(nil),
		Directory: identity.Static{},
		Logger:    logger,
	})
	h, err := NewMux(Deps{
		Service:     svc,
		Ready:       ready,
		Tokens:      jwks.NewStaticClient(map[string]ed25519.PublicKey{testKid: pub}),
		JWTIssuer:   testIssuer,
		JWTAudience: testAudience,
		Files:       media.Local{Policy: media.Policy{MaxSize: 1024, AllowedTypes: []string{"application/pdf"}}},
		Logger:      logger,

		CORSAllowedOrigins: []string{"https://app.example.org"},
	})
	if err != nil {
		t.Fatalf("NewMux() error = %v", err)
	}
	return &testServer{h: h, priv: priv}
}

func (s *testServer) token(t *testing.T, sub, email, role string, ttl time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testAudience,
		"sub":   sub,
		"email": email,
		"role":  role,
		"exp":   time.Now().Add(ttl).Unix(),
	})
	tok.Header["kid"] = testKid
	signed, err := tok.SignedString(s.priv)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code          string            `json:"code"`
		Message       string            `json:"message"`
		CorrelationID string            `json:"correlationId"`
		Details       map[string]string `json:"details"`
	} `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)

	var env envelope
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("response is not an envelope: %v: %s", err, rr.Body.String())
		}
	}
	return rr, env
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, env envelope, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("status = %d, want %d: %s", rr.Code, status, rr.Body.String())
	}
	if env.Error == nil || env.Error.Code != code {
		t.Fatalf("error code = %+v, want %s", env.Error, code)
	}
	if env.Error.CorrelationID == "" || env.Error.CorrelationID != rr.Header().Get("X-Correlation-Id") {
		t.Errorf("correlation id %q does not match header %q", env.Error.CorrelationID, rr.Header().Get("X-Correlation-Id"))
	}
}

// TestHealthzEndpoint tests the healthz endpoint.
func TestHealthzEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rr.Code, rr.Body.String())
	}
}

// TestReadyzEndpoint tests readiness against the store.
func TestReadyzEndpoint(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestServer(t, nil).h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	newTestServer(t, failingPinger{}).h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", rr.Code)
	}
}

// TestAuthentication tests bearer token handling.
func TestAuthentication(t *testing.T) {
	s := newTestServer(t, nil)

	rr, env := s.do(t, http.MethodGet, "/v1/reviewer/dashboard", "", nil)
	expectError(t, rr, env, http.StatusUnauthorized, "EDT_AUTHN")

	rr, env = s.do(t, http.MethodGet, "/v1/reviewer/dashboard", s.token(t, "r1", "r1@x.com", "REVIEWER", -time.Minute), nil)
	expectError(t, rr, env, http.StatusUnauthorized, "EDT_JWT_EXPIRED")

	rr, env = s.do(t, http.MethodGet, "/v1/reviewer/dashboard", "not.a.jwt", nil)
	expectError(t, rr, env, http.StatusUnauthorized, "EDT_JWT_MALFORMED")

	rr, env = s.do(t, http.MethodGet, "/v1/reviewer/dashboard", s.token(t, "", "x@x.com", "", time.Hour), nil)
	expectError(t, rr, env, http.StatusUnauthorized, "EDT_JWT_INVALID")

	rr, _ = s.do(t, http.MethodGet, "/v1/reviewer/dashboard", s.token(t, "r1", "r1@x.com", "REVIEWER", time.Hour), nil)
	if rr.Code != http.StatusOK {
		t.Errorf("dashboard = %d: %s", rr.Code, rr.Body.String())
	}
}

// TestCorrelationIDEchoed tests that a caller-supplied correlation id is kept.
func TestCorrelationIDEchoed(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/manuscripts", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("X-Correlation-Id = %q", got)
	}
	if !strings.Contains(rr.Body.String(), `"correlationId":"corr-123"`) {
		t.Errorf("error body lacks correlation id: %s", rr.Body.String())
	}
}

// TestMethodNotAllowed tests the envelope for unsupported methods.
func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)
	rr, env := s.do(t, http.MethodDelete, "/v1/manuscripts/abc", s.token(t, "u", "u@x.com", "", time.Hour), nil)
	expectError(t, rr, env, http.StatusBadRequest, "EDT_BAD_REQUEST")
	if rr.Header().Get("Allow") != "GET" {
		t.Errorf("Allow = %q", rr.Header().Get("Allow"))
	}
}

// TestCORSPreflight tests allowed and denied origins.
func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)
	for origin, want := range map[string]string{
		"https://app.example.org":  "https://app.example.org",
		"https://evil.example.org": "",
	} {
		req := httptest.NewRequest(http.MethodOptions, "/v1/manuscripts", nil)
		req.Header.Set("Origin", origin)
		rr := httptest.NewRecorder()
		s.h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Errorf("%s: preflight status = %d", origin, rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Errorf("%s: Allow-Origin = %q, want %q", origin, got, want)
		}
	}
}

// TestEditorialFlow drives submission, review and decision over HTTP.
func TestEditorialFlow(t *testing.T) {
	s := newTestServer(t, nil)
	author := s.token(t, "user-a", "a@x.com", "AUTHOR", time.Hour)
	editor := s.token(t, "user-e", "e@x.com", "EDITOR", time.Hour)
	reviewer := s.token(t, "user-r", "r@x.com", "REVIEWER", time.Hour)

	rr, env := s.do(t, http.MethodPost, "/v1/manuscripts", author, map[string]any{
		"journalId": "j-1", "title": "Ledgers", "initialFileRef": "local://manuscripts/user-a/x/v1.pdf",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit = %d: %s", rr.Code, rr.Body.String())
	}
	var ms model.Manuscript
	if err := json.Unmarshal(env.Data, &ms); err != nil {
		t.Fatal(err)
	}
	if ms.Status != model.StatusSubmitted || ms.VersionCount != 1 {
		t.Fatalf("unexpected manuscript: %+v", ms)
	}

	rr, env = s.do(t, http.MethodGet, "/v1/manuscripts", author, nil)
	expectError(t, rr, env, http.StatusForbidden, "EDT_FORBIDDEN")

	due := time.Now().Add(14 * 24 * time.Hour).UTC().Format(time.RFC3339)
	rr, env = s.do(t, http.MethodPost, "/v1/manuscripts/"+ms.ID+"/assignments", editor, map[string]any{
		"reviewerId": "user-r", "dueDate": due, "priority": "high",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("assign = %d: %s", rr.Code, rr.Body.String())
	}
	var a model.ReviewAssignment
	if err := json.Unmarshal(env.Data, &a); err != nil {
		t.Fatal(err)
	}
	if a.Priority != model.PriorityHigh {
		t.Errorf("priority = %s", a.Priority)
	}

	rr, env = s.do(t, http.MethodPost, "/v1/assignments/"+a.ID+"/review", reviewer, map[string]any{
		"rating": 4, "commentsToEditor": "Sound.", "recommendation": "minor_revision",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("review = %d: %s", rr.Code, rr.Body.String())
	}
	rr, env = s.do(t, http.MethodPost, "/v1/assignments/"+a.ID+"/review", reviewer, map[string]any{
		"rating": 4, "commentsToEditor": "Again.", "recommendation": "ACCEPT",
	})
	expectError(t, rr, env, http.StatusConflict, "EDT_ALREADY_SUBMITTED")

	validate := "/v1/assignments/" + a.ID + "/review/validate"
	rr, env = s.do(t, http.MethodPost, validate, reviewer, map[string]any{"isValidated": true})
	expectError(t, rr, env, http.StatusForbidden, "EDT_FORBIDDEN")
	rr, env = s.do(t, http.MethodPost, validate, editor, map[string]any{"isValidated": false})
	expectError(t, rr, env, http.StatusBadRequest, "EDT_VALIDATION")
	rr, env = s.do(t, http.MethodPost, validate, editor, map[string]any{"isValidated": true})
	if rr.Code != http.StatusOK {
		t.Fatalf("validate = %d: %s", rr.Code, rr.Body.String())
	}
	var validated model.Review
	if err := json.Unmarshal(env.Data, &validated); err != nil {
		t.Fatal(err)
	}
	if validated.Status != model.ReviewValidated || validated.ValidatedBy == "" || validated.ValidatedAt == nil {
		t.Errorf("validated review = %+v", validated)
	}
	rr, env = s.do(t, http.MethodPost, validate, editor, map[string]any{"isValidated": false, "rejectionReason": "late"})
	expectError(t, rr, env, http.StatusConflict, "EDT_ALREADY_VALIDATED")

	rr, env = s.do(t, http.MethodPost, "/v1/manuscripts/"+ms.ID+"/status", editor, map[string]any{
		"to": "accepted", "expectedFrom": "UNDER_REVIEW",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("accept = %d: %s", rr.Code, rr.Body.String())
	}
	rr, env = s.do(t, http.MethodPost, "/v1/manuscripts/"+ms.ID+"/status", editor, map[string]any{
		"to": "ACCEPTED", "expectedFrom": "UNDER_REVIEW",
	})
	expectError(t, rr, env, http.StatusConflict, "EDT_STALE_STATE")
	if env.Error.Details["actual"] != "ACCEPTED" {
		t.Errorf("stale details = %v", env.Error.Details)
	}

	rr, env = s.do(t, http.MethodGet, "/v1/manuscripts/"+ms.ID+"/history", author, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history = %d", rr.Code)
	}
	var history []model.StatusHistoryEntry
	if err := json.Unmarshal(env.Data, &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[1].To != model.StatusAccepted {
		t.Errorf("history = %+v", history)
	}

	rr, env = s.do(t, http.MethodPost, "/v1/manuscripts/"+ms.ID+"/versions", author, map[string]any{"fileRef": "local://v2.pdf"})
	expectError(t, rr, env, http.StatusConflict, "EDT_INVALID_TRANSITION")
}

// TestSchemaRejection tests that mistyped bodies fail before the service runs.
func TestSchemaRejection(t *testing.T) {
	s := newTestServer(t, nil)
	author := s.token(t, "user-a", "a@x.com", "", time.Hour)

	rr, env := s.do(t, http.MethodPost, "/v1/manuscripts", author, map[string]any{"journalId": "j", "title": 42})
	expectError(t, rr, env, http.StatusBadRequest, "EDT_VALIDATION")
	if _, ok := env.Error.Details["title"]; !ok {
		t.Errorf("details = %v", env.Error.Details)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/manuscripts", strings.NewReader(`{"title":`))
	req.Header.Set("Authorization", "Bearer "+author)
	rr = httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "EDT_BAD_REQUEST") {
		t.Errorf("malformed JSON = %d: %s", rr.Code, rr.Body.String())
	}
}

// TestUploadInit tests upload slots and the file policy.
func TestUploadInit(t *testing.T) {
	s := newTestServer(t, nil)
	author := s.token(t, "user-a", "a@x.com", "", time.Hour)

	rr, env := s.do(t, http.MethodPost, "/v1/files/uploadInit", author, map[string]any{
		"filename": "paper.pdf", "contentType": "application/pdf", "size": 100,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("uploadInit = %d: %s", rr.Code, rr.Body.String())
	}
	var up media.Upload
	if err := json.Unmarshal(env.Data, &up); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(up.FileRef, "local://manuscripts/user-a/") {
		t.Errorf("fileRef = %q", up.FileRef)
	}

	rr, env = s.do(t, http.MethodPost, "/v1/files/uploadInit", author, map[string]any{
		"filename": "a.png", "contentType": "image/png", "size": 100,
	})
	expectError(t, rr, env, http.StatusBadRequest, "EDT_MEDIA_TYPE")

	rr, env = s.do(t, http.MethodPost, "/v1/files/uploadInit", author, map[string]any{
		"filename": "big.pdf", "contentType": "application/pdf", "size": 4096,
	})
	expectError(t, rr, env, http.StatusBadRequest, "EDT_MEDIA_SIZE")

	rr, env = s.do(t, http.MethodPost, "/v1/files/uploadInit", author, map[string]any{"contentType": "application/pdf"})
	expectError(t, rr, env, http.StatusBadRequest, "EDT_VALIDATION")
}

// TestAuthorReadsHideOtherManuscripts tests that outsiders cannot probe ids.
func TestAuthorReadsHideOtherManuscripts(t *testing.T) {
	s := newTestServer(t, nil)
	outsider := s.token(t, "user-o", "o@x.com", "", time.Hour)
	editor := s.token(t, "user-e", "e@x.com", "EDITOR", time.Hour)

	rr, env := s.do(t, http.MethodGet, "/v1/manuscripts/missing", outsider, nil)
	expectError(t, rr, env, http.StatusForbidden, "EDT_FORBIDDEN")
	rr, env = s.do(t, http.MethodGet, "/v1/manuscripts/missing", editor, nil)
	expectError(t, rr, env, http.StatusNotFound, "EDT_NOT_FOUND")
}
