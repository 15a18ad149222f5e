// Package integration exercises the editorial service against HTTP stand-ins
// for the identity provider, its JWKS endpoint and the certificate service.
package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/access"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/certificate"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/editorial"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/notify"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/outbox"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/server"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/storage"
	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "https://id.example.org"
	audience = "editorial"
	keyID    = "signing-1"
)

// identityServer serves GET /v1/users/lookup?email= from a fixed table.
// down@x.com simulates a directory outage.
func identityServer(t *testing.T, accounts map[string]identity.Account) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/users/lookup" {
			http.NotFound(w, r)
			return
		}
		email := r.URL.Query().Get("email")
		if email == "down@x.com" {
			http.Error(w, "directory unavailable", http.StatusBadGateway)
			return
		}
		acc, ok := accounts[email]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(acc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func jwksServer(t *testing.T, pub ed25519.PublicKey) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks.JWKS{Keys: []jwks.JWK{jwks.NewJWK(keyID, pub)}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// certificateService fails its first request, then issues certificates,
// returning the same id for a repeated Idempotency-Key.
type certificateService struct {
	mu    sync.Mutex
	calls int
	byKey map[string]model.CertificateRequest
	ids   map[string]string
}

func (c *certificateService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls == 1 {
		http.Error(w, "warming up", http.StatusServiceUnavailable)
		return
	}
	var cr model.CertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	id, ok := c.ids[key]
	if !ok {
		id = fmt.Sprintf("cert-%d", len(c.ids)+1)
		c.ids[key] = id
		c.byKey[key] = cr
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = fmt.Fprintf(w, `{"data":{"id":%q}}`, id)
}

func (c *certificateService) issued() map[string]model.CertificateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.CertificateRequest, len(c.byKey))
	for k, v := range c.byKey {
		out[k] = v
	}
	return out
}

type env struct {
	t     *testing.T
	url   string
	priv  ed25519.PrivateKey
	store storage.Store
	relay *outbox.Relay
}

func setup(t *testing.T, certs *certificateService) *env {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	ids := identityServer(t, map[string]identity.Account{
		"b@x.com": {ID: "user-b", Email: "b@x.com", Name: "B"},
	})
	keys := jwksServer(t, pub)
	certSrv := httptest.NewServer(certs)
	t.Cleanup(certSrv.Close)

	relay := outbox.New(outbox.Options{
		Store:      store,
		Issuer:     certificate.New(certSrv.URL),
		Dispatcher: notify.LogDispatcher{Logger: logger},
		Config:     outbox.Config{MaxAttempts: 3},
		Logger:     logger,
	})
	svc := editorial.New(editorial.Options{
		Store:     store,
		Gate:      access.NewGate(nil),
		Directory: identity.New(ids.URL),
		Waker:     relay,
		Logger:    logger,
	})
	mux, err := server.NewMux(server.Deps{
		Service:     svc,
		Ready:       store,
		Tokens:      jwks.NewClient(keys.URL),
		JWTIssuer:   issuer,
		JWTAudience: audience,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("NewMux() error = %v", err)
	}
	api := httptest.NewServer(mux)
	t.Cleanup(api.Close)
	return &env{t: t, url: api.URL, priv: priv, store: store, relay: relay}
}

func (e *env) token(sub, email, role, kid string) string {
	e.t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss":   issuer,
		"aud":   audience,
		"sub":   sub,
		"email": email,
		"role":  role,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(e.priv)
	if err != nil {
		e.t.Fatalf("failed to sign JWT: %v", err)
	}
	return signed
}

type response struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (e *env) call(method, path, token string, body any, out any) (int, string) {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, e.url+path, rd)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	if r.Error != nil {
		return resp.StatusCode, r.Error.Code
	}
	if out != nil {
		if err := json.Unmarshal(r.Data, out); err != nil {
			e.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode, ""
}

// drain runs relay passes until the outbox is empty.
func (e *env) drain() {
	e.t.Helper()
	ctx := context.Background()
	for range 3 {
		if _, err := e.relay.DeliverPending(ctx); err != nil {
			e.t.Fatalf("relay pass: %v", err)
		}
		left, err := e.store.ListOutbox(ctx, 0)
		if err != nil {
			e.t.Fatal(err)
		}
		if len(left) == 0 {
			return
		}
	}
	e.t.Fatal("outbox not drained after three passes")
}

// TestJWKSValidation tests tokens verified against keys fetched over HTTP.
func TestJWKSValidation(t *testing.T) {
	e := setup(t, &certificateService{byKey: map[string]model.CertificateRequest{}, ids: map[string]string{}})

	status, _ := e.call(http.MethodGet, "/v1/reviewer/dashboard", e.token("r1", "r1@x.com", "REVIEWER", keyID), nil, nil)
	if status != http.StatusOK {
		t.Errorf("valid token = %d, want 200", status)
	}

	status, code := e.call(http.MethodGet, "/v1/reviewer/dashboard", e.token("r1", "r1@x.com", "REVIEWER", "rotated-away"), nil, nil)
	if status != http.StatusUnauthorized || code != "EDT_JWT_INVALID" {
		t.Errorf("unknown kid = %d %s, want 401 EDT_JWT_INVALID", status, code)
	}

	// Same kid, foreign key.
	_, other, _ := ed25519.GenerateKey(rand.Reader)
	forged := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss": issuer, "aud": audience, "sub": "r1", "exp": time.Now().Add(time.Hour).Unix(),
	})
	forged.Header["kid"] = keyID
	signed, err := forged.SignedString(other)
	if err != nil {
		t.Fatal(err)
	}
	status, code = e.call(http.MethodGet, "/v1/reviewer/dashboard", signed, nil, nil)
	if status != http.StatusUnauthorized || code != "EDT_JWT_INVALID" {
		t.Errorf("forged signature = %d %s, want 401 EDT_JWT_INVALID", status, code)
	}
}

// TestCoAuthorResolutionAndCertificates tests directory lookups at submission,
// claim-on-append and certificate issuance through a flaky issuer.
func TestCoAuthorResolutionAndCertificates(t *testing.T) {
	certs := &certificateService{byKey: map[string]model.CertificateRequest{}, ids: map[string]string{}}
	e := setup(t, certs)
	author := e.token("user-a", "a@x.com", "AUTHOR", keyID)
	editor := e.token("user-e", "e@x.com", "EDITOR", keyID)

	var ms model.Manuscript
	status, code := e.call(http.MethodPost, "/v1/manuscripts", author, map[string]any{
		"journalId": "j-1",
		"title":     "Federated Ledgers",
		"coAuthors": []map[string]string{
			{"name": "B", "email": "B@x.com"},
			{"name": "C", "email": "c@x.com"},
			{"name": "D", "email": "down@x.com"},
		},
	}, &ms)
	if status != http.StatusCreated {
		t.Fatalf("submit = %d %s", status, code)
	}
	claimed := map[string]string{}
	for _, a := range ms.Authors {
		claimed[a.Email] = a.UserID
	}
	want := map[string]string{"a@x.com": "user-a", "b@x.com": "user-b", "c@x.com": "", "down@x.com": ""}
	for email, id := range want {
		if got, ok := claimed[email]; !ok || got != id {
			t.Errorf("author %s bound to %q, want %q", email, got, id)
		}
	}

	// The resolved co-author may revise before review starts.
	coAuthor := e.token("user-b", "b@x.com", "AUTHOR", keyID)
	if status, code := e.call(http.MethodPost, "/v1/manuscripts/"+ms.ID+"/versions", coAuthor, map[string]any{
		"fileRef": "s3://manuscripts/fl/v2.pdf", "changelog": "Typos",
	}, nil); status != http.StatusCreated {
		t.Fatalf("co-author append = %d %s", status, code)
	}

	// An unclaimed seat matches by email on reads and is bound by the first
	// version it uploads.
	late := e.token("user-c", "C@X.com", "AUTHOR", keyID)
	if status, code := e.call(http.MethodGet, "/v1/manuscripts/"+ms.ID, late, nil, nil); status != http.StatusOK {
		t.Fatalf("email-matched read = %d %s", status, code)
	}
	seat := func() string {
		var m model.Manuscript
		e.call(http.MethodGet, "/v1/manuscripts/"+ms.ID, editor, nil, &m)
		for _, a := range m.Authors {
			if a.Email == "c@x.com" {
				return a.UserID
			}
		}
		return "missing"
	}
	if got := seat(); got != "" {
		t.Errorf("c@x.com bound to %q by a read", got)
	}
	if status, code := e.call(http.MethodPost, "/v1/manuscripts/"+ms.ID+"/versions", late, map[string]any{
		"fileRef": "s3://manuscripts/fl/v3.pdf",
	}, nil); status != http.StatusCreated {
		t.Fatalf("claiming append = %d %s", status, code)
	}
	if got := seat(); got != "user-c" {
		t.Errorf("c@x.com bound to %q after claim", got)
	}
	// A second account with the same address finds the seat taken.
	impostor := e.token("user-c2", "c@x.com", "AUTHOR", keyID)
	if status, code := e.call(http.MethodGet, "/v1/manuscripts/"+ms.ID, impostor, nil, nil); status != http.StatusForbidden {
		t.Errorf("second claimant = %d %s, want 403", status, code)
	}

	var a model.ReviewAssignment
	if status, code := e.call(http.MethodPost, "/v1/manuscripts/"+ms.ID+"/assignments", editor, map[string]any{
		"reviewerId": "user-r", "reviewerEmail": "r@x.com",
	}, &a); status != http.StatusCreated {
		t.Fatalf("assign = %d %s", status, code)
	}
	reviewer := e.token("user-r", "r@x.com", "REVIEWER", keyID)
	if status, code := e.call(http.MethodPost, "/v1/assignments/"+a.ID+"/review", reviewer, map[string]any{
		"rating": 5, "commentsToEditor": "Strong.", "recommendation": "ACCEPT",
	}, nil); status != http.StatusCreated {
		t.Fatalf("review = %d %s", status, code)
	}
	for _, to := range []string{"ACCEPTED", "PUBLISHED"} {
		if status, code := e.call(http.MethodPost, "/v1/manuscripts/"+ms.ID+"/status", editor, map[string]any{"to": to}, nil); status != http.StatusOK {
			t.Fatalf("transition to %s = %d %s", to, status, code)
		}
	}
	e.drain()

	issued := certs.issued()
	var authorCerts, reviewerCerts int
	for key, cr := range issued {
		if !strings.Contains(key, ":") {
			t.Errorf("idempotency key %q lacks an effect index", key)
		}
		switch cr.Type {
		case model.CertificateAuthor:
			authorCerts++
		case model.CertificateReviewer:
			reviewerCerts++
			if cr.RecipientUserID != "user-r" {
				t.Errorf("reviewer certificate for %q", cr.RecipientUserID)
			}
		}
	}
	if authorCerts != 4 || reviewerCerts != 1 {
		t.Errorf("issued %d author and %d reviewer certificates, want 4 and 1", authorCerts, reviewerCerts)
	}
}
