package certificate

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueSendsIdempotencyKey(t *testing.T) {
	var got model.CertificateRequest
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/certificates", r.URL.Path)
		key = r.Header.Get("Idempotency-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"cert-9"}}`))
	}))
	defer srv.Close()

	id, err := New(srv.URL+"/").Issue(context.Background(), model.CertificateRequest{
		RecipientUserID: "user-a",
		Type:            model.CertificateAuthor,
		Title:           "Published author",
		ManuscriptID:    "m-1",
		IdempotencyKey:  "01HZ:0",
	})
	require.NoError(t, err)
	assert.Equal(t, "cert-9", id)
	assert.Equal(t, "01HZ:0", key)
	assert.Equal(t, model.CertificateAuthor, got.Type)
	assert.Equal(t, "m-1", got.ManuscriptID)
}

func TestIssueFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		},
		"missing id": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":{}}`))
		},
		"bad body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			_, err := New(srv.URL).Issue(context.Background(), model.CertificateRequest{IdempotencyKey: "k"})
			assert.Error(t, err)
		})
	}
}

func TestLogIssuer(t *testing.T) {
	l := LogIssuer{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	id, err := l.Issue(context.Background(), model.CertificateRequest{IdempotencyKey: "k:1"})
	require.NoError(t, err)
	assert.Equal(t, "unissued:k:1", id)
}
