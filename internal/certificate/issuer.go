// Package certificate issues author and reviewer credentials through the
// external certificate service.
package certificate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
)

// Client calls POST {base}/v1/certificates.
type Client struct {
	base string
	hc   *http.Client
}

func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Transport: transport, Timeout: 10 * time.Second},
	}
}

type issueResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Issue requests one certificate. The request's idempotency key is sent as the
// Idempotency-Key header; the service returns the original certificate for a
// repeated key.
func (c *Client) Issue(ctx context.Context, cr model.CertificateRequest) (string, error) {
	body, err := json.Marshal(cr)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/certificates", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cr.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", cr.IdempotencyKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("certificate service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode certificate response: %w", err)
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("certificate service returned no id")
	}
	return out.Data.ID, nil
}

// LogIssuer records certificate requests in the log instead of issuing them.
// It is used when no certificate service is configured.
type LogIssuer struct {
	Logger *slog.Logger
}

func (l LogIssuer) Issue(ctx context.Context, cr model.CertificateRequest) (string, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "certificate issuer not configured, request logged",
		"type", cr.Type, "manuscript_id", cr.ManuscriptID,
		"recipient_user_id", cr.RecipientUserID, "idempotency_key", cr.IdempotencyKey)
	return "unissued:" + cr.IdempotencyKey, nil
}
