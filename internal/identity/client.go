// internal/identity/client.go
// Package identity provides a client for the account directory.
// The editorial service uses it once per co-author, at authorship creation,
// to bind an email address to an existing account.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client for the identity directory.
type Client struct {
	base string       // Base URL of the identity service
	hc   *http.Client // HTTP client with custom configuration
}

// Account represents a directory entry.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ErrNotFound is returned when no account uses the email.
var ErrNotFound = errors.New("account not found")

// New creates a new identity client with the specified base URL.
// It configures appropriate timeouts for directory requests.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// LookupByEmail resolves the account registered under email.
// Returns ErrNotFound when the directory has no such account.
func (c *Client) LookupByEmail(ctx context.Context, email string) (Account, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return Account{}, fmt.Errorf("invalid identity base url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/users/lookup"
	q := u.Query()
	q.Set("email", email)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Account{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return Account{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var acc Account
		if err := json.NewDecoder(resp.Body).Decode(&acc); err != nil {
			return Account{}, err
		}
		if acc.ID == "" {
			return Account{}, ErrNotFound
		}
		return acc, nil
	case http.StatusNotFound:
		return Account{}, ErrNotFound
	default:
		return Account{}, fmt.Errorf("identity lookup failed: %s", resp.Status)
	}
}

// Static is an in-process directory keyed by lowercase email. It backs
// development setups without an identity service.
type Static map[string]Account

// LookupByEmail implements the same contract as Client.
func (s Static) LookupByEmail(_ context.Context, email string) (Account, error) {
	acc, ok := s[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acc, nil
}
