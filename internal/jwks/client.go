// Package jwks validates EdDSA bearer tokens against a cached JSON Web Key Set
// and maps their claims onto workflow actors.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

const cacheTTL = 5 * time.Minute

// Validation failures, matched by the HTTP layer with errors.Is.
var (
	ErrMalformed       = errors.New("malformed token")
	ErrExpired         = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrUnknownKey      = errors.New("unknown signing key")
	ErrSignature       = errors.New("invalid signature")
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents an OKP Ed25519 JSON Web Key
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// PublicKey decodes the key, rejecting anything but Ed25519/EdDSA.
func (k JWK) PublicKey() (ed25519.PublicKey, error) {
	if k.Kty != "OKP" || k.Crv != "Ed25519" || (k.Alg != "" && k.Alg != "EdDSA") {
		return nil, fmt.Errorf("unsupported key type or algorithm for kid %s", k.Kid)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(x) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key for kid %s has %d bytes", k.Kid, len(x))
	}
	return ed25519.PublicKey(x), nil
}

// NewJWK encodes an Ed25519 public key as a JWK.
func NewJWK(kid string, pub ed25519.PublicKey) JWK {
	return JWK{Kty: "OKP", Kid: kid, Use: "sig", Alg: "EdDSA", Crv: "Ed25519", X: base64.RawURLEncoding.EncodeToString(pub)}
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client

	mutex     sync.RWMutex
	keys      map[string]ed25519.PublicKey
	expiresAt time.Time
	static    bool
}

// NewClient creates a JWKS client that fetches keys from jwksURL.
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL:    jwksURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewStaticClient creates a client with a fixed key set that is never refreshed.
func NewStaticClient(keys map[string]ed25519.PublicKey) *Client {
	return &Client{keys: keys, static: true}
}

func (c *Client) fetch(ctx context.Context) (map[string]ed25519.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}
	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	keys := make(map[string]ed25519.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		pub, err := k.PublicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// key returns the public key for kid. An unknown kid forces one refresh so
// rotated keys are picked up before the cache expires.
func (c *Client) key(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	c.mutex.RLock()
	pub, ok := c.keys[kid]
	fresh := c.static || time.Now().Before(c.expiresAt)
	c.mutex.RUnlock()
	if ok && fresh {
		return pub, nil
	}
	if c.static {
		return nil, fmt.Errorf("%w: kid %s", ErrUnknownKey, kid)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if pub, ok := c.keys[kid]; ok && time.Now().Before(c.expiresAt) {
		return pub, nil
	}
	keys, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.keys = keys
	c.expiresAt = time.Now().Add(cacheTTL)
	if pub, ok := keys[kid]; ok {
		return pub, nil
	}
	return nil, fmt.Errorf("%w: kid %s", ErrUnknownKey, kid)
}

// ValidateJWT verifies signature, issuer, audience and expiry.
func (c *Client) ValidateJWT(ctx context.Context, tokenString, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	var keyErr error
	keyFunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			keyErr = fmt.Errorf("%w: missing kid in JWT header", ErrMalformed)
			return nil, keyErr
		}
		pub, err := c.key(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		return pub, nil
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
	)
	if err == nil {
		return claims, nil
	}
	switch {
	case keyErr != nil:
		return nil, keyErr
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return nil, ErrInvalidIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, ErrInvalidAudience
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrSignature
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// ActorFromClaims maps sub, email and role onto an actor. A roles array is
// accepted when role is absent; its first entry wins.
func ActorFromClaims(claims jwt.MapClaims) model.Actor {
	a := model.Actor{}
	a.ID, _ = claims["sub"].(string)
	if email, ok := claims["email"].(string); ok {
		a.Email = strings.ToLower(strings.TrimSpace(email))
	}
	if role, ok := claims["role"].(string); ok {
		a.Role = role
	} else if roles, ok := claims["roles"].([]any); ok && len(roles) > 0 {
		a.Role, _ = roles[0].(string)
	}
	return a
}
