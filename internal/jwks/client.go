// Package jwks verifies caller bearer tokens against the keys published by the
// identity service.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/model"
)

// keyTTL bounds how long a fetched key set is trusted.
const keyTTL = 5 * time.Minute

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// Claims carried by caller tokens.
type Claims struct {
	Username string   `json:"preferred_username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Client handles JWKS discovery, caching and token verification.
type Client struct {
	jwksURL    string
	issuer     string
	audience   string
	httpClient *http.Client
	cache      *jwksCache
	static     map[string]ed25519.PublicKey
}

// jwksCache stores cached JWKS with expiration
type jwksCache struct {
	jwks      *JWKS
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewClient creates a client that fetches keys from jwksURL and accepts tokens
// from issuer for audience.
func NewClient(jwksURL, issuer, audience string) *Client {
	return &Client{
		jwksURL:  jwksURL,
		issuer:   issuer,
		audience: audience,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: &jwksCache{},
	}
}

// NewStaticClient creates a client that trusts a fixed key instead of fetching a key set.
func NewStaticClient(kid string, pub ed25519.PublicKey, issuer, audience string) *Client {
	return &Client{
		issuer:   issuer,
		audience: audience,
		static:   map[string]ed25519.PublicKey{kid: pub},
	}
}

// fetchJWKS fetches the JWKS from the identity service
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
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

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	return &jwks, nil
}

// getJWKS retrieves JWKS from cache or fetches fresh if needed
func (c *Client) getJWKS(ctx context.Context, refresh bool) (*JWKS, error) {
	if !refresh {
		c.cache.mutex.RLock()
		if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
			jwks := c.cache.jwks
			c.cache.mutex.RUnlock()
			return jwks, nil
		}
		c.cache.mutex.RUnlock()
	}

	c.cache.mutex.Lock()
	defer c.cache.mutex.Unlock()

	// Double-check after acquiring write lock
	if !refresh && c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		return c.cache.jwks, nil
	}

	jwks, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}

	c.cache.jwks = jwks
	c.cache.expiresAt = time.Now().Add(keyTTL)

	return jwks, nil
}

// getKey returns the Ed25519 key with the given kid. An unknown kid triggers one
// refetch so that rotated keys are picked up before the cache expires.
func (c *Client) getKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	if c.static != nil {
		if k, ok := c.static[kid]; ok {
			return k, nil
		}
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}

	for _, refresh := range []bool{false, true} {
		jwks, err := c.getJWKS(ctx, refresh)
		if err != nil {
			return nil, err
		}
		for _, key := range jwks.Keys {
			if key.Kid == kid {
				return decodeKey(key)
			}
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func decodeKey(jwk JWK) (ed25519.PublicKey, error) {
	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" || (jwk.Alg != "" && jwk.Alg != "EdDSA") {
		return nil, errors.New("unsupported key type or algorithm")
	}
	x, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(x) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key length")
	}
	return ed25519.PublicKey(x), nil
}

// Verify validates a bearer token and returns the caller it identifies.
func (c *Client) Verify(ctx context.Context, tokenString string) (model.Caller, error) {
	keyFunc := func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("missing or invalid kid in JWT header")
		}
		return c.getKey(ctx, kid)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return model.Caller{}, fmt.Errorf("failed to verify JWT: %w", err)
	}
	if claims.Subject == "" {
		return model.Caller{}, errors.New("missing subject")
	}
	return model.Caller{ID: claims.Subject, Username: claims.Username, Roles: claims.Roles}, nil
}
