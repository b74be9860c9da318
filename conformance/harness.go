// Package conformance boots the complete gateway in-process and checks its
// externally observable access-control properties over HTTP.
package conformance

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/authz"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cacheversion"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/delivery"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/invalidation"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/model"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/resolver"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/server"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/session"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/storage"
)

const (
	keyID    = "conformance"
	issuer   = "https://identity.conformance.test"
	audience = "securemedia"

	// XAccelPrefix is the internal location deliveries are redirected to.
	XAccelPrefix = "/internal/media/"
)

// Config holds configuration for the conformance harness.
type Config struct {
	// Backend is the cache backend; nil uses the in-process backend.
	Backend cache.Backend
	// MediaRoot is stripped from absolute stored paths.
	MediaRoot string
}

// Harness runs a gateway over an in-memory metadata store.
type Harness struct {
	server      *httptest.Server
	client      *http.Client
	store       *CountingStore
	resolver    *resolver.Resolver
	invalidator *invalidation.Invalidator
	cache       *cache.Store
	signer      ed25519.PrivateKey
}

// CountingStore is the harness metadata store. It counts the first lookup of
// every path class, so tests can assert that a request never reached the store.
type CountingStore struct {
	*storage.Memory
	lookups atomic.Int64
}

// Lookups returns the number of path lookups performed so far.
func (s *CountingStore) Lookups() int64 { return s.lookups.Load() }

func (s *CountingStore) FindAssetByOwnerFilename(ctx context.Context, owner, filename string) (*model.Asset, error) {
	s.lookups.Add(1)
	return s.Memory.FindAssetByOwnerFilename(ctx, owner, filename)
}

func (s *CountingStore) FindAssetByOwnerThumbnail(ctx context.Context, owner, path string) (*model.Asset, error) {
	s.lookups.Add(1)
	return s.Memory.FindAssetByOwnerThumbnail(ctx, owner, path)
}

func (s *CountingStore) FindSubtitle(ctx context.Context, q storage.SubtitleQuery) (*model.Subtitle, error) {
	s.lookups.Add(1)
	return s.Memory.FindSubtitle(ctx, q)
}

func (s *CountingStore) FindSubtitlesBySuffix(ctx context.Context, owner, suffix string, limit int) ([]model.Subtitle, error) {
	s.lookups.Add(1)
	return s.Memory.FindSubtitlesBySuffix(ctx, owner, suffix, limit)
}

func (s *CountingStore) FindEncoding(ctx context.Context, q storage.EncodingQuery) (*model.Encoding, error) {
	s.lookups.Add(1)
	return s.Memory.FindEncoding(ctx, q)
}

func (s *CountingStore) GetAssetByUID(ctx context.Context, uid string) (*model.Asset, error) {
	s.lookups.Add(1)
	return s.Memory.GetAssetByUID(ctx, uid)
}

// NewHarness creates and starts a harness.
func NewHarness(cfg Config) (*Harness, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	backend := cfg.Backend
	if backend == nil {
		backend = cache.NewMemoryBackend()
	}
	c := cache.NewStore(backend, cache.Options{})
	versions := cacheversion.NewRegistry(c, 0, nil, nil)
	paths := resolver.NewPathCache(c, 0, nil)
	store := &CountingStore{Memory: storage.NewMemory()}
	res := resolver.New(store, paths, resolver.Options{MediaRoot: cfg.MediaRoot})

	mux := server.NewMux(server.Deps{
		Resolver:  res,
		Authz:     authz.NewEngine(c, versions, authz.Options{}),
		Deliverer: delivery.NewXAccel(XAccelPrefix),
		Store:     store,
		Cache:     c,
		Verifier:  jwks.NewStaticClient(keyID, pub, issuer, audience),
		Markers:   session.New("conformance-session-secret", 0),
	})

	return &Harness{
		server: httptest.NewServer(mux),
		// redirects are answers under test, never followed
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store:       store,
		resolver:    res,
		invalidator: invalidation.New(versions, paths, nil),
		cache:       c,
		signer:      priv,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Store returns the metadata store behind the gateway.
func (h *Harness) Store() *CountingStore { return h.store }

// Resolver returns the gateway's resolver.
func (h *Harness) Resolver() *resolver.Resolver { return h.resolver }

// Invalidator returns the invalidation sink wired to the gateway's caches.
func (h *Harness) Invalidator() *invalidation.Invalidator { return h.invalidator }

// Token signs a bearer token for a user.
func (h *Harness) Token(userID, username string, roles ...string) (string, error) {
	claims := jwks.Claims{
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = keyID
	return tok.SignedString(h.signer)
}

// Get requests a path relative to the server root. An empty bearer is anonymous.
func (h *Harness) Get(path, bearer string, cookies ...*http.Cookie) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, h.server.URL+path, nil)
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	_ = h.cache.Close()
}
