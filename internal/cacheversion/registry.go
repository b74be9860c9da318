// Package cacheversion keeps monotonically increasing version counters per cache scope.
//
// Dependent cache keys embed the current version of the scopes they derive from, so a
// single bump makes every older entry unreachable without enumerating or deleting it.
package cacheversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/metrics"
)

// Scopes
const (
	ScopeMedia     = "media"      // one asset, id is the numeric asset id
	ScopePlaylist  = "playlist"   // one playlist, id is its friendly token
	ScopeMediaList = "media_list" // every list, search and related-media result
)

// ErrBumpFailed reports a version bump that did not land in the cache.
var ErrBumpFailed = errors.New("cache version bump failed")

// ErrVersionUnavailable reports a key that cannot be derived because the version
// it depends on could not be read.
var ErrVersionUnavailable = errors.New("cache version unavailable")

// AllID is the identifier of the single global media_list scope.
const AllID = "all"

const keyPrefix = "smg:cache_version"

// DefaultTTL outlives every dependent entry.
const DefaultTTL = 7 * 24 * time.Hour

// Registry reads and bumps versions.
type Registry struct {
	store   *cache.Store
	ttl     time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates a registry on store. ttl <= 0 uses DefaultTTL.
func NewRegistry(store *cache.Store, ttl time.Duration, log *slog.Logger, m *metrics.Metrics) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Registry{store: store, ttl: ttl, log: log.With("component", "cacheversion"), metrics: m}
}

// Key returns the storage key of a version counter.
func Key(scope, id string) string {
	return keyPrefix + ":" + scope + ":" + id
}

// MediaID formats a numeric asset id as a media scope identifier.
func MediaID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Current returns the version of scope:id, initializing it to 1 when absent.
// ok is false when the counter could not be read or created; callers must then
// neither read nor write entries that depend on the version.
func (r *Registry) Current(ctx context.Context, scope, id string) (version int64, ok bool) {
	key := Key(scope, id)
	if v, ok := r.store.GetInt(ctx, key); ok && v >= 1 {
		return v, true
	}
	if r.store.SetIntNX(ctx, key, 1, r.ttl) {
		return 1, true
	}
	// lost the race to a concurrent initializer or bump, or the write failed
	if v, ok := r.store.GetInt(ctx, key); ok && v >= 1 {
		return v, true
	}
	r.log.WarnContext(ctx, "cache version unavailable", "scope", scope, "id", id)
	return 0, false
}

// Bump advances the version of scope:id and returns the new value. The result is
// always at least 2, so it never matches the version readers assume for an absent
// counter. Every bump re-arms the counter's ttl.
func (r *Registry) Bump(ctx context.Context, scope, id string) (int64, error) {
	key := Key(scope, id)
	r.metrics.VersionBumpTotal.WithLabelValues(scope).Inc()

	if _, ok := r.store.GetInt(ctx, key); !ok {
		// an expired or never read counter restarts from 1 so the increment lands on 2
		r.store.SetIntNX(ctx, key, 1, r.ttl)
	}
	v, ok := r.store.Incr(ctx, key, r.ttl)
	if ok && v < 2 {
		// the counter vanished between the seed and the increment
		v, ok = r.store.Incr(ctx, key, r.ttl)
	}
	if !ok {
		r.log.WarnContext(ctx, "failed to bump cache version", "scope", scope, "id", id)
		return 0, fmt.Errorf("%w: %s:%s", ErrBumpFailed, scope, id)
	}
	r.log.DebugContext(ctx, "bumped cache version", "scope", scope, "id", id, "version", v)
	return v, nil
}
