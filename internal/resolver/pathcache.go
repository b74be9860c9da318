package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cache"
)

const (
	forwardPrefix = "smg:media_path"
	reversePrefix = "smg:media_path_reverse"

	// DefaultPathTTL bounds how long a path stays bound to an asset without re-resolution.
	DefaultPathTTL = 5 * time.Minute
)

// Entry is a cached resolution of one requested path.
type Entry struct {
	AssetID  int64  `json:"id"`
	Override string `json:"override,omitempty"`
}

// PathCache maps requested paths to asset ids and keeps, per asset, the set of
// forward keys pointing at it so they can be dropped together.
type PathCache struct {
	store *cache.Store
	ttl   time.Duration
	log   *slog.Logger
}

// NewPathCache creates a PathCache. ttl <= 0 uses DefaultPathTTL.
func NewPathCache(store *cache.Store, ttl time.Duration, log *slog.Logger) *PathCache {
	if ttl <= 0 {
		ttl = DefaultPathTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &PathCache{store: store, ttl: ttl, log: log.With("component", "pathcache")}
}

// ForwardKey is the cache key of a requested path: the full SHA-256 of the path.
func ForwardKey(path string) string {
	sum := sha256.Sum256([]byte(path))
	return forwardPrefix + ":" + hex.EncodeToString(sum[:])
}

// ReverseKey is the key of the set of forward keys bound to an asset.
func ReverseKey(assetID int64) string {
	return reversePrefix + ":" + strconv.FormatInt(assetID, 10)
}

// Lookup returns the cached entry for path.
func (c *PathCache) Lookup(ctx context.Context, path string) (Entry, bool) {
	var e Entry
	if !c.store.GetJSON(ctx, ForwardKey(path), &e) || e.AssetID <= 0 {
		return Entry{}, false
	}
	return e, true
}

// Remember binds path to an asset and records the binding in the asset's reverse index.
func (c *PathCache) Remember(ctx context.Context, path string, e Entry) {
	key := ForwardKey(path)
	if !c.store.SetJSON(ctx, key, e, c.ttl) {
		return
	}
	c.store.AddToSet(ctx, ReverseKey(e.AssetID), key, c.ttl)
}

// Forget drops the binding of one path.
func (c *PathCache) Forget(ctx context.Context, path string) {
	c.store.Delete(ctx, ForwardKey(path))
}

// InvalidateAsset drops every path bound to assetID and the reverse index itself.
// It returns the number of forward keys removed.
func (c *PathCache) InvalidateAsset(ctx context.Context, assetID int64) int {
	rev := ReverseKey(assetID)
	keys := c.store.Members(ctx, rev)
	if len(keys) == 0 {
		c.log.DebugContext(ctx, "no cached paths for asset", "asset_id", assetID)
		return 0
	}
	deleted := 0
	for _, k := range keys {
		if c.store.Delete(ctx, k) {
			deleted++
		}
	}
	c.store.Delete(ctx, rev)
	c.log.InfoContext(ctx, "invalidated cached paths", "asset_id", assetID, "count", deleted)
	return deleted
}
