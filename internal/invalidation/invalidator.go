// Package invalidation turns metadata change notifications into cache version
// bumps and path cache evictions.
package invalidation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cacheversion"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/resolver"
)

// Invalidator reacts to metadata changes. Path evictions are best effort; a version
// bump that did not land is returned so the signal can be retried.
type Invalidator struct {
	versions *cacheversion.Registry
	paths    *resolver.PathCache
	log      *slog.Logger
}

// New creates an Invalidator.
func New(versions *cacheversion.Registry, paths *resolver.PathCache, log *slog.Logger) *Invalidator {
	if log == nil {
		log = slog.Default()
	}
	return &Invalidator{versions: versions, paths: paths, log: log.With("component", "invalidation")}
}

// OnAssetChanged handles a saved asset. Visibility, password, ownership or file
// changes all land here, so every permission entry keyed on the old version and
// every cached path of the asset stop being used.
func (i *Invalidator) OnAssetChanged(ctx context.Context, assetID int64) error {
	v, err := i.bumpAsset(ctx, assetID)
	i.log.InfoContext(ctx, "asset changed", "asset_id", assetID, "version", v, "paths_invalidated", i.paths.InvalidateAsset(ctx, assetID))
	return err
}

// OnAssetDeleted handles a deleted asset.
func (i *Invalidator) OnAssetDeleted(ctx context.Context, assetID int64) error {
	v, err := i.bumpAsset(ctx, assetID)
	i.log.InfoContext(ctx, "asset deleted", "asset_id", assetID, "version", v, "paths_invalidated", i.paths.InvalidateAsset(ctx, assetID))
	return err
}

func (i *Invalidator) bumpAsset(ctx context.Context, assetID int64) (int64, error) {
	v, mediaErr := i.versions.Bump(ctx, cacheversion.ScopeMedia, cacheversion.MediaID(assetID))
	_, listErr := i.versions.Bump(ctx, cacheversion.ScopeMediaList, cacheversion.AllID)
	return v, errors.Join(mediaErr, listErr)
}

// OnListAffectingChange handles changes that alter list membership or ordering
// without touching a single asset's access (categories, tags, featured flags).
func (i *Invalidator) OnListAffectingChange(ctx context.Context) error {
	v, err := i.versions.Bump(ctx, cacheversion.ScopeMediaList, cacheversion.AllID)
	if err != nil {
		return err
	}
	i.log.InfoContext(ctx, "media lists changed", "version", v)
	return nil
}

// OnPlaylistChanged handles a playlist edit.
func (i *Invalidator) OnPlaylistChanged(ctx context.Context, token string) error {
	v, err := i.versions.Bump(ctx, cacheversion.ScopePlaylist, token)
	if err != nil {
		return err
	}
	i.log.InfoContext(ctx, "playlist changed", "playlist", token, "version", v)
	return nil
}
