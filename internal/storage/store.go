// internal/storage/store.go
// Package storage provides the read side of the media metadata store
// with in-memory and PostgreSQL implementations.
package storage

import (
	"context"
	"errors"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // The lookup ran and matched nothing
	ErrConflict = errors.New("conflict")  // A unique value already exists
)

// EncodingQuery selects an encoding. Exactly one of Filename or PathSuffix is set.
type EncodingQuery struct {
	Owner      string // owner username; empty matches any owner
	ProfileID  *int   // nil matches any profile
	Filename   string // exact match on the cached filename field
	PathSuffix string // suffix match on the stored media_file path
}

// SubtitleQuery selects a subtitle. Exactly one of Path or PathSuffix is set.
type SubtitleQuery struct {
	Owner      string // owner username; empty matches any owner
	Path       string // exact subtitle_file match
	PathSuffix string // suffix match on subtitle_file
}

// Store defines the metadata lookups the gateway performs.
// Every lookup returns ErrNotFound when nothing matches; any other error
// means the lookup itself failed. Single-row lookups that can match several
// rows return the lowest id, except subtitles which return the highest.
type Store interface {
	GetAsset(ctx context.Context, id int64) (*model.Asset, error)
	GetAssetByUID(ctx context.Context, uid string) (*model.Asset, error)

	FindAssetByOwnerFilename(ctx context.Context, owner, filename string) (*model.Asset, error)
	FindAssetByOwnerPathSuffix(ctx context.Context, owner, suffix string) (*model.Asset, error)
	FindAssetByFilename(ctx context.Context, filename string) (*model.Asset, error)

	// FindAssetByOwnerThumbnail matches path exactly against every thumbnail-class field.
	FindAssetByOwnerThumbnail(ctx context.Context, owner, path string) (*model.Asset, error)
	// FindAssetsByThumbnailSuffix returns up to limit assets, ordered by id, having any
	// thumbnail-class field ending in suffix, plus the total number of matches.
	FindAssetsByThumbnailSuffix(ctx context.Context, suffix string, limit int) ([]model.Asset, int, error)

	// SetAssetFilename fills the cached filename field.
	SetAssetFilename(ctx context.Context, id int64, filename string) error

	FindEncoding(ctx context.Context, q EncodingQuery) (*model.Encoding, error)
	ListEncodings(ctx context.Context, mediaID int64) ([]model.Encoding, error)
	SetEncodingFilename(ctx context.Context, id int64, filename string) error

	FindSubtitle(ctx context.Context, q SubtitleQuery) (*model.Subtitle, error)
	// FindSubtitlesBySuffix returns up to limit subtitles, newest first, whose file
	// ends in suffix; owner narrows the match when set. Each carries its asset.
	// An empty result is not an error.
	FindSubtitlesBySuffix(ctx context.Context, owner, suffix string, limit int) ([]model.Subtitle, error)
	ListSubtitles(ctx context.Context, mediaID int64) ([]model.Subtitle, error)

	Close()
}
