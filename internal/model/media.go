// internal/model/media.go
// Package model defines the data structures shared by the gateway components.
// These structures mirror the metadata store rows the gateway reads: media assets,
// their encoded renditions and subtitle tracks, plus the caller being authorized.
package model

import (
	"strings"
)

// State is the visibility state of a media asset.
type State string

const (
	StatePublic     State = "public"     // Anyone may fetch
	StateUnlisted   State = "unlisted"   // Anyone with the link may fetch
	StateRestricted State = "restricted" // Password protected
	StatePrivate    State = "private"    // Owner and elevated roles only
)

// Asset represents a media asset as stored in the metadata store.
// File fields hold paths relative to the media root; legacy rows may hold absolute paths.
// This corresponds to the media table in storage.
type Asset struct {
	ID                int64  `json:"id" db:"id"`                                // Numeric identifier
	FriendlyToken     string `json:"friendlyToken" db:"friendly_token"`         // Public short token
	UID               string `json:"uid" db:"uid"`                              // Hex UID used by HLS paths
	OwnerID           string `json:"ownerId" db:"owner_id"`                     // Owning user id
	OwnerUsername     string `json:"ownerUsername" db:"owner_username"`         // Owning username, used in path segments
	State             State  `json:"state" db:"state"`                          // Visibility state
	Password          string `json:"-" db:"password"`                           // Plaintext password for restricted assets
	MediaFile         string `json:"mediaFile" db:"media_file"`                 // Original upload path
	Filename          string `json:"filename" db:"filename"`                    // Cached base name of MediaFile
	Thumbnail         string `json:"thumbnail" db:"thumbnail"`                  // Generated thumbnail path
	Poster            string `json:"poster" db:"poster"`                        // Generated poster path
	UploadedThumbnail string `json:"uploadedThumbnail" db:"uploaded_thumbnail"` // User supplied thumbnail path
	UploadedPoster    string `json:"uploadedPoster" db:"uploaded_poster"`       // User supplied poster path
	Sprites           string `json:"sprites" db:"sprites"`                      // Sprite sheet path
}

// ThumbnailPaths returns the non-empty thumbnail-class file paths of the asset.
func (a *Asset) ThumbnailPaths() []string {
	paths := make([]string, 0, 5)
	for _, p := range []string{a.Thumbnail, a.Poster, a.UploadedThumbnail, a.UploadedPoster, a.Sprites} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Encoding is a transcoded rendition of an asset (including animated GIF previews).
// This corresponds to the encodings table in storage.
type Encoding struct {
	ID        int64  `json:"id" db:"id"`                // Numeric identifier
	MediaID   int64  `json:"mediaId" db:"media_id"`     // Owning asset
	ProfileID int    `json:"profileId" db:"profile_id"` // Encoding profile
	MediaFile string `json:"mediaFile" db:"media_file"` // Rendition path
	Filename  string `json:"filename" db:"filename"`    // Cached base name of MediaFile
	Media     *Asset `json:"-" db:"-"`                  // Owning asset, loaded with the encoding
}

// Subtitle is a subtitle track attached to an asset.
// This corresponds to the subtitles table in storage.
type Subtitle struct {
	ID           int64  `json:"id" db:"id"`
	MediaID      int64  `json:"mediaId" db:"media_id"`
	SubtitleFile string `json:"subtitleFile" db:"subtitle_file"`
	Media        *Asset `json:"-" db:"-"`
}

// AnonymousID is the caller id used in cache keys for unauthenticated callers.
const AnonymousID = "anonymous"

// Caller identifies who is asking for a file.
type Caller struct {
	ID       string   // User id; empty when anonymous
	Username string   // Username, informational
	Roles    []string // Roles asserted by the bearer token
}

// Anonymous reports whether the caller is unauthenticated.
func (c Caller) Anonymous() bool {
	return c.ID == ""
}

// CacheID returns the identifier used in per-caller cache keys.
func (c Caller) CacheID() string {
	if c.Anonymous() {
		return AnonymousID
	}
	return c.ID
}

// HasRole reports whether the caller carries one of the given roles.
func (c Caller) HasRole(roles ...string) bool {
	for _, have := range c.Roles {
		for _, want := range roles {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}
