package cacheversion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const queryPrefix = "smg:query"

func userPart(userID string) string {
	if userID == "" {
		return "anon"
	}
	return userID
}

// MediaDetailKey is the key of a cached media-detail response for one viewer.
func (r *Registry) MediaDetailKey(ctx context.Context, assetID int64, userID string) (string, error) {
	v, ok := r.Current(ctx, ScopeMedia, MediaID(assetID))
	if !ok {
		return "", ErrVersionUnavailable
	}
	return fmt.Sprintf("%s:media_detail:%d:%s:v%d", queryPrefix, assetID, userPart(userID), v), nil
}

// PlaylistDetailKey is the key of a cached playlist-detail response for one viewer.
func (r *Registry) PlaylistDetailKey(ctx context.Context, token, userID string) (string, error) {
	v, ok := r.Current(ctx, ScopePlaylist, token)
	if !ok {
		return "", ErrVersionUnavailable
	}
	return fmt.Sprintf("%s:playlist_detail:%s:%s:v%d", queryPrefix, token, userPart(userID), v), nil
}

// ListQuery identifies one page of a media listing.
type ListQuery struct {
	Show     string // latest, featured, recommended
	Category string
	Tag      string
	Page     int
	UserID   string
}

// MediaListKey is the key of a cached listing page.
func (r *Registry) MediaListKey(ctx context.Context, q ListQuery) (string, error) {
	v, ok := r.Current(ctx, ScopeMediaList, AllID)
	if !ok {
		return "", ErrVersionUnavailable
	}
	show := q.Show
	if show == "" {
		show = "latest"
	}
	category, tag := q.Category, q.Tag
	if category == "" {
		category = "all"
	}
	if tag == "" {
		tag = "all"
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	return strings.Join([]string{
		queryPrefix, "media_list", show, category, tag,
		strconv.Itoa(page), userPart(q.UserID), "v" + strconv.FormatInt(v, 10),
	}, ":"), nil
}

// MediaSearchKey is the key of a cached search page. Parameter order does not matter.
func (r *Registry) MediaSearchKey(ctx context.Context, params map[string]string, page int) (string, error) {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	pairs := make([][2]string, 0, len(names))
	for _, k := range names {
		pairs = append(pairs, [2]string{k, params[k]})
	}
	raw, err := json.Marshal(pairs)
	if err != nil {
		return "", fmt.Errorf("encode search params: %w", err)
	}
	sum := sha256.Sum256(raw)
	v, ok := r.Current(ctx, ScopeMediaList, AllID)
	if !ok {
		return "", ErrVersionUnavailable
	}
	return fmt.Sprintf("%s:media_search:%s:p%d:v%d", queryPrefix, hex.EncodeToString(sum[:])[:16], page, v), nil
}

// RelatedMediaKey depends on both the asset and the global list version.
func (r *Registry) RelatedMediaKey(ctx context.Context, assetID int64, limit int) (string, error) {
	mv, ok := r.Current(ctx, ScopeMedia, MediaID(assetID))
	if !ok {
		return "", ErrVersionUnavailable
	}
	lv, ok := r.Current(ctx, ScopeMediaList, AllID)
	if !ok {
		return "", ErrVersionUnavailable
	}
	return fmt.Sprintf("%s:related_media:%d:%d:v%d_%d", queryPrefix, assetID, limit, mv, lv), nil
}
