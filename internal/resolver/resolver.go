// Package resolver maps a requested media path to the asset that governs access to it.
//
// Paths are dispatched on their prefix to a resolver for that path class. Each class
// tries progressively looser metadata lookups and, where a loose lookup could pick
// the wrong asset, keeps a candidate only if it provably owns the exact path.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/model"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/telemetry"
)

var (
	// ErrNotResolved means no asset provably owns the path.
	ErrNotResolved = errors.New("path not resolved")
	// ErrLookup means a metadata lookup failed; resolution was abandoned.
	ErrLookup = errors.New("metadata lookup failed")
)

// maxSuffixCandidates caps how many suffix matches are examined.
const maxSuffixCandidates = 10

// Path prefixes of the media-associated classes.
const (
	PrefixThumbnails = "original/thumbnails/user/"
	PrefixSubtitles  = "original/subtitles/user/"
	PrefixOriginal   = "original/user/"
	PrefixEncoded    = "encoded/"
	PrefixHLS        = "hls/"
)

// Resolution is a resolved path.
type Resolution struct {
	Asset        *model.Asset
	OverridePath string // when set, serve this stored path instead of the requested one
	Route        string // dispatch route that handled the path
	FromCache    bool
}

// ServingPath is the path whose bytes should be delivered.
func (r *Resolution) ServingPath(requested string) string {
	if r.OverridePath != "" {
		return r.OverridePath
	}
	return requested
}

type route struct {
	name string
	// match reports whether the route handles the path
	match func(p string) bool
	// verifyOnHit reports whether a cached binding must be re-proven before use
	verifyOnHit func(p string) bool
	resolve     func(ctx context.Context, p string, segs []string) (*Resolution, error)
}

// Options configure a Resolver.
type Options struct {
	MediaRoot string // stripped from absolute stored paths before comparison
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Resolver resolves paths against the metadata store, memoized by a PathCache.
type Resolver struct {
	store     storage.Store
	paths     *PathCache
	mediaRoot string
	log       *slog.Logger
	metrics   *metrics.Metrics
	routes    []route
}

// New creates a Resolver.
func New(store storage.Store, paths *PathCache, opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	r := &Resolver{
		store:     store,
		paths:     paths,
		mediaRoot: strings.TrimSuffix(opts.MediaRoot, "/"),
		log:       opts.Logger.With("component", "resolver"),
		metrics:   opts.Metrics,
	}

	always := func(string) bool { return true }
	never := func(string) bool { return false }

	// Order matters: the more specific original/ classes come first.
	r.routes = []route{
		{name: "thumbnail", match: prefix(PrefixThumbnails), verifyOnHit: always, resolve: r.resolveThumbnail},
		{name: "subtitle", match: prefix(PrefixSubtitles), verifyOnHit: always, resolve: r.resolveSubtitle},
		{name: "original", match: prefix(PrefixOriginal), verifyOnHit: never, resolve: r.resolveOriginal},
		{name: "encoded", match: prefix(PrefixEncoded), verifyOnHit: IsEncodedGIF, resolve: r.resolveEncoded},
		{name: "hls", match: prefix(PrefixHLS), verifyOnHit: never, resolve: r.resolveHLS},
	}
	return r
}

func prefix(p string) func(string) bool {
	return func(s string) bool { return strings.HasPrefix(s, p) }
}

// IsEncodedGIF reports whether p is an animated preview rendition.
func IsEncodedGIF(p string) bool {
	return strings.HasPrefix(p, PrefixEncoded) && strings.HasSuffix(strings.ToLower(p), ".gif")
}

// IsMediaAssociated reports whether p is a thumbnail, preview GIF or subtitle
// belonging to a specific asset. Such files are never served without authorization.
func IsMediaAssociated(p string) bool {
	return strings.HasPrefix(p, PrefixThumbnails) || strings.HasPrefix(p, PrefixSubtitles) || IsEncodedGIF(p)
}

// Resolve maps a validated relative path to its governing asset.
func (r *Resolver) Resolve(ctx context.Context, p string) (*Resolution, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Resolve")
	defer span.End()

	var rt *route
	for i := range r.routes {
		if r.routes[i].match(p) {
			rt = &r.routes[i]
			break
		}
	}
	if rt == nil {
		r.metrics.ResolutionTotal.WithLabelValues("none", "not_found").Inc()
		return nil, ErrNotResolved
	}
	span.SetAttributes(attribute.String("route", rt.name))

	if res, err := r.fromCache(ctx, rt, p); err != nil || res != nil {
		if err != nil {
			r.fail(span, rt.name, err)
			return nil, err
		}
		r.metrics.ResolutionTotal.WithLabelValues(rt.name, "cache_hit").Inc()
		span.SetAttributes(attribute.Bool("cache_hit", true), attribute.Int64("asset_id", res.Asset.ID))
		return res, nil
	}

	res, err := rt.resolve(ctx, p, strings.Split(p, "/"))
	if err != nil {
		r.fail(span, rt.name, err)
		return nil, err
	}
	res.Route = rt.name
	r.paths.Remember(ctx, p, Entry{AssetID: res.Asset.ID, Override: res.OverridePath})
	r.metrics.ResolutionTotal.WithLabelValues(rt.name, "resolved").Inc()
	span.SetAttributes(attribute.Int64("asset_id", res.Asset.ID))
	return res, nil
}

func (r *Resolver) fail(span trace.Span, routeName string, err error) {
	outcome := "not_found"
	if errors.Is(err, ErrLookup) {
		outcome = "error"
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.ResolutionTotal.WithLabelValues(routeName, outcome).Inc()
}

// fromCache returns a still-valid cached resolution, nil when there is none.
func (r *Resolver) fromCache(ctx context.Context, rt *route, p string) (*Resolution, error) {
	e, ok := r.paths.Lookup(ctx, p)
	if !ok {
		return nil, nil
	}

	a, err := r.store.GetAsset(ctx, e.AssetID)
	if errors.Is(err, storage.ErrNotFound) {
		r.log.DebugContext(ctx, "cached path points at a deleted asset", "path", p, "asset_id", e.AssetID)
		r.paths.Forget(ctx, p)
		r.metrics.ResolutionTotal.WithLabelValues(rt.name, "stale").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, lookupErr("load cached asset", err)
	}

	if rt.verifyOnHit(p) {
		owns, err := r.owns(ctx, a, p)
		if err != nil {
			return nil, err
		}
		if !owns {
			r.log.WarnContext(ctx, "stale path cache: asset no longer owns path", "path", p, "asset", a.FriendlyToken)
			r.paths.Forget(ctx, p)
			r.metrics.ResolutionTotal.WithLabelValues(rt.name, "stale").Inc()
			return nil, nil
		}
	}
	return &Resolution{Asset: a, OverridePath: e.Override, Route: rt.name, FromCache: true}, nil
}

func lookupErr(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLookup, step, err)
}

// found separates "matched" from "no match" from "lookup failed".
func found(step string, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, lookupErr(step, err)
	}
}

// relative maps a stored path to the relative form requests use.
func (r *Resolver) relative(stored string) string {
	if r.mediaRoot != "" && strings.HasPrefix(stored, r.mediaRoot+"/") {
		return stored[len(r.mediaRoot)+1:]
	}
	return stored
}

// owns reports whether asset a provably owns exactly path p.
func (r *Resolver) owns(ctx context.Context, a *model.Asset, p string) (bool, error) {
	for _, stored := range a.ThumbnailPaths() {
		if r.relative(stored) == p {
			return true, nil
		}
	}

	switch {
	case IsEncodedGIF(p):
		encodings, err := r.store.ListEncodings(ctx, a.ID)
		if err != nil {
			return false, lookupErr("list encodings", err)
		}
		for _, e := range encodings {
			if e.MediaFile != "" && r.relative(e.MediaFile) == p {
				return true, nil
			}
		}
	case strings.HasPrefix(p, PrefixSubtitles):
		subtitles, err := r.store.ListSubtitles(ctx, a.ID)
		if err != nil {
			return false, lookupErr("list subtitles", err)
		}
		for _, s := range subtitles {
			if s.SubtitleFile != "" && r.relative(s.SubtitleFile) == p {
				return true, nil
			}
		}
	}
	return false, nil
}

// original/user/{user}/{file}
func (r *Resolver) resolveOriginal(ctx context.Context, p string, segs []string) (*Resolution, error) {
	if len(segs) != 4 || segs[2] == "" || segs[3] == "" {
		return nil, ErrNotResolved
	}
	user, file := segs[2], segs[3]

	a, err := r.store.FindAssetByOwnerFilename(ctx, user, file)
	if ok, err := found("find asset by owner filename", err); err != nil || ok {
		return &Resolution{Asset: a}, err
	}

	a, err = r.store.FindAssetByOwnerPathSuffix(ctx, user, "/"+file)
	if ok, err := found("find asset by owner path suffix", err); err != nil {
		return nil, err
	} else if ok {
		if a.Filename == "" {
			r.backfillAsset(ctx, a, file)
		}
		return &Resolution{Asset: a}, nil
	}

	// The owner segment may name a previous owner after a transfer.
	a, err = r.store.FindAssetByFilename(ctx, file)
	if ok, err := found("find asset by filename", err); err != nil || !ok {
		if err != nil {
			return nil, err
		}
		return nil, ErrNotResolved
	}
	if a.MediaFile == "" {
		r.log.ErrorContext(ctx, "transferred asset has no media file", "asset", a.FriendlyToken)
		return nil, ErrNotResolved
	}
	actual := r.relative(a.MediaFile)
	r.log.InfoContext(ctx, "resolved via ownership transfer", "path_owner", user, "current_owner", a.OwnerUsername,
		"asset", a.FriendlyToken, "serving_path", actual)
	return &Resolution{Asset: a, OverridePath: actual}, nil
}

func (r *Resolver) backfillAsset(ctx context.Context, a *model.Asset, file string) {
	if err := r.store.SetAssetFilename(ctx, a.ID, file); err != nil {
		r.log.WarnContext(ctx, "failed to backfill asset filename", "asset", a.FriendlyToken, "error", err)
		return
	}
	a.Filename = file
	r.log.InfoContext(ctx, "backfilled asset filename", "asset", a.FriendlyToken, "filename", file)
}

// original/thumbnails/user/{user}/{file}
func (r *Resolver) resolveThumbnail(ctx context.Context, p string, segs []string) (*Resolution, error) {
	if len(segs) != 5 || segs[3] == "" || segs[4] == "" {
		return nil, ErrNotResolved
	}
	user, file := segs[3], segs[4]

	a, err := r.store.FindAssetByOwnerThumbnail(ctx, user, p)
	if ok, err := found("find asset by owner thumbnail", err); err != nil || ok {
		return &Resolution{Asset: a}, err
	}

	candidates, total, err := r.store.FindAssetsByThumbnailSuffix(ctx, "/"+file, maxSuffixCandidates)
	if err != nil {
		return nil, lookupErr("find assets by thumbnail suffix", err)
	}
	if total > 1 {
		tokens := make([]string, 0, 5)
		for i := 0; i < len(candidates) && i < 5; i++ {
			tokens = append(tokens, candidates[i].FriendlyToken)
		}
		r.log.WarnContext(ctx, "thumbnail filename collision", "filename", file, "matches", total, "tokens", tokens)
	}

	var transfer *model.Asset
	for i := range candidates {
		c := &candidates[i]
		owns, err := r.owns(ctx, c, p)
		if err != nil {
			return nil, err
		}
		if !owns {
			continue
		}
		if c.OwnerUsername == user {
			return &Resolution{Asset: c}, nil
		}
		if transfer == nil {
			transfer = c
		}
	}
	if transfer != nil {
		r.log.InfoContext(ctx, "thumbnail resolved via ownership transfer", "asset", transfer.FriendlyToken, "path_owner", user)
		return &Resolution{Asset: transfer}, nil
	}

	if total > 0 {
		r.log.WarnContext(ctx, "no candidate owns thumbnail path, failing closed", "path", p, "matches", total)
	}
	return nil, ErrNotResolved
}

// original/subtitles/user/{user}/{file}
func (r *Resolver) resolveSubtitle(ctx context.Context, p string, segs []string) (*Resolution, error) {
	if len(segs) != 5 || segs[3] == "" || segs[4] == "" {
		return nil, ErrNotResolved
	}
	user, file := segs[3], segs[4]

	s, err := r.store.FindSubtitle(ctx, storage.SubtitleQuery{Owner: user, Path: p})
	if ok, err := found("find subtitle by owner path", err); err != nil {
		return nil, err
	} else if ok {
		return &Resolution{Asset: s.Media}, nil
	}

	// the owner's own files first, then any owner for transferred assets
	for _, owner := range []string{user, ""} {
		candidates, err := r.store.FindSubtitlesBySuffix(ctx, owner, "/"+file, maxSuffixCandidates)
		if err != nil {
			return nil, lookupErr("find subtitles by suffix", err)
		}
		for i := range candidates {
			c := &candidates[i]
			if r.relative(c.SubtitleFile) != p {
				continue
			}
			if owner == "" {
				r.log.InfoContext(ctx, "subtitle resolved via ownership transfer", "asset", c.Media.FriendlyToken, "path_owner", user)
			}
			return &Resolution{Asset: c.Media}, nil
		}
		if len(candidates) > 0 {
			r.log.WarnContext(ctx, "no subtitle suffix match owns path", "requested", p, "matches", len(candidates))
		}
	}
	return nil, ErrNotResolved
}

// encoded/{profile}/{user}/{file}
func (r *Resolver) resolveEncoded(ctx context.Context, p string, segs []string) (*Resolution, error) {
	if len(segs) != 4 || segs[2] == "" || segs[3] == "" {
		return nil, ErrNotResolved
	}
	user, file := segs[2], segs[3]
	var profile *int
	if n, err := strconv.Atoi(segs[1]); err == nil && n >= 0 && isDigits(segs[1]) {
		profile = &n
	}
	gif := IsEncodedGIF(p)

	// a preview GIF must come from the encoding stored at exactly this path
	accept := func(e *model.Encoding) bool {
		return !gif || r.relative(e.MediaFile) == p
	}

	e, err := r.store.FindEncoding(ctx, storage.EncodingQuery{Owner: user, ProfileID: profile, Filename: file})
	if ok, err := found("find encoding by owner filename", err); err != nil {
		return nil, err
	} else if ok && accept(e) {
		return &Resolution{Asset: e.Media}, nil
	}

	e, err = r.store.FindEncoding(ctx, storage.EncodingQuery{Owner: user, ProfileID: profile, PathSuffix: "/" + file})
	if ok, err := found("find encoding by owner path suffix", err); err != nil {
		return nil, err
	} else if ok && accept(e) {
		if e.Filename == "" {
			if err := r.store.SetEncodingFilename(ctx, e.ID, file); err != nil {
				r.log.WarnContext(ctx, "failed to backfill encoding filename", "encoding_id", e.ID, "error", err)
			} else {
				r.log.InfoContext(ctx, "backfilled encoding filename", "encoding_id", e.ID, "filename", file)
			}
		}
		return &Resolution{Asset: e.Media}, nil
	}

	e, err = r.store.FindEncoding(ctx, storage.EncodingQuery{ProfileID: profile, Filename: file})
	if ok, err := found("find encoding by filename", err); err != nil || !ok {
		if err != nil {
			return nil, err
		}
		return nil, ErrNotResolved
	}
	if e.MediaFile == "" {
		r.log.ErrorContext(ctx, "transferred encoding has no media file", "encoding_id", e.ID)
		return nil, ErrNotResolved
	}
	actual := r.relative(e.MediaFile)
	r.log.InfoContext(ctx, "encoding resolved via ownership transfer", "path_owner", user, "current_owner", e.Media.OwnerUsername,
		"asset", e.Media.FriendlyToken, "serving_path", actual)
	return &Resolution{Asset: e.Media, OverridePath: actual}, nil
}

// hls/{uid}/...
func (r *Resolver) resolveHLS(ctx context.Context, _ string, segs []string) (*Resolution, error) {
	if len(segs) < 3 || !ValidUID(segs[1]) {
		return nil, ErrNotResolved
	}
	a, err := r.store.GetAssetByUID(ctx, strings.ToLower(segs[1]))
	if ok, err := found("get asset by uid", err); err != nil || !ok {
		if err != nil {
			return nil, err
		}
		return nil, ErrNotResolved
	}
	return &Resolution{Asset: a}, nil
}

// ValidUID reports whether s is 8 to 64 hexadecimal characters.
func ValidUID(s string) bool {
	if len(s) < 8 || len(s) > 64 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
