package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/model"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/storage"
)

// countingStore counts metadata lookups that reach the store.
type countingStore struct {
	*storage.Memory
	lookups atomic.Int64
	failing error
}

func (c *countingStore) FindAssetByOwnerFilename(ctx context.Context, owner, filename string) (*model.Asset, error) {
	c.lookups.Add(1)
	if c.failing != nil {
		return nil, c.failing
	}
	return c.Memory.FindAssetByOwnerFilename(ctx, owner, filename)
}

func (c *countingStore) FindAssetsByThumbnailSuffix(ctx context.Context, suffix string, limit int) ([]model.Asset, int, error) {
	c.lookups.Add(1)
	return c.Memory.FindAssetsByThumbnailSuffix(ctx, suffix, limit)
}

func newTestResolver(t *testing.T, mediaRoot string) (*Resolver, *countingStore, *PathCache) {
	t.Helper()
	b := cache.NewMemoryBackend()
	t.Cleanup(func() { _ = b.Close() })
	pc := NewPathCache(cache.NewStore(b, cache.Options{}), 0, nil)
	st := &countingStore{Memory: storage.NewMemory()}
	return New(st, pc, Options{MediaRoot: mediaRoot}), st, pc
}

func mustPutAsset(t *testing.T, st *countingStore, a model.Asset) int64 {
	t.Helper()
	id, err := st.PutAsset(a)
	if err != nil {
		t.Fatalf("PutAsset() error = %v", err)
	}
	return id
}

func TestResolveOriginalByOwnerFilename(t *testing.T) {
	r, st, _ := newTestResolver(t, "")
	id := mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "alice", Filename: "clip.mp4", MediaFile: "original/user/alice/clip.mp4"})

	res, err := r.Resolve(context.Background(), "original/user/alice/clip.mp4")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Asset.ID != id || res.OverridePath != "" || res.Route != "original" {
		t.Fatalf("Resolve() = %+v, want asset %d on route original without override", res, id)
	}
}

func TestResolveIsMemoized(t *testing.T) {
	r, st, _ := newTestResolver(t, "")
	mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "alice", Filename: "clip.mp4", MediaFile: "original/user/alice/clip.mp4"})
	ctx := context.Background()

	first, err := r.Resolve(ctx, "original/user/alice/clip.mp4")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	before := st.lookups.Load()
	second, err := r.Resolve(ctx, "original/user/alice/clip.mp4")
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if !second.FromCache {
		t.Errorf("second Resolve() was not served from cache")
	}
	if second.Asset.ID != first.Asset.ID {
		t.Errorf("second Resolve() asset = %d, want %d", second.Asset.ID, first.Asset.ID)
	}
	if got := st.lookups.Load(); got != before {
		t.Errorf("cached resolution performed %d lookups", got-before)
	}
}

func TestResolveOriginalBackfillsFilename(t *testing.T) {
	r, st, _ := newTestResolver(t, "")
	id := mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "alice", MediaFile: "original/user/alice/clip.mp4"})
	ctx := context.Background()

	res, err := r.Resolve(ctx, "original/user/alice/clip.mp4")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Asset.ID != id {
		t.Fatalf("Resolve() asset = %d, want %d", res.Asset.ID, id)
	}
	a, _ := st.GetAsset(ctx, id)
	if a.Filename != "clip.mp4" {
		t.Errorf("filename after backfill = %q, want clip.mp4", a.Filename)
	}
}

func TestResolveOriginalAfterTransferKeepsOverrideInCache(t *testing.T) {
	r, st, _ := newTestResolver(t, "/srv/media")
	id := mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "bob", Filename: "clip.mp4", MediaFile: "/srv/media/original/user/bob/clip.mp4"})
	ctx := context.Background()

	for i, wantCached := range []bool{false, true} {
		res, err := r.Resolve(ctx, "original/user/alice/clip.mp4")
		if err != nil {
			t.Fatalf("Resolve() #%d error = %v", i, err)
		}
		if res.Asset.ID != id {
			t.Errorf("Resolve() #%d asset = %d, want %d", i, res.Asset.ID, id)
		}
		if res.OverridePath != "original/user/bob/clip.mp4" {
			t.Errorf("Resolve() #%d override = %q, want original/user/bob/clip.mp4", i, res.OverridePath)
		}
		if res.FromCache != wantCached {
			t.Errorf("Resolve() #%d FromCache = %v, want %v", i, res.FromCache, wantCached)
		}
	}
}

func TestResolveThumbnail(t *testing.T) {
	const path = "original/thumbnails/user/alice/t.jpg"
	ctx := context.Background()

	t.Run("owner exact", func(t *testing.T) {
		r, st, _ := newTestResolver(t, "")
		id := mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "alice", Thumbnail: path})
		res, err := r.Resolve(ctx, path)
		if err != nil || res.Asset.ID != id {
			t.Fatalf("Resolve() = %+v, %v; want asset %d", res, err, id)
		}
	})

	t.Run("transferred", func(t *testing.T) {
		r, st, _ := newTestResolver(t, "")
		id := mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "bob", Poster: path})
		res, err := r.Resolve(ctx, path)
		if err != nil || res.Asset.ID != id {
			t.Fatalf("Resolve() = %+v, %v; want asset %d", res, err, id)
		}
	})

	t.Run("collision fails closed", func(t *testing.T) {
		r, st, _ := newTestResolver(t, "")
		mustPutAsset(t, st, model.Asset{FriendlyToken: "c1", OwnerUsername: "carol", Thumbnail: "original/thumbnails/user/carol/t.jpg"})
		mustPutAsset(t, st, model.Asset{FriendlyToken: "d1", OwnerUsername: "dave", Thumbnail: "original/thumbnails/user/dave/t.jpg"})
		if _, err := r.Resolve(ctx, path); !errors.Is(err, ErrNotResolved) {
			t.Fatalf("Resolve() error = %v, want ErrNotResolved", err)
		}
	})

	t.Run("same owner preferred over transfer", func(t *testing.T) {
		r, st, _ := newTestResolver(t, "/srv/media")
		mustPutAsset(t, st, model.Asset{FriendlyToken: "b1", OwnerUsername: "bob", Thumbnail: "/srv/media/" + path})
		want := mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "alice", Sprites: "/srv/media/" + path})
		res, err := r.Resolve(ctx, path)
		if err != nil || res.Asset.ID != want {
			t.Fatalf("Resolve() = %+v, %v; want asset %d", res, err, want)
		}
	})

	t.Run("suffix without slash anchor does not match", func(t *testing.T) {
		r, st, _ := newTestResolver(t, "")
		mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "alice", Thumbnail: "original/thumbnails/user/alice/xt.jpg"})
		if _, err := r.Resolve(ctx, path); !errors.Is(err, ErrNotResolved) {
			t.Fatalf("Resolve() error = %v, want ErrNotResolved", err)
		}
	})
}

func TestResolveEvictsStaleThumbnailBinding(t *testing.T) {
	const path = "original/thumbnails/user/alice/t.jpg"
	r, st, pc := newTestResolver(t, "")
	ctx := context.Background()
	id := mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "alice", Thumbnail: path})

	if _, err := r.Resolve(ctx, path); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, ok := pc.Lookup(ctx, path); !ok {
		t.Fatalf("resolution was not cached")
	}

	// the thumbnail is replaced; the cached binding no longer holds
	if _, err := st.PutAsset(model.Asset{ID: id, FriendlyToken: "a1", OwnerUsername: "alice", Thumbnail: "original/thumbnails/user/alice/new.jpg"}); err != nil {
		t.Fatalf("PutAsset() error = %v", err)
	}
	if _, err := r.Resolve(ctx, path); !errors.Is(err, ErrNotResolved) {
		t.Fatalf("Resolve() after replacement error = %v, want ErrNotResolved", err)
	}
	if _, ok := pc.Lookup(ctx, path); ok {
		t.Errorf("stale binding is still cached")
	}
}

func TestResolveForgetsDeletedAsset(t *testing.T) {
	r, st, pc := newTestResolver(t, "")
	ctx := context.Background()
	id := mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "alice", Filename: "clip.mp4", MediaFile: "original/user/alice/clip.mp4"})

	if _, err := r.Resolve(ctx, "original/user/alice/clip.mp4"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if err := st.DeleteAsset(id); err != nil {
		t.Fatalf("DeleteAsset() error = %v", err)
	}
	if _, err := r.Resolve(ctx, "original/user/alice/clip.mp4"); !errors.Is(err, ErrNotResolved) {
		t.Fatalf("Resolve() after delete error = %v, want ErrNotResolved", err)
	}
	if _, ok := pc.Lookup(ctx, "original/user/alice/clip.mp4"); ok {
		t.Errorf("binding to deleted asset is still cached")
	}
}

func TestResolveEncoded(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newTestResolver(t, "/srv/media")
	alice := mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "alice"})
	bob := mustPutAsset(t, st, model.Asset{FriendlyToken: "b1", OwnerUsername: "bob"})
	mustPutEncoding := func(e model.Encoding) int64 {
		id, err := st.PutEncoding(e)
		if err != nil {
			t.Fatalf("PutEncoding() error = %v", err)
		}
		return id
	}
	mustPutEncoding(model.Encoding{MediaID: alice, ProfileID: 3, Filename: "clip.mp4", MediaFile: "/srv/media/encoded/3/alice/clip.mp4"})
	unnamed := mustPutEncoding(model.Encoding{MediaID: alice, ProfileID: 4, MediaFile: "/srv/media/encoded/4/alice/clip.mp4"})
	mustPutEncoding(model.Encoding{MediaID: bob, ProfileID: 3, Filename: "moved.mp4", MediaFile: "/srv/media/encoded/3/bob/moved.mp4"})
	mustPutEncoding(model.Encoding{MediaID: alice, ProfileID: 1, Filename: "clip.gif", MediaFile: "/srv/media/encoded/1/alice/clip.gif"})

	tests := []struct {
		name         string
		path         string
		wantAsset    int64
		wantOverride string
		wantErr      error
	}{
		{name: "owner filename", path: "encoded/3/alice/clip.mp4", wantAsset: alice},
		{name: "owner suffix", path: "encoded/4/alice/clip.mp4", wantAsset: alice},
		{name: "profile mismatch", path: "encoded/9/alice/clip.mp4", wantErr: ErrNotResolved},
		{name: "transfer", path: "encoded/3/carol/moved.mp4", wantAsset: bob, wantOverride: "encoded/3/bob/moved.mp4"},
		{name: "gif owned", path: "encoded/1/alice/clip.gif", wantAsset: alice},
		{name: "too deep", path: "encoded/3/alice/x/clip.mp4", wantErr: ErrNotResolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(ctx, tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if res.Asset.ID != tt.wantAsset || res.OverridePath != tt.wantOverride {
				t.Errorf("Resolve() = asset %d override %q, want asset %d override %q",
					res.Asset.ID, res.OverridePath, tt.wantAsset, tt.wantOverride)
			}
		})
	}

	encs, _ := st.ListEncodings(ctx, alice)
	for _, e := range encs {
		if e.ID == unnamed && e.Filename != "clip.mp4" {
			t.Errorf("encoding filename after backfill = %q, want clip.mp4", e.Filename)
		}
	}
}

func TestResolveSubtitle(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newTestResolver(t, "")
	alice := mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "alice"})
	bob := mustPutAsset(t, st, model.Asset{FriendlyToken: "b1", OwnerUsername: "bob"})
	if _, err := st.PutSubtitle(model.Subtitle{MediaID: alice, SubtitleFile: "original/subtitles/user/alice/en.vtt"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.PutSubtitle(model.Subtitle{MediaID: bob, SubtitleFile: "original/subtitles/user/carol/fr.vtt"}); err != nil {
		t.Fatal(err)
	}

	res, err := r.Resolve(ctx, "original/subtitles/user/alice/en.vtt")
	if err != nil || res.Asset.ID != alice {
		t.Fatalf("Resolve(owner path) = %+v, %v; want asset %d", res, err, alice)
	}

	res, err = r.Resolve(ctx, "original/subtitles/user/carol/fr.vtt")
	if err != nil || res.Asset.ID != bob {
		t.Fatalf("Resolve(transferred) = %+v, %v; want asset %d", res, err, bob)
	}

	// same filename under another owner is not provably the same file
	if _, err := r.Resolve(ctx, "original/subtitles/user/dave/en.vtt"); !errors.Is(err, ErrNotResolved) {
		t.Fatalf("Resolve(mismatch) error = %v, want ErrNotResolved", err)
	}
}

func TestResolveSubtitleTransferBehindNewerNamesake(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newTestResolver(t, "")
	bob := mustPutAsset(t, st, model.Asset{FriendlyToken: "b1", OwnerUsername: "bob"})
	erin := mustPutAsset(t, st, model.Asset{FriendlyToken: "e1", OwnerUsername: "erin"})
	if _, err := st.PutSubtitle(model.Subtitle{MediaID: bob, SubtitleFile: "original/subtitles/user/carol/fr.vtt"}); err != nil {
		t.Fatal(err)
	}
	// unrelated file of the same name, stored later
	if _, err := st.PutSubtitle(model.Subtitle{MediaID: erin, SubtitleFile: "original/subtitles/user/erin/fr.vtt"}); err != nil {
		t.Fatal(err)
	}

	res, err := r.Resolve(ctx, "original/subtitles/user/carol/fr.vtt")
	if err != nil || res.Asset.ID != bob {
		t.Fatalf("Resolve(transferred) = %+v, %v; want asset %d", res, err, bob)
	}
}

func TestResolveHLS(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newTestResolver(t, "")
	id := mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", UID: "0123abcd0123abcd", OwnerUsername: "alice"})

	res, err := r.Resolve(ctx, "hls/0123ABCD0123abcd/master.m3u8")
	if err != nil || res.Asset.ID != id {
		t.Fatalf("Resolve() = %+v, %v; want asset %d", res, err, id)
	}
	for _, p := range []string{"hls/xyz/master.m3u8", "hls/0123abcd0123abcd", "hls/0123abc/master.m3u8", "hls/ffffffffffffffff/a.ts"} {
		if _, err := r.Resolve(ctx, p); !errors.Is(err, ErrNotResolved) {
			t.Errorf("Resolve(%q) error = %v, want ErrNotResolved", p, err)
		}
	}
}

func TestResolveUnknownPrefix(t *testing.T) {
	r, _, _ := newTestResolver(t, "")
	if _, err := r.Resolve(context.Background(), "static/logo.png"); !errors.Is(err, ErrNotResolved) {
		t.Fatalf("Resolve() error = %v, want ErrNotResolved", err)
	}
}

func TestResolveLookupFailureIsDistinct(t *testing.T) {
	r, st, pc := newTestResolver(t, "")
	st.failing = errors.New("connection reset")
	ctx := context.Background()

	_, err := r.Resolve(ctx, "original/user/alice/clip.mp4")
	if !errors.Is(err, ErrLookup) {
		t.Fatalf("Resolve() error = %v, want ErrLookup", err)
	}
	if errors.Is(err, ErrNotResolved) {
		t.Errorf("lookup failure reported as not resolved")
	}
	if _, ok := pc.Lookup(ctx, "original/user/alice/clip.mp4"); ok {
		t.Errorf("failed resolution was cached")
	}
}

func TestInvalidateAssetDropsBindings(t *testing.T) {
	r, st, pc := newTestResolver(t, "")
	ctx := context.Background()
	id := mustPutAsset(t, st, model.Asset{FriendlyToken: "a1", OwnerUsername: "alice", Filename: "clip.mp4", MediaFile: "original/user/alice/clip.mp4"})
	paths := []string{"original/user/alice/clip.mp4", "original/user/bob/clip.mp4"}
	for _, p := range paths {
		if _, err := r.Resolve(ctx, p); err != nil {
			t.Fatalf("Resolve(%q) error = %v", p, err)
		}
	}

	if n := pc.InvalidateAsset(ctx, id); n != len(paths) {
		t.Errorf("InvalidateAsset() = %d, want %d", n, len(paths))
	}
	for _, p := range paths {
		if _, ok := pc.Lookup(ctx, p); ok {
			t.Errorf("binding for %q survived invalidation", p)
		}
	}
}

func TestIsMediaAssociated(t *testing.T) {
	tests := map[string]bool{
		"original/thumbnails/user/a/t.jpg": true,
		"original/subtitles/user/a/en.vtt": true,
		"encoded/1/a/clip.GIF":             true,
		"encoded/1/a/clip.mp4":             false,
		"original/user/a/clip.mp4":         false,
		"hls/0123abcd/master.m3u8":         false,
	}
	for p, want := range tests {
		if got := IsMediaAssociated(p); got != want {
			t.Errorf("IsMediaAssociated(%q) = %v, want %v", p, got, want)
		}
	}
}
