package cacheversion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cache"
)

// flakyBackend fails every operation on version counters while down is set.
type flakyBackend struct {
	*cache.MemoryBackend
	mu   sync.Mutex
	down bool
}

var errTimeout = errors.New("i/o timeout")

func (f *flakyBackend) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyBackend) fails(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down && strings.HasPrefix(key, keyPrefix)
}

func (f *flakyBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if f.fails(key) {
		return nil, errTimeout
	}
	return f.MemoryBackend.Get(ctx, key)
}

func (f *flakyBackend) Set(ctx context.Context, key string, v []byte, ttl time.Duration) error {
	if f.fails(key) {
		return errTimeout
	}
	return f.MemoryBackend.Set(ctx, key, v, ttl)
}

func (f *flakyBackend) SetNX(ctx context.Context, key string, v []byte, ttl time.Duration) (bool, error) {
	if f.fails(key) {
		return false, errTimeout
	}
	return f.MemoryBackend.SetNX(ctx, key, v, ttl)
}

func newTestRegistry(t *testing.T) (*Registry, *cache.Store) {
	t.Helper()
	b := cache.NewMemoryBackend()
	t.Cleanup(func() { _ = b.Close() })
	store := cache.NewStore(b, cache.Options{})
	return NewRegistry(store, time.Hour, nil, nil), store
}

func newFlakyRegistry(t *testing.T, ttl time.Duration) (*Registry, *flakyBackend) {
	t.Helper()
	b := &flakyBackend{MemoryBackend: cache.NewMemoryBackend()}
	t.Cleanup(func() { _ = b.MemoryBackend.Close() })
	store := cache.NewStore(b, cache.Options{BreakerThreshold: 1000})
	return NewRegistry(store, ttl, nil, nil), b
}

func current(t *testing.T, r *Registry, scope, id string) int64 {
	t.Helper()
	v, ok := r.Current(context.Background(), scope, id)
	if !ok {
		t.Fatalf("Current(%s:%s) unavailable", scope, id)
	}
	return v
}

func bump(t *testing.T, r *Registry, scope, id string) int64 {
	t.Helper()
	v, err := r.Bump(context.Background(), scope, id)
	if err != nil {
		t.Fatalf("Bump(%s:%s) error = %v", scope, id, err)
	}
	return v
}

func mustKey(t *testing.T) func(key string, err error) string {
	return func(key string, err error) string {
		t.Helper()
		if err != nil {
			t.Fatalf("key derivation error = %v", err)
		}
		return key
	}
}

func TestCurrentInitializesToOne(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	if got := current(t, r, ScopeMedia, "7"); got != 1 {
		t.Errorf("Current() = %d, want 1", got)
	}
	if n, ok := store.GetInt(ctx, Key(ScopeMedia, "7")); !ok || n != 1 {
		t.Errorf("stored version = %d, %v; want 1, true", n, ok)
	}
}

func TestBump(t *testing.T) {
	r, _ := newTestRegistry(t)

	if got := bump(t, r, ScopeMediaList, AllID); got != 2 {
		t.Errorf("Bump() on absent counter = %d, want 2", got)
	}
	if got := bump(t, r, ScopeMediaList, AllID); got != 3 {
		t.Errorf("Bump() = %d, want 3", got)
	}
	if got := current(t, r, ScopeMediaList, AllID); got != 3 {
		t.Errorf("Current() after bumps = %d, want 3", got)
	}
}

func TestBumpAfterReadStrictlyIncreases(t *testing.T) {
	r, _ := newTestRegistry(t)

	before := current(t, r, ScopeMedia, "42")
	after := bump(t, r, ScopeMedia, "42")
	if after <= before {
		t.Errorf("Bump() = %d, want > %d", after, before)
	}
}

func TestBumpAfterCounterExpiredSkipsInitialVersion(t *testing.T) {
	r, _ := newFlakyRegistry(t, 30*time.Millisecond)

	if got := current(t, r, ScopeMedia, "42"); got != 1 {
		t.Fatalf("Current() = %d, want 1", got)
	}
	time.Sleep(80 * time.Millisecond)

	// readers that find the counter gone start over at 1, so the bump must not land there
	if got := bump(t, r, ScopeMedia, "42"); got < 2 {
		t.Errorf("Bump() after expiry = %d, want >= 2", got)
	}
}

func TestBumpKeepsCounterAlive(t *testing.T) {
	r, _ := newFlakyRegistry(t, 60*time.Millisecond)

	bump(t, r, ScopeMedia, "42")
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		bump(t, r, ScopeMedia, "42")
	}
	if got := current(t, r, ScopeMedia, "42"); got != 6 {
		t.Errorf("Current() = %d after five bumps, want 6", got)
	}
}

func TestCurrentUnavailableWhenCounterUnreadable(t *testing.T) {
	r, b := newFlakyRegistry(t, time.Hour)
	ctx := context.Background()

	bump(t, r, ScopeMedia, "42")
	b.setDown(true)

	if v, ok := r.Current(ctx, ScopeMedia, "42"); ok {
		t.Errorf("Current() = %d, true; want unavailable", v)
	}
	if _, err := r.MediaDetailKey(ctx, 42, ""); !errors.Is(err, ErrVersionUnavailable) {
		t.Errorf("MediaDetailKey() error = %v, want ErrVersionUnavailable", err)
	}
	if _, err := r.Bump(ctx, ScopeMedia, "42"); !errors.Is(err, ErrBumpFailed) {
		t.Errorf("Bump() error = %v, want ErrBumpFailed", err)
	}

	b.setDown(false)
	if got := current(t, r, ScopeMedia, "42"); got != 2 {
		t.Errorf("Current() after recovery = %d, want 2", got)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	r, _ := newTestRegistry(t)

	current(t, r, ScopeMedia, "1")
	bump(t, r, ScopeMedia, "1")
	if got := current(t, r, ScopeMedia, "2"); got != 1 {
		t.Errorf("Current(media:2) = %d, want 1", got)
	}
	if got := current(t, r, ScopePlaylist, "1"); got != 1 {
		t.Errorf("Current(playlist:1) = %d, want 1", got)
	}
}

func TestDerivedKeysChangeOnBump(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	detail := mustKey(t)(r.MediaDetailKey(ctx, 9, ""))
	related := mustKey(t)(r.RelatedMediaKey(ctx, 9, 100))
	list := mustKey(t)(r.MediaListKey(ctx, ListQuery{Page: 2}))
	search, err := r.MediaSearchKey(ctx, map[string]string{"q": "river", "sort": "new"}, 1)
	if err != nil {
		t.Fatalf("MediaSearchKey() error = %v", err)
	}

	if detail != "smg:query:media_detail:9:anon:v1" {
		t.Errorf("MediaDetailKey() = %q", detail)
	}
	if list != "smg:query:media_list:latest:all:all:2:anon:v1" {
		t.Errorf("MediaListKey() = %q", list)
	}

	bump(t, r, ScopeMediaList, AllID)

	if got := mustKey(t)(r.MediaDetailKey(ctx, 9, "")); got != detail {
		t.Errorf("MediaDetailKey() changed on list bump: %q", got)
	}
	if got := mustKey(t)(r.RelatedMediaKey(ctx, 9, 100)); got == related {
		t.Errorf("RelatedMediaKey() unchanged after list bump")
	}
	if got := mustKey(t)(r.MediaListKey(ctx, ListQuery{Page: 2})); got == list {
		t.Errorf("MediaListKey() unchanged after list bump")
	}
	again, _ := r.MediaSearchKey(ctx, map[string]string{"sort": "new", "q": "river"}, 1)
	if again == search {
		t.Errorf("MediaSearchKey() unchanged after list bump")
	}

	bump(t, r, ScopeMedia, MediaID(9))
	if got := mustKey(t)(r.MediaDetailKey(ctx, 9, "")); got == detail {
		t.Errorf("MediaDetailKey() unchanged after media bump")
	}
}

func TestPlaylistDetailKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	k1 := mustKey(t)(r.PlaylistDetailKey(ctx, "pl1", "5"))
	bump(t, r, ScopePlaylist, "pl1")
	k2 := mustKey(t)(r.PlaylistDetailKey(ctx, "pl1", "5"))
	if k1 == k2 {
		t.Errorf("PlaylistDetailKey() unchanged after bump: %q", k1)
	}
	if k2 != "smg:query:playlist_detail:pl1:5:v2" {
		t.Errorf("PlaylistDetailKey() = %q", k2)
	}
}
