package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryBackend is an in-process Backend for single-replica deployments and tests.
// It has no native counters or sets, so Store uses its portable fallbacks here.
type MemoryBackend struct {
	items *ttlcache.Cache[string, []byte]
	nx    sync.Mutex // serialises SetNX check-and-set
}

// NewMemoryBackend creates the backend and starts its expiry loop.
func NewMemoryBackend() *MemoryBackend {
	items := ttlcache.New[string, []byte](
		// a hit must never extend an entry's lifetime
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go items.Start()
	return &MemoryBackend{items: items}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	item := b.items.Get(key)
	if item == nil {
		return nil, ErrMiss
	}
	return item.Value(), nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.items.Set(key, value, ttl)
	return nil
}

func (b *MemoryBackend) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.nx.Lock()
	defer b.nx.Unlock()
	if b.items.Get(key) != nil {
		return false, nil
	}
	b.items.Set(key, value, ttl)
	return true, nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		b.items.Delete(k)
	}
	return nil
}

func (b *MemoryBackend) Incr(context.Context, string) (int64, error) {
	return 0, ErrUnsupported
}

func (b *MemoryBackend) SetAdd(context.Context, string, string) error {
	return ErrUnsupported
}

func (b *MemoryBackend) SetMembers(context.Context, string) ([]string, error) {
	return nil, ErrUnsupported
}

func (b *MemoryBackend) Expire(context.Context, string, time.Duration) error {
	return ErrUnsupported
}

func (b *MemoryBackend) Ping(context.Context) error {
	return nil
}

// Close stops the expiry loop and drops every entry.
func (b *MemoryBackend) Close() error {
	b.items.Stop()
	b.items.DeleteAll()
	return nil
}
