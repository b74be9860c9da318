// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/model"
)

// Memory implements Store in process memory. It also exposes writers used
// by development seeding and tests.
type Memory struct {
	mu        sync.RWMutex
	assets    map[int64]*model.Asset
	encodings map[int64]*model.Encoding
	subtitles map[int64]*model.Subtitle
	nextID    int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		assets:    make(map[int64]*model.Asset),
		encodings: make(map[int64]*model.Encoding),
		subtitles: make(map[int64]*model.Subtitle),
	}
}

func (m *Memory) allocID(id int64) int64 {
	if id == 0 {
		m.nextID++
		return m.nextID
	}
	if id > m.nextID {
		m.nextID = id
	}
	return id
}

// PutAsset inserts or replaces an asset and returns its id.
// A zero id is assigned; uid and friendly token must be unique.
func (m *Memory) PutAsset(a model.Asset) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.assets {
		if id == a.ID {
			continue
		}
		if (a.UID != "" && existing.UID == a.UID) || (a.FriendlyToken != "" && existing.FriendlyToken == a.FriendlyToken) {
			return 0, ErrConflict
		}
	}
	a.ID = m.allocID(a.ID)
	m.assets[a.ID] = &a
	return a.ID, nil
}

// PutEncoding inserts or replaces an encoding of an existing asset.
func (m *Memory) PutEncoding(e model.Encoding) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assets[e.MediaID]; !ok {
		return 0, ErrNotFound
	}
	e.ID = m.allocID(e.ID)
	e.Media = nil
	m.encodings[e.ID] = &e
	return e.ID, nil
}

// PutSubtitle inserts or replaces a subtitle of an existing asset.
func (m *Memory) PutSubtitle(s model.Subtitle) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assets[s.MediaID]; !ok {
		return 0, ErrNotFound
	}
	s.ID = m.allocID(s.ID)
	s.Media = nil
	m.subtitles[s.ID] = &s
	return s.ID, nil
}

// DeleteAsset removes an asset with its encodings and subtitles.
func (m *Memory) DeleteAsset(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assets[id]; !ok {
		return ErrNotFound
	}
	delete(m.assets, id)
	for eid, e := range m.encodings {
		if e.MediaID == id {
			delete(m.encodings, eid)
		}
	}
	for sid, s := range m.subtitles {
		if s.MediaID == id {
			delete(m.subtitles, sid)
		}
	}
	return nil
}

// sortedAssets returns copies of the assets matching keep, ordered by id.
func (m *Memory) sortedAssets(keep func(*model.Asset) bool) []model.Asset {
	var out []model.Asset
	for _, a := range m.assets {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) firstAsset(keep func(*model.Asset) bool) (*model.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := m.sortedAssets(keep)
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	return &matches[0], nil
}

func (m *Memory) GetAsset(_ context.Context, id int64) (*model.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetAssetByUID(_ context.Context, uid string) (*model.Asset, error) {
	return m.firstAsset(func(a *model.Asset) bool { return a.UID == uid })
}

func (m *Memory) FindAssetByOwnerFilename(_ context.Context, owner, filename string) (*model.Asset, error) {
	return m.firstAsset(func(a *model.Asset) bool {
		return a.OwnerUsername == owner && a.Filename == filename
	})
}

func (m *Memory) FindAssetByOwnerPathSuffix(_ context.Context, owner, suffix string) (*model.Asset, error) {
	return m.firstAsset(func(a *model.Asset) bool {
		return a.OwnerUsername == owner && strings.HasSuffix(a.MediaFile, suffix)
	})
}

func (m *Memory) FindAssetByFilename(_ context.Context, filename string) (*model.Asset, error) {
	return m.firstAsset(func(a *model.Asset) bool { return a.Filename == filename })
}

func (m *Memory) FindAssetByOwnerThumbnail(_ context.Context, owner, path string) (*model.Asset, error) {
	return m.firstAsset(func(a *model.Asset) bool {
		if a.OwnerUsername != owner {
			return false
		}
		for _, p := range a.ThumbnailPaths() {
			if p == path {
				return true
			}
		}
		return false
	})
}

func (m *Memory) FindAssetsByThumbnailSuffix(_ context.Context, suffix string, limit int) ([]model.Asset, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := m.sortedAssets(func(a *model.Asset) bool {
		for _, p := range a.ThumbnailPaths() {
			if strings.HasSuffix(p, suffix) {
				return true
			}
		}
		return false
	})
	total := len(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, total, nil
}

func (m *Memory) SetAssetFilename(_ context.Context, id int64, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok {
		return ErrNotFound
	}
	a.Filename = filename
	return nil
}

func (m *Memory) FindEncoding(_ context.Context, q EncodingQuery) (*model.Encoding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []*model.Encoding
	for _, e := range m.encodings {
		a := m.assets[e.MediaID]
		if a == nil {
			continue
		}
		if q.Owner != "" && a.OwnerUsername != q.Owner {
			continue
		}
		if q.ProfileID != nil && e.ProfileID != *q.ProfileID {
			continue
		}
		if q.Filename != "" && e.Filename != q.Filename {
			continue
		}
		if q.PathSuffix != "" && !strings.HasSuffix(e.MediaFile, q.PathSuffix) {
			continue
		}
		matches = append(matches, e)
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	e := *matches[0]
	media := *m.assets[e.MediaID]
	e.Media = &media
	return &e, nil
}

func (m *Memory) ListEncodings(_ context.Context, mediaID int64) ([]model.Encoding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Encoding
	for _, e := range m.encodings {
		if e.MediaID == mediaID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetEncodingFilename(_ context.Context, id int64, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.encodings[id]
	if !ok {
		return ErrNotFound
	}
	e.Filename = filename
	return nil
}

func (m *Memory) FindSubtitle(_ context.Context, q SubtitleQuery) (*model.Subtitle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *model.Subtitle
	for _, s := range m.subtitles {
		a := m.assets[s.MediaID]
		if a == nil {
			continue
		}
		if q.Owner != "" && a.OwnerUsername != q.Owner {
			continue
		}
		if q.Path != "" && s.SubtitleFile != q.Path {
			continue
		}
		if q.PathSuffix != "" && !strings.HasSuffix(s.SubtitleFile, q.PathSuffix) {
			continue
		}
		if best == nil || s.ID > best.ID {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	s := *best
	media := *m.assets[s.MediaID]
	s.Media = &media
	return &s, nil
}

func (m *Memory) FindSubtitlesBySuffix(_ context.Context, owner, suffix string, limit int) ([]model.Subtitle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Subtitle
	for _, s := range m.subtitles {
		a := m.assets[s.MediaID]
		if a == nil || (owner != "" && a.OwnerUsername != owner) || !strings.HasSuffix(s.SubtitleFile, suffix) {
			continue
		}
		cp := *s
		media := *a
		cp.Media = &media
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListSubtitles(_ context.Context, mediaID int64) ([]model.Subtitle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Subtitle
	for _, s := range m.subtitles {
		if s.MediaID == mediaID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() {}
