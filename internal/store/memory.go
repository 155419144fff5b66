package store

import (
	"context"
	"sync"

	"github.com/ILLUVRSE/account-pool/internal/models"
)

type memoryEntry struct {
	mu      sync.Mutex
	res     models.Resource
	deleted bool
}

// MemoryStore provides an in-memory implementation with per-record locks, useful for
// tests and single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]*memoryEntry{},
	}
}

func (m *MemoryStore) entry(id string) (*memoryEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *MemoryStore) snapshot() []*memoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*memoryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

func (m *MemoryStore) Create(ctx context.Context, in CreateInput) (models.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[in.ID]; ok {
		return models.Resource{}, ErrDuplicate
	}
	res := newResource(in)
	m.entries[in.ID] = &memoryEntry{res: res}
	return res, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Resource, error) {
	e, ok := m.entry(id)
	if !ok {
		return models.Resource{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.Resource{}, ErrNotFound
	}
	return e.res, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]models.Resource, error) {
	return m.collect(func(models.Resource) bool { return true }, 0), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Resource, error) {
	return m.collect(func(r models.Resource) bool { return r.Status == status }, limit), nil
}

func (m *MemoryStore) collect(match func(models.Resource) bool, limit int) []models.Resource {
	out := []models.Resource{}
	for _, e := range m.snapshot() {
		e.mu.Lock()
		res, live := e.res, !e.deleted
		e.mu.Unlock()
		if !live || !match(res) {
			continue
		}
		out = append(out, res)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, in SwapInput) (models.Resource, error) {
	e, ok := m.entry(in.ID)
	if !ok {
		return models.Resource{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.Resource{}, ErrNotFound
	}
	if e.res.Status != in.ExpectStatus || e.res.Version != in.ExpectVersion {
		return models.Resource{}, ErrConflict
	}
	e.res.Status = in.Status
	e.res.Holder = in.Holder
	e.res.LastUpdated = in.At
	e.res.Version++
	return e.res, nil
}

func (m *MemoryStore) Overwrite(ctx context.Context, in OverwriteInput) (models.Resource, error) {
	e, ok := m.entry(in.ID)
	if !ok {
		return models.Resource{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.Resource{}, ErrNotFound
	}
	e.res.Status = in.Status
	e.res.Holder = in.Holder
	e.res.LastUpdated = in.At
	e.res.Version++
	return e.res, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	for _, r := range m.collect(func(models.Resource) bool { return true }, 0) {
		switch r.Status {
		case models.StatusAvailable:
			c.Available++
		case models.StatusInUse:
			c.InUse++
		}
		c.Total++
	}
	return c, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
