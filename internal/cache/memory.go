package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps namespaces in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*Entry
	now        func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]map[string]*Entry),
		now:        time.Now,
	}
}

func (m *MemoryStore) Open(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.namespaces[namespace]; !ok {
		m.namespaces[namespace] = make(map[string]*Entry)
	}
	return nil
}

func (m *MemoryStore) Match(ctx context.Context, namespace, key string) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.namespaces[namespace]
	if !ok {
		return nil, false, nil
	}
	entry, ok := entries[key]
	if !ok {
		return nil, false, nil
	}
	return entry.Clone(), true, nil
}

func (m *MemoryStore) Put(ctx context.Context, namespace, key string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := prepare(entry)
	if stored.StoredAt.IsZero() {
		stored.StoredAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.namespaces[namespace]
	if !ok {
		return ErrNamespaceNotFound
	}
	entries[key] = stored
	return nil
}

func (m *MemoryStore) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) Drop(ctx context.Context, namespace string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.namespaces[namespace]; !ok {
		return false, nil
	}
	delete(m.namespaces, namespace)
	return true, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)

	var b statsBuilder
	for _, name := range names {
		ns := NamespaceStats{Name: name}
		for _, entry := range m.namespaces[name] {
			b.add(&ns, entry)
		}
		b.stats.Namespaces = append(b.stats.Namespaces, ns)
	}
	return b.result(), nil
}

var _ Store = (*MemoryStore)(nil)
