package vault

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Repository used by tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemory creates an empty in-memory wallet repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Put(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Label == entry.Label {
			return fmt.Errorf("%w: %s", ErrDuplicateLabel, entry.Label)
		}
	}
	cp := *entry
	m.entries[entry.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByLabel(ctx context.Context, label string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Label == label {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, Summary{ID: e.ID, Label: e.Label, Address: e.Address})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Tamper flips a ciphertext byte of the stored entry. Test helper for
// integrity-failure paths.
func (m *MemoryStore) Tamper(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || len(e.Ciphertext) == 0 {
		return false
	}
	e.Ciphertext[0] ^= 0xff
	return true
}
