package storage

import (
	"context"
	"sort"
	"sync"
)

// MemKV is an in-memory KV implementation with the same revision semantics
// as a JetStream bucket. It backs unit tests and local development without
// a NATS server.
type MemKV struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	nextRev uint64
}

// NewMemKV creates an empty in-memory bucket.
func NewMemKV() *MemKV {
	return &MemKV{entries: map[string]*Entry{}}
}

// Get returns the entry for key.
func (m *MemKV) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Copy so callers cannot mutate stored state.
	value := make([]byte, len(e.Value))
	copy(value, e.Value)
	return &Entry{Key: key, Value: value, Revision: e.Revision}, nil
}

// Create inserts a new key.
func (m *MemKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return 0, ErrConflict
	}
	return m.write(key, value), nil
}

// Put writes a key unconditionally.
func (m *MemKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(key, value), nil
}

// Update writes a key with a revision guard.
func (m *MemKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.Revision != revision {
		return 0, ErrConflict
	}
	return m.write(key, value), nil
}

// Delete removes a key.
func (m *MemKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Keys lists all keys in sorted order.
func (m *MemKV) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemKV) write(key string, value []byte) uint64 {
	m.nextRev++
	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries[key] = &Entry{Key: key, Value: stored, Revision: m.nextRev}
	return m.nextRev
}
