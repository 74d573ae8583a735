package durable

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. It does not survive restarts and is meant
// for tests and ephemeral agents.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
	closed  bool

	// Counters let tests assert on the I/O a caller performed.
	gets, sets, removes int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	m.gets++
	v, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sets++
	m.entries[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.removes++
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Stats returns how many Get, Set and Remove calls the store has served.
func (m *MemoryStore) Stats() (gets, sets, removes int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gets, m.sets, m.removes
}

// MemoryPointer is an in-process Pointer.
type MemoryPointer struct {
	mu    sync.Mutex
	value string
}

func (p *MemoryPointer) Load() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, nil
}

func (p *MemoryPointer) Store(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = sessionID
	return nil
}

func (p *MemoryPointer) Clear() error {
	return p.Store("")
}
