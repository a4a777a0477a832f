package storage

import (
	"context"
	"sync"
)

// MemorySubstrate implements Substrate with an in-process map. It is
// the default backend for single-process deployments and tests.
type MemorySubstrate struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemorySubstrate creates an empty in-memory substrate.
func NewMemorySubstrate() *MemorySubstrate {
	return &MemorySubstrate{
		items: make(map[string][]byte),
	}
}

// Get retrieves a value.
func (m *MemorySubstrate) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set stores a value.
func (m *MemorySubstrate) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.items[key] = stored
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (m *MemorySubstrate) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, key)
	return nil
}

// Keys returns all stored keys.
func (m *MemorySubstrate) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys, nil
}

// Clear removes everything and returns the number of removed entries.
func (m *MemorySubstrate) Clear(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := len(m.items)
	m.items = make(map[string][]byte)
	return count, nil
}

// UsedBytes returns the total payload size.
func (m *MemorySubstrate) UsedBytes(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for k, v := range m.items {
		total += int64(len(k) + len(v))
	}
	return total, nil
}

// Close implements Substrate.
func (m *MemorySubstrate) Close() error {
	return nil
}
