package storage

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EphemeralStore is the session-scoped storage substrate: bounded,
// in-memory only, gone on process exit. It holds the per-session
// encryption key, critical-data snapshots taken before destructive
// recovery, and similar short-lived state. Backed by an LRU so a
// misbehaving caller cannot grow it without bound.
type EphemeralStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, []byte]
}

// NewEphemeralStore creates an ephemeral store holding at most size entries.
func NewEphemeralStore(size int) (*EphemeralStore, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create ephemeral store: %w", err)
	}
	return &EphemeralStore{cache: cache}, nil
}

// Get retrieves a value.
func (e *EphemeralStore) Get(key string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Get(key)
}

// Set stores a value, evicting the least recently used entry at capacity.
func (e *EphemeralStore) Set(key string, value []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Add(key, value)
}

// Delete removes a key.
func (e *EphemeralStore) Delete(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Remove(key)
}

// Keys returns the stored keys, oldest first.
func (e *EphemeralStore) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Keys()
}

// Clear removes everything and returns the number of removed entries.
func (e *EphemeralStore) Clear() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := e.cache.Len()
	e.cache.Purge()
	return count
}

// Len returns the number of stored entries.
func (e *EphemeralStore) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Len()
}
