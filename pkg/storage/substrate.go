// Package storage implements the namespaced key-value layer the secure
// cache is built on: pluggable substrates (in-memory, Redis), a
// deterministic key grammar that physically separates tenants, and an
// integrity-checked typed store with TTL and size limits.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a substrate when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Substrate is a raw key-value backend. Implementations must be safe
// for concurrent use. TTL is not a substrate concern: expiry lives in
// the entry envelope so health scans can still see expired entries.
type Substrate interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) (int, error)
	UsedBytes(ctx context.Context) (int64, error)
	Close() error
}
