package models

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the running entry schema version. Entries persisted
// with a different version are treated as version drift by the health
// checker and purged by the integrity pass.
const SchemaVersion = 2

// CacheCategory classifies an entry for isolation and lifecycle policy.
type CacheCategory string

// Entry categories
const (
	CategoryAuth CacheCategory = "auth"
	CategoryData CacheCategory = "data"
	CategoryUI   CacheCategory = "ui"
	CategoryTemp CacheCategory = "temp"
)

// EntryMetadata carries the integrity and lifecycle attributes persisted
// alongside every payload.
type EntryMetadata struct {
	CreatedAt  int64         `json:"createdAt"`
	ExpiresAt  int64         `json:"expiresAt"`
	Encrypted  bool          `json:"encrypted"`
	Compressed bool          `json:"compressed"`
	Category   CacheCategory `json:"category"`
	Version    int           `json:"version"`
	Checksum   string        `json:"checksum"`
}

// CacheEntry is the persisted entry format: one JSON document per
// namespaced key. Data holds either the plaintext payload or, for
// encrypted entries, a base64 ciphertext string. The checksum is always
// computed over the plaintext payload.
type CacheEntry struct {
	Data     json.RawMessage `json:"data"`
	Context  CacheContext    `json:"context"`
	Metadata EntryMetadata   `json:"metadata"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
// Entries without an expiry (ExpiresAt == 0) never expire.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.Metadata.ExpiresAt > 0 && now.UnixMilli() >= e.Metadata.ExpiresAt
}

// Age returns how long ago the entry was created.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.Metadata.CreatedAt))
}

// EpochMillis converts a time to the epoch-millisecond representation
// used by the persisted entry format.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}
