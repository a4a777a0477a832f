package storage

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
	"github.com/flex-pms/securecache/pkg/security"
)

// DefaultMaxEntryBytes is the per-entry payload budget. Oversized
// payloads are rejected outright, never truncated.
const DefaultMaxEntryBytes = 256 * 1024

// SetOptions controls how an entry is written.
type SetOptions struct {
	// TTL of zero means no expiry.
	TTL time.Duration
	// Category defaults to CategoryData.
	Category models.CacheCategory
	// Encrypted marks the payload as ciphertext. The caller supplies
	// the plaintext checksum via Checksum; the store does not verify
	// ciphertext on read.
	Encrypted  bool
	Compressed bool
	// Checksum overrides the store-computed integrity hash. Used by
	// callers that checksum the plaintext before encrypting.
	Checksum string
	// SkipIntegrityCheck writes the entry without a checksum.
	SkipIntegrityCheck bool
}

// StoreStats is a snapshot of store counters.
type StoreStats struct {
	Hits               int64 `json:"hits"`
	Misses             int64 `json:"misses"`
	ExpiredRemoved     int64 `json:"expiredRemoved"`
	CorruptionDetected int64 `json:"corruptionDetected"`
	OversizedRejected  int64 `json:"oversizedRejected"`
	StorageFaults      int64 `json:"storageFaults"`
}

type storeCounters struct {
	hits               atomic.Int64
	misses             atomic.Int64
	expiredRemoved     atomic.Int64
	corruptionDetected atomic.Int64
	oversizedRejected  atomic.Int64
	storageFaults      atomic.Int64
}

// CorruptionFunc is notified when the store detects and purges a
// corrupt entry. It runs synchronously on the operating goroutine and
// must not block.
type CorruptionFunc func(namespacedKey, reason string)

// NamespacedStore provides typed, integrity-checked access over a raw
// substrate. Every entry is owned by a context encoded into its key, so
// contexts can never collide. Storage faults never escape: Set and Get
// degrade to false and count the fault for the health checker.
type NamespacedStore struct {
	substrate     Substrate
	codec         KeyCodec
	logger        observability.Logger
	maxEntryBytes int
	onCorruption  CorruptionFunc
	counters      storeCounters
}

// StoreOption configures a NamespacedStore.
type StoreOption func(*NamespacedStore)

// WithCodec overrides the key grammar.
func WithCodec(codec KeyCodec) StoreOption {
	return func(s *NamespacedStore) { s.codec = codec }
}

// WithMaxEntryBytes overrides the per-entry size budget.
func WithMaxEntryBytes(max int) StoreOption {
	return func(s *NamespacedStore) { s.maxEntryBytes = max }
}

// WithCorruptionFunc registers a corruption signal receiver.
func WithCorruptionFunc(fn CorruptionFunc) StoreOption {
	return func(s *NamespacedStore) { s.onCorruption = fn }
}

// NewNamespacedStore creates a store over the given substrate.
func NewNamespacedStore(substrate Substrate, logger observability.Logger, opts ...StoreOption) *NamespacedStore {
	s := &NamespacedStore{
		substrate:     substrate,
		codec:         DefaultCodec,
		logger:        logger.WithPrefix("storage"),
		maxEntryBytes: DefaultMaxEntryBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Codec returns the key grammar this store writes under.
func (s *NamespacedStore) Codec() KeyCodec {
	return s.codec
}

// Set stores a payload for the owning context. Returns false on
// oversized payloads, serialization errors and substrate faults; it
// never panics past the component boundary.
func (s *NamespacedStore) Set(ctx context.Context, owner models.CacheContext, baseKey string, data any, opts SetOptions) bool {
	key, err := s.codec.Encode(owner, baseKey)
	if err != nil {
		s.logger.Warn("Rejected invalid key", map[string]interface{}{
			"key":   baseKey,
			"error": err.Error(),
		})
		return false
	}

	payload, err := json.Marshal(data)
	if err != nil {
		s.counters.storageFaults.Add(1)
		s.logger.Error("Failed to serialize payload", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}

	if len(payload) > s.maxEntryBytes {
		s.counters.oversizedRejected.Add(1)
		s.logger.Warn("Rejected oversized payload", map[string]interface{}{
			"key":   key,
			"bytes": len(payload),
			"limit": s.maxEntryBytes,
		})
		return false
	}

	now := time.Now()
	entry := models.CacheEntry{
		Data:    payload,
		Context: owner,
		Metadata: models.EntryMetadata{
			CreatedAt:  models.EpochMillis(now),
			Encrypted:  opts.Encrypted,
			Compressed: opts.Compressed,
			Category:   opts.Category,
			Version:    models.SchemaVersion,
			Checksum:   opts.Checksum,
		},
	}
	if entry.Metadata.Category == "" {
		entry.Metadata.Category = models.CategoryData
	}
	if opts.TTL > 0 {
		entry.Metadata.ExpiresAt = models.EpochMillis(now.Add(opts.TTL))
	}
	if !opts.SkipIntegrityCheck && entry.Metadata.Checksum == "" {
		entry.Metadata.Checksum = security.Checksum(payload)
	}

	raw, err := json.Marshal(&entry)
	if err != nil {
		s.counters.storageFaults.Add(1)
		s.logger.Error("Failed to serialize entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}

	if err := s.substrate.Set(ctx, key, raw); err != nil {
		s.counters.storageFaults.Add(1)
		s.logger.Error("Substrate write failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}
	return true
}

// Get retrieves a plaintext payload into out. Encrypted entries are not
// readable at this layer and report a miss. TTL expiry is checked
// before the integrity hash; an expired entry is removed and reported
// as a miss, a checksum mismatch is removed and flagged as corruption.
func (s *NamespacedStore) Get(ctx context.Context, owner models.CacheContext, baseKey string, out any) bool {
	entry, ok := s.GetEntry(ctx, owner, baseKey)
	if !ok {
		return false
	}
	if entry.Metadata.Encrypted || entry.Metadata.Compressed {
		s.counters.misses.Add(1)
		return false
	}

	if err := json.Unmarshal(entry.Data, out); err != nil {
		s.purgeCorrupt(ctx, owner, baseKey, "payload unmarshal failed")
		return false
	}

	s.counters.hits.Add(1)
	return true
}

// GetEntry retrieves the full entry envelope after TTL and integrity
// validation. Callers that decrypt (the secure cache) verify the
// plaintext checksum themselves after decryption.
func (s *NamespacedStore) GetEntry(ctx context.Context, owner models.CacheContext, baseKey string) (*models.CacheEntry, bool) {
	key, err := s.codec.Encode(owner, baseKey)
	if err != nil {
		return nil, false
	}

	raw, err := s.substrate.Get(ctx, key)
	if err != nil {
		if err != ErrNotFound {
			s.counters.storageFaults.Add(1)
			s.logger.Error("Substrate read failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		s.counters.misses.Add(1)
		return nil, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.purgeCorrupt(ctx, owner, baseKey, "entry unmarshal failed")
		return nil, false
	}

	if entry.Expired(time.Now()) {
		s.counters.expiredRemoved.Add(1)
		_ = s.substrate.Delete(ctx, key)
		s.counters.misses.Add(1)
		return nil, false
	}

	// Encrypted and compressed payloads carry a plaintext checksum the
	// decrypting caller verifies after unwrapping.
	if !entry.Metadata.Encrypted && !entry.Metadata.Compressed && entry.Metadata.Checksum != "" {
		if !security.VerifyChecksum(entry.Data, entry.Metadata.Checksum) {
			s.purgeCorrupt(ctx, owner, baseKey, "checksum mismatch")
			return nil, false
		}
	}

	return &entry, true
}

// Remove deletes an entry. Returns false only on substrate faults.
func (s *NamespacedStore) Remove(ctx context.Context, owner models.CacheContext, baseKey string) bool {
	key, err := s.codec.Encode(owner, baseKey)
	if err != nil {
		return false
	}
	if err := s.substrate.Delete(ctx, key); err != nil {
		s.counters.storageFaults.Add(1)
		s.logger.Error("Substrate delete failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}
	return true
}

// ClearForContext removes every entry owned by the context's tenant and
// user and returns the count.
func (s *NamespacedStore) ClearForContext(ctx context.Context, owner models.CacheContext) int {
	return s.clearMatching(ctx, func(tenantID, userID string) bool {
		return tenantID == owner.TenantID && userID == owner.UserID
	})
}

// ClearForTenant removes every entry owned by the tenant, regardless of
// user, and returns the count.
func (s *NamespacedStore) ClearForTenant(ctx context.Context, tenantID string) int {
	return s.clearMatching(ctx, func(t, _ string) bool {
		return t == tenantID
	})
}

// ClearAll removes every entry under this store's grammar.
func (s *NamespacedStore) ClearAll(ctx context.Context) int {
	return s.clearMatching(ctx, func(string, string) bool { return true })
}

// ClearExpired removes entries whose TTL has elapsed and returns the count.
func (s *NamespacedStore) ClearExpired(ctx context.Context) int {
	keys, err := s.keys(ctx)
	if err != nil {
		return 0
	}

	now := time.Now()
	cleared := 0
	for _, key := range keys {
		raw, err := s.substrate.Get(ctx, key)
		if err != nil {
			continue
		}
		var entry models.CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if entry.Expired(now) {
			if err := s.substrate.Delete(ctx, key); err == nil {
				cleared++
				s.counters.expiredRemoved.Add(1)
			}
		}
	}

	if cleared > 0 {
		s.logger.Debug("Cleared expired entries", map[string]interface{}{
			"count": cleared,
		})
	}
	return cleared
}

// Keys returns all namespaced keys under this store's grammar.
func (s *NamespacedStore) Keys(ctx context.Context) []string {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil
	}
	return keys
}

// KeysForTenant returns the namespaced keys owned by a tenant.
func (s *NamespacedStore) KeysForTenant(ctx context.Context, tenantID string) []string {
	var out []string
	for _, key := range s.Keys(ctx) {
		t, _, _, ok := s.codec.Decode(key)
		if ok && t == tenantID {
			out = append(out, key)
		}
	}
	return out
}

// EntryCount returns the number of entries under this store's grammar.
func (s *NamespacedStore) EntryCount(ctx context.Context) int {
	return len(s.Keys(ctx))
}

// UsedBytes returns the substrate's total usage. The figure covers the
// whole substrate, not only this grammar: quota pressure is a property
// of the shared storage, not one namespace.
func (s *NamespacedStore) UsedBytes(ctx context.Context) int64 {
	used, err := s.substrate.UsedBytes(ctx)
	if err != nil {
		s.counters.storageFaults.Add(1)
		return 0
	}
	return used
}

// Stats returns a snapshot of the store counters.
func (s *NamespacedStore) Stats() StoreStats {
	return StoreStats{
		Hits:               s.counters.hits.Load(),
		Misses:             s.counters.misses.Load(),
		ExpiredRemoved:     s.counters.expiredRemoved.Load(),
		CorruptionDetected: s.counters.corruptionDetected.Load(),
		OversizedRejected:  s.counters.oversizedRejected.Load(),
		StorageFaults:      s.counters.storageFaults.Load(),
	}
}

func (s *NamespacedStore) keys(ctx context.Context) ([]string, error) {
	all, err := s.substrate.Keys(ctx)
	if err != nil {
		s.counters.storageFaults.Add(1)
		s.logger.Error("Substrate key scan failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	var owned []string
	for _, key := range all {
		if s.codec.Owns(key) {
			owned = append(owned, key)
		}
	}
	return owned, nil
}

func (s *NamespacedStore) clearMatching(ctx context.Context, match func(tenantID, userID string) bool) int {
	keys, err := s.keys(ctx)
	if err != nil {
		return 0
	}

	cleared := 0
	for _, key := range keys {
		tenantID, userID, _, ok := s.codec.Decode(key)
		if !ok || !match(tenantID, userID) {
			continue
		}
		if err := s.substrate.Delete(ctx, key); err != nil {
			s.counters.storageFaults.Add(1)
			continue
		}
		cleared++
	}
	return cleared
}

func (s *NamespacedStore) purgeCorrupt(ctx context.Context, owner models.CacheContext, baseKey, reason string) {
	key, err := s.codec.Encode(owner, baseKey)
	if err != nil {
		return
	}
	s.counters.corruptionDetected.Add(1)
	s.counters.misses.Add(1)
	_ = s.substrate.Delete(ctx, key)
	s.logger.Warn("Purged corrupt entry", map[string]interface{}{
		"key":    key,
		"reason": reason,
	})
	if s.onCorruption != nil {
		s.onCorruption(key, reason)
	}
}
