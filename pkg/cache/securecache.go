// Package cache implements the context-aware secure cache: encryption
// and checksum validation for sensitive entries, a security audit ring
// buffer, and an atomic tenant-switch lock. Built on the namespaced
// storage layer; wrong-owner reads are treated as corruption, never as
// a plain miss.
package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
	"github.com/flex-pms/securecache/pkg/security"
	"github.com/flex-pms/securecache/pkg/storage"
)

// Sentinel errors. Missing context is a caller bug, not an environment
// fault, so it surfaces as an error instead of degrading to a miss.
var (
	ErrNoContext      = errors.New("no cache context set")
	ErrInvalidContext = errors.New("cache context is invalid")
)

// DefaultIntegrityInterval is how often the background integrity pass runs.
const DefaultIntegrityInterval = 5 * time.Minute

// sessionKeyName locates the per-session symmetric key in the
// ephemeral store. The key never touches persistent storage.
const sessionKeyName = "securecache.session_key"

// defaultSensitivePatterns classify keys that must be ciphertext at
// rest when no external classifier is installed.
var defaultSensitivePatterns = []string{
	"auth", "token", "session", "password", "secret", "key", "credential",
}

// Options controls a single Set operation.
type Options struct {
	// TTL of zero means no expiry.
	TTL time.Duration
	// Category defaults to the classifier's verdict: auth for
	// sensitive keys, data otherwise.
	Category models.CacheCategory
}

// SwitchResult reports the outcome of a tenant switch. Residual keys
// found by the verification pass are force-cleared and recorded in
// Errors; they never block the commit.
type SwitchResult struct {
	Success bool     `json:"success"`
	Cleared int      `json:"cleared"`
	Errors  []string `json:"errors,omitempty"`
}

// IntegrityReport is the outcome of a validation pass.
type IntegrityReport struct {
	Valid      bool     `json:"valid"`
	Issues     []string `json:"issues,omitempty"`
	FixedCount int      `json:"fixedCount"`
}

// SensitiveFunc decides whether a key holds sensitive data.
type SensitiveFunc func(key string) bool

// SecureCache is the context-aware cache. Exactly one context is
// current at a time; every read validates the entry owner against
// whatever context is current at read time.
type SecureCache struct {
	store     *storage.NamespacedStore
	ephemeral *storage.EphemeralStore
	logger    observability.Logger
	audit     *AuditLog
	sensitive SensitiveFunc

	// mu guards current and enc. switchSem serializes tenant switches
	// with FIFO waiters; ordinary operations are not mutually
	// exclusive with each other.
	mu        sync.RWMutex
	current   *models.CacheContext
	enc       *security.EncryptionService
	switchSem *semaphore.Weighted

	integrityInterval time.Duration
	loopOnce          sync.Once
	done              chan struct{}
}

// CacheOption configures a SecureCache.
type CacheOption func(*SecureCache)

// WithAuditCapacity overrides the audit ring buffer capacity.
func WithAuditCapacity(capacity int) CacheOption {
	return func(c *SecureCache) { c.audit = NewAuditLog(capacity) }
}

// WithSensitiveFunc installs an external key classifier.
func WithSensitiveFunc(fn SensitiveFunc) CacheOption {
	return func(c *SecureCache) { c.sensitive = fn }
}

// SetSensitiveFunc replaces the key classifier. The isolation guard
// installs its schema-backed classifier here after wiring.
func (c *SecureCache) SetSensitiveFunc(fn SensitiveFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensitive = fn
}

// WithIntegrityInterval overrides the background validation interval.
func WithIntegrityInterval(interval time.Duration) CacheOption {
	return func(c *SecureCache) { c.integrityInterval = interval }
}

// NewSecureCache creates a secure cache over a namespaced store and an
// ephemeral store. The namespaced store should use the secure key
// grammar (storage.SecureCodec).
func NewSecureCache(store *storage.NamespacedStore, ephemeral *storage.EphemeralStore, logger observability.Logger, opts ...CacheOption) *SecureCache {
	c := &SecureCache{
		store:             store,
		ephemeral:         ephemeral,
		logger:            logger.WithPrefix("securecache"),
		audit:             NewAuditLog(DefaultAuditCapacity),
		sensitive:         MatchSensitivePatterns(defaultSensitivePatterns),
		switchSem:         semaphore.NewWeighted(1),
		integrityInterval: DefaultIntegrityInterval,
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MatchSensitivePatterns builds a SensitiveFunc from substring patterns.
func MatchSensitivePatterns(patterns []string) SensitiveFunc {
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return func(key string) bool {
		k := strings.ToLower(key)
		for _, p := range lowered {
			if strings.Contains(k, p) {
				return true
			}
		}
		return false
	}
}

// SetContext makes the given context current. Before any caller can
// read, it synchronously sweeps the new tenant's namespace and purges
// any entry whose embedded owner names a different tenant
// (cross-contamination sweep). Other tenants' namespaces are left to
// SwitchTenant, logout and the orphan scan.
func (c *SecureCache) SetContext(ctx context.Context, newCtx models.CacheContext) error {
	if !newCtx.Valid() || newCtx.TenantID == "" {
		return fmt.Errorf("%w: %s", ErrInvalidContext, newCtx)
	}

	c.mu.Lock()
	if err := c.ensureSessionKeyLocked(false); err != nil {
		c.mu.Unlock()
		return err
	}
	c.current = &newCtx
	c.mu.Unlock()

	purged := c.sweepContamination(ctx, newCtx.TenantID)
	if purged > 0 {
		c.audit.Record(models.OpClear, "*", newCtx, true, models.IssueTenantMismatch,
			fmt.Sprintf("contamination sweep removed %d entries", purged))
	}

	c.logger.Info("Cache context set", map[string]interface{}{
		"tenant_id": newCtx.TenantID,
		"user_id":   newCtx.UserID,
		"purged":    purged,
	})
	return nil
}

// ClearContext drops the current context and the session key. Entries
// are not touched; callers clear them first (logout does).
func (c *SecureCache) ClearContext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	c.enc = nil
	c.ephemeral.Delete(sessionKeyName)
}

// CurrentContext returns the current context, if any.
func (c *SecureCache) CurrentContext() (models.CacheContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return models.CacheContext{}, false
	}
	return *c.current, true
}

// Audit exposes the security audit log to the diagnostics surface.
func (c *SecureCache) Audit() *AuditLog {
	return c.audit
}

// Store exposes the underlying namespaced store to sibling components
// (isolation guard, health checker, logout orchestrator).
func (c *SecureCache) Store() *storage.NamespacedStore {
	return c.store
}

// SwitchTenant atomically replaces the current tenant. Concurrent
// switches are serialized FIFO: a second caller waits for the first to
// finish rather than racing it. The new context becomes current only
// after all of the old tenant's entries are removed and a verification
// pass confirms zero remain; residuals found by verification are
// force-cleared and recorded as errors without blocking the commit.
func (c *SecureCache) SwitchTenant(ctx context.Context, newCtx models.CacheContext) SwitchResult {
	if !newCtx.Valid() || newCtx.TenantID == "" {
		return SwitchResult{Errors: []string{ErrInvalidContext.Error()}}
	}

	if err := c.switchSem.Acquire(ctx, 1); err != nil {
		return SwitchResult{Errors: []string{fmt.Sprintf("switch lock: %v", err)}}
	}
	defer c.switchSem.Release(1)

	result := SwitchResult{Success: true}

	c.mu.RLock()
	old := c.current
	c.mu.RUnlock()

	if old != nil && old.TenantID != newCtx.TenantID {
		result.Cleared = c.store.ClearForTenant(ctx, old.TenantID)

		// Verification pass: nothing of the old tenant may remain.
		for _, residual := range c.store.KeysForTenant(ctx, old.TenantID) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("residual key after clear: %s", residual))
			c.forceRemove(ctx, residual)
		}
		if len(result.Errors) > 0 {
			c.logger.Error("Tenant switch found residual keys", map[string]interface{}{
				"old_tenant": old.TenantID,
				"residuals":  len(result.Errors),
			})
		}

		c.audit.Record(models.OpClear, "*", *old, true, "",
			fmt.Sprintf("tenant switch cleared %d entries", result.Cleared))
	}

	c.mu.Lock()
	if err := c.ensureSessionKeyLocked(true); err != nil {
		c.mu.Unlock()
		result.Success = false
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	c.current = &newCtx
	c.mu.Unlock()

	c.logger.Info("Tenant switch committed", map[string]interface{}{
		"tenant_id": newCtx.TenantID,
		"cleared":   result.Cleared,
	})
	return result
}

// Set stores a value under the current context. Sensitive keys are
// encrypted; large payloads are compressed first. Returns false without
// error on storage-layer faults.
func (c *SecureCache) Set(ctx context.Context, key string, data any, opts Options) (bool, error) {
	cur, enc, err := c.snapshot()
	if err != nil {
		return false, err
	}

	plaintext, err := json.Marshal(data)
	if err != nil {
		c.audit.Record(models.OpSet, key, cur, false, "", "serialization failed")
		return false, nil
	}

	c.mu.RLock()
	classify := c.sensitive
	c.mu.RUnlock()
	sensitive := classify(key)
	category := opts.Category
	if category == "" {
		if sensitive {
			category = models.CategoryAuth
		} else {
			category = models.CategoryData
		}
	}

	checksum := security.Checksum(plaintext)
	body := plaintext
	compressed := false
	if len(body) > security.CompressionThreshold {
		if gz, err := security.Compress(body); err == nil && len(gz) < len(body) {
			body = gz
			compressed = true
		}
	}

	var payload any
	switch {
	case sensitive:
		ciphertext, err := enc.Encrypt(body, cur.TenantID)
		if err != nil {
			c.logger.Error("Encryption failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			c.audit.Record(models.OpSet, key, cur, false, "", "encryption failed")
			return false, nil
		}
		payload = ciphertext
	case compressed:
		payload = base64.StdEncoding.EncodeToString(body)
	default:
		payload = json.RawMessage(plaintext)
	}

	ok := c.store.Set(ctx, cur, key, payload, storage.SetOptions{
		TTL:        opts.TTL,
		Category:   category,
		Encrypted:  sensitive,
		Compressed: compressed,
		Checksum:   checksum,
	})
	c.audit.Record(models.OpSet, key, cur, ok, "", "")
	return ok, nil
}

// Get retrieves a value into out. The entry owner is validated against
// the context current at read time: a tenant mismatch, or a user
// mismatch on auth-category entries, is a security violation — the
// entry is deleted, audited, and the read reports not-found.
func (c *SecureCache) Get(ctx context.Context, key string, out any) (bool, error) {
	cur, enc, err := c.snapshot()
	if err != nil {
		return false, err
	}

	entry, ok := c.store.GetEntry(ctx, cur, key)
	if !ok {
		c.audit.Record(models.OpGet, key, cur, false, "", "")
		return false, nil
	}

	if issue := c.validateOwner(entry, cur); issue != "" {
		c.store.Remove(ctx, cur, key)
		c.audit.Record(models.OpGet, key, cur, false, issue, "owner validation failed")
		c.logger.Warn("Purged entry with wrong owner", map[string]interface{}{
			"key":          key,
			"entry_tenant": entry.Context.TenantID,
			"issue":        string(issue),
		})
		return false, nil
	}

	plaintext, ok := c.unwrap(entry, cur, enc)
	if !ok {
		c.store.Remove(ctx, cur, key)
		c.audit.Record(models.OpGet, key, cur, false, models.IssueCorrupted, "unwrap failed")
		return false, nil
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		c.store.Remove(ctx, cur, key)
		c.audit.Record(models.OpGet, key, cur, false, models.IssueCorrupted, "payload unmarshal failed")
		return false, nil
	}

	c.audit.Record(models.OpGet, key, cur, true, "", "")
	return true, nil
}

// Delete removes an entry. A wrong-owner entry under this key is still
// removed (fail closed) and audited as a violation.
func (c *SecureCache) Delete(ctx context.Context, key string) (bool, error) {
	cur, _, err := c.snapshot()
	if err != nil {
		return false, err
	}

	var issue models.SecurityIssue
	if entry, ok := c.store.GetEntry(ctx, cur, key); ok {
		issue = c.validateOwner(entry, cur)
	}

	ok := c.store.Remove(ctx, cur, key)
	c.audit.Record(models.OpDelete, key, cur, ok, issue, "")
	return ok, nil
}

// ClearTenantCache removes every entry of the current tenant and
// returns the count.
func (c *SecureCache) ClearTenantCache(ctx context.Context) (int, error) {
	cur, _, err := c.snapshot()
	if err != nil {
		return 0, err
	}

	cleared := c.store.ClearForTenant(ctx, cur.TenantID)
	c.audit.Record(models.OpClear, "*", cur, true,
		"", fmt.Sprintf("cleared %d entries", cleared))
	return cleared, nil
}

// ClearAllCache removes every entry under the secure grammar,
// regardless of owner. Safe to call repeatedly; a second call is a
// no-op returning zero.
func (c *SecureCache) ClearAllCache(ctx context.Context) int {
	cleared := c.store.ClearAll(ctx)

	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	audited := models.CacheContext{}
	if cur != nil {
		audited = *cur
	}
	c.audit.Record(models.OpClear, "*", audited, true, "",
		fmt.Sprintf("cleared all (%d entries)", cleared))
	return cleared
}

// ValidateCacheIntegrity removes expired, version-stale, cross-tenant
// and checksum-failing entries in one pass and reports counts. Runs on
// a fixed interval once Start is called; callers may also invoke it
// directly, e.g. when the host regains foreground visibility.
func (c *SecureCache) ValidateCacheIntegrity(ctx context.Context) IntegrityReport {
	report := IntegrityReport{Valid: true}

	c.mu.RLock()
	cur := c.current
	enc := c.enc
	c.mu.RUnlock()

	for _, key := range c.store.Keys(ctx) {
		tenantID, userID, baseKey, ok := c.store.Codec().Decode(key)
		if !ok {
			continue
		}
		owner := models.CacheContext{TenantID: tenantID, UserID: userID}

		entry, ok := c.store.GetEntry(ctx, owner, baseKey)
		if !ok {
			// GetEntry already removed it: expired or corrupt.
			report.Issues = append(report.Issues, fmt.Sprintf("expired or corrupt entry %s", key))
			report.FixedCount++
			continue
		}

		// A namespace key claiming a different owner inside is
		// contamination; whole foreign namespaces are the orphan
		// scan's business, not ours.
		if entry.Context.TenantID != tenantID {
			c.store.Remove(ctx, owner, baseKey)
			report.Issues = append(report.Issues, fmt.Sprintf("cross-tenant entry %s", key))
			report.FixedCount++
			continue
		}

		if entry.Metadata.Version != models.SchemaVersion {
			c.store.Remove(ctx, owner, baseKey)
			report.Issues = append(report.Issues, fmt.Sprintf("version drift on %s", key))
			report.FixedCount++
			continue
		}

		// Encrypted payloads can only be verified under the owner's
		// live session key.
		if entry.Metadata.Encrypted && enc != nil && cur != nil && tenantID == cur.TenantID {
			if _, ok := c.unwrap(entry, owner, enc); !ok {
				c.store.Remove(ctx, owner, baseKey)
				report.Issues = append(report.Issues, fmt.Sprintf("undecryptable entry %s", key))
				report.FixedCount++
			}
		}
	}

	report.Valid = report.FixedCount == 0
	if cur != nil {
		c.audit.Record(models.OpValidate, "*", *cur, report.Valid, "",
			fmt.Sprintf("integrity pass fixed %d entries", report.FixedCount))
	}
	if report.FixedCount > 0 {
		c.logger.Warn("Integrity pass removed entries", map[string]interface{}{
			"fixed": report.FixedCount,
		})
	}
	return report
}

// Start launches the periodic integrity validation loop.
func (c *SecureCache) Start(ctx context.Context) {
	c.loopOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.integrityInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.done:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.ValidateCacheIntegrity(ctx)
				}
			}
		}()
	})
}

// Stop terminates the integrity loop.
func (c *SecureCache) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// snapshot returns the current context and encryption service, or
// ErrNoContext when no context is set.
func (c *SecureCache) snapshot() (models.CacheContext, *security.EncryptionService, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return models.CacheContext{}, nil, ErrNoContext
	}
	return *c.current, c.enc, nil
}

// validateOwner applies the read-time isolation invariant.
func (c *SecureCache) validateOwner(entry *models.CacheEntry, cur models.CacheContext) models.SecurityIssue {
	if entry.Context.TenantID != cur.TenantID {
		return models.IssueTenantMismatch
	}
	if entry.Metadata.Category == models.CategoryAuth && entry.Context.UserID != cur.UserID {
		return models.IssueUnauthorized
	}
	return ""
}

// unwrap decrypts, decompresses and checksum-verifies an entry payload.
func (c *SecureCache) unwrap(entry *models.CacheEntry, owner models.CacheContext, enc *security.EncryptionService) ([]byte, bool) {
	body := []byte(entry.Data)

	if entry.Metadata.Encrypted {
		if enc == nil {
			return nil, false
		}
		var ciphertext string
		if err := json.Unmarshal(entry.Data, &ciphertext); err != nil {
			return nil, false
		}
		plain, err := enc.Decrypt(ciphertext, owner.TenantID)
		if err != nil {
			return nil, false
		}
		body = plain
	} else if entry.Metadata.Compressed {
		var encoded string
		if err := json.Unmarshal(entry.Data, &encoded); err != nil {
			return nil, false
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, false
		}
		body = decoded
	}

	if entry.Metadata.Compressed {
		plain, err := security.Decompress(body)
		if err != nil {
			return nil, false
		}
		body = plain
	}

	if entry.Metadata.Checksum != "" && !security.VerifyChecksum(body, entry.Metadata.Checksum) {
		return nil, false
	}
	return body, true
}

// sweepContamination removes entries stored under the tenant's
// namespace whose embedded context claims a different tenant.
func (c *SecureCache) sweepContamination(ctx context.Context, tenantID string) int {
	purged := 0
	for _, key := range c.store.KeysForTenant(ctx, tenantID) {
		_, userID, baseKey, ok := c.store.Codec().Decode(key)
		if !ok {
			continue
		}
		owner := models.CacheContext{TenantID: tenantID, UserID: userID}
		entry, ok := c.store.GetEntry(ctx, owner, baseKey)
		if !ok {
			continue
		}
		if entry.Context.TenantID != tenantID {
			c.store.Remove(ctx, owner, baseKey)
			purged++
		}
	}
	return purged
}

// forceRemove deletes by raw namespaced key.
func (c *SecureCache) forceRemove(ctx context.Context, namespacedKey string) {
	tenantID, userID, baseKey, ok := c.store.Codec().Decode(namespacedKey)
	if !ok {
		return
	}
	c.store.Remove(ctx, models.CacheContext{TenantID: tenantID, UserID: userID}, baseKey)
}

// ensureSessionKeyLocked loads or creates the per-session symmetric
// key. rotate forces a fresh key, invalidating any ciphertext written
// under the previous one. Callers hold c.mu.
func (c *SecureCache) ensureSessionKeyLocked(rotate bool) error {
	if !rotate {
		if c.enc != nil {
			return nil
		}
		if raw, ok := c.ephemeral.Get(sessionKeyName); ok {
			c.enc = security.NewEncryptionService(string(raw))
			return nil
		}
	}

	key, err := security.GenerateSessionKey()
	if err != nil {
		return fmt.Errorf("failed to establish session key: %w", err)
	}
	c.ephemeral.Set(sessionKeyName, []byte(key))
	c.enc = security.NewEncryptionService(key)
	return nil
}
