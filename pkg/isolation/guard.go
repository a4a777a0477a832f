package isolation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flex-pms/securecache/pkg/cache"
	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
	"github.com/flex-pms/securecache/pkg/storage"
)

// Sentinel errors.
var (
	ErrNotInitialized     = errors.New("isolation guard not initialized")
	ErrCrossTenantBlocked = errors.New("cross-tenant access denied by policy")
)

// IsolationPolicy tunes how strictly the guard enforces tenant
// boundaries. The zero value is NOT a sane policy; use DefaultPolicy.
type IsolationPolicy struct {
	// StrictMode makes precondition violations hard errors. When off
	// they degrade to misses.
	StrictMode bool `json:"strictMode" mapstructure:"strict_mode"`
	// AllowCrossTenantRead gates MigrateTenantData. Off by default.
	AllowCrossTenantRead bool `json:"allowCrossTenantRead" mapstructure:"allow_cross_tenant_read"`
	// AuditAllOperations records system-key operations in the audit
	// log in addition to the cache's own records.
	AuditAllOperations bool `json:"auditAllOperations" mapstructure:"audit_all_operations"`
	// EncryptSensitiveData controls whether schema-sensitive keys are
	// ciphertext at rest.
	EncryptSensitiveData bool `json:"encryptSensitiveData" mapstructure:"encrypt_sensitive_data"`
	// ValidateOnAccess requires an initialized context before any
	// tenant-scoped operation.
	ValidateOnAccess bool `json:"validateOnAccess" mapstructure:"validate_on_access"`
}

// DefaultPolicy is the fail-closed default: strict, no cross-tenant
// reads, everything audited and encrypted.
func DefaultPolicy() IsolationPolicy {
	return IsolationPolicy{
		StrictMode:           true,
		AllowCrossTenantRead: false,
		AuditAllOperations:   true,
		EncryptSensitiveData: true,
		ValidateOnAccess:     true,
	}
}

// MigrationPlan names the entries to re-own from one tenant context to
// another. Migration is privileged and requires
// IsolationPolicy.AllowCrossTenantRead.
type MigrationPlan struct {
	Source           models.CacheContext `json:"source"`
	Target           models.CacheContext `json:"target"`
	Keys             []string            `json:"keys"`
	RemoveFromSource bool                `json:"removeFromSource"`
}

// MigrationResult reports per-key outcomes of a migration.
type MigrationResult struct {
	Success       bool     `json:"success"`
	MigratedCount int      `json:"migratedCount"`
	Errors        []string `json:"errors,omitempty"`
}

// SecurityValidation is the outcome of a full storage security sweep.
type SecurityValidation struct {
	Valid      bool                  `json:"valid"`
	Integrity  cache.IntegrityReport `json:"integrity"`
	Violations int                   `json:"violations"`
}

// Guard is the tenant isolation layer over the secure cache. It owns
// the key schema, routes system keys to the system namespace, and
// performs the synchronous old-tenant clear on tenant change.
type Guard struct {
	cache  *cache.SecureCache
	schema *KeySchema
	logger observability.Logger

	// mu serializes Initialize and MigrateTenantData so context
	// juggling never interleaves. policyMu guards the policy and
	// active context separately; the cache's key classifier reads the
	// policy while mu is held.
	mu       sync.Mutex
	policyMu sync.RWMutex
	policy   IsolationPolicy
	active   *models.CacheContext
}

// systemContext owns global entries; tenant clears never touch it.
var systemContext = models.CacheContext{TenantID: SystemTenantID, UserID: "global"}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithPolicy sets the policy in force before Initialize runs.
func WithPolicy(policy IsolationPolicy) GuardOption {
	return func(g *Guard) { g.policy = policy }
}

// NewGuard wires a guard over a secure cache. It installs the schema's
// sensitivity verdict (gated by the live policy) as the cache's key
// classifier.
func NewGuard(c *cache.SecureCache, schema *KeySchema, logger observability.Logger, opts ...GuardOption) *Guard {
	g := &Guard{
		cache:  c,
		schema: schema,
		logger: logger.WithPrefix("isolation"),
		policy: DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(g)
	}
	c.SetSensitiveFunc(func(key string) bool {
		g.policyMu.RLock()
		encrypt := g.policy.EncryptSensitiveData
		g.policyMu.RUnlock()
		return encrypt && schema.Sensitive(key)
	})
	return g
}

// Schema exposes the key schema for registration of app-specific keys.
func (g *Guard) Schema() *KeySchema {
	return g.schema
}

// Policy returns the active policy.
func (g *Guard) Policy() IsolationPolicy {
	g.policyMu.RLock()
	defer g.policyMu.RUnlock()
	return g.policy
}

// Initialize accepts a context and policy. When the tenant changes from
// the previously active one, the old tenant's entries are cleared
// synchronously, before the new context is accepted; a failure there
// rejects the initialization rather than risking cross-tenant reads.
func (g *Guard) Initialize(ctx context.Context, c models.CacheContext, policy IsolationPolicy) error {
	if !c.Valid() || c.TenantID == "" {
		return fmt.Errorf("%w: %s", cache.ErrInvalidContext, c)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.policyMu.RLock()
	previous := g.active
	g.policyMu.RUnlock()

	if previous != nil && previous.TenantID != c.TenantID {
		result := g.cache.SwitchTenant(ctx, c)
		if !result.Success {
			return fmt.Errorf("tenant switch failed: %v", result.Errors)
		}
		g.logger.Info("Tenant boundary crossed", map[string]interface{}{
			"old_tenant": previous.TenantID,
			"new_tenant": c.TenantID,
			"cleared":    result.Cleared,
		})
	} else {
		if err := g.cache.SetContext(ctx, c); err != nil {
			return err
		}
	}

	g.policyMu.Lock()
	g.policy = policy
	g.active = &c
	g.policyMu.Unlock()
	return nil
}

// Active returns the active context, if any.
func (g *Guard) Active() (models.CacheContext, bool) {
	g.policyMu.RLock()
	defer g.policyMu.RUnlock()
	if g.active == nil {
		return models.CacheContext{}, false
	}
	return *g.active, true
}

// Set stores a value under its schema classification. System keys are
// written to the system namespace and bypass tenant validation.
func (g *Guard) Set(ctx context.Context, key string, data any, ttl time.Duration) (bool, error) {
	spec := g.schema.Classify(key)

	if !spec.TenantScoped {
		return g.setSystem(ctx, key, data, ttl, spec)
	}

	if proceed, err := g.precondition(); !proceed {
		return false, err
	}
	return g.cache.Set(ctx, key, data, cache.Options{TTL: ttl, Category: spec.Category})
}

// Get retrieves a value into out, routing system keys to the system
// namespace.
func (g *Guard) Get(ctx context.Context, key string, out any) (bool, error) {
	spec := g.schema.Classify(key)

	if !spec.TenantScoped {
		found, err := g.getSystem(ctx, key, out)
		return found, err
	}

	if proceed, err := g.precondition(); !proceed {
		return false, err
	}
	return g.cache.Get(ctx, key, out)
}

// Remove deletes a key under its schema routing.
func (g *Guard) Remove(ctx context.Context, key string) (bool, error) {
	spec := g.schema.Classify(key)

	if !spec.TenantScoped {
		ok := g.cache.Store().Remove(ctx, systemContext, key)
		g.auditSystem(models.OpDelete, key, ok)
		return ok, nil
	}

	if proceed, err := g.precondition(); !proceed {
		return false, err
	}
	return g.cache.Delete(ctx, key)
}

// ClearTenant removes every entry of the active tenant.
func (g *Guard) ClearTenant(ctx context.Context) (int, error) {
	if proceed, err := g.precondition(); !proceed {
		return 0, err
	}
	return g.cache.ClearTenantCache(ctx)
}

// MigrateTenantData re-owns the planned keys from the source context to
// the target. It temporarily switches the cache context per key and
// restores the caller's context after each key, even on failure, so the
// temporary context never leaks to unrelated callers between keys.
// Requires AllowCrossTenantRead.
func (g *Guard) MigrateTenantData(ctx context.Context, plan MigrationPlan) MigrationResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.policyMu.RLock()
	allowed := g.policy.AllowCrossTenantRead
	g.policyMu.RUnlock()
	if !allowed {
		return MigrationResult{Errors: []string{ErrCrossTenantBlocked.Error()}}
	}
	if !plan.Source.Valid() || !plan.Target.Valid() {
		return MigrationResult{Errors: []string{cache.ErrInvalidContext.Error()}}
	}

	original, hadOriginal := g.cache.CurrentContext()
	result := MigrationResult{Success: true}

	for _, key := range plan.Keys {
		if err := g.migrateKey(ctx, plan, key, original, hadOriginal); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		result.MigratedCount++
	}

	g.logger.Info("Tenant data migration finished", map[string]interface{}{
		"source":   plan.Source.TenantID,
		"target":   plan.Target.TenantID,
		"migrated": result.MigratedCount,
		"errors":   len(result.Errors),
	})
	return result
}

// migrateKey copies one key. Values are carried as raw JSON so the
// round trip is type-agnostic; encrypted entries are re-encrypted for
// the target tenant by the write. The caller's context is restored
// before returning, success or not, so the temporary migration context
// is never observable between keys.
func (g *Guard) migrateKey(ctx context.Context, plan MigrationPlan, key string, original models.CacheContext, hadOriginal bool) (err error) {
	defer func() {
		var rerr error
		if hadOriginal {
			rerr = g.cache.SetContext(ctx, original)
		} else {
			g.cache.ClearContext()
		}
		if rerr != nil && err == nil {
			err = fmt.Errorf("restore context: %w", rerr)
		}
	}()

	if err := g.cache.SetContext(ctx, plan.Source); err != nil {
		return err
	}

	var value json.RawMessage
	found, err := g.cache.Get(ctx, key, &value)
	if err != nil {
		return err
	}
	if !found {
		return storage.ErrNotFound
	}

	if err := g.cache.SetContext(ctx, plan.Target); err != nil {
		return err
	}
	ok, err := g.cache.Set(ctx, key, value, cache.Options{})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("write under target rejected")
	}

	if plan.RemoveFromSource {
		if err := g.cache.SetContext(ctx, plan.Source); err != nil {
			return err
		}
		if _, err := g.cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStorageSecurity runs a full integrity pass and reports it
// together with the audit log's violation count.
func (g *Guard) ValidateStorageSecurity(ctx context.Context) SecurityValidation {
	integrity := g.cache.ValidateCacheIntegrity(ctx)
	violations := len(g.cache.Audit().SecurityViolations())
	return SecurityValidation{
		Valid:      integrity.Valid && violations == 0,
		Integrity:  integrity,
		Violations: violations,
	}
}

// precondition enforces ValidateOnAccess. In strict mode a missing
// context is a hard error; otherwise the operation degrades to a miss.
func (g *Guard) precondition() (bool, error) {
	g.policyMu.RLock()
	defer g.policyMu.RUnlock()
	if !g.policy.ValidateOnAccess || g.active != nil {
		return true, nil
	}
	if g.policy.StrictMode {
		return false, ErrNotInitialized
	}
	return false, nil
}

func (g *Guard) setSystem(ctx context.Context, key string, data any, ttl time.Duration, spec KeySpec) (bool, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return false, nil
	}
	ok := g.cache.Store().Set(ctx, systemContext, key, json.RawMessage(raw), storage.SetOptions{
		TTL:      ttl,
		Category: spec.Category,
	})
	g.auditSystem(models.OpSet, key, ok)
	return ok, nil
}

func (g *Guard) getSystem(ctx context.Context, key string, out any) (bool, error) {
	found := g.cache.Store().Get(ctx, systemContext, key, out)
	g.auditSystem(models.OpGet, key, found)
	return found, nil
}

func (g *Guard) auditSystem(op models.AuditOperation, key string, success bool) {
	g.policyMu.RLock()
	audit := g.policy.AuditAllOperations
	g.policyMu.RUnlock()
	if audit {
		g.cache.Audit().Record(op, key, systemContext, success, "", "system key")
	}
}
