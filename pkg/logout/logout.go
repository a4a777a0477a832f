// Package logout implements the atomic logout orchestrator: five
// ordered phases (server invalidation, cross-process broadcast, layer
// clearing, verification with emergency wipe fallback, audit), each
// independently fault tolerant.
package logout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flex-pms/securecache/pkg/cache"
	"github.com/flex-pms/securecache/pkg/events"
	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
	"github.com/flex-pms/securecache/pkg/storage"
)

// auditCapacity bounds the retained logout audits.
const auditCapacity = 50

// Options controls a single logout run.
type Options struct {
	// Reason is recorded in the audit.
	Reason string
	// SessionToken is revoked server-side when set.
	SessionToken string
	// AllSessions revokes every session of the user, not just this one.
	AllSessions bool
	// GracefulFallback keeps going after a phase failure, appending to
	// Errors. When false the first failure aborts the run.
	GracefulFallback bool
}

// DefaultOptions returns the standard logout options: graceful
// fallback on, single-session revocation.
func DefaultOptions() Options {
	return Options{GracefulFallback: true}
}

// SessionInvalidator revokes sessions server-side. *auth.Client
// satisfies it; nil disables the server phase.
type SessionInvalidator interface {
	InvalidateSession(ctx context.Context, token string, all bool) error
}

// Orchestrator coordinates logout across every storage layer this
// subsystem owns and across sibling processes via the broadcast bus.
type Orchestrator struct {
	cache     *cache.SecureCache
	stores    []*storage.NamespacedStore
	ephemeral *storage.EphemeralStore
	sessions  SessionInvalidator
	bus       events.Bus
	origin    string
	logger    observability.Logger

	// mu serializes logout runs.
	mu          sync.Mutex
	audits      []models.LogoutAudit
	unsubscribe func()
}

// NewOrchestrator wires the orchestrator and subscribes it to the bus:
// a remote LOGOUT_INITIATED message triggers local-only cleanup, never
// another server call or re-broadcast.
func NewOrchestrator(c *cache.SecureCache, extraStores []*storage.NamespacedStore, ephemeral *storage.EphemeralStore, sessions SessionInvalidator, bus events.Bus, logger observability.Logger) *Orchestrator {
	o := &Orchestrator{
		cache:     c,
		stores:    append([]*storage.NamespacedStore{c.Store()}, extraStores...),
		ephemeral: ephemeral,
		sessions:  sessions,
		bus:       bus,
		origin:    events.NewOrigin(),
		logger:    logger.WithPrefix("logout"),
	}
	if bus != nil {
		o.unsubscribe = bus.Subscribe(o.onRemoteMessage)
	}
	return o
}

// Close unsubscribes from the bus.
func (o *Orchestrator) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}

// Origin returns the process-unique identifier this orchestrator
// publishes under.
func (o *Orchestrator) Origin() string {
	return o.origin
}

// Audits returns the retained logout audits, oldest first.
func (o *Orchestrator) Audits() []models.LogoutAudit {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.LogoutAudit, len(o.audits))
	copy(out, o.audits)
	return out
}

// ExecuteLogout runs the five logout phases for the given context.
func (o *Orchestrator) ExecuteLogout(ctx context.Context, c models.CacheContext, opts Options) models.LogoutResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	started := time.Now()
	result := models.LogoutResult{Context: c}
	preEntries := o.countTenantKeys(ctx, c.TenantID)

	abort := func() bool {
		return len(result.Errors) > 0 && !opts.GracefulFallback
	}

	// Phase 1: server-side session invalidation.
	result.PhasesRun = append(result.PhasesRun, models.PhaseServerInvalidation)
	if o.sessions != nil && opts.SessionToken != "" {
		if err := o.sessions.InvalidateSession(ctx, opts.SessionToken, opts.AllSessions); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("server invalidation: %v", err))
		}
	}
	if abort() {
		return o.finish(c, opts.Reason, preEntries, result, started)
	}

	// Phase 2: tell sibling processes before local state disappears.
	result.PhasesRun = append(result.PhasesRun, models.PhaseBroadcast)
	if o.bus != nil {
		msg := events.NewMessage(events.TypeLogoutInitiated, c, o.origin)
		if err := o.bus.Publish(ctx, msg); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("broadcast: %v", err))
		}
	}
	if abort() {
		return o.finish(c, opts.Reason, preEntries, result, started)
	}

	// Phase 3: sequential clearing of every owned layer.
	result.PhasesRun = append(result.PhasesRun, models.PhaseClearLayers)
	result.ClearedEntries = o.clearLayers(ctx, c)
	if abort() {
		return o.finish(c, opts.Reason, preEntries, result, started)
	}

	// Phase 4: verification, with an emergency wipe as the fallback.
	result.PhasesRun = append(result.PhasesRun, models.PhaseVerification)
	leaked := o.tenantKeys(ctx, c.TenantID)
	if len(leaked) > 0 {
		result.EmergencyWipe = true
		result.Errors = append(result.Errors,
			fmt.Sprintf("verification found %d residual keys, forcing wipe", len(leaked)))
		o.wipeAll(ctx)
		leaked = o.tenantKeys(ctx, c.TenantID)
	}
	result.LeakedKeys = leaked

	result.Success = len(result.Errors) == 0 && len(leaked) == 0
	return o.finish(c, opts.Reason, preEntries, result, started)
}

// ExecuteTenantSwitch switches the cache to the new tenant and tells
// sibling processes to drop the old tenant's local data. Like the
// logout broadcast, receivers clean up locally only and never
// re-broadcast.
func (o *Orchestrator) ExecuteTenantSwitch(ctx context.Context, newCtx models.CacheContext) cache.SwitchResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	old, hadOld := o.cache.CurrentContext()
	result := o.cache.SwitchTenant(ctx, newCtx)
	if !result.Success {
		return result
	}

	if o.bus != nil && hadOld && old.TenantID != newCtx.TenantID {
		msg := events.NewMessage(events.TypeTenantSwitched, old, o.origin)
		if err := o.bus.Publish(ctx, msg); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("broadcast: %v", err))
		}
	}
	return result
}

// EmergencyLogout clears everything unconditionally and skips
// verification, for use when the subsystem itself may be corrupted.
func (o *Orchestrator) EmergencyLogout(ctx context.Context, reason string) models.LogoutResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	started := time.Now()
	current, _ := o.cache.CurrentContext()
	result := models.LogoutResult{
		Context:       current,
		EmergencyWipe: true,
		PhasesRun:     []models.LogoutPhase{models.PhaseClearLayers},
	}

	preEntries := 0
	for _, store := range o.stores {
		preEntries += store.EntryCount(ctx)
	}

	result.ClearedEntries = o.wipeAll(ctx)
	result.Success = true

	o.logger.Warn("Emergency logout executed", map[string]interface{}{
		"reason":  reason,
		"cleared": result.ClearedEntries,
	})
	return o.finish(current, reason, preEntries, result, started)
}

// onRemoteMessage handles bus traffic. Own messages are skipped; a
// remote logout or tenant switch triggers local-only cleanup of the
// departed context, with no server call and no re-broadcast.
func (o *Orchestrator) onRemoteMessage(msg events.Message) {
	if msg.Origin == o.origin {
		return
	}
	switch msg.Type {
	case events.TypeLogoutInitiated, events.TypeTenantSwitched:
	default:
		return
	}

	ctx := context.Background()
	o.mu.Lock()
	defer o.mu.Unlock()

	cleared := o.clearLayers(ctx, msg.Context)
	o.logger.Info("Local cleanup after remote coordination message", map[string]interface{}{
		"type":      msg.Type,
		"tenant_id": msg.Context.TenantID,
		"cleared":   cleared,
	})
}

// clearLayers clears the tenant's entries from every store, drops the
// ephemeral layer and the cache context. Callers hold o.mu.
func (o *Orchestrator) clearLayers(ctx context.Context, c models.CacheContext) int {
	cleared := 0
	for _, store := range o.stores {
		cleared += store.ClearForTenant(ctx, c.TenantID)
	}
	o.ephemeral.Clear()
	o.cache.ClearContext()
	return cleared
}

// wipeAll clears every store completely, regardless of owner.
func (o *Orchestrator) wipeAll(ctx context.Context) int {
	cleared := 0
	for _, store := range o.stores {
		cleared += store.ClearAll(ctx)
	}
	o.ephemeral.Clear()
	o.cache.ClearContext()
	return cleared
}

func (o *Orchestrator) tenantKeys(ctx context.Context, tenantID string) []string {
	var leaked []string
	for _, store := range o.stores {
		leaked = append(leaked, store.KeysForTenant(ctx, tenantID)...)
	}
	return leaked
}

func (o *Orchestrator) countTenantKeys(ctx context.Context, tenantID string) int {
	return len(o.tenantKeys(ctx, tenantID))
}

// finish stamps the result, records the audit and returns. Callers
// hold o.mu.
func (o *Orchestrator) finish(c models.CacheContext, reason string, preEntries int, result models.LogoutResult, started time.Time) models.LogoutResult {
	result.Duration = time.Since(started)
	result.SecurityScore = models.SecurityScore(len(result.LeakedKeys))
	result.PhasesRun = append(result.PhasesRun, models.PhaseAudit)

	o.audits = append(o.audits, models.LogoutAudit{
		Timestamp:        time.Now(),
		Context:          c,
		Reason:           reason,
		PreLogoutEntries: preEntries,
		Result:           result,
	})
	if len(o.audits) > auditCapacity {
		o.audits = append(o.audits[:0:0], o.audits[len(o.audits)-auditCapacity:]...)
	}

	if !result.Success && len(result.Errors) > 0 {
		o.logger.Error("Logout finished with errors", map[string]interface{}{
			"tenant_id": c.TenantID,
			"errors":    len(result.Errors),
			"score":     result.SecurityScore,
		})
	}
	return result
}
