// Package recovery implements tiered self-healing driven by health
// reports: targeted fixes first, escalating to aggressive and nuclear
// strategies only when the damage warrants it, with critical data
// snapshotted around the destructive tiers.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flex-pms/securecache/pkg/health"
	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
	"github.com/flex-pms/securecache/pkg/storage"
)

// Rate limits. The cooldown grows exponentially while runs keep
// failing, so unfixable corruption cannot cause a thrashing loop.
const (
	DefaultCooldown    = 30 * time.Second
	MaxCooldown        = 10 * time.Minute
	DefaultMaxAttempts = 5
)

// backupPrefix namespaces critical-data snapshots in the ephemeral store.
const backupPrefix = "recovery.backup."

// Strategy is one registered healing action. Execute sees the health
// report that selected it and fixes what it can; observation of the
// result is the system's job, not the strategy's.
type Strategy struct {
	Name      string
	Tier      models.RecoveryTier
	AppliesTo []models.SecurityIssue
	Execute   func(ctx context.Context, report models.HealthReport) error
}

// System selects and runs recovery strategies against the raw storage.
type System struct {
	checker   *health.Checker
	substrate storage.Substrate
	codec     storage.KeyCodec
	ephemeral *storage.EphemeralStore
	session   health.SessionFunc
	logger    observability.Logger

	maxAttempts int

	mu         sync.Mutex
	strategies []Strategy
	lastRun    time.Time
	cooldown   time.Duration
	backoff    *backoff.ExponentialBackOff
}

// Option configures a System.
type Option func(*System)

// WithMaxAttempts overrides the per-run strategy ceiling.
func WithMaxAttempts(n int) Option {
	return func(s *System) { s.maxAttempts = n }
}

// WithCooldown overrides the base cooldown between runs.
func WithCooldown(d time.Duration) Option {
	return func(s *System) {
		s.cooldown = d
		s.backoff.InitialInterval = d
		s.backoff.Reset()
	}
}

// NewSystem creates a recovery system with the default strategy set
// registered. Additional strategies may be added with Register.
func NewSystem(checker *health.Checker, substrate storage.Substrate, codec storage.KeyCodec, ephemeral *storage.EphemeralStore, session health.SessionFunc, logger observability.Logger, opts ...Option) *System {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultCooldown
	b.MaxInterval = MaxCooldown
	b.MaxElapsedTime = 0
	b.Reset()

	s := &System{
		checker:     checker,
		substrate:   substrate,
		codec:       codec,
		ephemeral:   ephemeral,
		session:     session,
		logger:      logger.WithPrefix("recovery"),
		maxAttempts: DefaultMaxAttempts,
		cooldown:    DefaultCooldown,
		backoff:     b,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerDefaults()
	return s
}

// Register adds a strategy. Execution order within a tier follows
// registration order.
func (s *System) Register(strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies = append(s.strategies, strategy)
}

// AttemptRecovery runs the strategies selected by the report's issue
// set and maximum severity, ascending by tier, re-checking health after
// each one and stopping early once no issues remain. A nil report
// triggers a fresh health check first.
func (s *System) AttemptRecovery(ctx context.Context, report *models.HealthReport) models.RecoveryReport {
	s.mu.Lock()
	if since := time.Since(s.lastRun); !s.lastRun.IsZero() && since < s.cooldown {
		s.mu.Unlock()
		return models.RecoveryReport{
			Triggered:  time.Now(),
			Skipped:    true,
			SkipReason: fmt.Sprintf("cooldown: %s remaining", (s.cooldown - since).Round(time.Second)),
		}
	}
	s.lastRun = time.Now()
	strategies := make([]Strategy, len(s.strategies))
	copy(strategies, s.strategies)
	s.mu.Unlock()

	if report == nil {
		r := s.checker.PerformHealthCheck(ctx, health.CheckOptions{Fresh: true, Detailed: true})
		report = &r
	}

	out := models.RecoveryReport{
		Triggered:    time.Now(),
		IssuesBefore: len(report.Issues),
		IssuesAfter:  len(report.Issues),
	}
	if len(report.Issues) == 0 {
		out.Success = true
		s.settle(true)
		return out
	}

	selected := selectStrategies(strategies, *report)
	if len(selected) == 0 {
		out.SkipReason = "no strategy applies to the reported issues"
		out.Skipped = true
		s.settle(false)
		return out
	}

	current := *report
	for i, strategy := range selected {
		if i >= s.maxAttempts {
			break
		}

		if strategy.Tier >= models.TierAggressive && !out.BackupTaken {
			if n := s.backupCritical(ctx); n > 0 {
				out.BackupTaken = true
			}
		}

		attempt := models.RecoveryAttempt{
			Strategy:     strategy.Name,
			Tier:         strategy.Tier,
			IssuesBefore: len(current.Issues),
		}
		started := time.Now()
		err := strategy.Execute(ctx, current)
		attempt.Duration = time.Since(started)
		if err != nil {
			attempt.Error = err.Error()
		}

		current = s.checker.PerformHealthCheck(ctx, health.CheckOptions{Fresh: true, Detailed: true})
		attempt.IssuesAfter = len(current.Issues)
		attempt.Success = err == nil && attempt.IssuesAfter < attempt.IssuesBefore
		out.Attempts = append(out.Attempts, attempt)

		s.logger.Info("Recovery strategy executed", map[string]interface{}{
			"strategy":      strategy.Name,
			"tier":          strategy.Tier.String(),
			"issues_before": attempt.IssuesBefore,
			"issues_after":  attempt.IssuesAfter,
		})

		if attempt.IssuesAfter == 0 {
			break
		}
	}

	if out.BackupTaken {
		out.Restored = s.restoreCritical(ctx) > 0
	}

	out.IssuesAfter = len(current.Issues)
	out.Success = out.IssuesAfter == 0
	s.settle(out.Success)
	return out
}

// settle updates the cooldown: successful runs reset the backoff,
// failed ones lengthen it.
func (s *System) settle(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.backoff.Reset()
		s.cooldown = s.backoff.InitialInterval
		return
	}
	next := s.backoff.NextBackOff()
	if next == backoff.Stop {
		next = MaxCooldown
	}
	s.cooldown = next
}

// selectStrategies picks the applicable strategies for the report,
// ascending by tier. Critical severity unlocks every tier, high
// unlocks targeted and aggressive, anything lower targeted only.
func selectStrategies(strategies []Strategy, report models.HealthReport) []Strategy {
	var maxTier models.RecoveryTier
	switch report.MaxSeverity() {
	case models.SeverityCritical:
		maxTier = models.TierNuclear
	case models.SeverityHigh:
		maxTier = models.TierAggressive
	default:
		maxTier = models.TierTargeted
	}

	present := make(map[models.SecurityIssue]bool)
	for _, issue := range report.Issues {
		present[issue.Type] = true
	}

	var selected []Strategy
	for _, strategy := range strategies {
		if strategy.Tier > maxTier {
			continue
		}
		for _, t := range strategy.AppliesTo {
			if present[t] {
				selected = append(selected, strategy)
				break
			}
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Tier < selected[j].Tier
	})
	return selected
}

// registerDefaults installs the built-in strategy set.
func (s *System) registerDefaults() {
	s.Register(Strategy{
		Name: "purge-flagged-keys",
		Tier: models.TierTargeted,
		AppliesTo: []models.SecurityIssue{
			models.IssueCorrupted, models.IssueOrphanedData, models.IssueVersionMismatch,
		},
		Execute: s.purgeFlaggedKeys,
	})
	s.Register(Strategy{
		Name:      "trim-expired",
		Tier:      models.TierTargeted,
		AppliesTo: []models.SecurityIssue{models.IssueSizeOverflow},
		Execute:   s.trimExpired,
	})
	s.Register(Strategy{
		Name:      "reset-sessions",
		Tier:      models.TierAggressive,
		AppliesTo: []models.SecurityIssue{models.IssueSessionConflict, models.IssueUnauthorized},
		Execute:   s.resetSessions,
	})
	s.Register(Strategy{
		Name: "clear-foreign-tenants",
		Tier: models.TierAggressive,
		AppliesTo: []models.SecurityIssue{
			models.IssueOrphanedData, models.IssueTenantMismatch,
		},
		Execute: s.clearForeignTenants,
	})
	s.Register(Strategy{
		Name: "nuclear-wipe",
		Tier: models.TierNuclear,
		AppliesTo: []models.SecurityIssue{
			models.IssueCorrupted, models.IssueOrphanedData, models.IssueVersionMismatch,
			models.IssueSessionConflict, models.IssueSizeOverflow, models.IssueTenantMismatch,
		},
		Execute: s.nuclearWipe,
	})
}

// purgeFlaggedKeys deletes exactly the keys the health report flagged.
func (s *System) purgeFlaggedKeys(ctx context.Context, report models.HealthReport) error {
	var lastErr error
	for _, issue := range report.Issues {
		if issue.Key == "" || !issue.AutoFixable {
			continue
		}
		switch issue.Type {
		case models.IssueCorrupted, models.IssueOrphanedData, models.IssueVersionMismatch:
			if err := s.substrate.Delete(ctx, issue.Key); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// trimExpired removes entries past their TTL.
func (s *System) trimExpired(ctx context.Context, _ models.HealthReport) error {
	keys, err := s.substrate.Keys(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, key := range keys {
		if !s.codec.Owns(key) {
			continue
		}
		entry, ok := s.loadEntry(ctx, key)
		if !ok || !entry.Expired(now) {
			continue
		}
		if err := s.substrate.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// resetSessions removes every session-like key regardless of owner.
// Destructive: the user re-authenticates afterwards.
func (s *System) resetSessions(ctx context.Context, _ models.HealthReport) error {
	keys, err := s.substrate.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !s.codec.Owns(key) {
			continue
		}
		_, _, baseKey, ok := s.codec.Decode(key)
		if !ok || !sessionLike(baseKey) {
			continue
		}
		if err := s.substrate.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// clearForeignTenants removes every entry not owned by the current
// session's tenant or the system tenant.
func (s *System) clearForeignTenants(ctx context.Context, _ models.HealthReport) error {
	current, ok := s.session()
	if !ok {
		return nil
	}
	keys, err := s.substrate.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !s.codec.Owns(key) {
			continue
		}
		tenantID, _, _, ok := s.codec.Decode(key)
		if !ok || tenantID == current.TenantID || tenantID == models.SystemTenantID {
			continue
		}
		if err := s.substrate.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// nuclearWipe clears the entire substrate. Critical data was
// snapshotted before this tier runs and is restored afterwards.
func (s *System) nuclearWipe(ctx context.Context, _ models.HealthReport) error {
	cleared, err := s.substrate.Clear(ctx)
	if err != nil {
		return err
	}
	s.logger.Warn("Nuclear wipe executed", map[string]interface{}{
		"cleared": cleared,
	})
	return nil
}

// backupCritical snapshots the current session's tokens and preferences
// to the ephemeral store before a destructive tier runs.
func (s *System) backupCritical(ctx context.Context) int {
	current, ok := s.session()
	if !ok {
		return 0
	}
	keys, err := s.substrate.Keys(ctx)
	if err != nil {
		return 0
	}

	saved := 0
	for _, key := range keys {
		if !s.codec.Owns(key) {
			continue
		}
		tenantID, userID, baseKey, ok := s.codec.Decode(key)
		if !ok || tenantID != current.TenantID || userID != current.UserID {
			continue
		}
		if !criticalKey(baseKey) {
			continue
		}
		raw, err := s.substrate.Get(ctx, key)
		if err != nil {
			continue
		}
		s.ephemeral.Set(backupPrefix+key, raw)
		saved++
	}
	return saved
}

// restoreCritical writes the snapshot back and drops it.
func (s *System) restoreCritical(ctx context.Context) int {
	restored := 0
	for _, key := range s.ephemeral.Keys() {
		if !strings.HasPrefix(key, backupPrefix) {
			continue
		}
		raw, ok := s.ephemeral.Get(key)
		if !ok {
			continue
		}
		if err := s.substrate.Set(ctx, strings.TrimPrefix(key, backupPrefix), raw); err == nil {
			restored++
		}
		s.ephemeral.Delete(key)
	}
	return restored
}

func (s *System) loadEntry(ctx context.Context, key string) (*models.CacheEntry, bool) {
	raw, err := s.substrate.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

func sessionLike(baseKey string) bool {
	k := strings.ToLower(baseKey)
	return strings.Contains(k, "session") || strings.Contains(k, "auth") || strings.Contains(k, "token")
}

func criticalKey(baseKey string) bool {
	k := strings.ToLower(baseKey)
	return sessionLike(k) || strings.Contains(k, "prefs") || strings.Contains(k, "preference")
}
