// Package health implements the periodic diagnostic scanner: five
// independent scans over raw storage entries producing an aggregated
// health report, with optional deterministic auto-fixes per issue type.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
	"github.com/flex-pms/securecache/pkg/storage"
)

// Scan tunables. Quota and grace window are per-deployment knobs; the
// defaults mirror a browser-profile storage budget.
const (
	DefaultQuotaBytes       = 5 * 1024 * 1024
	DefaultGraceWindow      = time.Hour
	DefaultSessionThreshold = 3
	DefaultReportTTL        = 30 * time.Second
	DefaultInitialDelay     = 5 * time.Second
	DefaultCheckInterval    = 10 * time.Minute

	highWatermark     = 0.75
	criticalWatermark = 0.90
)

// futureSkew tolerates clock drift before a created-at timestamp
// counts as corruption.
const futureSkew = 5 * time.Minute

// CheckOptions controls a single health check run.
type CheckOptions struct {
	// AutoFix applies the deterministic fix for every fixable issue
	// found. AutoFix runs always scan fresh, bypassing the cached
	// report.
	AutoFix bool
	// Detailed includes per-key issues; otherwise repeated findings of
	// the same type are collapsed after a small sample.
	Detailed bool
	// Fresh bypasses the cached report without applying fixes. The
	// recovery system uses it to observe progress between strategies.
	Fresh bool
}

// SessionFunc supplies the currently authenticated context, if any.
type SessionFunc func() (models.CacheContext, bool)

// Checker scans raw storage for corruption, orphaned data, version
// drift, session conflicts and size pressure.
type Checker struct {
	substrate storage.Substrate
	codec     storage.KeyCodec
	session   SessionFunc
	logger    observability.Logger

	quotaBytes       int64
	graceWindow      time.Duration
	sessionThreshold int
	reportTTL        time.Duration
	initialDelay     time.Duration
	interval         time.Duration

	mu       sync.Mutex
	cached   *models.HealthReport
	cachedAt time.Time

	loopOnce sync.Once
	done     chan struct{}
}

// Option configures a Checker.
type Option func(*Checker)

// WithQuota overrides the storage quota the size scan measures against.
func WithQuota(bytes int64) Option {
	return func(c *Checker) { c.quotaBytes = bytes }
}

// WithGraceWindow overrides how long a wrong-owner entry is tolerated
// before it counts as orphaned.
func WithGraceWindow(d time.Duration) Option {
	return func(c *Checker) { c.graceWindow = d }
}

// WithSessionThreshold overrides how many session-like keys may coexist.
func WithSessionThreshold(n int) Option {
	return func(c *Checker) { c.sessionThreshold = n }
}

// WithReportTTL overrides how long a report is served from cache.
func WithReportTTL(d time.Duration) Option {
	return func(c *Checker) { c.reportTTL = d }
}

// WithSchedule overrides the startup delay and periodic interval.
func WithSchedule(initialDelay, interval time.Duration) Option {
	return func(c *Checker) {
		c.initialDelay = initialDelay
		c.interval = interval
	}
}

// NewChecker creates a health checker over a raw substrate. The codec
// must match the grammar the secure cache writes with.
func NewChecker(substrate storage.Substrate, codec storage.KeyCodec, session SessionFunc, logger observability.Logger, opts ...Option) *Checker {
	c := &Checker{
		substrate:        substrate,
		codec:            codec,
		session:          session,
		logger:           logger.WithPrefix("health"),
		quotaBytes:       DefaultQuotaBytes,
		graceWindow:      DefaultGraceWindow,
		sessionThreshold: DefaultSessionThreshold,
		reportTTL:        DefaultReportTTL,
		initialDelay:     DefaultInitialDelay,
		interval:         DefaultCheckInterval,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// scanItem is one raw entry joined with its decoded key segments.
type scanItem struct {
	key      string
	tenantID string
	userID   string
	baseKey  string
	size     int
	entry    *models.CacheEntry
	parseErr error
}

// PerformHealthCheck runs all five scans and returns the aggregated
// report. Non-fixing runs are served from a short-lived cache.
func (c *Checker) PerformHealthCheck(ctx context.Context, opts CheckOptions) models.HealthReport {
	if !opts.AutoFix && !opts.Fresh {
		c.mu.Lock()
		if c.cached != nil && time.Since(c.cachedAt) < c.reportTTL {
			report := *c.cached
			c.mu.Unlock()
			return report
		}
		c.mu.Unlock()
	}

	started := time.Now()
	items, scanErr := c.collect(ctx)

	report := models.HealthReport{Timestamp: started}
	if scanErr != nil {
		// A substrate we cannot even enumerate is a critical finding,
		// not an error return.
		report.Issues = append(report.Issues, models.StorageIssue{
			Type:        models.IssueCorrupted,
			Severity:    models.SeverityCritical,
			Description: "storage enumeration failed: " + scanErr.Error(),
		})
	}

	report.Issues = append(report.Issues, c.scanCorruption(items)...)
	report.Issues = append(report.Issues, c.scanOrphans(items)...)
	report.Issues = append(report.Issues, c.scanVersionDrift(items)...)
	report.Issues = append(report.Issues, c.scanSessionConflicts(items)...)

	used, _ := c.substrate.UsedBytes(ctx)
	report.Issues = append(report.Issues, c.scanSizePressure(used)...)

	expired := 0
	sessionKeys := 0
	now := time.Now()
	for _, item := range items {
		if item.entry != nil && item.entry.Expired(now) {
			expired++
		}
		if isSessionLike(item.baseKey) {
			sessionKeys++
		}
	}
	report.Diagnostics = models.HealthDiagnostics{
		TotalEntries:    len(items),
		ExpiredEntries:  expired,
		UsedBytes:       used,
		QuotaBytes:      c.quotaBytes,
		UsagePercent:    usagePercent(used, c.quotaBytes),
		SessionKeyCount: sessionKeys,
		ScanDurationMS:  time.Since(started).Milliseconds(),
	}

	report.OverallHealth = aggregate(report.Issues)
	report.Recommendations = recommend(report.Issues)

	if opts.AutoFix {
		report.FixedCount = c.applyFixes(ctx, items, report.Issues)
		report.AutoFixApplied = report.FixedCount > 0
	}
	if !opts.Detailed {
		report.Issues = collapse(report.Issues)
	}

	if report.OverallHealth != models.HealthHealthy {
		c.logger.Warn("Health check found issues", map[string]interface{}{
			"overall": string(report.OverallHealth),
			"issues":  len(report.Issues),
			"fixed":   report.FixedCount,
		})
	}

	c.mu.Lock()
	c.cached = &report
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return report
}

// Start schedules the automatic checks: one shortly after startup,
// then periodically. Automatic runs apply fixes.
func (c *Checker) Start(ctx context.Context) {
	c.loopOnce.Do(func() {
		go func() {
			initial := time.NewTimer(c.initialDelay)
			defer initial.Stop()
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			case <-initial.C:
				c.PerformHealthCheck(ctx, CheckOptions{AutoFix: true})
			}

			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()
			for {
				select {
				case <-c.done:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.PerformHealthCheck(ctx, CheckOptions{AutoFix: true})
				}
			}
		}()
	})
}

// Stop terminates the periodic loop.
func (c *Checker) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// collect loads every entry under the codec's grammar.
func (c *Checker) collect(ctx context.Context) ([]scanItem, error) {
	keys, err := c.substrate.Keys(ctx)
	if err != nil {
		return nil, err
	}

	var items []scanItem
	for _, key := range keys {
		if !c.codec.Owns(key) {
			continue
		}
		item := scanItem{key: key}
		item.tenantID, item.userID, item.baseKey, _ = c.codec.Decode(key)

		raw, err := c.substrate.Get(ctx, key)
		if err != nil {
			item.parseErr = err
			items = append(items, item)
			continue
		}
		item.size = len(raw)

		var entry models.CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			item.parseErr = err
		} else {
			item.entry = &entry
		}
		items = append(items, item)
	}
	return items, nil
}

// scanCorruption flags unparsable entries, future timestamps and
// malformed version fields.
func (c *Checker) scanCorruption(items []scanItem) []models.StorageIssue {
	var issues []models.StorageIssue
	horizon := time.Now().Add(futureSkew).UnixMilli()

	for _, item := range items {
		switch {
		case item.parseErr != nil:
			issues = append(issues, models.StorageIssue{
				Type:        models.IssueCorrupted,
				Severity:    models.SeverityHigh,
				Key:         item.key,
				Description: "entry failed to parse",
				AutoFixable: true,
			})
		case item.entry.Metadata.CreatedAt <= 0 || item.entry.Metadata.CreatedAt > horizon:
			issues = append(issues, models.StorageIssue{
				Type:        models.IssueCorrupted,
				Severity:    models.SeverityHigh,
				Key:         item.key,
				Description: "entry has an invalid creation timestamp",
				AutoFixable: true,
			})
		case item.entry.Metadata.Version <= 0:
			issues = append(issues, models.StorageIssue{
				Type:        models.IssueCorrupted,
				Severity:    models.SeverityHigh,
				Key:         item.key,
				Description: "entry has a malformed schema version",
				AutoFixable: true,
			})
		}
	}
	return issues
}

// scanOrphans flags entries owned by neither the current session nor
// the system tenant, once they outlive the grace window. Recent
// mismatches are tolerated as in-flight switches.
func (c *Checker) scanOrphans(items []scanItem) []models.StorageIssue {
	current, ok := c.session()
	if !ok {
		return nil
	}

	now := time.Now()
	var issues []models.StorageIssue
	for _, item := range items {
		if item.entry == nil || item.tenantID == models.SystemTenantID {
			continue
		}
		if item.tenantID == current.TenantID && item.userID == current.UserID {
			continue
		}
		if item.entry.Age(now) <= c.graceWindow {
			continue
		}
		issues = append(issues, models.StorageIssue{
			Type:        models.IssueOrphanedData,
			Severity:    models.SeverityMedium,
			Key:         item.key,
			Description: "entry belongs to a session that is no longer current",
			AutoFixable: true,
		})
	}
	return issues
}

// scanVersionDrift flags entries written under a different schema version.
func (c *Checker) scanVersionDrift(items []scanItem) []models.StorageIssue {
	var issues []models.StorageIssue
	for _, item := range items {
		if item.entry == nil || item.entry.Metadata.Version <= 0 {
			continue
		}
		if item.entry.Metadata.Version != models.SchemaVersion {
			issues = append(issues, models.StorageIssue{
				Type:        models.IssueVersionMismatch,
				Severity:    models.SeverityMedium,
				Key:         item.key,
				Description: "entry schema version differs from the running version",
				AutoFixable: true,
			})
		}
	}
	return issues
}

// scanSessionConflicts flags an excess of coexisting session-like keys.
func (c *Checker) scanSessionConflicts(items []scanItem) []models.StorageIssue {
	count := 0
	for _, item := range items {
		if isSessionLike(item.baseKey) {
			count++
		}
	}
	if count <= c.sessionThreshold {
		return nil
	}
	return []models.StorageIssue{{
		Type:        models.IssueSessionConflict,
		Severity:    models.SeverityHigh,
		Description: "multiple concurrent session keys detected",
		AutoFixable: true,
	}}
}

// scanSizePressure flags storage usage against the quota.
func (c *Checker) scanSizePressure(used int64) []models.StorageIssue {
	pct := usagePercent(used, c.quotaBytes)
	switch {
	case pct > criticalWatermark*100:
		return []models.StorageIssue{{
			Type:        models.IssueSizeOverflow,
			Severity:    models.SeverityCritical,
			Description: "storage usage above critical watermark",
			AutoFixable: true,
		}}
	case pct > highWatermark*100:
		return []models.StorageIssue{{
			Type:        models.IssueSizeOverflow,
			Severity:    models.SeverityHigh,
			Description: "storage usage above high watermark",
			AutoFixable: true,
		}}
	}
	return nil
}

// applyFixes runs the deterministic fix action for each issue type:
// delete corrupted/orphaned/version-drifted keys, reconcile session
// keys down to the current user's, and trim expired entries under size
// pressure.
func (c *Checker) applyFixes(ctx context.Context, items []scanItem, issues []models.StorageIssue) int {
	fixed := 0
	for _, issue := range issues {
		if !issue.AutoFixable {
			continue
		}
		switch issue.Type {
		case models.IssueCorrupted, models.IssueOrphanedData, models.IssueVersionMismatch:
			if issue.Key == "" {
				continue
			}
			if err := c.substrate.Delete(ctx, issue.Key); err == nil {
				fixed++
			}
		case models.IssueSessionConflict:
			fixed += c.reconcileSessions(ctx, items)
		case models.IssueSizeOverflow:
			fixed += c.trimExpired(ctx, items)
		}
	}

	if fixed > 0 {
		c.logger.Info("Auto-fix removed entries", map[string]interface{}{
			"fixed": fixed,
		})
	}
	return fixed
}

// reconcileSessions keeps only the session-like keys owned by the
// current user.
func (c *Checker) reconcileSessions(ctx context.Context, items []scanItem) int {
	current, ok := c.session()
	if !ok {
		return 0
	}
	removed := 0
	for _, item := range items {
		if !isSessionLike(item.baseKey) {
			continue
		}
		if item.entry != nil && item.entry.Context.SameUser(current) {
			continue
		}
		if err := c.substrate.Delete(ctx, item.key); err == nil {
			removed++
		}
	}
	return removed
}

// trimExpired deletes entries past their TTL to relieve size pressure.
func (c *Checker) trimExpired(ctx context.Context, items []scanItem) int {
	removed := 0
	now := time.Now()
	for _, item := range items {
		if item.entry == nil || !item.entry.Expired(now) {
			continue
		}
		if err := c.substrate.Delete(ctx, item.key); err == nil {
			removed++
		}
	}
	return removed
}

// aggregate derives the overall health from individual severities.
func aggregate(issues []models.StorageIssue) models.HealthStatus {
	var critical, high, medium int
	for _, issue := range issues {
		switch issue.Severity {
		case models.SeverityCritical:
			critical++
		case models.SeverityHigh:
			high++
		case models.SeverityMedium:
			medium++
		}
	}

	switch {
	case critical > 0:
		return models.HealthCritical
	case high > 2 || (high >= 1 && medium > 3):
		return models.HealthCorrupted
	case high > 0 || medium > 2:
		return models.HealthDegraded
	default:
		return models.HealthHealthy
	}
}

// recommend maps issue types to operator guidance.
func recommend(issues []models.StorageIssue) []string {
	seen := make(map[models.SecurityIssue]bool)
	var out []string
	for _, issue := range issues {
		if seen[issue.Type] {
			continue
		}
		seen[issue.Type] = true
		switch issue.Type {
		case models.IssueCorrupted:
			out = append(out, "run recovery to remove corrupted entries")
		case models.IssueOrphanedData:
			out = append(out, "clear data from previous sessions")
		case models.IssueVersionMismatch:
			out = append(out, "purge entries written by an older release")
		case models.IssueSessionConflict:
			out = append(out, "sign out other sessions for this user")
		case models.IssueSizeOverflow:
			out = append(out, "reduce cached data or raise the storage quota")
		}
	}
	return out
}

// collapse caps per-key findings of the same type in non-detailed
// reports, keeping a small sample per type plus one summary finding.
// Fixes always run over the full scan before collapsing.
func collapse(issues []models.StorageIssue) []models.StorageIssue {
	const sample = 5
	counts := make(map[models.SecurityIssue]int)
	var out []models.StorageIssue
	for _, issue := range issues {
		counts[issue.Type]++
		if counts[issue.Type] == sample+1 {
			summary := issue
			summary.Key = ""
			summary.Description = fmt.Sprintf("more findings of type %s omitted", issue.Type)
			out = append(out, summary)
			continue
		}
		if counts[issue.Type] > sample {
			continue
		}
		out = append(out, issue)
	}
	return out
}

func isSessionLike(baseKey string) bool {
	k := strings.ToLower(baseKey)
	return strings.Contains(k, "session") || strings.Contains(k, "auth") || strings.Contains(k, "token")
}

func usagePercent(used, quota int64) float64 {
	if quota <= 0 {
		return 0
	}
	return float64(used) / float64(quota) * 100
}
