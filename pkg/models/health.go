package models

import "time"

// HealthStatus is the aggregated health of the storage subsystem.
type HealthStatus string

// Overall health states, ordered from best to worst.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthCorrupted HealthStatus = "corrupted"
	HealthCritical  HealthStatus = "critical"
)

// IssueSeverity ranks an individual storage issue.
type IssueSeverity string

// Issue severities
const (
	SeverityLow      IssueSeverity = "low"
	SeverityMedium   IssueSeverity = "medium"
	SeverityHigh     IssueSeverity = "high"
	SeverityCritical IssueSeverity = "critical"
)

// StorageIssue describes one finding from a health scan.
type StorageIssue struct {
	Type        SecurityIssue `json:"type"`
	Severity    IssueSeverity `json:"severity"`
	Key         string        `json:"key,omitempty"`
	Description string        `json:"description"`
	AutoFixable bool          `json:"autoFixable"`
}

// HealthDiagnostics carries the raw numbers behind a health report.
type HealthDiagnostics struct {
	TotalEntries    int     `json:"totalEntries"`
	ExpiredEntries  int     `json:"expiredEntries"`
	UsedBytes       int64   `json:"usedBytes"`
	QuotaBytes      int64   `json:"quotaBytes"`
	UsagePercent    float64 `json:"usagePercent"`
	SessionKeyCount int     `json:"sessionKeyCount"`
	ScanDurationMS  int64   `json:"scanDurationMs"`
}

// HealthReport is the derived output of a health check. It is cached
// only briefly for display; it is never persisted authoritatively.
type HealthReport struct {
	OverallHealth   HealthStatus      `json:"overallHealth"`
	Issues          []StorageIssue    `json:"issues"`
	Diagnostics     HealthDiagnostics `json:"diagnostics"`
	Recommendations []string          `json:"recommendations"`
	AutoFixApplied  bool              `json:"autoFixApplied"`
	FixedCount      int               `json:"fixedCount"`
	Timestamp       time.Time         `json:"timestamp"`
}

// IssuesOfType returns the subset of issues with the given type.
func (r *HealthReport) IssuesOfType(t SecurityIssue) []StorageIssue {
	var out []StorageIssue
	for _, issue := range r.Issues {
		if issue.Type == t {
			out = append(out, issue)
		}
	}
	return out
}

// MaxSeverity returns the highest severity present in the report.
func (r *HealthReport) MaxSeverity() IssueSeverity {
	rank := map[IssueSeverity]int{
		SeverityLow:      0,
		SeverityMedium:   1,
		SeverityHigh:     2,
		SeverityCritical: 3,
	}
	max := SeverityLow
	for _, issue := range r.Issues {
		if rank[issue.Severity] > rank[max] {
			max = issue.Severity
		}
	}
	return max
}
