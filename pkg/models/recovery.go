package models

import "time"

// RecoveryTier orders healing strategies by destructiveness.
type RecoveryTier int

// Recovery tiers, ascending. Nuclear wipes everything and restores only
// explicitly backed-up critical data.
const (
	TierTargeted RecoveryTier = iota
	TierAggressive
	TierNuclear
)

// String returns the tier name.
func (t RecoveryTier) String() string {
	switch t {
	case TierTargeted:
		return "targeted"
	case TierAggressive:
		return "aggressive"
	case TierNuclear:
		return "nuclear"
	default:
		return "unknown"
	}
}

// RecoveryAttempt records a single strategy execution.
type RecoveryAttempt struct {
	Strategy     string        `json:"strategy"`
	Tier         RecoveryTier  `json:"tier"`
	IssuesBefore int           `json:"issuesBefore"`
	IssuesAfter  int           `json:"issuesAfter"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// RecoveryReport summarizes one recovery run. Cooldowns and the
// per-run attempt ceiling are enforced by the recovery system to
// prevent retry storms; a skipped run produces a report with
// Skipped set and no attempts.
type RecoveryReport struct {
	Triggered    time.Time         `json:"triggered"`
	Attempts     []RecoveryAttempt `json:"attempts"`
	IssuesBefore int               `json:"issuesBefore"`
	IssuesAfter  int               `json:"issuesAfter"`
	Success      bool              `json:"success"`
	Skipped      bool              `json:"skipped"`
	SkipReason   string            `json:"skipReason,omitempty"`
	BackupTaken  bool              `json:"backupTaken"`
	Restored     bool              `json:"restored"`
}
