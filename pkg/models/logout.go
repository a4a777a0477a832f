package models

import "time"

// LogoutPhase names one of the ordered logout phases.
type LogoutPhase string

// Logout phases, in execution order.
const (
	PhaseServerInvalidation LogoutPhase = "server_invalidation"
	PhaseBroadcast          LogoutPhase = "broadcast"
	PhaseClearLayers        LogoutPhase = "clear_layers"
	PhaseVerification       LogoutPhase = "verification"
	PhaseAudit              LogoutPhase = "audit"
)

// LogoutResult aggregates the outcome of an atomic logout. Phase
// failures append to Errors; with graceful fallback enabled they never
// abort the remaining phases.
type LogoutResult struct {
	Success        bool          `json:"success"`
	Context        CacheContext  `json:"context"`
	ClearedEntries int           `json:"clearedEntries"`
	LeakedKeys     []string      `json:"leakedKeys,omitempty"`
	EmergencyWipe  bool          `json:"emergencyWipe"`
	Errors         []string      `json:"errors,omitempty"`
	PhasesRun      []LogoutPhase `json:"phasesRun"`
	SecurityScore  int           `json:"securityScore"`
	Duration       time.Duration `json:"duration"`
}

// LogoutAudit is the audit record produced by the final logout phase.
// PreLogoutEntries snapshots how many entries the tenant owned before
// clearing began; the security score starts at 100 and loses 10 points
// per key still present after the clearing phases.
type LogoutAudit struct {
	Timestamp        time.Time    `json:"timestamp"`
	Context          CacheContext `json:"context"`
	Reason           string       `json:"reason,omitempty"`
	PreLogoutEntries int          `json:"preLogoutEntries"`
	Result           LogoutResult `json:"result"`
}

// SecurityScore derives the post-logout score from the number of keys
// found leaked after clearing. Floor is zero.
func SecurityScore(leakedKeys int) int {
	score := 100 - 10*leakedKeys
	if score < 0 {
		return 0
	}
	return score
}
