package models

import "time"

// SecurityIssue classifies why an operation was refused or an entry was
// purged. It is the subsystem's error taxonomy; a populated value on an
// audit record means the operation hit a security-relevant condition,
// not a plain miss.
type SecurityIssue string

// Security issue taxonomy
const (
	IssueTenantMismatch  SecurityIssue = "tenant_mismatch"
	IssueUnauthorized    SecurityIssue = "unauthorized"
	IssueExpired         SecurityIssue = "expired"
	IssueCorrupted       SecurityIssue = "corrupted"
	IssueOrphanedData    SecurityIssue = "orphaned_data"
	IssueVersionMismatch SecurityIssue = "version_mismatch"
	IssueSessionConflict SecurityIssue = "session_conflict"
	IssueSizeOverflow    SecurityIssue = "size_overflow"
)

// AuditOperation names the cache operation an audit record describes.
type AuditOperation string

// Audited operations
const (
	OpGet      AuditOperation = "get"
	OpSet      AuditOperation = "set"
	OpDelete   AuditOperation = "delete"
	OpClear    AuditOperation = "clear"
	OpValidate AuditOperation = "validate"
)

// AuditRecord is one entry in the security audit ring buffer. The
// buffer is diagnostic state, never authoritative: it is append-only
// and capacity-bounded, dropping the oldest records first.
type AuditRecord struct {
	Timestamp     time.Time      `json:"timestamp"`
	Operation     AuditOperation `json:"operation"`
	Key           string         `json:"key"`
	Context       CacheContext   `json:"context"`
	Success       bool           `json:"success"`
	SecurityIssue SecurityIssue  `json:"securityIssue,omitempty"`
	Details       string         `json:"details,omitempty"`
}
