package cache

import (
	"sync"
	"time"

	"github.com/flex-pms/securecache/pkg/models"
)

// DefaultAuditCapacity bounds the audit ring buffer.
const DefaultAuditCapacity = 500

// AuditLog is an append-only, capacity-bounded ring buffer of security
// audit records. It is diagnostic state, never authoritative: when full,
// the oldest records are dropped first.
type AuditLog struct {
	mu       sync.Mutex
	records  []models.AuditRecord
	capacity int
}

// NewAuditLog creates an audit log with the given capacity.
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &AuditLog{capacity: capacity}
}

// Record appends an audit record, dropping the oldest when full.
func (a *AuditLog) Record(op models.AuditOperation, key string, c models.CacheContext, success bool, issue models.SecurityIssue, details string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = append(a.records, models.AuditRecord{
		Timestamp:     time.Now(),
		Operation:     op,
		Key:           key,
		Context:       c,
		Success:       success,
		SecurityIssue: issue,
		Details:       details,
	})

	if len(a.records) > a.capacity {
		overflow := len(a.records) - a.capacity
		a.records = append(a.records[:0:0], a.records[overflow:]...)
	}
}

// Records returns a copy of the buffered records, oldest first.
func (a *AuditLog) Records() []models.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]models.AuditRecord, len(a.records))
	copy(out, a.records)
	return out
}

// SecurityViolations returns the buffered records carrying a security issue.
func (a *AuditLog) SecurityViolations() []models.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []models.AuditRecord
	for _, rec := range a.records {
		if rec.SecurityIssue != "" {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of buffered records.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}
