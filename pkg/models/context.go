// Package models defines the shared data model for the securecache
// subsystem: cache contexts, entries, audit records and the report
// types produced by the health, recovery and logout components.
package models

import "fmt"

// SystemTenantID owns global (non tenant-scoped) entries so they
// survive tenant clears. Health scans never treat system entries as
// orphans.
const SystemTenantID = "system"

// CacheContext identifies the owner of every cache entry. Exactly one
// context is current per process at a time; it is set at login or
// tenant resolution and cleared at logout.
type CacheContext struct {
	TenantID  string `json:"tenantId"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
}

// Valid reports whether the context identifies an owner. A context
// without a user is never valid; a tenant-less context is allowed for
// single-tenant deployments.
func (c CacheContext) Valid() bool {
	return c.UserID != ""
}

// SameTenant reports whether both contexts belong to the same tenant.
func (c CacheContext) SameTenant(other CacheContext) bool {
	return c.TenantID == other.TenantID
}

// SameUser reports whether both contexts belong to the same tenant and user.
func (c CacheContext) SameUser(other CacheContext) bool {
	return c.TenantID == other.TenantID && c.UserID == other.UserID
}

// String returns a loggable tenant/user identifier.
func (c CacheContext) String() string {
	return fmt.Sprintf("%s/%s", c.TenantID, c.UserID)
}
