// Package isolation is the policy layer over the secure cache: a
// registered key schema replaces ad hoc substring heuristics, system
// keys bypass tenant scoping, and privileged cross-tenant migration is
// gated behind an explicit policy flag.
package isolation

import (
	"strings"
	"sync"

	"github.com/flex-pms/securecache/pkg/models"
)

// KeySpec describes how a key is classified: its category, whether the
// payload must be ciphertext at rest, and whether the key is scoped to
// the current tenant or global.
type KeySpec struct {
	Category     models.CacheCategory
	Encrypt      bool
	TenantScoped bool
}

// KeySchema is a central registry mapping keys to their classification.
// Exact registrations win over pattern rules; unknown keys fall back to
// a plain tenant-scoped data classification.
type KeySchema struct {
	mu       sync.RWMutex
	exact    map[string]KeySpec
	patterns []patternRule
}

type patternRule struct {
	substring string
	spec      KeySpec
}

// SystemTenantID owns global (non tenant-scoped) entries so they
// survive tenant clears.
const SystemTenantID = models.SystemTenantID

// NewKeySchema creates a schema preloaded with the built-in
// classifications: sensitive-pattern keys are auth category with forced
// encryption, and the well-known device/installation keys are global.
func NewKeySchema() *KeySchema {
	s := &KeySchema{
		exact: make(map[string]KeySpec),
	}

	for _, key := range []string{"device_id", "installation_id", "app_version", "feature_flags"} {
		s.RegisterKey(key, KeySpec{Category: models.CategoryData, TenantScoped: false})
	}

	for _, pattern := range []string{"auth", "token", "session", "password", "secret", "key", "credential"} {
		s.RegisterPattern(pattern, KeySpec{Category: models.CategoryAuth, Encrypt: true, TenantScoped: true})
	}

	for _, pattern := range []string{"ui_", "theme", "layout"} {
		s.RegisterPattern(pattern, KeySpec{Category: models.CategoryUI, TenantScoped: true})
	}

	s.RegisterPattern("tmp_", KeySpec{Category: models.CategoryTemp, TenantScoped: true})

	return s
}

// RegisterKey registers an exact key classification.
func (s *KeySchema) RegisterKey(key string, spec KeySpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exact[key] = spec
}

// RegisterPattern registers a substring classification rule. Earlier
// registrations win.
func (s *KeySchema) RegisterPattern(substring string, spec KeySpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append(s.patterns, patternRule{
		substring: strings.ToLower(substring),
		spec:      spec,
	})
}

// Classify looks up the classification for a key.
func (s *KeySchema) Classify(key string) KeySpec {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if spec, ok := s.exact[key]; ok {
		return spec
	}

	lowered := strings.ToLower(key)
	for _, rule := range s.patterns {
		if strings.Contains(lowered, rule.substring) {
			return rule.spec
		}
	}

	return KeySpec{Category: models.CategoryData, TenantScoped: true}
}

// Sensitive reports whether a key requires encryption at rest.
func (s *KeySchema) Sensitive(key string) bool {
	return s.Classify(key).Encrypt
}
