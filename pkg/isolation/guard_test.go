package isolation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flex-pms/securecache/pkg/cache"
	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
	"github.com/flex-pms/securecache/pkg/storage"
)

var (
	acmeAlice = models.CacheContext{TenantID: "acme", UserID: "alice"}
	acmeBob   = models.CacheContext{TenantID: "acme", UserID: "bob"}
	globexEve = models.CacheContext{TenantID: "globex", UserID: "eve"}
)

func newTestGuard(t *testing.T, opts ...GuardOption) (*Guard, *storage.MemorySubstrate) {
	t.Helper()

	substrate := storage.NewMemorySubstrate()
	store := storage.NewNamespacedStore(substrate, observability.NewNoopLogger(),
		storage.WithCodec(storage.SecureCodec))
	ephemeral, err := storage.NewEphemeralStore(64)
	require.NoError(t, err)

	c := cache.NewSecureCache(store, ephemeral, observability.NewNoopLogger())
	return NewGuard(c, NewKeySchema(), observability.NewNoopLogger(), opts...), substrate
}

func TestKeySchema_Classify(t *testing.T) {
	s := NewKeySchema()

	tests := []struct {
		key  string
		spec KeySpec
	}{
		{"device_id", KeySpec{Category: models.CategoryData, TenantScoped: false}},
		{"installation_id", KeySpec{Category: models.CategoryData, TenantScoped: false}},
		{"auth_token", KeySpec{Category: models.CategoryAuth, Encrypt: true, TenantScoped: true}},
		{"SESSION_DATA", KeySpec{Category: models.CategoryAuth, Encrypt: true, TenantScoped: true}},
		{"api_key_backup", KeySpec{Category: models.CategoryAuth, Encrypt: true, TenantScoped: true}},
		{"ui_sidebar", KeySpec{Category: models.CategoryUI, TenantScoped: true}},
		{"active_theme", KeySpec{Category: models.CategoryUI, TenantScoped: true}},
		{"tmp_draft", KeySpec{Category: models.CategoryTemp, TenantScoped: true}},
		{"work_orders", KeySpec{Category: models.CategoryData, TenantScoped: true}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.spec, s.Classify(tc.key), "key %q", tc.key)
	}
}

func TestKeySchema_ExactRegistrationWins(t *testing.T) {
	s := NewKeySchema()

	// Pattern match says auth; an exact registration overrides it.
	s.RegisterKey("session_theme", KeySpec{Category: models.CategoryUI, TenantScoped: true})
	assert.Equal(t, models.CategoryUI, s.Classify("session_theme").Category)
	assert.False(t, s.Sensitive("session_theme"))
}

func TestGuard_RequiresInitialization(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	var out string
	_, err := g.Get(ctx, "work_orders", &out)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = g.Set(ctx, "work_orders", "x", 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestGuard_NonStrictDegradesToMiss(t *testing.T) {
	policy := DefaultPolicy()
	policy.StrictMode = false
	g, _ := newTestGuard(t, WithPolicy(policy))
	ctx := context.Background()

	var out string
	found, err := g.Get(ctx, "work_orders", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGuard_SystemKeysBypassTenantScoping(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	// No initialization needed for system keys.
	ok, err := g.Set(ctx, "device_id", "dev-42", 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, g.Initialize(ctx, acmeAlice, DefaultPolicy()))

	// Tenant clears never touch the system namespace.
	_, err = g.ClearTenant(ctx)
	require.NoError(t, err)
	require.NoError(t, g.Initialize(ctx, globexEve, DefaultPolicy()))

	var got string
	found, err := g.Get(ctx, "device_id", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "dev-42", got)
}

func TestGuard_InitializeClearsOldTenantOnChange(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	require.NoError(t, g.Initialize(ctx, acmeAlice, DefaultPolicy()))

	for _, key := range []string{"work_orders", "ui_sidebar"} {
		ok, err := g.Set(ctx, key, "v", 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, g.Initialize(ctx, globexEve, DefaultPolicy()))

	// The clear happened synchronously, before the new context was
	// accepted.
	assert.Empty(t, g.cache.Store().KeysForTenant(ctx, "acme"))

	active, ok := g.Active()
	require.True(t, ok)
	assert.Equal(t, "globex", active.TenantID)
}

func TestGuard_SameTenantUserChangeKeepsEntries(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	require.NoError(t, g.Initialize(ctx, acmeAlice, DefaultPolicy()))

	ok, err := g.Set(ctx, "work_orders", "v", 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, g.Initialize(ctx, acmeBob, DefaultPolicy()))
	assert.Len(t, g.cache.Store().KeysForTenant(ctx, "acme"), 1)
}

func TestGuard_SchemaEncryptionGatedByPolicy(t *testing.T) {
	ctx := context.Background()

	g, substrate := newTestGuard(t)
	require.NoError(t, g.Initialize(ctx, acmeAlice, DefaultPolicy()))
	ok, err := g.Set(ctx, "auth_token", "secret-value", 0)
	require.NoError(t, err)
	require.True(t, ok)

	raw, err := substrate.Get(ctx, "sc_acme_alice_auth_token")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-value")

	// With encryption disabled the same key is stored in the clear.
	plainPolicy := DefaultPolicy()
	plainPolicy.EncryptSensitiveData = false
	g2, substrate2 := newTestGuard(t)
	require.NoError(t, g2.Initialize(ctx, acmeAlice, plainPolicy))
	ok, err = g2.Set(ctx, "auth_token", "secret-value", 0)
	require.NoError(t, err)
	require.True(t, ok)

	raw, err = substrate2.Get(ctx, "sc_acme_alice_auth_token")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "secret-value")
}

func TestGuard_MigrationBlockedByDefault(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	require.NoError(t, g.Initialize(ctx, acmeAlice, DefaultPolicy()))

	result := g.MigrateTenantData(ctx, MigrationPlan{
		Source: acmeAlice,
		Target: globexEve,
		Keys:   []string{"work_orders"},
	})
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], ErrCrossTenantBlocked.Error())
}

func TestGuard_MigrateTenantData(t *testing.T) {
	policy := DefaultPolicy()
	policy.AllowCrossTenantRead = true
	g, _ := newTestGuard(t)
	ctx := context.Background()
	require.NoError(t, g.Initialize(ctx, acmeAlice, policy))

	type order struct {
		ID int `json:"id"`
	}
	ok, err := g.Set(ctx, "work_orders", order{ID: 7}, 0)
	require.NoError(t, err)
	require.True(t, ok)

	result := g.MigrateTenantData(ctx, MigrationPlan{
		Source:           acmeAlice,
		Target:           globexEve,
		Keys:             []string{"work_orders", "missing_key"},
		RemoveFromSource: true,
	})
	assert.Equal(t, 1, result.MigratedCount)
	assert.Len(t, result.Errors, 1)

	// Caller's context was restored.
	cur, ok := g.cache.CurrentContext()
	require.True(t, ok)
	assert.Equal(t, acmeAlice.TenantID, cur.TenantID)

	// Source copy removed, target copy readable under target context.
	var got order
	found, err := g.Get(ctx, "work_orders", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, g.cache.SetContext(ctx, globexEve))
	var raw json.RawMessage
	found, err = g.cache.Get(ctx, "work_orders", &raw)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 7, got.ID)
}

func TestGuard_MigrationRestoresContextAfterEachKey(t *testing.T) {
	policy := DefaultPolicy()
	policy.AllowCrossTenantRead = true
	g, _ := newTestGuard(t)
	ctx := context.Background()
	require.NoError(t, g.Initialize(ctx, acmeAlice, policy))

	ok, err := g.Set(ctx, "work_orders", "v", 0)
	require.NoError(t, err)
	require.True(t, ok)

	plan := MigrationPlan{Source: acmeAlice, Target: globexEve, Keys: []string{"work_orders"}}

	// A successful key leaves the caller's context current, not the
	// migration's temporary source or target context.
	require.NoError(t, g.migrateKey(ctx, plan, "work_orders", acmeAlice, true))
	cur, found := g.cache.CurrentContext()
	require.True(t, found)
	assert.Equal(t, acmeAlice.TenantID, cur.TenantID)
	assert.Equal(t, acmeAlice.UserID, cur.UserID)

	// A failing key restores it too.
	require.Error(t, g.migrateKey(ctx, plan, "missing_key", acmeAlice, true))
	cur, found = g.cache.CurrentContext()
	require.True(t, found)
	assert.Equal(t, acmeAlice.TenantID, cur.TenantID)
	assert.Equal(t, acmeAlice.UserID, cur.UserID)
}

func TestGuard_ValidateStorageSecurity(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	require.NoError(t, g.Initialize(ctx, acmeAlice, DefaultPolicy()))

	ok, err := g.Set(ctx, "work_orders", "v", 0)
	require.NoError(t, err)
	require.True(t, ok)

	report := g.ValidateStorageSecurity(ctx)
	assert.True(t, report.Valid)
	assert.Zero(t, report.Violations)
	assert.True(t, report.Integrity.Valid)
}
