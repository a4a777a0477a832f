package recovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flex-pms/securecache/pkg/health"
	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
	"github.com/flex-pms/securecache/pkg/storage"
)

var currentSession = models.CacheContext{TenantID: "t1", UserID: "u1"}

func fixedSession() (models.CacheContext, bool) {
	return currentSession, true
}

func newTestSystem(t *testing.T, checkerOpts []health.Option, opts ...Option) (*System, *storage.MemorySubstrate) {
	t.Helper()
	substrate := storage.NewMemorySubstrate()
	checker := health.NewChecker(substrate, storage.SecureCodec, fixedSession,
		observability.NewNoopLogger(), checkerOpts...)
	ephemeral, err := storage.NewEphemeralStore(64)
	require.NoError(t, err)

	system := NewSystem(checker, substrate, storage.SecureCodec, ephemeral,
		fixedSession, observability.NewNoopLogger(), opts...)
	return system, substrate
}

func putEntry(t *testing.T, substrate *storage.MemorySubstrate, key string, entry models.CacheEntry) {
	t.Helper()
	raw, err := json.Marshal(&entry)
	require.NoError(t, err)
	require.NoError(t, substrate.Set(context.Background(), key, raw))
}

func freshEntry(owner models.CacheContext) models.CacheEntry {
	return models.CacheEntry{
		Data:    json.RawMessage(`"v"`),
		Context: owner,
		Metadata: models.EntryMetadata{
			CreatedAt: time.Now().UnixMilli(),
			Category:  models.CategoryData,
			Version:   models.SchemaVersion,
		},
	}
}

func TestSystem_NoIssuesNoAttempts(t *testing.T) {
	system, _ := newTestSystem(t, nil)
	report := system.AttemptRecovery(context.Background(), nil)
	assert.True(t, report.Success)
	assert.Empty(t, report.Attempts)
	assert.Zero(t, report.IssuesBefore)
}

func TestSystem_TargetedFixStopsEscalation(t *testing.T) {
	system, substrate := newTestSystem(t, nil)
	ctx := context.Background()

	// Three unparsable entries: high severity, fixable by the
	// targeted purge.
	for _, key := range []string{"sc_t1_u1_a", "sc_t1_u1_b", "sc_t1_u1_c"} {
		require.NoError(t, substrate.Set(ctx, key, []byte("not json")))
	}

	report := system.AttemptRecovery(ctx, nil)
	assert.True(t, report.Success)
	assert.Equal(t, 3, report.IssuesBefore)
	assert.Zero(t, report.IssuesAfter)

	// The targeted tier fixed everything; nothing escalated.
	require.Len(t, report.Attempts, 1)
	assert.Equal(t, models.TierTargeted, report.Attempts[0].Tier)
	assert.True(t, report.Attempts[0].Success)
	assert.False(t, report.BackupTaken)

	keys, err := substrate.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSystem_NuclearWipeBacksUpAndRestoresCriticalData(t *testing.T) {
	// A 1-byte quota makes any entry a critical size overflow, which
	// unlocks every tier.
	system, substrate := newTestSystem(t, []health.Option{health.WithQuota(1)})
	ctx := context.Background()

	putEntry(t, substrate, "sc_t1_u1_auth_token", freshEntry(currentSession))
	putEntry(t, substrate, "sc_t1_u1_user_prefs", freshEntry(currentSession))
	putEntry(t, substrate, "sc_t1_u1_bulk_data", freshEntry(currentSession))

	report := system.AttemptRecovery(ctx, nil)
	assert.True(t, report.BackupTaken)
	assert.True(t, report.Restored)

	// The wipe ran; only the backed-up critical keys came back.
	keys, err := substrate.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sc_t1_u1_auth_token", "sc_t1_u1_user_prefs"}, keys)

	var ranNuclear bool
	for _, attempt := range report.Attempts {
		if attempt.Tier == models.TierNuclear {
			ranNuclear = true
		}
	}
	assert.True(t, ranNuclear)
}

func TestSystem_TrimExpiredRemovesOnlyStaleEntries(t *testing.T) {
	system, substrate := newTestSystem(t, nil)
	ctx := context.Background()

	stale := freshEntry(currentSession)
	stale.Metadata.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	putEntry(t, substrate, "sc_t1_u1_stale_data", stale)

	live := freshEntry(currentSession)
	live.Metadata.ExpiresAt = time.Now().Add(time.Hour).UnixMilli()
	putEntry(t, substrate, "sc_t1_u1_live_data", live)

	require.NoError(t, system.trimExpired(ctx, models.HealthReport{}))

	keys, err := substrate.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sc_t1_u1_live_data"}, keys)
}

func TestSystem_CooldownSkipsBackToBackRuns(t *testing.T) {
	system, _ := newTestSystem(t, nil)
	ctx := context.Background()

	first := system.AttemptRecovery(ctx, nil)
	assert.False(t, first.Skipped)

	second := system.AttemptRecovery(ctx, nil)
	assert.True(t, second.Skipped)
	assert.Contains(t, second.SkipReason, "cooldown")
}

func TestSystem_AttemptCeiling(t *testing.T) {
	system, substrate := newTestSystem(t,
		[]health.Option{health.WithQuota(1)}, WithMaxAttempts(1))
	ctx := context.Background()

	putEntry(t, substrate, "sc_t1_u1_bulk_data", freshEntry(currentSession))

	report := system.AttemptRecovery(ctx, nil)
	assert.LessOrEqual(t, len(report.Attempts), 1)
}

func TestSelectStrategies_TierGating(t *testing.T) {
	strategies := []Strategy{
		{Name: "t", Tier: models.TierTargeted, AppliesTo: []models.SecurityIssue{models.IssueCorrupted}},
		{Name: "a", Tier: models.TierAggressive, AppliesTo: []models.SecurityIssue{models.IssueCorrupted}},
		{Name: "n", Tier: models.TierNuclear, AppliesTo: []models.SecurityIssue{models.IssueCorrupted}},
	}

	names := func(selected []Strategy) []string {
		out := make([]string, len(selected))
		for i, s := range selected {
			out[i] = s.Name
		}
		return out
	}

	medium := models.HealthReport{Issues: []models.StorageIssue{
		{Type: models.IssueCorrupted, Severity: models.SeverityMedium},
	}}
	assert.Equal(t, []string{"t"}, names(selectStrategies(strategies, medium)))

	high := models.HealthReport{Issues: []models.StorageIssue{
		{Type: models.IssueCorrupted, Severity: models.SeverityHigh},
	}}
	assert.Equal(t, []string{"t", "a"}, names(selectStrategies(strategies, high)))

	critical := models.HealthReport{Issues: []models.StorageIssue{
		{Type: models.IssueCorrupted, Severity: models.SeverityCritical},
	}}
	assert.Equal(t, []string{"t", "a", "n"}, names(selectStrategies(strategies, critical)))

	unrelated := models.HealthReport{Issues: []models.StorageIssue{
		{Type: models.IssueSizeOverflow, Severity: models.SeverityCritical},
	}}
	assert.Empty(t, selectStrategies(strategies, unrelated))
}
