package logout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flex-pms/securecache/pkg/cache"
	"github.com/flex-pms/securecache/pkg/events"
	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
	"github.com/flex-pms/securecache/pkg/storage"
)

var t1u1 = models.CacheContext{TenantID: "t1", UserID: "u1"}

type fakeInvalidator struct {
	tokens []string
	all    bool
	err    error
}

func (f *fakeInvalidator) InvalidateSession(_ context.Context, token string, all bool) error {
	f.tokens = append(f.tokens, token)
	f.all = all
	return f.err
}

type fixture struct {
	orchestrator *Orchestrator
	cache        *cache.SecureCache
	substrate    *storage.MemorySubstrate
	ephemeral    *storage.EphemeralStore
	invalidator  *fakeInvalidator
	bus          *events.MemoryBus
}

func newFixture(t *testing.T, bus *events.MemoryBus) *fixture {
	t.Helper()

	substrate := storage.NewMemorySubstrate()
	store := storage.NewNamespacedStore(substrate, observability.NewNoopLogger(),
		storage.WithCodec(storage.SecureCodec))
	ephemeral, err := storage.NewEphemeralStore(64)
	require.NoError(t, err)

	c := cache.NewSecureCache(store, ephemeral, observability.NewNoopLogger())
	invalidator := &fakeInvalidator{}
	o := NewOrchestrator(c, nil, ephemeral, invalidator, bus, observability.NewNoopLogger())
	t.Cleanup(o.Close)

	return &fixture{
		orchestrator: o,
		cache:        c,
		substrate:    substrate,
		ephemeral:    ephemeral,
		invalidator:  invalidator,
		bus:          bus,
	}
}

func seed(t *testing.T, f *fixture, keys ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.cache.SetContext(ctx, t1u1))
	for _, key := range keys {
		ok, err := f.cache.Set(ctx, key, "v", cache.Options{})
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestOrchestrator_ExecuteLogout(t *testing.T) {
	f := newFixture(t, events.NewMemoryBus())
	ctx := context.Background()
	seed(t, f, "a", "b", "c")

	opts := DefaultOptions()
	opts.SessionToken = "tok-1"
	opts.AllSessions = true
	opts.Reason = "user sign-out"

	result := f.orchestrator.ExecuteLogout(ctx, t1u1, opts)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.ClearedEntries)
	assert.Empty(t, result.LeakedKeys)
	assert.False(t, result.EmergencyWipe)
	assert.Equal(t, 100, result.SecurityScore)
	assert.Equal(t, []models.LogoutPhase{
		models.PhaseServerInvalidation,
		models.PhaseBroadcast,
		models.PhaseClearLayers,
		models.PhaseVerification,
		models.PhaseAudit,
	}, result.PhasesRun)

	// Server revocation happened with the right arguments.
	assert.Equal(t, []string{"tok-1"}, f.invalidator.tokens)
	assert.True(t, f.invalidator.all)

	// Storage, ephemeral layer and context are all gone.
	keys, err := f.substrate.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Zero(t, f.ephemeral.Len())
	_, hasContext := f.cache.CurrentContext()
	assert.False(t, hasContext)

	// The audit phase retained a record.
	audits := f.orchestrator.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, "user sign-out", audits[0].Reason)
	assert.Equal(t, 3, audits[0].PreLogoutEntries)
}

func TestOrchestrator_ServerFailureIsGraceful(t *testing.T) {
	f := newFixture(t, events.NewMemoryBus())
	ctx := context.Background()
	seed(t, f, "a")
	f.invalidator.err = errors.New("endpoint unreachable")

	opts := DefaultOptions()
	opts.SessionToken = "tok-1"

	result := f.orchestrator.ExecuteLogout(ctx, t1u1, opts)
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)

	// Clearing still ran despite the server failure.
	assert.Equal(t, 1, result.ClearedEntries)
	keys, err := f.substrate.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestOrchestrator_NoGracefulFallbackAborts(t *testing.T) {
	f := newFixture(t, events.NewMemoryBus())
	ctx := context.Background()
	seed(t, f, "a")
	f.invalidator.err = errors.New("endpoint unreachable")

	opts := Options{SessionToken: "tok-1", GracefulFallback: false}
	result := f.orchestrator.ExecuteLogout(ctx, t1u1, opts)
	assert.False(t, result.Success)

	// The run aborted before the clearing phase.
	assert.NotContains(t, result.PhasesRun, models.PhaseClearLayers)
	keys, err := f.substrate.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestOrchestrator_RemoteLogoutTriggersLocalCleanupOnly(t *testing.T) {
	bus := events.NewMemoryBus()
	a := newFixture(t, bus)
	b := newFixture(t, bus)
	ctx := context.Background()

	seed(t, a, "a1")
	seed(t, b, "b1", "b2")

	// Count broadcasts: a remote logout must not re-broadcast.
	var broadcasts int
	unsubscribe := bus.Subscribe(func(events.Message) { broadcasts++ })
	t.Cleanup(unsubscribe)

	result := a.orchestrator.ExecuteLogout(ctx, t1u1, DefaultOptions())
	require.True(t, result.Success)

	// B cleaned up locally from the broadcast, without a server call.
	keys, err := b.substrate.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, b.invalidator.tokens)

	assert.Equal(t, 1, broadcasts)
}

func TestOrchestrator_TenantSwitchBroadcastsToSiblings(t *testing.T) {
	bus := events.NewMemoryBus()
	a := newFixture(t, bus)
	b := newFixture(t, bus)
	ctx := context.Background()

	seed(t, a, "a1")
	seed(t, b, "b1", "b2")

	var broadcasts int
	unsubscribe := bus.Subscribe(func(events.Message) { broadcasts++ })
	t.Cleanup(unsubscribe)

	t2u1 := models.CacheContext{TenantID: "t2", UserID: "u1"}
	result := a.orchestrator.ExecuteTenantSwitch(ctx, t2u1)
	require.True(t, result.Success)

	// The switch purged the old tenant locally and the new context is
	// active.
	cur, ok := a.cache.CurrentContext()
	require.True(t, ok)
	assert.Equal(t, "t2", cur.TenantID)

	// The sibling dropped the departed tenant's data, local-only.
	keys, err := b.substrate.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, b.invalidator.tokens)

	assert.Equal(t, 1, broadcasts)
}

func TestOrchestrator_EmergencyLogout(t *testing.T) {
	f := newFixture(t, events.NewMemoryBus())
	ctx := context.Background()
	seed(t, f, "a", "b")

	result := f.orchestrator.EmergencyLogout(ctx, "storage corrupted")
	assert.True(t, result.Success)
	assert.True(t, result.EmergencyWipe)
	assert.Equal(t, 2, result.ClearedEntries)
	assert.NotContains(t, result.PhasesRun, models.PhaseVerification)

	keys, err := f.substrate.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
