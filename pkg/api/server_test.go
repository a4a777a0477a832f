package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flex-pms/securecache/pkg/cache"
	"github.com/flex-pms/securecache/pkg/health"
	"github.com/flex-pms/securecache/pkg/isolation"
	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
	"github.com/flex-pms/securecache/pkg/recovery"
	"github.com/flex-pms/securecache/pkg/storage"
)

func newTestServer(t *testing.T) (*Server, *cache.SecureCache) {
	t.Helper()

	substrate := storage.NewMemorySubstrate()
	store := storage.NewNamespacedStore(substrate, observability.NewNoopLogger(),
		storage.WithCodec(storage.SecureCodec))
	ephemeral, err := storage.NewEphemeralStore(64)
	require.NoError(t, err)
	secureCache := cache.NewSecureCache(store, ephemeral, observability.NewNoopLogger())

	session := func() (models.CacheContext, bool) {
		return secureCache.CurrentContext()
	}
	checker := health.NewChecker(substrate, storage.SecureCodec, session, observability.NewNoopLogger())
	recoverySystem := recovery.NewSystem(checker, substrate, storage.SecureCodec,
		ephemeral, session, observability.NewNoopLogger())
	guard := isolation.NewGuard(secureCache, isolation.NewKeySchema(), observability.NewNoopLogger())

	return NewServer(checker, recoverySystem, secureCache, guard, observability.NewNoopLogger()), secureCache
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestServer_DiagnosticsHealth(t *testing.T) {
	s, secureCache := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, secureCache.SetContext(ctx, models.CacheContext{TenantID: "t1", UserID: "u1"}))
	ok, err := secureCache.Set(ctx, "work_orders", "v", cache.Options{})
	require.NoError(t, err)
	require.True(t, ok)

	rec := doRequest(t, s, http.MethodGet, "/v1/diagnostics/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var report models.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, models.HealthHealthy, report.OverallHealth)
	assert.Equal(t, 1, report.Diagnostics.TotalEntries)
}

func TestServer_RecoveryRateLimited(t *testing.T) {
	s, _ := newTestServer(t)

	first := doRequest(t, s, http.MethodPost, "/v1/diagnostics/recovery")
	assert.Equal(t, http.StatusOK, first.Code)

	// The recovery cooldown turns an immediate retry into a 429.
	second := doRequest(t, s, http.MethodPost, "/v1/diagnostics/recovery")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestServer_Audit(t *testing.T) {
	s, secureCache := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, secureCache.SetContext(ctx, models.CacheContext{TenantID: "t1", UserID: "u1"}))
	ok, err := secureCache.Set(ctx, "work_orders", "v", cache.Options{})
	require.NoError(t, err)
	require.True(t, ok)

	rec := doRequest(t, s, http.MethodGet, "/v1/diagnostics/audit")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Records    []models.AuditRecord `json:"records"`
		Violations int                  `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Records)
	assert.Zero(t, body.Violations)
}

func TestServer_Security(t *testing.T) {
	s, secureCache := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, secureCache.SetContext(ctx, models.CacheContext{TenantID: "t1", UserID: "u1"}))
	ok, err := secureCache.Set(ctx, "work_orders", "v", cache.Options{})
	require.NoError(t, err)
	require.True(t, ok)

	rec := doRequest(t, s, http.MethodPost, "/v1/diagnostics/security")
	require.Equal(t, http.StatusOK, rec.Code)

	var validation isolation.SecurityValidation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &validation))
	assert.True(t, validation.Valid)
	assert.Zero(t, validation.Violations)

	// The sweep mutates storage; the read-only verb is not served.
	rejected := doRequest(t, s, http.MethodGet, "/v1/diagnostics/security")
	assert.Equal(t, http.StatusNotFound, rejected.Code)
}

func TestServer_Stats(t *testing.T) {
	s, secureCache := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, secureCache.SetContext(ctx, models.CacheContext{TenantID: "t1", UserID: "u1"}))
	ok, err := secureCache.Set(ctx, "work_orders", "v", cache.Options{})
	require.NoError(t, err)
	require.True(t, ok)

	rec := doRequest(t, s, http.MethodGet, "/v1/diagnostics/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		EntryCount int   `json:"entryCount"`
		UsedBytes  int64 `json:"usedBytes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.EntryCount)
	assert.Positive(t, body.UsedBytes)
}
