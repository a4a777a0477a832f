package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func TestClient_MalformedTokenSkipsNetwork(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(server.Close)

	c := NewClient(server.URL, observability.NewNoopLogger())
	status, err := c.ValidateSession(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrMalformedToken)
	assert.False(t, status.Valid)
	assert.Zero(t, hits.Load())
}

func TestClient_LocallyExpiredTokenSkipsNetwork(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(server.Close)

	token := signedToken(t, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	c := NewClient(server.URL, observability.NewNoopLogger())
	status, err := c.ValidateSession(context.Background(), token)
	require.NoError(t, err)
	assert.False(t, status.Valid)
	assert.Equal(t, SourceLocal, status.Source)
	assert.Zero(t, hits.Load())
}

func TestClient_ValidateSessionRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sessions/validate", r.URL.Path)
		json.NewEncoder(w).Encode(SessionStatus{
			Valid:   true,
			Context: models.CacheContext{TenantID: "t1", UserID: "u1"},
		})
	}))
	t.Cleanup(server.Close)

	token := signedToken(t, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	c := NewClient(server.URL, observability.NewNoopLogger())
	status, err := c.ValidateSession(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, status.Valid)
	assert.Equal(t, SourceServer, status.Source)
	assert.Equal(t, "t1", status.Context.TenantID)
}

func TestClient_TimeoutFallsBackToLastKnownGood(t *testing.T) {
	var slow atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			time.Sleep(300 * time.Millisecond)
		}
		json.NewEncoder(w).Encode(SessionStatus{
			Valid:   true,
			Context: models.CacheContext{TenantID: "t1", UserID: "u1"},
		})
	}))
	t.Cleanup(server.Close)

	token := signedToken(t, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	c := NewClient(server.URL, observability.NewNoopLogger(),
		WithRequestTimeout(50*time.Millisecond))

	// Prime the last-known-good cache.
	status, err := c.ValidateSession(context.Background(), token)
	require.NoError(t, err)
	require.True(t, status.Valid)

	// The timeout degrades to the cached answer instead of erroring.
	slow.Store(true)
	status, err = c.ValidateSession(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, status.Valid)
	assert.Equal(t, SourceFallback, status.Source)
}

func TestClient_OpenBreakerDegrades(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	token := signedToken(t, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	c := NewClient(server.URL, observability.NewNoopLogger())
	for i := 0; i < 3; i++ {
		_, err := c.ValidateSession(context.Background(), token)
		require.Error(t, err)
	}

	// Breaker is open now; with no cached answer the session reads as
	// invalid, without an error.
	status, err := c.ValidateSession(context.Background(), token)
	require.NoError(t, err)
	assert.False(t, status.Valid)
	assert.Equal(t, SourceFallback, status.Source)
}

func TestClient_InvalidateSession(t *testing.T) {
	type revokeRequest struct {
		Token string `json:"token"`
		All   bool   `json:"all"`
	}
	var got revokeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sessions/revoke", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	c := NewClient(server.URL, observability.NewNoopLogger())
	require.NoError(t, c.InvalidateSession(context.Background(), "tok-1", true))
	assert.Equal(t, revokeRequest{Token: "tok-1", All: true}, got)
}

func TestClient_GetTenantAssignment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/profile/tenant", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(TenantAssignment{
			TenantID:    "t1",
			UserID:      "u1",
			Permissions: []string{"cache:read"},
		})
	}))
	t.Cleanup(server.Close)

	c := NewClient(server.URL, observability.NewNoopLogger())
	assignment, err := c.GetTenantAssignment(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", assignment.TenantID)
	assert.Equal(t, []string{"cache:read"}, assignment.Permissions)
}
