// Package auth holds the collaborator clients the logout and context
// layers depend on: the session-validation endpoint and the profile
// endpoint used to detect tenant-context drift. Remote calls are
// wrapped in a circuit breaker and degrade to the last known good
// answer on timeout rather than erroring.
package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sony/gobreaker"

	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
)

// Defaults for the remote validation path.
const (
	DefaultRequestTimeout = 3 * time.Second
	DefaultStatusTTL      = 5 * time.Minute
)

// ErrMalformedToken is returned when a token fails the local
// well-formedness pre-check; no network call is made for it.
var ErrMalformedToken = errors.New("session token is malformed")

// Answer provenance for a SessionStatus.
const (
	SourceServer   = "server"
	SourceLocal    = "local"
	SourceFallback = "fallback"
)

// SessionStatus is the outcome of a session validation.
type SessionStatus struct {
	Valid     bool                `json:"valid"`
	Context   models.CacheContext `json:"context"`
	ExpiresAt time.Time           `json:"expiresAt,omitempty"`
	// Source records where the answer came from: the server, the
	// short-lived status cache, or the timeout fallback.
	Source string `json:"source"`
}

// TenantAssignment is the authoritative tenant/permission binding for
// a user, served by the profile endpoint.
type TenantAssignment struct {
	TenantID    string   `json:"tenantId"`
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions,omitempty"`
}

// Client talks to the auth collaborator endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     observability.Logger
	timeout    time.Duration

	mu        sync.Mutex
	statuses  map[string]cachedStatus
	statusTTL time.Duration
}

type cachedStatus struct {
	status SessionStatus
	at     time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRequestTimeout overrides the per-request deadline the timeout
// race uses.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithStatusTTL overrides how long a validated status may serve as the
// last known good answer.
func WithStatusTTL(d time.Duration) ClientOption {
	return func(c *Client) { c.statusTTL = d }
}

// NewClient creates an auth client for the given base URL.
func NewClient(baseURL string, logger observability.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.WithPrefix("auth"),
		timeout:    DefaultRequestTimeout,
		statuses:   make(map[string]cachedStatus),
		statusTTL:  DefaultStatusTTL,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "auth-session-validation",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return c
}

// ValidateSession checks a session token. Malformed or locally-expired
// tokens are rejected without a network call. A remote timeout or an
// open breaker degrades to the cached last known good answer; with no
// cached answer the session is reported invalid, never an error.
func (c *Client) ValidateSession(ctx context.Context, token string) (SessionStatus, error) {
	claims, err := precheck(token)
	if err != nil {
		return SessionStatus{Valid: false, Source: SourceLocal}, err
	}
	if exp, ok := claims["exp"].(float64); ok && time.Now().Unix() > int64(exp) {
		return SessionStatus{Valid: false, Source: SourceLocal}, nil
	}

	status, err := c.validateRemote(ctx, token)
	if err == nil {
		c.remember(token, status)
		return status, nil
	}

	if isDegradable(err) {
		if cached, ok := c.lastKnown(token); ok {
			cached.Source = SourceFallback
			c.logger.Warn("Session validation degraded to cached answer", map[string]interface{}{
				"error": err.Error(),
			})
			return cached, nil
		}
		return SessionStatus{Valid: false, Source: SourceFallback}, nil
	}
	return SessionStatus{}, err
}

// InvalidateSession revokes one session, or every session of its user
// when all is set.
func (c *Client) InvalidateSession(ctx context.Context, token string, all bool) error {
	body, _ := json.Marshal(map[string]any{
		"token": token,
		"all":   all,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/sessions/revoke", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("session revocation returned status %d", resp.StatusCode)
	}

	c.forget(token)
	return nil
}

// GetTenantAssignment fetches the authoritative tenant binding for the
// token's user. The context layer compares it against the active cache
// context to detect drift.
func (c *Client) GetTenantAssignment(ctx context.Context, token string) (TenantAssignment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/profile/tenant", nil)
	if err != nil {
		return TenantAssignment{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TenantAssignment{}, fmt.Errorf("failed to fetch tenant assignment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return TenantAssignment{}, fmt.Errorf("profile endpoint returned status %d", resp.StatusCode)
	}

	var assignment TenantAssignment
	if err := json.NewDecoder(resp.Body).Decode(&assignment); err != nil {
		return TenantAssignment{}, fmt.Errorf("failed to decode tenant assignment: %w", err)
	}
	return assignment, nil
}

// validateRemote performs the network validation under the breaker and
// the request deadline.
func (c *Client) validateRemote(ctx context.Context, token string) (SessionStatus, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		body, _ := json.Marshal(map[string]string{"token": token})
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
			c.baseURL+"/v1/sessions/validate", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("validation endpoint returned status %d", resp.StatusCode)
		}

		var status SessionStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return nil, fmt.Errorf("failed to decode validation response: %w", err)
		}
		status.Source = SourceServer
		return status, nil
	})
	if err != nil {
		return SessionStatus{}, err
	}
	return result.(SessionStatus), nil
}

// precheck parses the token without verifying the signature; signature
// verification is the server's job, this only filters garbage before
// it costs a network round trip.
func precheck(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return claims, nil
}

// isDegradable reports whether a validation failure should fall back
// to the cached answer instead of propagating.
func isDegradable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (c *Client) remember(token string, status SessionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[tokenKey(token)] = cachedStatus{status: status, at: time.Now()}
}

func (c *Client) lastKnown(token string) (SessionStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.statuses[tokenKey(token)]
	if !ok || time.Since(cached.at) > c.statusTTL {
		return SessionStatus{}, false
	}
	return cached.status, true
}

func (c *Client) forget(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, tokenKey(token))
}

// tokenKey hashes the token so raw credentials never sit in the map.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
