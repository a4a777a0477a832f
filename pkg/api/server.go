// Package api exposes the read-only diagnostics surface: health
// reports, recovery triggering, audit records and cache statistics.
// It never mutates cache contents beyond what recovery itself does.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flex-pms/securecache/pkg/cache"
	"github.com/flex-pms/securecache/pkg/health"
	"github.com/flex-pms/securecache/pkg/isolation"
	"github.com/flex-pms/securecache/pkg/observability"
	"github.com/flex-pms/securecache/pkg/recovery"
)

// Server is the diagnostics HTTP surface.
type Server struct {
	engine   *gin.Engine
	checker  *health.Checker
	recovery *recovery.System
	cache    *cache.SecureCache
	guard    *isolation.Guard
	logger   observability.Logger
}

// NewServer builds the diagnostics server and its routes.
func NewServer(checker *health.Checker, recoverySystem *recovery.System, secureCache *cache.SecureCache, guard *isolation.Guard, logger observability.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:   engine,
		checker:  checker,
		recovery: recoverySystem,
		cache:    secureCache,
		guard:    guard,
		logger:   logger.WithPrefix("api"),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler for mounting.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/health", s.handleHealthz)

	v1 := s.engine.Group("/v1/diagnostics")
	v1.GET("/health", s.handleHealth)
	v1.POST("/recovery", s.handleRecovery)
	v1.GET("/audit", s.handleAudit)
	v1.POST("/security", s.handleSecurity)
	v1.GET("/stats", s.handleStats)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealth serves the current health report. detailed=true keeps
// per-key findings instead of the collapsed summary.
func (s *Server) handleHealth(c *gin.Context) {
	report := s.checker.PerformHealthCheck(c.Request.Context(), health.CheckOptions{
		Detailed: c.Query("detailed") == "true",
	})
	c.JSON(http.StatusOK, report)
}

// handleRecovery triggers a recovery run. The recovery system's own
// cooldown rate-limits this endpoint; a skipped run reports 429.
func (s *Server) handleRecovery(c *gin.Context) {
	report := s.recovery.AttemptRecovery(c.Request.Context(), nil)
	status := http.StatusOK
	if report.Skipped {
		status = http.StatusTooManyRequests
	}
	c.JSON(status, report)
}

func (s *Server) handleAudit(c *gin.Context) {
	audit := s.cache.Audit()
	c.JSON(http.StatusOK, gin.H{
		"records":    audit.Records(),
		"violations": len(audit.SecurityViolations()),
	})
}

// handleSecurity runs a full storage security validation. The
// integrity sweep removes flagged entries, so this is a POST like the
// recovery trigger.
func (s *Server) handleSecurity(c *gin.Context) {
	validation := s.guard.ValidateStorageSecurity(c.Request.Context())
	c.JSON(http.StatusOK, validation)
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	store := s.cache.Store()
	c.JSON(http.StatusOK, gin.H{
		"stats":      store.Stats(),
		"entryCount": store.EntryCount(ctx),
		"usedBytes":  store.UsedBytes(ctx),
	})
}
