// Command securecached runs the tenant-isolated secure cache subsystem
// as a daemon: storage substrates, secure cache, isolation guard,
// health checker, recovery system, logout orchestrator and the
// read-only diagnostics API.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flex-pms/securecache/pkg/api"
	"github.com/flex-pms/securecache/pkg/auth"
	"github.com/flex-pms/securecache/pkg/cache"
	"github.com/flex-pms/securecache/pkg/config"
	"github.com/flex-pms/securecache/pkg/events"
	"github.com/flex-pms/securecache/pkg/health"
	"github.com/flex-pms/securecache/pkg/isolation"
	"github.com/flex-pms/securecache/pkg/logout"
	"github.com/flex-pms/securecache/pkg/models"
	"github.com/flex-pms/securecache/pkg/observability"
	"github.com/flex-pms/securecache/pkg/recovery"
	"github.com/flex-pms/securecache/pkg/storage"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLoggerWithLevel("securecached",
		observability.ParseLevel(cfg.LogLevel))

	substrate, err := buildSubstrate(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize storage substrate", map[string]interface{}{
			"backend": cfg.Storage.Backend,
			"error":   err.Error(),
		})
	}
	defer substrate.Close()

	ephemeral, err := storage.NewEphemeralStore(cfg.Storage.EphemeralSize)
	if err != nil {
		logger.Fatal("Failed to initialize ephemeral store", map[string]interface{}{
			"error": err.Error(),
		})
	}

	store := storage.NewNamespacedStore(substrate, logger,
		storage.WithCodec(storage.SecureCodec),
		storage.WithMaxEntryBytes(int(cfg.Cache.MaxEntryBytes)))

	secureCache := cache.NewSecureCache(store, ephemeral, logger,
		cache.WithAuditCapacity(cfg.Cache.AuditCapacity),
		cache.WithIntegrityInterval(cfg.Cache.IntegrityInterval))

	schema := isolation.NewKeySchema()
	guard := isolation.NewGuard(secureCache, schema, logger,
		isolation.WithPolicy(isolation.IsolationPolicy{
			StrictMode:           cfg.Isolation.StrictMode,
			AllowCrossTenantRead: cfg.Isolation.AllowCrossTenantRead,
			AuditAllOperations:   cfg.Isolation.AuditAllOperations,
			EncryptSensitiveData: cfg.Isolation.EncryptSensitiveData,
			ValidateOnAccess:     cfg.Isolation.ValidateOnAccess,
		}))

	session := func() (models.CacheContext, bool) {
		return secureCache.CurrentContext()
	}

	checker := health.NewChecker(substrate, storage.SecureCodec, session, logger,
		health.WithQuota(cfg.Health.QuotaBytes),
		health.WithGraceWindow(cfg.Health.GraceWindow),
		health.WithSessionThreshold(cfg.Health.SessionThreshold),
		health.WithReportTTL(cfg.Health.ReportTTL),
		health.WithSchedule(cfg.Health.InitialDelay, cfg.Health.CheckInterval))

	recoverySystem := recovery.NewSystem(checker, substrate, storage.SecureCodec,
		ephemeral, session, logger,
		recovery.WithCooldown(cfg.Recovery.Cooldown),
		recovery.WithMaxAttempts(cfg.Recovery.MaxAttempts))

	bus, busClient, err := buildBus(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize event bus", map[string]interface{}{
			"backend": cfg.Events.Backend,
			"error":   err.Error(),
		})
	}
	defer bus.Close()
	if busClient != nil {
		defer busClient.Close()
	}

	var sessions logout.SessionInvalidator
	if cfg.Auth.BaseURL != "" {
		sessions = auth.NewClient(cfg.Auth.BaseURL, logger,
			auth.WithRequestTimeout(cfg.Auth.RequestTimeout),
			auth.WithStatusTTL(cfg.Auth.StatusTTL))
	}
	orchestrator := logout.NewOrchestrator(secureCache, nil, ephemeral, sessions, bus, logger)
	defer orchestrator.Close()

	secureCache.Start(ctx)
	defer secureCache.Stop()
	checker.Start(ctx)
	defer checker.Stop()

	logger.Info("securecached started", map[string]interface{}{
		"environment": cfg.Environment,
		"storage":     cfg.Storage.Backend,
		"events":      cfg.Events.Backend,
	})

	var server *http.Server
	if cfg.API.Enabled {
		diagnostics := api.NewServer(checker, recoverySystem, secureCache, guard, logger)
		server = &http.Server{
			Addr:         cfg.API.ListenAddress,
			Handler:      diagnostics.Handler(),
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
		}
		go func() {
			logger.Info("Diagnostics API listening", map[string]interface{}{
				"address": cfg.API.ListenAddress,
			})
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Diagnostics API failed", map[string]interface{}{
					"error": err.Error(),
				})
				cancel()
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("Shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
	case <-ctx.Done():
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Diagnostics API shutdown failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// buildSubstrate selects the persistent backend.
func buildSubstrate(cfg *config.Config) (storage.Substrate, error) {
	if cfg.Storage.Backend == "redis" {
		return storage.NewRedisSubstrate(storage.RedisConfig{
			Address:   cfg.Storage.RedisAddress,
			Password:  cfg.Storage.RedisPassword,
			Database:  cfg.Storage.RedisDB,
			KeyPrefix: cfg.Storage.KeyPrefix,
		})
	}
	return storage.NewMemorySubstrate(), nil
}

// buildBus selects the broadcast transport. The Redis bus gets its own
// client so pub/sub traffic never contends with storage commands.
func buildBus(cfg *config.Config, logger observability.Logger) (events.Bus, *redis.Client, error) {
	if cfg.Events.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddress,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, err
		}
		bus := events.NewRedisBus(client, cfg.Events.Channel, events.NewOrigin(), logger)
		return bus, client, nil
	}
	return events.NewMemoryBus(), nil, nil
}
