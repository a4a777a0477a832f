// Package config loads the securecache daemon configuration from an
// optional YAML file plus SECURECACHE_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// APIConfig configures the diagnostics HTTP surface.
type APIConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig selects and tunes the persistent substrate.
type StorageConfig struct {
	// Backend is "memory" or "redis".
	Backend       string `mapstructure:"backend"`
	RedisAddress  string `mapstructure:"redis_address"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
	// EphemeralSize bounds the session-scoped LRU store.
	EphemeralSize int `mapstructure:"ephemeral_size"`
}

// CacheConfig tunes the secure cache layer.
type CacheConfig struct {
	MaxEntryBytes     int64         `mapstructure:"max_entry_bytes"`
	AuditCapacity     int           `mapstructure:"audit_capacity"`
	IntegrityInterval time.Duration `mapstructure:"integrity_interval"`
}

// IsolationConfig mirrors the isolation policy knobs.
type IsolationConfig struct {
	StrictMode           bool `mapstructure:"strict_mode"`
	AllowCrossTenantRead bool `mapstructure:"allow_cross_tenant_read"`
	AuditAllOperations   bool `mapstructure:"audit_all_operations"`
	EncryptSensitiveData bool `mapstructure:"encrypt_sensitive_data"`
	ValidateOnAccess     bool `mapstructure:"validate_on_access"`
}

// HealthConfig tunes the health checker.
type HealthConfig struct {
	QuotaBytes       int64         `mapstructure:"quota_bytes"`
	GraceWindow      time.Duration `mapstructure:"grace_window"`
	SessionThreshold int           `mapstructure:"session_threshold"`
	ReportTTL        time.Duration `mapstructure:"report_ttl"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
}

// RecoveryConfig tunes the recovery system.
type RecoveryConfig struct {
	Cooldown    time.Duration `mapstructure:"cooldown"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// AuthConfig points at the auth collaborator.
type AuthConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	StatusTTL      time.Duration `mapstructure:"status_ttl"`
}

// EventsConfig selects the broadcast bus transport.
type EventsConfig struct {
	// Backend is "memory" or "redis".
	Backend string `mapstructure:"backend"`
	Channel string `mapstructure:"channel"`
}

// Config is the complete daemon configuration.
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	API         APIConfig       `mapstructure:"api"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Isolation   IsolationConfig `mapstructure:"isolation"`
	Health      HealthConfig    `mapstructure:"health"`
	Recovery    RecoveryConfig  `mapstructure:"recovery"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Events      EventsConfig    `mapstructure:"events"`
}

// Load reads configuration from the file named by SECURECACHE_CONFIG_FILE
// (default configs/config.yaml, optional) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("SECURECACHE_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("SECURECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	// The config file is optional; environment variables and defaults
	// are enough to run.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_address", ":8580")
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 10*time.Second)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.redis_address", "localhost:6379")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.key_prefix", "securecache:")
	v.SetDefault("storage.ephemeral_size", 256)

	v.SetDefault("cache.max_entry_bytes", 256*1024)
	v.SetDefault("cache.audit_capacity", 500)
	v.SetDefault("cache.integrity_interval", 5*time.Minute)

	v.SetDefault("isolation.strict_mode", true)
	v.SetDefault("isolation.allow_cross_tenant_read", false)
	v.SetDefault("isolation.audit_all_operations", true)
	v.SetDefault("isolation.encrypt_sensitive_data", true)
	v.SetDefault("isolation.validate_on_access", true)

	v.SetDefault("health.quota_bytes", 5*1024*1024)
	v.SetDefault("health.grace_window", time.Hour)
	v.SetDefault("health.session_threshold", 3)
	v.SetDefault("health.report_ttl", 30*time.Second)
	v.SetDefault("health.initial_delay", 5*time.Second)
	v.SetDefault("health.check_interval", 10*time.Minute)

	v.SetDefault("recovery.cooldown", 30*time.Second)
	v.SetDefault("recovery.max_attempts", 5)

	v.SetDefault("auth.base_url", "")
	v.SetDefault("auth.request_timeout", 3*time.Second)
	v.SetDefault("auth.status_ttl", 5*time.Minute)

	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.channel", "securecache.events")
}

func validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	switch cfg.Events.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
	if cfg.Cache.MaxEntryBytes <= 0 {
		return fmt.Errorf("cache.max_entry_bytes must be positive")
	}
	if cfg.Health.QuotaBytes <= 0 {
		return fmt.Errorf("health.quota_bytes must be positive")
	}
	return nil
}
