// Package config loads service configuration from TALLY_* environment
// variables with sensible defaults, validated once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tally/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Redis         RedisConfig
	Billing       BillingConfig
	Audit         AuditConfig
	Costs         CostsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StoreConfig selects and configures the durable ledger backend.
type StoreConfig struct {
	// Backend is "postgres" or "sqlite".
	Backend string

	PostgresURL      string
	PostgresMaxConns int

	SQLitePath string

	// DefaultCredits is the starting balance granted on first contact.
	DefaultCredits int64
}

// RedisConfig configures the balance cache and the distributed rate limiter.
// An empty URL disables both; the service degrades to direct store reads.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int

	BalanceTTL time.Duration

	RateLimitPerMinute int
}

// BillingConfig configures webhook verification and the period sweeper.
type BillingConfig struct {
	WebhookSecret      string
	SignatureTolerance time.Duration
	SweepSchedule      string
}

// AuditConfig configures the audit log retention job. RetentionDays <= 0
// disables pruning entirely.
type AuditConfig struct {
	RetentionDays int
	PruneSchedule string
}

// CostsConfig configures the usage cost table.
type CostsConfig struct {
	// File is an optional YAML override; watched for changes when set.
	File  string
	Watch bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("TALLY_HOST", "0.0.0.0"),
			Port:            getEnv("TALLY_PORT", "8080"),
			ShutdownTimeout: getEnvDuration("TALLY_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("TALLY_HEALTH_PORT", "9090"),
		},
		Store: StoreConfig{
			Backend:          getEnv("TALLY_STORE_BACKEND", "postgres"),
			PostgresURL:      getEnv("TALLY_POSTGRES_URL", ""),
			PostgresMaxConns: getEnvInt("TALLY_POSTGRES_MAX_CONNS", 25),
			SQLitePath:       getEnv("TALLY_SQLITE_PATH", "tally.db"),
			DefaultCredits:   getEnvInt64("TALLY_DEFAULT_CREDITS", 100),
		},
		Redis: RedisConfig{
			URL:                getEnv("TALLY_REDIS_URL", ""),
			Password:           getEnv("TALLY_REDIS_PASSWORD", ""),
			DB:                 getEnvInt("TALLY_REDIS_DB", 0),
			MaxRetries:         getEnvInt("TALLY_REDIS_MAX_RETRIES", 3),
			PoolSize:           getEnvInt("TALLY_REDIS_POOL_SIZE", 10),
			BalanceTTL:         getEnvDuration("TALLY_BALANCE_CACHE_TTL", 5*time.Minute),
			RateLimitPerMinute: getEnvInt("TALLY_RATE_LIMIT_PER_MINUTE", 120),
		},
		Billing: BillingConfig{
			WebhookSecret:      getEnv("TALLY_STRIPE_WEBHOOK_SECRET", ""),
			SignatureTolerance: getEnvDuration("TALLY_WEBHOOK_TOLERANCE", 5*time.Minute),
			SweepSchedule:      getEnv("TALLY_SWEEP_SCHEDULE", "@hourly"),
		},
		Audit: AuditConfig{
			RetentionDays: getEnvInt("TALLY_AUDIT_RETENTION_DAYS", 365),
			PruneSchedule: getEnv("TALLY_AUDIT_PRUNE_SCHEDULE", "@daily"),
		},
		Costs: CostsConfig{
			File:  getEnv("TALLY_COSTS_FILE", ""),
			Watch: getEnvBool("TALLY_COSTS_WATCH", true),
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.ParseLogLevel(strings.ToLower(getEnv("TALLY_LOG_LEVEL", "info"))),
			OTelEnabled:        getEnvBool("TALLY_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("TALLY_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("TALLY_OTEL_SERVICE_NAME", "tally"),
			OTelServiceVersion: getEnv("TALLY_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("TALLY_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Store.Backend {
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres backend")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite backend")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be postgres or sqlite)", c.Store.Backend)
	}

	if c.Store.DefaultCredits < 0 {
		return fmt.Errorf("default credits must not be negative")
	}
	if c.Billing.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
