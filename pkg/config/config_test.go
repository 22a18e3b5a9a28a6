package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TALLY_POSTGRES_URL", "postgres://localhost/tally")
	t.Setenv("TALLY_STRIPE_WEBHOOK_SECRET", "whsec_test")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, 25, cfg.Store.PostgresMaxConns)
	assert.Equal(t, int64(100), cfg.Store.DefaultCredits)

	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, 5*time.Minute, cfg.Redis.BalanceTTL)
	assert.Equal(t, 120, cfg.Redis.RateLimitPerMinute)

	assert.Equal(t, 5*time.Minute, cfg.Billing.SignatureTolerance)
	assert.Equal(t, "@hourly", cfg.Billing.SweepSchedule)

	assert.Equal(t, 365, cfg.Audit.RetentionDays)
	assert.Equal(t, "@daily", cfg.Audit.PruneSchedule)

	assert.True(t, cfg.Costs.Watch)
	assert.False(t, cfg.Observability.OTelEnabled)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TALLY_PORT", "9000")
	t.Setenv("TALLY_DEFAULT_CREDITS", "250")
	t.Setenv("TALLY_BALANCE_CACHE_TTL", "90s")
	t.Setenv("TALLY_RATE_LIMIT_PER_MINUTE", "10")
	t.Setenv("TALLY_COSTS_WATCH", "false")
	t.Setenv("TALLY_SWEEP_SCHEDULE", "@every 10m")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, int64(250), cfg.Store.DefaultCredits)
	assert.Equal(t, 90*time.Second, cfg.Redis.BalanceTTL)
	assert.Equal(t, 10, cfg.Redis.RateLimitPerMinute)
	assert.False(t, cfg.Costs.Watch)
	assert.Equal(t, "@every 10m", cfg.Billing.SweepSchedule)
}

func TestLoadConfig_SQLiteBackend(t *testing.T) {
	t.Setenv("TALLY_STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("TALLY_STORE_BACKEND", "sqlite")
	t.Setenv("TALLY_SQLITE_PATH", "/tmp/tally.db")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/tmp/tally.db", cfg.Store.SQLitePath)
}

func TestLoadConfig_MalformedNumbersFallBack(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TALLY_DEFAULT_CREDITS", "many")
	t.Setenv("TALLY_BALANCE_CACHE_TTL", "soon")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(100), cfg.Store.DefaultCredits)
	assert.Equal(t, 5*time.Minute, cfg.Redis.BalanceTTL)
}

func TestValidate_Failures(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server: ServerConfig{Port: "8080", HealthPort: "9090"},
			Store: StoreConfig{
				Backend:        "postgres",
				PostgresURL:    "postgres://localhost/tally",
				DefaultCredits: 100,
			},
			Billing: BillingConfig{WebhookSecret: "whsec_test"},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing port", func(c *Config) { c.Server.Port = "" }, "server port"},
		{"ports collide", func(c *Config) { c.Server.HealthPort = "8080" }, "must be different"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "dynamo" }, "invalid store backend"},
		{"postgres without url", func(c *Config) { c.Store.PostgresURL = "" }, "postgres URL"},
		{"sqlite without path", func(c *Config) {
			c.Store.Backend = "sqlite"
			c.Store.SQLitePath = ""
		}, "sqlite path"},
		{"negative default credits", func(c *Config) { c.Store.DefaultCredits = -1 }, "must not be negative"},
		{"missing webhook secret", func(c *Config) { c.Billing.WebhookSecret = "" }, "webhook secret"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "OpenTelemetry endpoint"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_Passes(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: "8080", HealthPort: "9090"},
		Store: StoreConfig{
			Backend:        "sqlite",
			SQLitePath:     "tally.db",
			DefaultCredits: 0,
		},
		Billing: BillingConfig{WebhookSecret: "whsec_test"},
	}
	assert.NoError(t, cfg.Validate())
}
