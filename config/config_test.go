package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable Load reads for the duration of the test.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"PORT", "DB_DRIVER", "DB_PATH", "DATABASE_URL", "KAFKA_BROKERS", "KAFKA_TOPIC",
		"RECONCILE_INTERVAL", "LOOKUP_TIMEOUT", "SEED_DEMO", "LOG_LEVEL", "NO_COLOR",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "ecoboard.db", cfg.DBPath)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 2*time.Second, cfg.LookupTimeout)
	assert.False(t, cfg.EventsEnabled())
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoad_EnvThenFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("RECONCILE_INTERVAL", "30s")
	t.Setenv("SEED_DEMO", "true")

	cfg, err := Load([]string{"-port", "7070", "-db", ":memory:"}, "")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port, "flag beats env")
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.True(t, cfg.SeedDemo)
	assert.True(t, cfg.EventsEnabled())
}

func TestLoad_MalformedEnvFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")
	t.Setenv("LOOKUP_TIMEOUT", "soon")

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.LookupTimeout)
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=6060\nDB_DRIVER=postgres\nDATABASE_URL=postgres://localhost/eco\n"), 0o600))
	t.Setenv("PORT", "5050")

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, 5050, cfg.Port, "real environment beats .env")
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, "postgres://localhost/eco", cfg.DatabaseURL)
}

func TestLoad_MissingDotEnvIgnored(t *testing.T) {
	clearEnv(t)
	_, err := Load(nil, filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{Port: 8080, DBDriver: DriverSQLite, DBPath: "x.db", LookupTimeout: time.Second}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Port = 0 }},
		{"driver", func(c *Config) { c.DBDriver = "mysql" }},
		{"postgres without url", func(c *Config) { c.DBDriver = DriverPostgres }},
		{"brokers without topic", func(c *Config) { c.KafkaBrokers = []string{"k:9092"} }},
		{"negative interval", func(c *Config) { c.ReconcileInterval = -time.Second }},
		{"zero lookup timeout", func(c *Config) { c.LookupTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_BadFlag(t *testing.T) {
	clearEnv(t)
	_, err := Load([]string{"-nope"}, "")
	assert.Error(t, err)
}
