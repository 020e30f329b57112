package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("http:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./data/budget.db", cfg.Database.DSN)
	assert.Equal(t, 900, cfg.Ledger.DefaultTTLSec)
	assert.Equal(t, 86400, cfg.Ledger.MaxTTLSec)
	assert.Equal(t, 32, cfg.Ledger.MaxRetries)
	assert.Equal(t, []string{"0.75", "0.9", "1"}, cfg.Ledger.Thresholds)
	assert.True(t, cfg.SweeperEnabled())
	assert.Equal(t, 500, cfg.Sweeper.BatchSize)
}

func TestParse_ExpandsEnvVars(t *testing.T) {
	t.Setenv("BUDGET_DB_DSN", "postgres://ledger@db/ledger?sslmode=disable")

	cfg, err := Parse([]byte(`
database:
  driver: postgres
  dsn: ${BUDGET_DB_DSN}
redis:
  addr: ${BUDGET_REDIS_ADDR:-localhost:6379}
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://ledger@db/ledger?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestParse_SweeperCanBeDisabled(t *testing.T) {
	cfg, err := Parse([]byte("sweeper:\n  enabled: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.SweeperEnabled())
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		var c Config
		c.ApplyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }, "http.port"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres needs dsn", func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" }, "database.dsn"},
		{"memory needs nothing", func(c *Config) { c.Database.Driver = "memory"; c.Database.DSN = "" }, ""},
		{"default ttl above max", func(c *Config) { c.Ledger.DefaultTTLSec = 100; c.Ledger.MaxTTLSec = 10 }, "default_ttl_sec"},
		{"threshold not a number", func(c *Config) { c.Ledger.Thresholds = []string{"high"} }, "ledger.thresholds"},
		{"threshold above one", func(c *Config) { c.Ledger.Thresholds = []string{"1.5"} }, "ledger.thresholds"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLedgerOptions(t *testing.T) {
	cfg, err := Parse([]byte(`
ledger:
  default_ttl_sec: 60
  max_ttl_sec: 3600
  max_retries: 5
  thresholds: ["0.5", "0.8"]
sweeper:
  interval_sec: 15
  batch_size: 100
`))
	require.NoError(t, err)

	opts := cfg.LedgerOptions()
	assert.Equal(t, time.Minute, opts.DefaultTTL)
	assert.Equal(t, time.Hour, opts.MaxTTL)
	assert.Equal(t, 5, opts.MaxRetries)
	assert.Equal(t, 15*time.Second, opts.SweepInterval)
	assert.Equal(t, 100, opts.SweepBatchSize)
	require.Len(t, opts.Thresholds, 2)
	assert.True(t, opts.Thresholds[0].Equal(decimal.RequireFromString("0.5")))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: memory\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
