package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/internal/app"
	"github.com/warp/budget-ledger/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		flagConfig, flagSweepNow, flagVerbose = "", "", false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestMigrate_SQLite(t *testing.T) {
	db := filepath.Join(t.TempDir(), "budget.db")
	cfg := writeConfig(t, "database:\n  driver: sqlite\n  dsn: "+db+"\n")

	out, err := run(t, "migrate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema is up to date")
	assert.FileExists(t, db)

	// Running it again is harmless.
	_, err = run(t, "migrate", "--config", cfg)
	require.NoError(t, err)
}

func TestMigrate_Memory(t *testing.T) {
	cfg := writeConfig(t, "database:\n  driver: memory\n")

	out, err := run(t, "migrate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to migrate")
}

func TestSweep(t *testing.T) {
	cfg := writeConfig(t, "database:\n  driver: memory\n")

	out, err := run(t, "sweep", "--config", cfg, "--now", "2026-05-01T00:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "expired 0 reservation(s), closed 0 envelope(s)")

	_, err = run(t, "sweep", "--config", cfg, "--now", "yesterday")
	assert.ErrorContains(t, err, "RFC 3339")
}

func TestStatus_UnknownEnvelope(t *testing.T) {
	cfg := writeConfig(t, "database:\n  driver: memory\n")

	_, err := run(t, "status", "missing", "--config", cfg)
	assert.ErrorContains(t, err, "not found")

	_, err = run(t, "status", "--config", cfg)
	assert.Error(t, err)
}

func TestStatus_ShowsEnvelope(t *testing.T) {
	ctx := context.Background()
	db := filepath.Join(t.TempDir(), "budget.db")
	path := writeConfig(t, "database:\n  driver: sqlite\n  dsn: "+db+"\n")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	a, err := app.New(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	env, err := a.Ledger.CreateBudgetEnvelope(ctx, budget.CreateEnvelopeInput{
		ProgramRef: "rewards-q1",
		Period: budget.Period{
			Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		Allocated: decimal.NewFromInt(200),
	})
	require.NoError(t, err)
	_, err = a.Ledger.ApplyBudgetUsage(ctx, env.ID, decimal.NewFromInt(190), "batch-1")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	out, err := run(t, "status", string(env.ID), "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "rewards-q1")
	assert.Contains(t, out, "10.00")
	assert.Contains(t, out, "95.00%")
	assert.Contains(t, out, "utilization_75, utilization_90")
}
