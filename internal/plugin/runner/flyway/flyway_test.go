package flyway

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/model"
	"github.com/chirino/migration-service/internal/registry/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTarget(connType model.ConnectionType) *model.Target {
	return &model.Target{
		ID:             "t1",
		Host:           "db1",
		Port:           5432,
		DatabaseName:   "shared_us",
		Username:       "migrator",
		Password:       "pw",
		SSLMode:        "require",
		Region:         "us-east-1",
		ConnectionType: connType,
	}
}

func TestLocationOrdering(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ScriptRoot = "migrations"

	// Global scripts must always come first.
	assert.Equal(t,
		[]string{"migrations/global"},
		locations(&cfg, testTarget(model.ConnectionTypeAdmin)))
	assert.Equal(t,
		[]string{"migrations/global", "migrations/regions/us-east-1"},
		locations(&cfg, testTarget(model.ConnectionTypeShared)))
	assert.Equal(t,
		[]string{"migrations/global", "migrations/regions/us-east-1"},
		locations(&cfg, testTarget(model.ConnectionTypeAnalytics)))
	assert.Equal(t,
		[]string{"migrations/global", "migrations/tenant"},
		locations(&cfg, testTarget(model.ConnectionTypeTenant)))
}

func TestCommandArgs(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ScriptRoot = "migrations"

	args := commandArgs(&cfg, testTarget(model.ConnectionTypeTenant), "tenant_a", runner.ModeMigrate)
	assert.Equal(t, []string{
		"-url=jdbc:postgresql://db1:5432/shared_us?sslmode=require",
		"-user=migrator",
		"-schemas=tenant_a",
		"-defaultSchema=tenant_a",
		"-locations=filesystem:migrations/global,filesystem:migrations/tenant",
		"-connectRetries=3",
		"migrate",
	}, args)
	// The credential must never appear on argv.
	for _, a := range args {
		assert.NotContains(t, a, "pw")
	}
}

// fakeTool writes an executable stand-in for the migration tool.
func fakeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakeflyway")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newRunner(t *testing.T, cfg *config.Config) runner.MigrationRunner {
	t.Helper()
	p, err := runner.Select("flyway")
	require.NoError(t, err)
	r, err := p.Loader(context.Background(), cfg)
	require.NoError(t, err)
	return r
}

func TestRunCapturesOutputOnSuccess(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ToolPath = fakeTool(t, `echo "Schema version: 42"`)

	res := newRunner(t, &cfg).Run(context.Background(), testTarget(model.ConnectionTypeAdmin), "admin", runner.ModeInfo)
	require.True(t, res.OK())
	assert.Contains(t, res.Output, "Schema version: 42")
}

func TestRunReportsToolFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ToolPath = fakeTool(t, `echo "ERROR: relation is borked" >&2; exit 3`)

	res := newRunner(t, &cfg).Run(context.Background(), testTarget(model.ConnectionTypeAdmin), "admin", runner.ModeMigrate)
	assert.Equal(t, runner.Failed, res.Kind)
	assert.Error(t, res.Err)
	assert.Contains(t, res.Output, "relation is borked")
	assert.False(t, res.OK())
}

func TestRunReportsTimeoutDistinctly(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ToolPath = fakeTool(t, `sleep 10`)
	cfg.ToolTimeout = 100 * time.Millisecond

	res := newRunner(t, &cfg).Run(context.Background(), testTarget(model.ConnectionTypeAdmin), "admin", runner.ModeMigrate)
	assert.Equal(t, runner.TimedOut, res.Kind)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "timed out")
}
