// Package flyway registers the "flyway" migration runner. It shells out to
// the external migration tool for each (target, schema) pair; the tool is
// idempotent, so already-applied migrations are skipped on re-runs.
package flyway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/model"
	"github.com/chirino/migration-service/internal/registry/runner"
)

func init() {
	runner.Register(runner.Plugin{
		Name: "flyway",
		Loader: func(ctx context.Context, cfg *config.Config) (runner.MigrationRunner, error) {
			if cfg.ToolPath == "" {
				return nil, fmt.Errorf("flyway runner: tool path is required")
			}
			return &flywayRunner{cfg: cfg}, nil
		},
	})
}

type flywayRunner struct {
	cfg *config.Config
}

// Run invokes the tool once with a hard wall-clock timeout. A timeout is a
// distinct result kind so operators can tell slow migrations from broken ones.
func (r *flywayRunner) Run(ctx context.Context, target *model.Target, schema string, mode runner.Mode) runner.Result {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout)
	defer cancel()

	args := commandArgs(r.cfg, target, schema, mode)
	cmd := exec.CommandContext(runCtx, r.cfg.ToolPath, args...)
	// The credential goes through the environment, never argv.
	cmd.Env = append(os.Environ(), "FLYWAY_PASSWORD="+target.Password)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	log.Debug("Invoking migration tool", "target", target.ID, "schema", schema, "mode", mode)
	started := time.Now()
	err := cmd.Run()
	output := buf.String()

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return runner.Result{
				Kind:   runner.TimedOut,
				Output: output,
				Err:    fmt.Errorf("migration tool timed out after %s on %s.%s", r.cfg.ToolTimeout, target.DatabaseName, schema),
			}
		}
		return runner.Result{
			Kind:   runner.Failed,
			Output: output,
			Err:    fmt.Errorf("migration tool failed on %s.%s: %w", target.DatabaseName, schema, err),
		}
	}

	log.Debug("Migration tool finished", "target", target.ID, "schema", schema, "took", time.Since(started))
	return runner.Result{Kind: runner.Succeeded, Output: output}
}

// locations resolves the ordered migration-script search path for a target.
// Platform-wide scripts always come first: regional and tenant schemas
// reference objects the global scripts create, so the tool must see the
// global location before the type-specific one.
func locations(cfg *config.Config, target *model.Target) []string {
	global := filepath.Join(cfg.ScriptRoot, "global")
	switch target.ConnectionType {
	case model.ConnectionTypeShared, model.ConnectionTypeAnalytics:
		return []string{global, filepath.Join(cfg.ScriptRoot, "regions", target.Region)}
	case model.ConnectionTypeTenant:
		return []string{global, filepath.Join(cfg.ScriptRoot, "tenant")}
	default:
		return []string{global}
	}
}

func commandArgs(cfg *config.Config, target *model.Target, schema string, mode runner.Mode) []string {
	locs := locations(cfg, target)
	for i, l := range locs {
		locs[i] = "filesystem:" + l
	}
	return []string{
		"-url=" + target.JDBCURL(),
		"-user=" + target.Username,
		"-schemas=" + schema,
		"-defaultSchema=" + schema,
		"-locations=" + strings.Join(locs, ","),
		"-connectRetries=3",
		string(mode),
	}
}
