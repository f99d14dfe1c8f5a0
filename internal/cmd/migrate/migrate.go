package migrate

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/orchestrator"
	registryrunner "github.com/chirino/migration-service/internal/registry/runner"
	registrysecret "github.com/chirino/migration-service/internal/registry/secret"
	"github.com/chirino/migration-service/internal/store"
	"github.com/chirino/migration-service/internal/targets"
	"github.com/urfave/cli/v3"

	// Import plugins to trigger init() registration.
	_ "github.com/chirino/migration-service/internal/plugin/runner/flyway"
	_ "github.com/chirino/migration-service/internal/plugin/secret/aesgcm"
	_ "github.com/chirino/migration-service/internal/plugin/secret/plain"
	_ "github.com/chirino/migration-service/internal/plugin/secret/vault"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run the phased migration across the whole database fleet",
		Flags: Flags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx = config.WithContext(ctx, &cfg)
			report, err := run(ctx, &cfg)
			if report != nil {
				logReport(report)
			}
			if err != nil {
				return err
			}
			if n := report.TotalFailed(); n > 0 {
				return fmt.Errorf("migration run %s finished with %d failed targets", report.BatchID, n)
			}
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config.Config) (*orchestrator.Report, error) {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("Failed to close admin database", "err", err)
		}
	}()

	if cfg.BootstrapAtStart {
		if err := st.Bootstrap(ctx); err != nil {
			return nil, err
		}
	}

	registry, r, err := Wire(ctx, cfg, st)
	if err != nil {
		return nil, err
	}
	defer registry.CloseAll()

	// Pre-flight connectivity check. Unreachable targets are warned about up
	// front but still attempted; they fail per-target during their phase.
	if err := registry.Load(ctx); err != nil {
		return nil, err
	}
	if unreachable := registry.PingAll(ctx); len(unreachable) > 0 {
		log.Warn("Some targets are unreachable, their migrations will fail", "count", len(unreachable))
	}

	o := orchestrator.New(cfg, registry, st, st.Locks(), st.Recorder(), r)
	return o.Run(ctx)
}

// Wire builds the target registry and migration runner from the configured
// plugins. Shared with the status command.
func Wire(ctx context.Context, cfg *config.Config, st *store.Store) (*targets.Registry, registryrunner.MigrationRunner, error) {
	sp, err := registrysecret.Select(cfg.SecretProvider)
	if err != nil {
		return nil, nil, err
	}
	decrypter, err := sp.Loader(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secret provider %q: %w", cfg.SecretProvider, err)
	}

	rp, err := registryrunner.Select(cfg.RunnerType)
	if err != nil {
		return nil, nil, err
	}
	r, err := rp.Loader(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load migration runner %q: %w", cfg.RunnerType, err)
	}

	return targets.New(cfg, st, decrypter), r, nil
}

func logReport(report *orchestrator.Report) {
	for _, p := range report.Phases {
		log.Info("Phase summary", "phase", p.Phase,
			"completed", p.Completed, "failed", p.Failed, "skipped", p.Skipped, "took", p.Duration)
	}
	for _, f := range report.Failures {
		log.Error("Failed target", "database", f.Database, "schema", f.Schema, "err", f.Error)
	}
}

// Flags returns the full flag set binding into cfg. The status command reuses
// it so both commands resolve targets identically.
func Flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{

		// ── Control Plane ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Control Plane:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_DB_URL"),
			Destination: &cfg.AdminDBURL,
			Usage:       "Admin database connection URL",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "bootstrap",
			Category:    "Control Plane:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_BOOTSTRAP"),
			Destination: &cfg.BootstrapAtStart,
			Value:       cfg.BootstrapAtStart,
			Usage:       "Create the lock and outcome tables on startup if missing",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Control Plane:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Max open connections to the admin database",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Control Plane:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Max idle connections to the admin database",
		},

		// ── Fleet Defaults ────────────────────────────────────────
		&cli.StringFlag{
			Name:        "default-regions",
			Category:    "Fleet Defaults:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_DEFAULT_REGIONS"),
			Destination: &cfg.DefaultRegions,
			Value:       cfg.DefaultRegions,
			Usage:       "Comma-separated regions for the built-in fleet used when the control table is missing",
		},
		&cli.StringFlag{
			Name:        "default-db-host",
			Category:    "Fleet Defaults:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_DEFAULT_DB_HOST"),
			Destination: &cfg.DefaultDBHost,
			Value:       cfg.DefaultDBHost,
			Usage:       "Host for built-in fleet targets",
		},
		&cli.IntFlag{
			Name:        "default-db-port",
			Category:    "Fleet Defaults:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_DEFAULT_DB_PORT"),
			Destination: &cfg.DefaultDBPort,
			Value:       cfg.DefaultDBPort,
			Usage:       "Port for built-in fleet targets",
		},
		&cli.StringFlag{
			Name:        "default-db-user",
			Category:    "Fleet Defaults:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_DEFAULT_DB_USER"),
			Destination: &cfg.DefaultDBUser,
			Value:       cfg.DefaultDBUser,
			Usage:       "Username for built-in fleet targets",
		},
		&cli.StringFlag{
			Name:        "default-db-password",
			Category:    "Fleet Defaults:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_DEFAULT_DB_PASSWORD"),
			Destination: &cfg.DefaultDBPassword,
			Usage:       "Fallback credential for built-in fleet targets and undecryptable rows",
		},

		// ── Secrets ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "secret-provider",
			Category:    "Secrets:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_SECRET_PROVIDER"),
			Destination: &cfg.SecretProvider,
			Value:       cfg.SecretProvider,
			Usage:       "Credential decryption provider (plain|aesgcm|vault)",
		},
		&cli.StringFlag{
			Name:        "secret-key",
			Category:    "Secrets:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_SECRET_KEY"),
			Destination: &cfg.SecretKey,
			Usage:       "AES key for the aesgcm provider (hex or base64, 16/24/32 bytes)",
		},
		&cli.StringFlag{
			Name:        "vault-transit-key",
			Category:    "Secrets:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_VAULT_TRANSIT_KEY"),
			Destination: &cfg.VaultTransitKey,
			Usage:       "Vault Transit key name for the vault provider",
		},

		// ── Migration Tool ────────────────────────────────────────
		&cli.StringFlag{
			Name:        "runner",
			Category:    "Migration Tool:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_RUNNER"),
			Destination: &cfg.RunnerType,
			Value:       cfg.RunnerType,
			Usage:       "Migration runner plugin",
		},
		&cli.StringFlag{
			Name:        "tool-path",
			Category:    "Migration Tool:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_TOOL_PATH"),
			Destination: &cfg.ToolPath,
			Value:       cfg.ToolPath,
			Usage:       "Migration tool executable",
		},
		&cli.DurationFlag{
			Name:        "tool-timeout",
			Category:    "Migration Tool:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_TOOL_TIMEOUT"),
			Destination: &cfg.ToolTimeout,
			Value:       cfg.ToolTimeout,
			Usage:       "Wall-clock budget for one tool invocation",
		},
		&cli.StringFlag{
			Name:        "script-root",
			Category:    "Migration Tool:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_SCRIPT_ROOT"),
			Destination: &cfg.ScriptRoot,
			Value:       cfg.ScriptRoot,
			Usage:       "Base directory for migration scripts",
		},

		// ── Orchestration ─────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "lock-ttl",
			Category:    "Orchestration:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_LOCK_TTL"),
			Destination: &cfg.LockTTL,
			Value:       cfg.LockTTL,
			Usage:       "How long a lock survives a crashed holder",
		},
		&cli.IntFlag{
			Name:        "tenant-batch-size",
			Category:    "Orchestration:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_TENANT_BATCH_SIZE"),
			Destination: &cfg.TenantBatchSize,
			Value:       cfg.TenantBatchSize,
			Usage:       "Tenant schemas migrated concurrently per batch",
		},
		&cli.StringFlag{
			Name:        "worker-id",
			Category:    "Orchestration:",
			Sources:     cli.EnvVars("MIGRATION_SERVICE_WORKER_ID"),
			Destination: &cfg.WorkerID,
			Value:       cfg.WorkerID,
			Usage:       "Lock holder identity for this process",
		},
	}
}
