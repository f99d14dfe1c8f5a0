package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/chirino/migration-service/internal/cmd/migrate"
	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/model"
	"github.com/chirino/migration-service/internal/status"
	"github.com/chirino/migration-service/internal/store"
	"github.com/urfave/cli/v3"
)

// Command returns the status sub-command. It is read-only: no locks are
// taken and nothing is migrated.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var (
		region   string
		connType string
		database string
		schema   string
	)
	flags := append(migrate.Flags(&cfg),
		&cli.StringFlag{
			Name:        "region",
			Category:    "Filter:",
			Destination: &region,
			Usage:       "Only report targets in this region",
		},
		&cli.StringFlag{
			Name:        "type",
			Category:    "Filter:",
			Destination: &connType,
			Usage:       "Only report targets of this connection type (admin|shared|analytics|tenant)",
		},
		&cli.StringFlag{
			Name:        "database",
			Category:    "Filter:",
			Destination: &database,
			Usage:       "Only report this database",
		},
		&cli.StringFlag{
			Name:        "schema",
			Category:    "Filter:",
			Destination: &schema,
			Usage:       "Only report this schema",
		},
	)
	return &cli.Command{
		Name:  "status",
		Usage: "Report applied and pending migrations across the fleet",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx = config.WithContext(ctx, &cfg)
			return run(ctx, &cfg, filter{region: region, connType: model.ConnectionType(connType), database: database, schema: schema})
		},
	}
}

type filter struct {
	region   string
	connType model.ConnectionType
	database string
	schema   string
}

func run(ctx context.Context, cfg *config.Config, f filter) error {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("Failed to close admin database", "err", err)
		}
	}()

	registry, r, err := migrate.Wire(ctx, cfg, st)
	if err != nil {
		return err
	}
	defer registry.CloseAll()

	if err := registry.Load(ctx); err != nil {
		return err
	}

	reporter := status.NewReporter(r)
	var statuses []model.MigrationStatus
	for _, pair := range collect(ctx, registry, st, f) {
		statuses = append(statuses, reporter.Report(ctx, pair.target, pair.schema))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(statuses); err != nil {
		return fmt.Errorf("failed to encode status report: %w", err)
	}
	return nil
}

type schemaPair struct {
	target *model.Target
	schema string
}

// collect resolves every (target, schema) pair the filter selects. Tenant
// targets own no declared schemas; theirs come from the tenants table.
func collect(ctx context.Context, registry targetSource, st tenantSource, f filter) []schemaPair {
	var pairs []schemaPair
	for _, connType := range []model.ConnectionType{
		model.ConnectionTypeAdmin,
		model.ConnectionTypeShared,
		model.ConnectionTypeAnalytics,
		model.ConnectionTypeTenant,
	} {
		if f.connType != "" && f.connType != connType {
			continue
		}
		for _, target := range registry.ByType(connType) {
			if f.region != "" && target.Region != f.region {
				continue
			}
			if f.database != "" && target.DatabaseName != f.database {
				continue
			}
			if connType == model.ConnectionTypeTenant {
				pairs = append(pairs, tenantPairs(ctx, st, target, f.schema)...)
				continue
			}
			for _, schema := range target.Schemas {
				if f.schema != "" && f.schema != schema {
					continue
				}
				pairs = append(pairs, schemaPair{target: target, schema: schema})
			}
		}
	}
	return pairs
}

func tenantPairs(ctx context.Context, st tenantSource, target *model.Target, schemaFilter string) []schemaPair {
	tenants, err := st.ListActiveTenants(ctx)
	if err != nil {
		log.Error("Failed to list tenants", "err", err)
		return nil
	}
	var pairs []schemaPair
	for _, tenant := range tenants {
		if tenant.DatabaseName != target.DatabaseName {
			continue
		}
		if schemaFilter != "" && schemaFilter != tenant.SchemaName {
			continue
		}
		pairs = append(pairs, schemaPair{target: target, schema: tenant.SchemaName})
	}
	return pairs
}

type targetSource interface {
	ByType(connType model.ConnectionType) []*model.Target
}

type tenantSource interface {
	ListActiveTenants(ctx context.Context) ([]model.TenantSchema, error)
}
