package sweep

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/metrics"
	"github.com/chirino/migration-service/internal/store"
	"github.com/urfave/cli/v3"
)

// Command returns the sweep sub-command. It reaps expired lock rows without
// running any migrations, for operators cleaning up after crashed workers.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "sweep",
		Usage: "Delete expired migration locks left by crashed workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db-url",
				Sources:     cli.EnvVars("MIGRATION_SERVICE_DB_URL"),
				Destination: &cfg.AdminDBURL,
				Usage:       "Admin database connection URL",
				Required:    true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx = config.WithContext(ctx, &cfg)
			st, err := store.Open(ctx, &cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					log.Error("Failed to close admin database", "err", err)
				}
			}()

			swept, err := st.Locks().SweepExpired(ctx)
			if err != nil {
				return err
			}
			metrics.LocksSwept.Add(float64(swept))
			log.Info("Swept expired locks", "count", swept)
			return nil
		},
	}
}
