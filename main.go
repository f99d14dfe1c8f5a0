package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/migration-service/internal/cmd/migrate"
	"github.com/chirino/migration-service/internal/cmd/status"
	"github.com/chirino/migration-service/internal/cmd/sweep"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "migration-service",
		Usage: "Schema migration orchestration for a multi-tenant PostgreSQL fleet",
		Commands: []*cli.Command{
			migrate.Command(),
			status.Command(),
			sweep.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
