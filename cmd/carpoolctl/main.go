// Command carpoolctl runs maintenance tasks against the carpool store:
// migrations, plan seeding, on-demand sweeps and subscription grants.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/carpool/internal/app"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	open := func(ctx context.Context, migrate bool) (*app.App, error) {
		cfg, err := config.LoadServerConfig()
		if err != nil {
			return nil, err
		}
		cfg.RunMigrations = cfg.RunMigrations || migrate
		return app.New(ctx, cfg, logging.NewLogger(cfg.LogLevel))
	}
	if err := newRootCmd(open, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
