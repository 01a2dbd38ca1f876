package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/artistsync/internal/status"
)

// StatusCleanup removes finished statuses past retention and expired aliases, and with
// --abandoned also runs that stopped updating.
func (r *Runner) StatusCleanup(ctx context.Context, cmd *cli.Command) error {
	if err := r.openStore(); err != nil {
		return err
	}
	defer r.close(context.WithoutCancel(ctx))

	retention := cmd.Duration("retention")
	if retention <= 0 {
		retention = r.config.Importer.RetentionDuration()
	}

	result, err := r.statuses.Cleanup(ctx, status.CleanupOptions{
		Retention:        retention,
		StaleAfter:       r.config.Importer.StaleAfterDuration(),
		IncludeAbandoned: cmd.Bool("abandoned"),
		Now:              time.Now(),
	})
	if err != nil {
		return err
	}

	r.logger.Info("status cleanup finished", "terminal", result.Terminal, "aliases", result.Aliases, "abandoned", result.Abandoned)
	return r.writeJSON(result, true)
}
