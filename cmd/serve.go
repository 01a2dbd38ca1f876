package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/artistsync/internal/server"
	"github.com/desertthunder/artistsync/internal/shared"
)

// Serve runs the HTTP API, the import workers and the scheduler until interrupted.
//
// One scheduler per database: a second serve against the same database file fails fast.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock := flock.New(r.config.Database.Path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire serve lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: scheduler already running for %s", shared.ErrAlreadyRunning, r.config.Database.Path)
	}
	defer func() { _ = lock.Unlock() }()

	if err := r.open(ctx); err != nil {
		return err
	}
	registry, err := r.newRegistry()
	if err != nil {
		r.close(ctx)
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := registry.Stop(sctx); err != nil {
			r.logger.Warn("scheduler did not stop cleanly", "error", err)
		}
		if err := r.close(sctx); err != nil {
			r.logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	r.dispatcher.Start(ctx)
	if cmd.Bool("no-scheduler") {
		r.logger.Info("scheduler disabled, jobs only run on demand")
	} else if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	addr := cmd.String("addr")
	if addr == "" {
		addr = r.config.Server.Addr()
	}
	srv := server.New(server.Options{
		Addr:    addr,
		Imports: r.importer,
		Jobs:    registry,
		Metrics: r.metrics,
		Logger:  shared.WithLogger(r.logger, "component", "server"),
	})

	r.logger.Info("serving", "addr", addr, "database", r.config.Database.Path)
	return srv.Run(ctx)
}
