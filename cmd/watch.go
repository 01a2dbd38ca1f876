package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/ui"
)

// ImportWatch launches the terminal UI for one import, or for all active imports.
func (r *Runner) ImportWatch(ctx context.Context, cmd *cli.Command) error {
	if err := r.useFileLogger(); err != nil {
		return err
	}
	if err := r.open(ctx); err != nil {
		return err
	}
	defer r.close(context.WithoutCancel(ctx))

	return r.watch(ctx, models.ImportKey(cmd.StringArg("key")), cmd.Duration("interval"))
}

func (r *Runner) watch(ctx context.Context, key models.ImportKey, interval time.Duration) error {
	if r.importer == nil {
		return fmt.Errorf("%w: importer not initialized", shared.ErrServiceUnavailable)
	}

	model := ui.NewModel(ctx, r.importer, ui.Options{Key: key, Interval: interval})
	p := tea.NewProgram(model, tea.WithContext(ctx))

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	return nil
}

// useFileLogger redirects logs to log.file to avoid interfering with TUI rendering.
func (r *Runner) useFileLogger() error {
	path := r.config.Log.File
	if path == "" {
		path = "./tmp/artistsync-tui.log"
	}

	fileLogger, err := shared.NewFileLogger(path)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	fileLogger.SetLevel(r.logger.GetLevel())
	r.SetLogger(fileLogger)
	return nil
}
