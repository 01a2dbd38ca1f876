package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/artistsync/internal/formatter"
	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/tasks"
)

// startRequest builds a [tasks.StartRequest] from the identifier flags.
func startRequest(cmd *cli.Command, trigger models.Trigger) (tasks.StartRequest, error) {
	req := tasks.StartRequest{
		EntityID: cmd.String("entity-id"),
		Identifiers: models.Identifiers{
			CatalogID:   cmd.String("catalog-id"),
			TicketingID: cmd.String("ticketing-id"),
			OtherID:     cmd.String("other-id"),
			Name:        cmd.String("name"),
		},
		Trigger: trigger,
	}
	if req.EntityID == "" && req.Identifiers.Empty() {
		return req, fmt.Errorf("%w: one of --entity-id, --catalog-id, --ticketing-id, --other-id or --name", shared.ErrMissingArgument)
	}

	opts := models.FullImport()
	if cmd.Bool("light") {
		opts = models.LightImport()
	}
	if cmd.Bool("no-catalog") {
		opts.SyncCatalog = false
	}
	if cmd.Bool("no-events") {
		opts.SyncEvents = false
	}
	if cmd.Bool("no-defaults") {
		opts.CreateDefaults = false
	}
	req.Options = &opts
	return req, nil
}

// ImportStart queues an import on a local dispatcher and follows it to a terminal stage.
//
// A run already in progress for the same artist is reported, not treated as an error.
func (r *Runner) ImportStart(ctx context.Context, cmd *cli.Command) error {
	format, err := r.format(cmd)
	if err != nil {
		return err
	}
	req, err := startRequest(cmd, models.TriggerOnDemand)
	if err != nil {
		return err
	}

	if cmd.Bool("watch") {
		if err := r.useFileLogger(); err != nil {
			return err
		}
	}
	if err := r.open(ctx); err != nil {
		return err
	}
	defer r.close(context.WithoutCancel(ctx))
	r.dispatcher.Start(ctx)

	result, err := r.importer.StartImport(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to start import: %w", err)
	}
	if !result.Accepted {
		r.writePlain("Import already running as %s (run %s)\n", result.ExistingImportKey, result.Status.RunID)
		return formatter.Status(r.output, format, result.Status)
	}
	r.logger.Info("import queued", "key", result.ImportKey, "run", result.Status.RunID)

	if cmd.Bool("watch") {
		return r.watch(ctx, result.ImportKey, 0)
	}

	final, err := r.follow(ctx, result.ImportKey, result.Status.RunID)
	if err != nil {
		return err
	}
	report, err := r.importer.Report(ctx, final.Key)
	if err != nil {
		return formatter.Status(r.output, format, final)
	}
	return formatter.Report(r.output, format, report)
}

// follow polls key until the run reaches a terminal stage, printing each stage change.
func (r *Runner) follow(ctx context.Context, key models.ImportKey, runID string) (models.ImportStatus, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var last models.Stage
	for {
		st, err := r.importer.Status(ctx, key)
		if err != nil {
			return st, fmt.Errorf("failed to read import status: %w", err)
		}
		if st.RunID != runID {
			return st, fmt.Errorf("%w: run %s replaced by %s", shared.ErrSuperseded, runID, st.RunID)
		}
		if st.Stage != last {
			r.writePlain("[%3d%%] %-16s %s\n", st.Progress, st.Stage, st.Message)
			last = st.Stage
		}
		if st.Terminal() {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ImportRun runs an import synchronously, streaming progress to the output.
func (r *Runner) ImportRun(ctx context.Context, cmd *cli.Command) error {
	format, err := r.format(cmd)
	if err != nil {
		return err
	}
	req, err := startRequest(cmd, models.TriggerManual)
	if err != nil {
		return err
	}

	if err := r.open(ctx); err != nil {
		return err
	}
	defer r.close(context.WithoutCancel(ctx))

	progress := make(chan tasks.ProgressUpdate, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for update := range progress {
			r.writePlain("[%3d%%] %-16s %s\n", update.Progress, update.Stage, update.Message)
		}
	}()

	report, err := r.importer.RunNow(ctx, req, progress)
	close(progress)
	<-done

	if errors.Is(err, shared.ErrAlreadyRunning) {
		r.writePlain("Import already running for this artist\n")
		return err
	}
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	if ferr := formatter.Report(r.output, format, report); ferr != nil {
		return ferr
	}
	if !report.Success {
		return fmt.Errorf("import %s failed: %s", report.ImportKey, report.Error)
	}
	return nil
}

// ImportStatus prints one import's status, or every active import when no key is given.
func (r *Runner) ImportStatus(ctx context.Context, cmd *cli.Command) error {
	format, err := r.format(cmd)
	if err != nil {
		return err
	}
	if err := r.open(ctx); err != nil {
		return err
	}
	defer r.close(context.WithoutCancel(ctx))

	key := models.ImportKey(cmd.StringArg("key"))
	if key == "" {
		active, err := r.importer.Active(ctx)
		if err != nil {
			return err
		}
		return formatter.Statuses(r.output, format, active)
	}

	st, err := r.importer.Status(ctx, key)
	if err != nil {
		return err
	}
	if err := formatter.Status(r.output, format, st); err != nil {
		return err
	}

	if !cmd.Bool("report") {
		return nil
	}
	report, err := r.importer.Report(ctx, st.Key)
	if err != nil {
		r.logger.Warn("no report for import", "key", st.Key, "error", err)
		return nil
	}
	if format == formatter.FormatTable || format == formatter.FormatMarkdown {
		r.writePlain("\n")
	}
	return formatter.Report(r.output, format, report)
}
