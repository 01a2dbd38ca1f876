package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/status"
)

// HandlerFactory builds the handler for a configured job.
type HandlerFactory func(cfg shared.JobConfig) (Handler, error)

// RegisterConfigured registers every job from config. Jobs with enabled = false are registered but disabled.
func (r *Registry) RegisterConfigured(jobs []shared.JobConfig, factory HandlerFactory) error {
	for _, cfg := range jobs {
		handler, err := factory(cfg)
		if err != nil {
			return fmt.Errorf("failed to build job %s: %w", cfg.Name, err)
		}
		if err := r.RegisterJob(cfg.Name, cfg.Schedule, handler); err != nil {
			return err
		}
		if !cfg.Enabled {
			if err := r.Disable(cfg.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// CleanupConfig configures a [CleanupHandler].
type CleanupConfig struct {
	Retention  time.Duration
	StaleAfter time.Duration
	// IncludeAbandoned also removes runs that never finished and are past StaleAfter.
	IncludeAbandoned bool
	Now              func() time.Time
	Logger           *log.Logger
}

// CleanupHandler returns the maintenance job that prunes the status store.
func CleanupHandler(store status.Store, cfg CleanupConfig) Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = shared.NewLogger(nil)
	}

	return func(ctx context.Context) ([]models.RunReport, error) {
		result, err := store.Cleanup(ctx, status.CleanupOptions{
			Retention:        cfg.Retention,
			StaleAfter:       cfg.StaleAfter,
			IncludeAbandoned: cfg.IncludeAbandoned,
			Now:              cfg.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to clean up import statuses: %w", err)
		}
		cfg.Logger.Info("import statuses cleaned up",
			"terminal", result.Terminal, "aliases", result.Aliases, "abandoned", result.Abandoned)
		return nil, nil
	}
}
