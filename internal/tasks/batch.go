package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
)

// StaleSource lists artists due for a refresh. [repositories.Store] implements it.
type StaleSource interface {
	ListStale(ctx context.Context, syncedBefore time.Time, limit int) ([]models.Artist, error)
}

// BatchOptions configures a batch of imports.
type BatchOptions struct {
	Workers   int                  // Concurrent runs (default: 4, max: 16)
	RateLimit float64              // Runs started per second (default: 2)
	Options   models.ImportOptions // Steps enabled for every run
	Trigger   models.Trigger       // Recorded on every run (default: scheduled)
}

// BatchResult summarizes a batch.
type BatchResult struct {
	Total     int                `json:"total"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Skipped   int                `json:"skipped"` // already running elsewhere
	Reports   []models.RunReport `json:"reports"`
}

// RunBatch imports artists concurrently with rate limiting and progress tracking.
//
// A failing artist never stops the batch; only cancellation of ctx does. Artists already being
// imported by another run are counted as skipped.
func (i *Importer) RunBatch(ctx context.Context, artists []models.Artist, opts BatchOptions, progress chan<- ProgressUpdate) (*BatchResult, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Workers > 16 {
		opts.Workers = 16
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 2
	}
	if opts.Trigger == "" {
		opts.Trigger = models.TriggerScheduled
	}

	result := &BatchResult{Total: len(artists), Reports: make([]models.RunReport, 0, len(artists))}
	limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), 1)

	var (
		mu   sync.Mutex
		done int
	)
	collect := func(report models.RunReport, err error) {
		mu.Lock()
		defer mu.Unlock()

		done++
		switch {
		case errors.Is(err, shared.ErrAlreadyRunning):
			result.Skipped++
		case err != nil:
			result.Failed++
			report.Error = err.Error()
		case report.Success:
			result.Succeeded++
		default:
			result.Failed++
		}
		result.Reports = append(result.Reports, report)
		sendProgress(progress, batchUpdate(done, len(artists), report, err))
	}

	var g errgroup.Group
	g.SetLimit(opts.Workers)

	for _, artist := range artists {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					i.logger.Error("batch import panicked", "entity_id", artist.ID, "panic", r)
					collect(models.RunReport{EntityID: artist.ID, Identifiers: artist.Identifiers}, fmt.Errorf("panic: %v", r))
				}
			}()

			runOpts := opts.Options
			report, err := i.RunNow(ctx, StartRequest{
				EntityID:    artist.ID,
				Identifiers: artist.Identifiers,
				Options:     &runOpts,
				Trigger:     opts.Trigger,
			}, nil)
			if report.Identifiers.Name == "" {
				report.Identifiers.Name = artist.Identifiers.Name
			}
			collect(report, err)
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("batch interrupted after %d of %d imports: %w", result.Succeeded+result.Failed+result.Skipped, result.Total, err)
	}
	return result, nil
}

// StaleBatchConfig configures a [StaleBatchHandler].
type StaleBatchConfig struct {
	BatchSize int
	Freshness time.Duration // artists synced within this window are left alone
	Batch     BatchOptions
	Now       func() time.Time
}

// StaleBatchHandler returns a scheduler job that re-imports up to BatchSize artists whose last
// sync is older than Freshness, returning the report of every run it made.
//
// The job fails only when listing fails, ctx ends, or every import in a non-empty batch failed.
func StaleBatchHandler(importer *Importer, source StaleSource, cfg StaleBatchConfig) func(ctx context.Context) ([]models.RunReport, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(ctx context.Context) ([]models.RunReport, error) {
		artists, err := source.ListStale(ctx, cfg.Now().Add(-cfg.Freshness), cfg.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list stale artists: %w", err)
		}
		if len(artists) == 0 {
			importer.logger.Debug("no stale artists")
			return nil, nil
		}

		result, err := importer.RunBatch(ctx, artists, cfg.Batch, nil)
		importer.logger.Info("batch finished",
			"total", result.Total, "succeeded", result.Succeeded,
			"failed", result.Failed, "skipped", result.Skipped)
		if err != nil {
			return result.Reports, err
		}
		if result.Failed > 0 && result.Succeeded == 0 && result.Skipped == 0 {
			return result.Reports, fmt.Errorf("all %d imports in batch failed", result.Failed)
		}
		return result.Reports, nil
	}
}
