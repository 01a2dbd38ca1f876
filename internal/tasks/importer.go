package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/artistsync/internal/metrics"
	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/status"
)

// StartRequest asks for an import of one artist.
type StartRequest struct {
	EntityID    string                `json:"entity_id,omitempty"`
	Identifiers models.Identifiers    `json:"identifiers"`
	Options     *models.ImportOptions `json:"options,omitempty"` // nil means a full import
	Trigger     models.Trigger        `json:"trigger,omitempty"`
}

// StartResult is the immediate answer to a [StartRequest].
//
// A duplicate request is not an error: Accepted is false and ExistingImportKey points at the run
// already in progress.
type StartResult struct {
	Accepted          bool                `json:"accepted"`
	ImportKey         models.ImportKey    `json:"import_key,omitempty"`
	ExistingImportKey models.ImportKey    `json:"existing_import_key,omitempty"`
	Status            models.ImportStatus `json:"status"`
}

// Importer is the entry point for on-demand imports.
type Importer struct {
	engine     *ImportEngine
	dispatcher *Dispatcher
	store      Datastore
	statuses   status.Store
	reports    status.ReportStore
	metrics    *metrics.Metrics
	logger     *log.Logger
}

// NewImporter creates an Importer. dispatcher may be nil, in which case only [Importer.RunNow] works.
func NewImporter(engine *ImportEngine, dispatcher *Dispatcher) *Importer {
	return &Importer{
		engine:     engine,
		dispatcher: dispatcher,
		store:      engine.store,
		statuses:   engine.statuses,
		reports:    engine.reports,
		metrics:    engine.metrics,
		logger:     engine.logger,
	}
}

// StartImport admits and queues a run, returning as soon as the initial status is written.
func (i *Importer) StartImport(ctx context.Context, req StartRequest) (StartResult, error) {
	if i.dispatcher == nil {
		return StartResult{}, fmt.Errorf("%w: no dispatcher configured", shared.ErrServiceUnavailable)
	}

	key, ids, opts, err := i.prepare(ctx, req)
	if err != nil {
		return StartResult{}, err
	}

	adm, err := i.engine.guard.BeginRun(ctx, key, triggerOrDefault(req.Trigger, models.TriggerOnDemand))
	if err != nil {
		return StartResult{}, err
	}
	if !adm.Proceed {
		i.metrics.Rejected("already-running")
		i.logger.Info("import already running", "key", key, "run_id", adm.Existing.RunID)
		return StartResult{ExistingImportKey: adm.Existing.Key, Status: *adm.Existing}, nil
	}

	if err := i.dispatcher.Submit(ctx, adm, ids, opts); err != nil {
		return StartResult{ImportKey: key, Status: adm.Status}, err
	}
	return StartResult{Accepted: true, ImportKey: key, Status: adm.Status}, nil
}

// RunNow admits a run and executes it on the calling goroutine.
//
// Returns [shared.ErrAlreadyRunning] when another run holds the key. The report is returned even
// when the run fails; err is reserved for runs that never started.
func (i *Importer) RunNow(ctx context.Context, req StartRequest, progress chan<- ProgressUpdate) (report models.RunReport, err error) {
	key, ids, opts, err := i.prepare(ctx, req)
	if err != nil {
		return models.RunReport{}, err
	}

	adm, err := i.engine.guard.BeginRun(ctx, key, triggerOrDefault(req.Trigger, models.TriggerManual))
	if err != nil {
		return models.RunReport{}, err
	}
	if !adm.Proceed {
		i.metrics.Rejected("already-running")
		return models.RunReport{ImportKey: key}, fmt.Errorf("%w: run %s holds %s", shared.ErrAlreadyRunning, adm.Existing.RunID, adm.Existing.Key)
	}

	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("import panicked", "key", key, "run_id", adm.Status.RunID, "panic", r)
			report, err = i.engine.crashed(ctx, adm.Status, r), nil
			report.Identifiers = ids
		}
	}()
	return i.engine.Run(ctx, adm, ids, opts, progress), nil
}

// Status returns the status stored at key, following provisional key aliases.
func (i *Importer) Status(ctx context.Context, key models.ImportKey) (models.ImportStatus, error) {
	st, err := i.statuses.Read(ctx, key)
	if errors.Is(err, status.ErrNotFound) {
		return st, fmt.Errorf("%w: no import for %s", shared.ErrNotFound, key)
	}
	return st, err
}

// Report returns the latest run report for key.
func (i *Importer) Report(ctx context.Context, key models.ImportKey) (models.RunReport, error) {
	if i.reports == nil {
		return models.RunReport{}, fmt.Errorf("%w: reports are not stored", shared.ErrNotImplemented)
	}
	report, err := i.reports.LatestReport(ctx, key)
	if errors.Is(err, status.ErrNotFound) {
		return report, fmt.Errorf("%w: no report for %s", shared.ErrNotFound, key)
	}
	return report, err
}

// Active lists runs that have not reached a terminal stage.
func (i *Importer) Active(ctx context.Context) ([]models.ImportStatus, error) {
	return i.statuses.ListActive(ctx)
}

// prepare validates a request and derives its key. Requests naming only an entity id load the
// stored identifiers so the run can reach the providers. Identifiers of an artist already in the
// store map to its entity key, so they collide with scheduled runs of the same artist.
func (i *Importer) prepare(ctx context.Context, req StartRequest) (models.ImportKey, models.Identifiers, models.ImportOptions, error) {
	opts := models.FullImport()
	if req.Options != nil {
		opts = *req.Options
	}

	ids := req.Identifiers
	entityID := strings.TrimSpace(req.EntityID)
	key, err := models.DeriveKey(entityID, ids)
	if err != nil {
		return "", ids, opts, err
	}

	if entityID != "" {
		artist, err := i.store.GetArtist(ctx, entityID)
		if err != nil {
			return "", ids, opts, fmt.Errorf("failed to load artist %s: %w", entityID, err)
		}
		ids = artist.Identifiers.Merge(ids)
		return key, ids, opts, nil
	}

	artist, err := i.store.FindEntity(ctx, ids)
	switch {
	case err == nil:
		key = models.EntityKey(artist.ID)
		ids = artist.Identifiers.Merge(ids)
	case !errors.Is(err, shared.ErrNotFound):
		return "", ids, opts, fmt.Errorf("failed to look up artist: %w", err)
	}
	return key, ids, opts, nil
}

func triggerOrDefault(t, fallback models.Trigger) models.Trigger {
	if t == "" {
		return fallback
	}
	return t
}
