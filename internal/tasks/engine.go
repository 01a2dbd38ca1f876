package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/artistsync/internal/events"
	"github.com/desertthunder/artistsync/internal/identity"
	"github.com/desertthunder/artistsync/internal/metrics"
	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/services"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/status"
)

// runUnits is the number of progress units in a run: resolution plus the four steps.
const runUnits = 5

const (
	payloadGenres = "genres"
	payloadItems  = "items"
	payloadEvents = "events"
	payloadLists  = "lists"
)

// Skip reasons recorded in [models.StepResult.Error].
const (
	ReasonDisabled            = "disabled"
	ReasonNoCatalogID         = "no catalog id"
	ReasonAborted             = "aborted"
	ReasonNoTicketingID       = "no ticketing id"
	ReasonNoTicketingProvider = "no ticketing provider"
	ReasonNoContent           = "no content"
)

const (
	msgTimedOut  = "import timed out"
	msgCancelled = "import cancelled"
	msgQueueFull = "import queue is full"
	msgCrashed   = "import crashed"
)

// ErrRunTimedOut is the failure recorded when a run exceeds its maximum duration.
var ErrRunTimedOut = fmt.Errorf("%s: %w", msgTimedOut, shared.ErrTimeout)

var stepStages = map[models.StepName]models.Stage{
	models.StepSyncCore:       models.StageSyncingCore,
	models.StepSyncCatalog:    models.StageSyncingCatalog,
	models.StepSyncEvents:     models.StageSyncingEvents,
	models.StepCreateDefaults: models.StageFinalizing,
}

// Resolver reconciles partial identifiers. [*identity.Resolver] implements it.
type Resolver interface {
	Resolve(ctx context.Context, partial models.Identifiers) (identity.Resolution, error)
}

// Datastore is the part of the artist datastore the steps write to.
type Datastore interface {
	GetArtist(ctx context.Context, id string) (*models.Artist, error)
	FindEntity(ctx context.Context, ids models.Identifiers) (*models.Artist, error)
	UpsertEntity(ctx context.Context, artist *models.Artist) (string, error)
	UpsertCatalogItems(ctx context.Context, entityID string, items []models.CatalogItem) (int, error)
	UpsertEvents(ctx context.Context, entityID string, events []models.Event) (int, error)
	CreateDefaultRecords(ctx context.Context, entityID string) (int, error)
	ContentSummary(ctx context.Context, entityID string) (models.ContentSummary, error)
}

// EngineConfig holds the collaborators of an [ImportEngine].
type EngineConfig struct {
	Resolver  Resolver
	Catalog   services.CatalogProvider
	Ticketing services.TicketingProvider // optional
	Store     Datastore
	Statuses  status.Store
	Reports   status.ReportStore // optional
	Guard     *Guard             // defaults to a guard over Statuses
	Retry     RetryPolicy
	// MaxRunDuration bounds every run. It must stay below the guard's staleness window.
	MaxRunDuration time.Duration
	Metrics        *metrics.Metrics // optional
	Publisher      events.Publisher // optional
	Logger         *log.Logger
	Now            func() time.Time
}

// ImportEngine runs the import steps for admitted runs.
//
// Steps execute strictly in order within a run. Only identity resolution and the core sync
// are fatal; catalog, events and default records fail independently. Datastore errors are
// fatal wherever they occur.
type ImportEngine struct {
	resolver       Resolver
	catalog        services.CatalogProvider
	ticketing      services.TicketingProvider
	store          Datastore
	statuses       status.Store
	reports        status.ReportStore
	guard          *Guard
	retry          RetryPolicy
	maxRunDuration time.Duration
	metrics        *metrics.Metrics
	publisher      events.Publisher
	logger         *log.Logger
	now            func() time.Time
}

// NewImportEngine creates an ImportEngine from cfg.
func NewImportEngine(cfg EngineConfig) *ImportEngine {
	if cfg.Logger == nil {
		cfg.Logger = shared.NewLogger(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Guard == nil {
		cfg.Guard = NewGuard(cfg.Statuses, GuardOptions{Now: cfg.Now, Logger: cfg.Logger})
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.MaxRunDuration <= 0 {
		cfg.MaxRunDuration = 10 * time.Minute
	}

	return &ImportEngine{
		resolver:       cfg.Resolver,
		catalog:        cfg.Catalog,
		ticketing:      cfg.Ticketing,
		store:          cfg.Store,
		statuses:       cfg.Statuses,
		reports:        cfg.Reports,
		guard:          cfg.Guard,
		retry:          cfg.Retry.withDefaults(),
		maxRunDuration: cfg.MaxRunDuration,
		metrics:        cfg.Metrics,
		publisher:      cfg.Publisher,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
}

// Guard returns the concurrency guard the engine writes terminal statuses through.
func (e *ImportEngine) Guard() *Guard { return e.guard }

// Run executes an admitted run to completion and returns its report.
//
// The report always lists the four steps in order. Progress is written to the status store after
// every unit of work and mirrored to progress when it is non-nil.
func (e *ImportEngine) Run(ctx context.Context, adm Admission, ids models.Identifiers, opts models.ImportOptions, progress chan<- ProgressUpdate) models.RunReport {
	if !adm.Proceed {
		return models.RunReport{ImportKey: adm.Status.Key, Identifiers: ids, Error: "import not admitted"}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.maxRunDuration)
	defer cancel()

	r := &run{
		e:         e,
		parent:    ctx,
		ctx:       runCtx,
		statusCtx: context.WithoutCancel(ctx),
		st:        adm.Status,
		report:    models.RunReport{ImportKey: adm.Status.Key, RunID: adm.Status.RunID, Identifiers: ids},
		progress:  progress,
		logger:    e.logger.With("key", adm.Status.Key, "run_id", adm.Status.RunID),
	}

	e.metrics.RunStarted(adm.Status.Trigger)
	r.logger.Info("import started", "trigger", adm.Status.Trigger)

	r.execute(ids, opts)
	return r.finish()
}

// crashed marks a run that panicked as failed so its key is released.
func (e *ImportEngine) crashed(ctx context.Context, st models.ImportStatus, r any) models.RunReport {
	failure := fmt.Errorf("panic: %v", r)
	ctx = context.WithoutCancel(ctx)
	if cur, err := e.statuses.Read(ctx, st.Key); err == nil && cur.RunID == st.RunID {
		st = cur
	}
	if _, err := e.guard.Finish(ctx, st, msgCrashed, failure); err != nil {
		e.logger.Warn("failed to record crashed import", "key", st.Key, "error", err)
	}
	e.metrics.RunFinished("failed")
	return models.RunReport{ImportKey: st.Key, RunID: st.RunID, Error: failure.Error()}
}

// run is the mutable state of one execution.
type run struct {
	e         *ImportEngine
	parent    context.Context
	ctx       context.Context // bounded by the max run duration
	statusCtx context.Context // outlives cancellation so failures are still recorded
	st        models.ImportStatus
	report    models.RunReport
	progress  chan<- ProgressUpdate
	logger    *log.Logger

	finished int
	attempts int
	entityID string
	fatal    error
	lost     bool
}

// skipError ends a step as skipped rather than failed.
type skipError string

func (s skipError) Error() string { return string(s) }

type stepFunc func(ctx context.Context) (map[string]int, error)

func (r *run) execute(ids models.Identifiers, opts models.ImportOptions) {
	r.write(models.StageResolving, "resolving identifiers")

	res, err := r.resolve(ids)
	if err != nil {
		r.logger.Warn("identity resolution failed", "error", err)
		r.halt(err)
	} else {
		r.report.Identifiers = res.Identifiers
		r.finished++
		r.write(models.StageResolving, "identifiers resolved")
	}

	r.runStep(models.StepSyncCore, "", func(ctx context.Context) (map[string]int, error) {
		return r.syncCore(ctx, res)
	})
	if r.fatal == nil {
		r.rekey()
	}

	r.runStep(models.StepSyncCatalog, r.catalogSkipReason(opts), r.syncCatalog)
	r.runStep(models.StepSyncEvents, r.eventsSkipReason(opts), r.syncEvents)
	r.runStep(models.StepCreateDefaults, skipUnless(opts.CreateDefaults), r.createDefaults)
}

func skipUnless(enabled bool) string {
	if enabled {
		return ""
	}
	return ReasonDisabled
}

func (r *run) catalogSkipReason(opts models.ImportOptions) string {
	switch {
	case !opts.SyncCatalog:
		return ReasonDisabled
	case r.report.Identifiers.CatalogID == "":
		return ReasonNoCatalogID
	default:
		return ""
	}
}

func (r *run) eventsSkipReason(opts models.ImportOptions) string {
	switch {
	case !opts.SyncEvents:
		return ReasonDisabled
	case r.report.Identifiers.TicketingID == "":
		return ReasonNoTicketingID
	case r.e.ticketing == nil:
		return ReasonNoTicketingProvider
	default:
		return ""
	}
}

// runStep executes one step and records its result. Steps after a fatal error are skipped as aborted.
func (r *run) runStep(name models.StepName, skip string, fn stepFunc) {
	result := models.StepResult{Step: name, State: models.StepPending}

	if r.fatal == nil && r.ctx.Err() != nil {
		r.halt(r.ctx.Err())
	}
	if r.fatal != nil {
		result.State, result.Error = models.StepSkipped, ReasonAborted
		r.report.Steps = append(r.report.Steps, result)
		return
	}
	if skip != "" {
		result.State, result.Error = models.StepSkipped, skip
		r.record(result)
		return
	}

	started := r.e.now()
	result.StartedAt = &started
	result.State = models.StepRunning
	r.attempts = 0
	r.write(stepStages[name], stepStartedMessage(name))

	payload, err := fn(r.ctx)
	ended := r.e.now()
	result.EndedAt = &ended
	result.Attempts = r.attempts

	var skipped skipError
	switch {
	case err == nil:
		result.State = models.StepCompleted
		result.Payload = payload
	case errors.As(err, &skipped):
		result.State, result.Error = models.StepSkipped, skipped.Error()
	default:
		result.State, result.Error = models.StepFailed, err.Error()
		r.logger.Warn("step failed", "step", name, "attempts", result.Attempts, "error", err)
		if name == models.StepSyncCore || errors.Is(err, shared.ErrDatastore) {
			r.halt(err)
		}
	}

	r.e.metrics.StepFinished(result)
	r.record(result)
}

func (r *run) record(result models.StepResult) {
	r.report.Steps = append(r.report.Steps, result)
	r.finished++
	r.write(stepStages[result.Step], stepFinishedMessage(result))
}

// call runs a provider call under the retry policy and adds its attempts to the current step.
func (r *run) call(op string, fn func(ctx context.Context) error) error {
	attempts, err := r.e.retry.Do(r.ctx, fn, func(attempt int, err error, delay time.Duration) {
		r.e.metrics.Retried(op)
		r.logger.Debug("retrying provider call", "op", op, "attempt", attempt, "delay", delay, "error", err)
	})
	r.attempts += attempts
	return err
}

func (r *run) resolve(ids models.Identifiers) (identity.Resolution, error) {
	var res identity.Resolution
	err := r.call("resolve", func(ctx context.Context) error {
		var err error
		res, err = r.e.resolver.Resolve(ctx, ids)
		return err
	})
	return res, err
}

func (r *run) syncCore(ctx context.Context, res identity.Resolution) (map[string]int, error) {
	if res.Identifiers.CatalogID == "" {
		return r.refreshLocal(ctx, res)
	}

	var ca *services.CatalogArtist
	err := r.call("catalog.get-artist", func(ctx context.Context) error {
		var err error
		ca, err = r.e.catalog.GetArtist(ctx, res.Identifiers.CatalogID)
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := res.Identifiers
	if ca.Name != "" {
		ids.Name = ca.Name
	}
	artist := &models.Artist{
		ID:          res.EntityID,
		Identifiers: ids,
		Genres:      ca.Genres,
		Popularity:  min(max(ca.Popularity, 0), 100),
		Followers:   ca.Followers,
		ImageURL:    ca.ImageURL,
	}

	id, err := r.e.store.UpsertEntity(ctx, artist)
	if err != nil {
		return nil, err
	}

	r.entityID = id
	r.st.EntityID = id
	r.report.EntityID = id
	r.report.Identifiers = artist.Identifiers
	return map[string]int{payloadGenres: len(ca.Genres)}, nil
}

// refreshLocal re-stores a known artist the catalog has no match for, keeping its stored profile.
func (r *run) refreshLocal(ctx context.Context, res identity.Resolution) (map[string]int, error) {
	artist, err := r.e.store.GetArtist(ctx, res.EntityID)
	if err != nil {
		return nil, err
	}
	artist.Identifiers = artist.Identifiers.Merge(res.Identifiers)

	id, err := r.e.store.UpsertEntity(ctx, artist)
	if err != nil {
		return nil, err
	}

	r.entityID = id
	r.st.EntityID = id
	r.report.EntityID = id
	r.report.Identifiers = artist.Identifiers
	return map[string]int{payloadGenres: len(artist.Genres)}, nil
}

// rekey moves the status from a provisional key to the permanent one once the entity id is known.
func (r *run) rekey() {
	newKey := models.EntityKey(r.entityID)
	if r.lost || r.st.Key == newKey {
		return
	}

	moved, err := r.e.guard.Rekey(r.statusCtx, r.st, newKey)
	switch {
	case err == nil:
		r.logger.Debug("import rekeyed", "from", r.st.Key, "to", newKey)
		r.st = moved
		r.report.ImportKey = newKey
		r.logger = r.logger.With("entity_key", newKey)
	case errors.Is(err, shared.ErrSuperseded):
		r.logger.Warn("import superseded", "error", err)
		r.halt(err)
	default:
		r.logger.Warn("failed to rekey import, keeping provisional key", "error", err)
	}
}

func (r *run) syncCatalog(ctx context.Context) (map[string]int, error) {
	var items []models.CatalogItem
	err := r.call("catalog.list-albums", func(ctx context.Context) error {
		var err error
		items, err = r.e.catalog.ListAlbums(ctx, r.report.Identifiers.CatalogID)
		return err
	})
	if err != nil {
		return nil, err
	}

	n, err := r.e.store.UpsertCatalogItems(ctx, r.entityID, items)
	if err != nil {
		return nil, err
	}
	return map[string]int{payloadItems: n}, nil
}

func (r *run) syncEvents(ctx context.Context) (map[string]int, error) {
	var evs []models.Event
	err := r.call("ticketing.get-events", func(ctx context.Context) error {
		var err error
		evs, err = r.e.ticketing.GetEvents(ctx, r.report.Identifiers.TicketingID)
		return err
	})
	if err != nil {
		return nil, err
	}

	n, err := r.e.store.UpsertEvents(ctx, r.entityID, evs)
	if err != nil {
		return nil, err
	}
	return map[string]int{payloadEvents: n}, nil
}

func (r *run) createDefaults(ctx context.Context) (map[string]int, error) {
	summary, err := r.e.store.ContentSummary(ctx, r.entityID)
	if err != nil {
		return nil, err
	}
	if summary.Empty() {
		return nil, skipError(ReasonNoContent)
	}

	n, err := r.e.store.CreateDefaultRecords(ctx, r.entityID)
	if err != nil {
		return nil, err
	}
	return map[string]int{payloadLists: n}, nil
}

func (r *run) halt(err error) {
	if r.fatal == nil {
		r.fatal = err
	}
}

// write records progress for the current stage. Stage and progress never move backward.
func (r *run) write(stage models.Stage, message string) {
	if r.lost {
		return
	}

	next := r.st.Clone()
	if stage.Rank() > next.Stage.Rank() {
		next.Stage = stage
	}
	next.Progress = max(next.Progress, r.finished*100/runUnits)
	next.Message = message
	next.UpdatedAt = r.e.now()

	if err := r.e.statuses.Write(r.statusCtx, next); err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			r.logger.Warn("import status taken over by another run", "error", err)
			r.lost = true
			r.halt(fmt.Errorf("%w: %w", shared.ErrSuperseded, err))
			return
		}
		r.logger.Warn("failed to write import status", "error", err)
	} else {
		r.publish(next)
	}

	r.st = next
	sendProgress(r.progress, statusUpdate(next, r.finished))
}

func (r *run) publish(st models.ImportStatus) {
	ctx, cancel := context.WithTimeout(r.statusCtx, 2*time.Second)
	defer cancel()
	if err := r.e.publisher.Publish(ctx, st); err != nil {
		r.logger.Debug("failed to publish status event", "error", err)
	}
}

// failure maps the fatal error to the status message and recorded error.
func (r *run) failure() (string, error) {
	switch {
	case r.parent.Err() != nil:
		return msgCancelled, fmt.Errorf("%s: %w", msgCancelled, r.parent.Err())
	case errors.Is(r.ctx.Err(), context.DeadlineExceeded):
		return msgTimedOut, ErrRunTimedOut
	}

	var re *identity.ResolutionError
	if errors.As(r.fatal, &re) {
		return re.Error(), r.fatal
	}
	return r.fatal.Error(), r.fatal
}

func (r *run) finish() models.RunReport {
	core, _ := r.report.Step(models.StepSyncCore)
	r.report.Success = r.fatal == nil && core.State == models.StepCompleted

	var (
		message string
		failure error
		outcome = "success"
	)
	if r.report.Success {
		message = completedMessage(r.report)
	} else {
		message, failure = r.failure()
		r.report.Error = failure.Error()
		outcome = "failed"
		if errors.Is(failure, ErrRunTimedOut) {
			outcome = "timeout"
		}
	}

	if !r.lost {
		st, err := r.e.guard.Finish(r.statusCtx, r.st, message, failure)
		if err != nil {
			r.logger.Warn("failed to write final import status", "error", err)
		} else {
			r.st = st
			r.publish(st)
			sendProgress(r.progress, statusUpdate(st, r.finished))
		}
	}

	if r.e.reports != nil {
		if err := r.e.reports.SaveReport(r.statusCtx, r.report); err != nil {
			r.logger.Warn("failed to save run report", "error", err)
		}
	}

	r.e.metrics.RunFinished(outcome)
	if r.report.Success {
		r.logger.Info("import finished", "entity_id", r.report.EntityID, "message", message)
	} else {
		r.logger.Error("import failed", "message", message, "error", r.report.Error)
	}
	return r.report
}
