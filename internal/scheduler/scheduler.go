// Package scheduler runs recurring import jobs on cron schedules.
//
// A [Registry] is an explicit object with a lifecycle: it is created in [StateInit], started once,
// and stopped once. Jobs never overlap themselves. An in-process flag stops a second run in this
// process, and the import status guard on the job's key stops one in another process sharing the
// status store.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/desertthunder/artistsync/internal/metrics"
	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/tasks"
)

// Handler is the body of a job. It returns the reports of the imports it ran, if any.
type Handler func(ctx context.Context) ([]models.RunReport, error)

// State is the lifecycle state of a [Registry].
type State string

const (
	StateInit    State = "init"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// JobStatus is a snapshot of one registered job.
type JobStatus struct {
	Name         string        `json:"name" yaml:"name"`
	Schedule     string        `json:"schedule" yaml:"schedule"`
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Running      bool          `json:"running" yaml:"running"`
	Runs         int           `json:"runs" yaml:"runs"`
	Failures     int           `json:"failures" yaml:"failures"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty" yaml:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	NextRunAt    *time.Time    `json:"next_run_at,omitempty" yaml:"next_run_at,omitempty"`
}

// Health summarizes the registry.
type Health struct {
	State           State      `json:"state" yaml:"state"`
	Jobs            int        `json:"jobs" yaml:"jobs"`
	RunningJobCount int        `json:"running_job_count" yaml:"running_job_count"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	LastError       string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

type job struct {
	name     string
	schedule string
	handler  Handler
	enabled  bool
	running  bool
	entryID  cron.EntryID

	runs         int
	failures     int
	lastRunAt    *time.Time
	lastDuration time.Duration
	lastError    string
}

// Options configures a [Registry].
type Options struct {
	// Guard, when set, blocks a job while another process runs it.
	Guard    *tasks.Guard
	Metrics  *metrics.Metrics
	Logger   *log.Logger
	Location *time.Location
	Now      func() time.Time
}

// Registry holds the registered jobs and drives them from a cron loop.
type Registry struct {
	mu      sync.Mutex
	jobs    map[string]*job
	state   State
	cron    *cron.Cron
	parser  cron.Parser
	guard   *tasks.Guard
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry creates an empty registry in [StateInit].
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Registry{
		jobs:    make(map[string]*job),
		state:   StateInit,
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(opts.Location)),
		parser:  parser,
		guard:   opts.Guard,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// RegisterJob adds an enabled job. schedule is a 5-field cron expression or a descriptor such
// as "@hourly" or "@every 30m".
func (r *Registry) RegisterJob(name, schedule string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("%w: job name is required", shared.ErrMissingArgument)
	}
	if handler == nil {
		return fmt.Errorf("%w: job %s has no handler", shared.ErrMissingArgument, name)
	}
	if _, err := r.parse(schedule); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[name]; ok {
		return fmt.Errorf("%w: job %s is already registered", shared.ErrInvalidArgument, name)
	}
	j := &job{name: name, schedule: schedule, handler: handler, enabled: true}
	r.jobs[name] = j

	if r.state == StateRunning {
		return r.schedule(j)
	}
	return nil
}

// Enable lets cron ticks run the job again.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable makes cron ticks skip the job. [Registry.RunNow] still runs it.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrJobNotFound, name)
	}
	j.enabled = enabled
	r.logger.Info("job updated", "job", name, "enabled", enabled)
	return nil
}

// UpdateSchedule replaces the schedule of a job. A running registry picks it up immediately.
func (r *Registry) UpdateSchedule(name, schedule string) error {
	if _, err := r.parse(schedule); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrJobNotFound, name)
	}
	j.schedule = schedule

	if r.state == StateRunning {
		r.cron.Remove(j.entryID)
		return r.schedule(j)
	}
	return nil
}

// RunNow runs a job on the calling goroutine, whether or not it is enabled.
//
// Returns [shared.ErrJobRunning] if the job is already running here or in another process.
func (r *Registry) RunNow(ctx context.Context, name string) ([]models.RunReport, error) {
	return r.execute(ctx, name, models.TriggerManual)
}

// ListJobs returns every job ordered by name.
func (r *Registry) ListJobs() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]JobStatus, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, r.snapshot(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Job returns the status of one job.
func (r *Registry) Job(name string) (JobStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[name]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", shared.ErrJobNotFound, name)
	}
	return r.snapshot(j), nil
}

// HealthStatus reports the registry state, how many jobs are running and the most recent run.
func (r *Registry) HealthStatus() Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Health{State: r.state, Jobs: len(r.jobs)}
	for _, j := range r.jobs {
		if j.running {
			h.RunningJobCount++
		}
		if j.lastRunAt != nil && (h.LastRunAt == nil || j.lastRunAt.After(*h.LastRunAt)) {
			t := *j.lastRunAt
			h.LastRunAt = &t
			h.LastError = j.lastError
		}
	}
	return h
}

// State returns the lifecycle state.
func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start schedules every job and starts the cron loop. Runs stop when ctx is cancelled or the
// registry is stopped. A registry can only be started once.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateInit {
		return fmt.Errorf("%w: scheduler is %s", shared.ErrInvalidArgument, r.state)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	for _, j := range r.jobs {
		if err := r.schedule(j); err != nil {
			r.cancel()
			return err
		}
	}

	r.cron.Start()
	r.state = StateRunning
	r.logger.Info("scheduler started", "jobs", len(r.jobs))
	return nil
}

// Stop halts the cron loop, cancels running jobs and waits for them to return or ctx to end.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning {
		r.state = StateStopped
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopped
	r.cancel()
	r.mu.Unlock()

	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop scheduler: %w", ctx.Err())
	}
}

// schedule adds the cron entry for j. Callers hold the lock.
func (r *Registry) schedule(j *job) error {
	sched, err := r.parse(j.schedule)
	if err != nil {
		return err
	}
	name := j.name
	j.entryID = r.cron.Schedule(sched, cron.FuncJob(func() { r.tick(name) }))
	return nil
}

func (r *Registry) parse(schedule string) (cron.Schedule, error) {
	sched, err := r.parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %w", shared.ErrInvalidArgument, schedule, err)
	}
	return sched, nil
}

// tick is the cron entry point. Disabled jobs and jobs still running from the last tick are skipped.
func (r *Registry) tick(name string) {
	r.mu.Lock()
	j, ok := r.jobs[name]
	enabled := ok && j.enabled
	ctx := r.ctx
	r.mu.Unlock()

	if !enabled {
		r.logger.Debug("skipping disabled job", "job", name)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := r.execute(ctx, name, models.TriggerScheduled); err != nil {
		r.logger.Warn("scheduled job failed", "job", name, "error", err)
	}
}

func (r *Registry) execute(ctx context.Context, name string, trigger models.Trigger) ([]models.RunReport, error) {
	r.mu.Lock()
	j, ok := r.jobs[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", shared.ErrJobNotFound, name)
	}
	if j.running {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", shared.ErrJobRunning, name)
	}
	j.running = true
	handler := j.handler
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		j.running = false
		r.mu.Unlock()
	}()

	var adm tasks.Admission
	if r.guard != nil {
		var err error
		adm, err = r.guard.BeginRun(ctx, models.JobKey(name), trigger)
		if err != nil {
			return nil, err
		}
		if !adm.Proceed {
			return nil, fmt.Errorf("%w: %s is held by run %s", shared.ErrJobRunning, name, adm.Existing.RunID)
		}
	}

	logger := r.logger.With("job", name, "trigger", trigger)
	logger.Info("job started")

	started := r.now()
	reports, err := invoke(ctx, handler)
	took := r.now().Sub(started)

	if r.guard != nil {
		message := fmt.Sprintf("job finished with %d imports", len(reports))
		if err != nil {
			message = "job failed"
		}
		if _, ferr := r.guard.Finish(context.WithoutCancel(ctx), adm.Status, message, err); ferr != nil {
			logger.Warn("failed to release job guard", "error", ferr)
		}
	}

	r.mu.Lock()
	j.runs++
	j.lastRunAt = &started
	j.lastDuration = took
	j.lastError = ""
	if err != nil {
		j.failures++
		j.lastError = err.Error()
	}
	r.mu.Unlock()

	r.metrics.JobRun(name, err, took)
	if err != nil {
		logger.Error("job failed", "took", took, "error", err)
	} else {
		logger.Info("job finished", "took", took, "imports", len(reports))
	}
	return reports, err
}

// invoke calls handler and turns a panic into an error so one job cannot take the process down.
func invoke(ctx context.Context, handler Handler) (reports []models.RunReport, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return handler(ctx)
}

// snapshot copies j. Callers hold the lock.
func (r *Registry) snapshot(j *job) JobStatus {
	s := JobStatus{
		Name:         j.name,
		Schedule:     j.schedule,
		Enabled:      j.enabled,
		Running:      j.running,
		Runs:         j.runs,
		Failures:     j.failures,
		LastDuration: j.lastDuration,
		LastError:    j.lastError,
	}
	if j.lastRunAt != nil {
		t := *j.lastRunAt
		s.LastRunAt = &t
	}
	if r.state == StateRunning {
		if next := r.cron.Entry(j.entryID).Next; !next.IsZero() {
			s.NextRunAt = &next
		}
	}
	return s
}
