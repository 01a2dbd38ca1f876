package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/artistsync/internal/events"
	"github.com/desertthunder/artistsync/internal/formatter"
	"github.com/desertthunder/artistsync/internal/identity"
	"github.com/desertthunder/artistsync/internal/metrics"
	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/repositories"
	"github.com/desertthunder/artistsync/internal/scheduler"
	"github.com/desertthunder/artistsync/internal/services"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/status"
	"github.com/desertthunder/artistsync/internal/tasks"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
//
// The database, providers and import pipeline are opened lazily by [Runner.open] so commands
// that only talk to a running server never touch them.
type Runner struct {
	config     *shared.Config
	configPath string
	httpClient *http.Client
	logger     *log.Logger
	output     io.Writer

	db         *sql.DB
	store      *repositories.Store
	statuses   status.Store
	reports    status.ReportStore
	catalog    services.CatalogProvider
	ticketing  services.TicketingProvider
	publisher  events.Publisher
	metrics    *metrics.Metrics
	guard      *tasks.Guard
	engine     *tasks.ImportEngine
	dispatcher *tasks.Dispatcher
	importer   *tasks.Importer
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	ConfigPath string
	HTTPClient *http.Client
	Logger     *log.Logger
	Output     io.Writer
	Catalog    services.CatalogProvider   // overrides the Spotify client built from config
	Ticketing  services.TicketingProvider // overrides the Ticketmaster client built from config
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		output:     opts.Output,
		catalog:    opts.Catalog,
		ticketing:  opts.Ticketing,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, importCommand, jobsCommand, statusCommand, serveCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// SetLogger replaces the logger, e.g. with a file logger while the TUI owns the terminal.
func (r *Runner) SetLogger(logger *log.Logger) {
	r.logger = logger
}

// loadConfig is the root Before hook. A missing config file keeps the defaults.
func (r *Runner) loadConfig(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if path := cmd.String("config"); path != "" {
		r.configPath = path
	}

	if _, err := os.Stat(r.configPath); err == nil {
		config, err := shared.LoadConfig(r.configPath)
		if err != nil {
			return ctx, err
		}
		r.config = config
	} else {
		r.config.ApplyEnv()
	}

	if err := r.config.Validate(); err != nil {
		return ctx, err
	}

	level := r.config.Log.Level
	if cmd.Bool("verbose") {
		level = "debug"
	}
	shared.SetLogLevel(r.logger, shared.ParseLogLevel(level))
	return ctx, nil
}

// open connects the database and builds the import pipeline.
func (r *Runner) open(ctx context.Context) error {
	if r.importer != nil {
		return nil
	}
	if err := r.openStore(); err != nil {
		return err
	}
	if err := r.openProviders(); err != nil {
		return err
	}

	var err error
	if r.publisher, err = events.New(r.config.Events, r.logger); err != nil {
		return fmt.Errorf("failed to create event publisher: %w", err)
	}
	r.metrics = metrics.New()

	importer := r.config.Importer
	r.guard = tasks.NewGuard(r.statuses, tasks.GuardOptions{
		StaleAfter: importer.StaleAfterDuration(),
		AliasTTL:   importer.AliasTTLDuration(),
		Logger:     shared.WithLogger(r.logger, "component", "guard"),
	})
	r.engine = tasks.NewImportEngine(tasks.EngineConfig{
		Resolver:       identity.NewResolver(r.store, r.catalog, r.ticketing, shared.WithLogger(r.logger, "component", "resolver")),
		Catalog:        r.catalog,
		Ticketing:      r.ticketing,
		Store:          r.store,
		Statuses:       r.statuses,
		Reports:        r.reports,
		Guard:          r.guard,
		Retry:          tasks.NewRetryPolicy(importer.Retry),
		MaxRunDuration: importer.MaxRunDurationValue(),
		Metrics:        r.metrics,
		Publisher:      r.publisher,
		Logger:         shared.WithLogger(r.logger, "component", "engine"),
	})
	r.dispatcher = tasks.NewDispatcher(r.engine, importer.QueueSize, importer.Workers, r.metrics, shared.WithLogger(r.logger, "component", "dispatcher"))
	r.importer = tasks.NewImporter(r.engine, r.dispatcher)

	r.logger.Debug("pipeline ready", "database", r.config.Database.Path, "status_backend", importer.StatusBackend,
		"catalog", r.catalog.Name(), "ticketing", r.ticketing != nil)
	return nil
}

// openStore connects the database, runs migrations and selects the status backend.
func (r *Runner) openStore() error {
	if r.db != nil {
		return nil
	}

	db, err := r.openDatabase(r.config)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrDatastore, err)
	}
	if err := shared.RunMigrations(db); err != nil {
		db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	r.db = db
	r.store = repositories.NewStore(db)

	switch r.config.Importer.StatusBackend {
	case "memory":
		mem := status.NewMemoryStore()
		r.statuses, r.reports = mem, mem
	default:
		repo := repositories.NewImportStatusRepository(db)
		r.statuses, r.reports = repo, repo
	}
	return nil
}

// openProviders builds the provider clients from credentials unless they were injected.
//
// The catalog provider is required. Without Ticketmaster credentials imports run with the
// events step skipped.
func (r *Runner) openProviders() error {
	creds := r.config.Credentials

	if r.catalog == nil {
		if !configured(creds.Spotify.ClientID) || !configured(creds.Spotify.ClientSecret) {
			return fmt.Errorf("%w: spotify client_id and client_secret (or %s, %s)",
				shared.ErrMissingCredentials, shared.EnvSpotifyClientID, shared.EnvSpotifyClientSecret)
		}
		spotify, err := services.NewSpotifyService(map[string]string{
			"client_id":     creds.Spotify.ClientID,
			"client_secret": creds.Spotify.ClientSecret,
		}, services.WithHTTPClient(r.httpClient), services.WithRateLimit(creds.Spotify.RequestsPerSecond))
		if err != nil {
			return fmt.Errorf("failed to create Spotify client: %w", err)
		}
		r.catalog = spotify
	}

	if r.ticketing == nil && configured(creds.Ticketmaster.APIKey) {
		tm, err := services.NewTicketmasterService(map[string]string{
			"api_key": creds.Ticketmaster.APIKey,
		}, services.WithHTTPClient(r.httpClient), services.WithRateLimit(creds.Ticketmaster.RequestsPerSecond))
		if err != nil {
			return fmt.Errorf("failed to create Ticketmaster client: %w", err)
		}
		r.ticketing = tm
	} else if r.ticketing == nil {
		r.logger.Warn("no ticketmaster credentials, events will be skipped")
	}
	return nil
}

// configured reports whether a credential was filled in rather than left as the template placeholder.
func configured(v string) bool {
	return v != "" && !strings.HasPrefix(v, "your_")
}

// jobFactory builds handlers for the configured scheduler jobs.
func (r *Runner) jobFactory() scheduler.HandlerFactory {
	sched := r.config.Scheduler
	importer := r.config.Importer

	return func(cfg shared.JobConfig) (scheduler.Handler, error) {
		if cfg.Mode == shared.JobModeCleanup {
			return scheduler.CleanupHandler(r.statuses, scheduler.CleanupConfig{
				Retention:        importer.RetentionDuration(),
				StaleAfter:       importer.StaleAfterDuration(),
				IncludeAbandoned: true,
				Logger:           shared.WithLogger(r.logger, "job", cfg.Name),
			}), nil
		}

		opts, err := models.OptionsForMode(cfg.Mode)
		if err != nil {
			return nil, err
		}
		return tasks.StaleBatchHandler(r.importer, r.store, tasks.StaleBatchConfig{
			BatchSize: sched.BatchSize,
			Freshness: sched.FreshnessDuration(),
			Batch: tasks.BatchOptions{
				Workers:   sched.Workers,
				RateLimit: sched.RequestsPerSecond,
				Options:   opts,
				Trigger:   models.TriggerScheduled,
			},
		}), nil
	}
}

// newRegistry builds a scheduler over the configured jobs. Requires [Runner.open].
func (r *Runner) newRegistry() (*scheduler.Registry, error) {
	registry := scheduler.NewRegistry(scheduler.Options{
		Guard:   r.guard,
		Metrics: r.metrics,
		Logger:  shared.WithLogger(r.logger, "component", "scheduler"),
	})
	if err := registry.RegisterConfigured(r.config.Scheduler.Jobs, r.jobFactory()); err != nil {
		return nil, err
	}
	return registry, nil
}

// close releases everything [Runner.open] acquired.
func (r *Runner) close(ctx context.Context) error {
	var errs []error
	if r.dispatcher != nil {
		errs = append(errs, r.dispatcher.Stop(ctx))
	}
	if r.publisher != nil {
		errs = append(errs, r.publisher.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	return errors.Join(errs...)
}

func (r *Runner) format(cmd *cli.Command) (formatter.Format, error) {
	return formatter.ParseFormat(cmd.String("format"))
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
