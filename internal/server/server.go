// package server exposes imports and scheduled jobs over JSON HTTP
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/artistsync/internal/metrics"
	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/scheduler"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/tasks"
)

// Middleware wraps an http.Handler and returns a new http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Route binds a method and path pattern to a handler.
type Route struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Handler groups the routes of one resource.
type Handler interface {
	Routes() []Route
}

// Router defines the interface for HTTP routing and middleware management.
type Router interface {
	Use(middleware ...Middleware)                     // Use adds middleware to the router's middleware stack
	Handle(method, path string, handler http.Handler) // Handle registers a handler for the specified method and path
	Handler(handler Handler)                          // Handler registers every route of a [Handler]
	ServeHTTP(w http.ResponseWriter, r *http.Request) // ServeHTTP implements http.Handler for the entire router
}

// Imports is the caller surface for on-demand imports. [tasks.Importer] implements it.
type Imports interface {
	StartImport(ctx context.Context, req tasks.StartRequest) (tasks.StartResult, error)
	Status(ctx context.Context, key models.ImportKey) (models.ImportStatus, error)
	Report(ctx context.Context, key models.ImportKey) (models.RunReport, error)
	Active(ctx context.Context) ([]models.ImportStatus, error)
}

// Jobs is the scheduler control surface. [scheduler.Registry] implements it.
type Jobs interface {
	ListJobs() []scheduler.JobStatus
	Job(name string) (scheduler.JobStatus, error)
	Enable(name string) error
	Disable(name string) error
	RunNow(ctx context.Context, name string) ([]models.RunReport, error)
	HealthStatus() scheduler.Health
}

// Options configures a [Server].
type Options struct {
	Addr     string
	Imports  Imports
	Jobs     Jobs // optional; job routes are not registered without it
	Metrics  *metrics.Metrics
	Logger   *log.Logger
	Shutdown time.Duration // grace period for in-flight requests (default: 10s)
}

// Server serves the import and job API.
type Server struct {
	router   *BasicRouter
	http     *http.Server
	logger   *log.Logger
	shutdown time.Duration
}

// New builds the router and registers every route.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Shutdown <= 0 {
		opts.Shutdown = 10 * time.Second
	}

	router := NewBasicRouter()
	router.Use(Recover(opts.Logger), RequestLogger(opts.Logger))

	router.HandleFunc(http.MethodGet, "/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		router.Handle(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	if opts.Imports != nil {
		router.Handler(&ImportsHandler{imports: opts.Imports, logger: opts.Logger})
	}
	if opts.Jobs != nil {
		router.Handler(&JobsHandler{jobs: opts.Jobs, logger: opts.Logger})
	}

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:   opts.Logger,
		shutdown: opts.Shutdown,
	}
}

// ServeHTTP lets tests drive the server without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run listens on the configured address until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.Run] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
		close(serverErrors)
	}()

	select {
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("error shutting down server", "error", err)
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
