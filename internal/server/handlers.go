package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/status"
	"github.com/desertthunder/artistsync/internal/tasks"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ImportsHandler serves /imports.
type ImportsHandler struct {
	imports Imports
	logger  *log.Logger
}

// Routes implements [Handler].
func (h *ImportsHandler) Routes() []Route {
	return []Route{
		{http.MethodPost, "/imports", http.HandlerFunc(h.start)},
		{http.MethodGet, "/imports", http.HandlerFunc(h.active)},
		{http.MethodGet, "/imports/{key}", http.HandlerFunc(h.status)},
		{http.MethodGet, "/imports/{key}/report", http.HandlerFunc(h.report)},
	}
}

// start answers 202 when a run was queued and 200 with accepted=false when one is already in progress.
func (h *ImportsHandler) start(w http.ResponseWriter, r *http.Request) {
	var req tasks.StartRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("%w: malformed request body: %v", shared.ErrInvalidInput, err))
		return
	}

	result, err := h.imports.StartImport(r.Context(), req)
	if err != nil {
		h.logger.Warn("import not started", "error", err)
		writeError(w, err)
		return
	}
	if !result.Accepted {
		writeJSON(w, http.StatusOK, result)
		return
	}
	w.Header().Set("Location", "/imports/"+url.PathEscape(string(result.ImportKey)))
	writeJSON(w, http.StatusAccepted, result)
}

func (h *ImportsHandler) active(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.imports.Active(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if statuses == nil {
		statuses = []models.ImportStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (h *ImportsHandler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.imports.Status(r.Context(), models.ImportKey(r.PathValue("key")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *ImportsHandler) report(w http.ResponseWriter, r *http.Request) {
	report, err := h.imports.Report(r.Context(), models.ImportKey(r.PathValue("key")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// JobsHandler serves /jobs.
type JobsHandler struct {
	jobs   Jobs
	logger *log.Logger
}

// Routes implements [Handler].
func (h *JobsHandler) Routes() []Route {
	return []Route{
		{http.MethodGet, "/jobs", http.HandlerFunc(h.list)},
		{http.MethodGet, "/jobs/health", http.HandlerFunc(h.health)},
		{http.MethodPost, "/jobs/{name}/enable", http.HandlerFunc(h.enable)},
		{http.MethodPost, "/jobs/{name}/disable", http.HandlerFunc(h.disable)},
		{http.MethodPost, "/jobs/{name}/run", http.HandlerFunc(h.run)},
	}
}

func (h *JobsHandler) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.ListJobs())
}

func (h *JobsHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.HealthStatus())
}

func (h *JobsHandler) enable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r.PathValue("name"), h.jobs.Enable)
}

func (h *JobsHandler) disable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r.PathValue("name"), h.jobs.Disable)
}

func (h *JobsHandler) toggle(w http.ResponseWriter, name string, fn func(string) error) {
	if err := fn(name); err != nil {
		writeError(w, err)
		return
	}
	job, err := h.jobs.Job(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RunResponse is the body returned by POST /jobs/{name}/run.
type RunResponse struct {
	Job     string             `json:"job"`
	Reports []models.RunReport `json:"reports"`
	Error   string             `json:"error,omitempty"`
}

// run executes the job synchronously. A job that ran but failed still answers 200 with its error.
func (h *JobsHandler) run(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reports, err := h.jobs.RunNow(r.Context(), name)
	if errors.Is(err, shared.ErrJobNotFound) || errors.Is(err, shared.ErrJobRunning) {
		writeError(w, err)
		return
	}

	resp := RunResponse{Job: name, Reports: reports}
	if resp.Reports == nil {
		resp.Reports = []models.RunReport{}
	}
	if err != nil {
		h.logger.Warn("job run failed", "job", name, "error", err)
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusCode maps an error onto the response status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, shared.ErrInvalidInput), errors.Is(err, shared.ErrInvalidArgument),
		errors.Is(err, shared.ErrMissingArgument):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, status.ErrNotFound),
		errors.Is(err, shared.ErrJobNotFound), errors.Is(err, shared.ErrArtistNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrJobRunning), errors.Is(err, shared.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, shared.ErrQueueFull), errors.Is(err, shared.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
