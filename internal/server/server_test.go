package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/artistsync/internal/metrics"
	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/scheduler"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/status"
	"github.com/desertthunder/artistsync/internal/tasks"
)

type fakeImports struct {
	start    func(req tasks.StartRequest) (tasks.StartResult, error)
	statuses map[models.ImportKey]models.ImportStatus
	reports  map[models.ImportKey]models.RunReport
	requests []tasks.StartRequest
}

func (f *fakeImports) StartImport(_ context.Context, req tasks.StartRequest) (tasks.StartResult, error) {
	f.requests = append(f.requests, req)
	return f.start(req)
}

func (f *fakeImports) Status(_ context.Context, key models.ImportKey) (models.ImportStatus, error) {
	st, ok := f.statuses[key]
	if !ok {
		return models.ImportStatus{}, fmt.Errorf("%w: %s", shared.ErrNotFound, key)
	}
	return st, nil
}

func (f *fakeImports) Report(_ context.Context, key models.ImportKey) (models.RunReport, error) {
	r, ok := f.reports[key]
	if !ok {
		return models.RunReport{}, status.ErrNotFound
	}
	return r, nil
}

func (f *fakeImports) Active(context.Context) ([]models.ImportStatus, error) {
	var out []models.ImportStatus
	for _, st := range f.statuses {
		if !st.Terminal() {
			out = append(out, st)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, imports *fakeImports) (*Server, *scheduler.Registry) {
	t.Helper()
	logger := shared.NewLogger(io.Discard)
	store := status.NewMemoryStore()
	guard := tasks.NewGuard(store, tasks.GuardOptions{Logger: logger})
	jobs := scheduler.NewRegistry(scheduler.Options{Guard: guard, Logger: logger, Location: time.UTC})

	if err := jobs.RegisterJob("hourly-light-sync", "@hourly", func(context.Context) ([]models.RunReport, error) {
		return []models.RunReport{{Success: true, ImportKey: "artist:1"}}, nil
	}); err != nil {
		t.Fatalf("RegisterJob failed: %v", err)
	}
	if err := jobs.RegisterJob("daily-full-sync", "0 3 * * *", func(context.Context) ([]models.RunReport, error) {
		return nil, errors.New("all 2 imports in batch failed")
	}); err != nil {
		t.Fatalf("RegisterJob failed: %v", err)
	}

	srv := New(Options{Imports: imports, Jobs: jobs, Metrics: metrics.New(), Logger: logger})
	return srv, jobs
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestImportsHandler(t *testing.T) {
	running := models.ImportStatus{Key: "artist:42", RunID: "run-1", Stage: models.StageSyncingCatalog, Progress: 40}

	t.Run("StartLocationEscapesKey", func(t *testing.T) {
		key := models.ImportKey("pending:name:ac/dc")
		initializing := models.ImportStatus{Key: key, RunID: "run-2", Stage: models.StageInitializing}
		imports := &fakeImports{
			start: func(req tasks.StartRequest) (tasks.StartResult, error) {
				return tasks.StartResult{Accepted: true, ImportKey: key, Status: initializing}, nil
			},
			statuses: map[models.ImportKey]models.ImportStatus{key: initializing},
		}
		srv, _ := newTestServer(t, imports)

		rec := do(t, srv, http.MethodPost, "/imports", `{"identifiers":{"name":"AC/DC"}}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
		loc := rec.Header().Get("Location")
		if loc != "/imports/pending:name:ac%2Fdc" {
			t.Fatalf("unexpected Location %q", loc)
		}

		rec = do(t, srv, http.MethodGet, loc, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 from Location, got %d: %s", rec.Code, rec.Body.String())
		}
		if st := decode[models.ImportStatus](t, rec); st.Key != key || st.RunID != "run-2" {
			t.Errorf("unexpected status: %+v", st)
		}
	})

	t.Run("StartAccepted", func(t *testing.T) {
		imports := &fakeImports{start: func(req tasks.StartRequest) (tasks.StartResult, error) {
			return tasks.StartResult{Accepted: true, ImportKey: "pending:catalog:sp-1", Status: models.ImportStatus{Key: "pending:catalog:sp-1", Stage: models.StageInitializing}}, nil
		}}
		srv, _ := newTestServer(t, imports)

		rec := do(t, srv, http.MethodPost, "/imports", `{"identifiers":{"catalog_id":"sp-1"},"options":{"sync_catalog":true}}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
		if loc := rec.Header().Get("Location"); loc != "/imports/pending:catalog:sp-1" {
			t.Errorf("unexpected Location %q", loc)
		}

		result := decode[tasks.StartResult](t, rec)
		if !result.Accepted || result.ImportKey != "pending:catalog:sp-1" {
			t.Errorf("unexpected result: %+v", result)
		}
		if len(imports.requests) != 1 {
			t.Fatalf("expected 1 request, got %d", len(imports.requests))
		}
		req := imports.requests[0]
		if req.Identifiers.CatalogID != "sp-1" {
			t.Errorf("catalog id not decoded: %+v", req.Identifiers)
		}
		if req.Options == nil || !req.Options.SyncCatalog || req.Options.SyncEvents {
			t.Errorf("options not decoded: %+v", req.Options)
		}
	})

	t.Run("StartAlreadyRunning", func(t *testing.T) {
		imports := &fakeImports{start: func(tasks.StartRequest) (tasks.StartResult, error) {
			return tasks.StartResult{ExistingImportKey: "artist:42", Status: running}, nil
		}}
		srv, _ := newTestServer(t, imports)

		rec := do(t, srv, http.MethodPost, "/imports", `{"entity_id":"42"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		result := decode[tasks.StartResult](t, rec)
		if result.Accepted {
			t.Error("duplicate start must not be accepted")
		}
		if result.ExistingImportKey != "artist:42" {
			t.Errorf("unexpected existing key %q", result.ExistingImportKey)
		}
	})

	t.Run("StartErrors", func(t *testing.T) {
		tests := []struct {
			name string
			body string
			err  error
			want int
		}{
			{"NoIdentifiers", `{}`, fmt.Errorf("%w: no identifiers", shared.ErrInvalidInput), http.StatusBadRequest},
			{"UnknownEntity", `{"entity_id":"404"}`, fmt.Errorf("%w: artist 404", shared.ErrNotFound), http.StatusNotFound},
			{"QueueFull", `{"entity_id":"1"}`, shared.ErrQueueFull, http.StatusServiceUnavailable},
			{"Internal", `{"entity_id":"1"}`, errors.New("boom"), http.StatusInternalServerError},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				imports := &fakeImports{start: func(tasks.StartRequest) (tasks.StartResult, error) {
					return tasks.StartResult{}, tt.err
				}}
				srv, _ := newTestServer(t, imports)

				rec := do(t, srv, http.MethodPost, "/imports", tt.body)
				if rec.Code != tt.want {
					t.Fatalf("expected %d, got %d", tt.want, rec.Code)
				}
				if resp := decode[ErrorResponse](t, rec); resp.Error != tt.err.Error() {
					t.Errorf("unexpected error body %q", resp.Error)
				}
			})
		}
	})

	t.Run("MalformedBody", func(t *testing.T) {
		imports := &fakeImports{}
		srv, _ := newTestServer(t, imports)

		rec := do(t, srv, http.MethodPost, "/imports", `{"entity_id":`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if len(imports.requests) != 0 {
			t.Error("malformed request must not reach the importer")
		}
	})

	t.Run("StatusAndReport", func(t *testing.T) {
		imports := &fakeImports{
			statuses: map[models.ImportKey]models.ImportStatus{"artist:42": running},
			reports:  map[models.ImportKey]models.RunReport{"artist:42": {Success: true, ImportKey: "artist:42"}},
		}
		srv, _ := newTestServer(t, imports)

		rec := do(t, srv, http.MethodGet, "/imports/artist:42", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if st := decode[models.ImportStatus](t, rec); st.Progress != 40 || st.Stage != models.StageSyncingCatalog {
			t.Errorf("unexpected status: %+v", st)
		}

		rec = do(t, srv, http.MethodGet, "/imports/artist:42/report", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if r := decode[models.RunReport](t, rec); !r.Success {
			t.Errorf("unexpected report: %+v", r)
		}

		if rec := do(t, srv, http.MethodGet, "/imports/artist:7", ""); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 for unknown status, got %d", rec.Code)
		}
		if rec := do(t, srv, http.MethodGet, "/imports/artist:7/report", ""); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 for unknown report, got %d", rec.Code)
		}
	})

	t.Run("Active", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeImports{})

		rec := do(t, srv, http.MethodGet, "/imports", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if strings.TrimSpace(rec.Body.String()) != "[]" {
			t.Errorf("expected empty array, got %q", rec.Body.String())
		}
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeImports{})
		if rec := do(t, srv, http.MethodDelete, "/imports", ""); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", rec.Code)
		}
	})
}

func TestJobsHandler(t *testing.T) {
	t.Run("List", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeImports{})

		rec := do(t, srv, http.MethodGet, "/jobs", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		jobs := decode[[]scheduler.JobStatus](t, rec)
		if len(jobs) != 2 || jobs[0].Name != "daily-full-sync" {
			t.Errorf("unexpected jobs: %+v", jobs)
		}
	})

	t.Run("EnableDisable", func(t *testing.T) {
		srv, jobs := newTestServer(t, &fakeImports{})

		rec := do(t, srv, http.MethodPost, "/jobs/hourly-light-sync/disable", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if job := decode[scheduler.JobStatus](t, rec); job.Enabled {
			t.Error("job should be disabled")
		}

		rec = do(t, srv, http.MethodPost, "/jobs/hourly-light-sync/enable", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		job, err := jobs.Job("hourly-light-sync")
		if err != nil || !job.Enabled {
			t.Errorf("job should be enabled again: %+v, %v", job, err)
		}

		if rec := do(t, srv, http.MethodPost, "/jobs/missing/enable", ""); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("Run", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeImports{})

		rec := do(t, srv, http.MethodPost, "/jobs/hourly-light-sync/run", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		resp := decode[RunResponse](t, rec)
		if len(resp.Reports) != 1 || resp.Error != "" {
			t.Errorf("unexpected run response: %+v", resp)
		}

		rec = do(t, srv, http.MethodPost, "/jobs/daily-full-sync/run", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		resp = decode[RunResponse](t, rec)
		if resp.Error != "all 2 imports in batch failed" {
			t.Errorf("unexpected run error %q", resp.Error)
		}

		if rec := do(t, srv, http.MethodPost, "/jobs/missing/run", ""); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("Health", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeImports{})

		rec := do(t, srv, http.MethodGet, "/jobs/health", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		h := decode[scheduler.Health](t, rec)
		if h.Jobs != 2 || h.State != scheduler.StateInit {
			t.Errorf("unexpected health: %+v", h)
		}
	})
}

func TestServer(t *testing.T) {
	t.Run("HealthzAndMetrics", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeImports{})

		if rec := do(t, srv, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
			t.Errorf("expected 200 from /healthz, got %d", rec.Code)
		}

		rec := do(t, srv, http.MethodGet, "/metrics", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "go_goroutines") {
			t.Error("metrics output missing Go collector")
		}
	})

	t.Run("RecoversPanics", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeImports{start: func(tasks.StartRequest) (tasks.StartResult, error) {
			panic("nil importer")
		}})

		if rec := do(t, srv, http.MethodPost, "/imports", `{"entity_id":"1"}`); rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})

	t.Run("ServeShutsDownOnCancel", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeImports{})
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen failed: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Serve(ctx, ln) }()

		url := "http://" + ln.Addr().String() + "/healthz"
		var resp *http.Response
		for range 50 {
			resp, err = http.Get(url)
			if err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if err != nil {
			t.Fatalf("server never answered: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}

		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down")
		}
	})
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{shared.ErrInvalidInput, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", shared.ErrJobNotFound), http.StatusNotFound},
		{status.ErrNotFound, http.StatusNotFound},
		{shared.ErrJobRunning, http.StatusConflict},
		{shared.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.want {
				t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
