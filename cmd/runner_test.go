package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/scheduler"
	"github.com/desertthunder/artistsync/internal/server"
	"github.com/desertthunder/artistsync/internal/services"
	"github.com/desertthunder/artistsync/internal/shared"
	tu "github.com/desertthunder/artistsync/internal/testing"
)

// testRunner returns a runner over a fresh database in a temp dir with an injected catalog.
func testRunner(t *testing.T, catalog services.CatalogProvider) (*Runner, *bytes.Buffer) {
	t.Helper()
	config := shared.DefaultConfig()
	config.Database.Path = filepath.Join(t.TempDir(), "artistsync.db")

	output := &bytes.Buffer{}
	return NewRunner(RunnerOpts{
		Config:  config,
		Logger:  shared.NewLogger(&bytes.Buffer{}),
		Output:  output,
		Catalog: catalog,
	}), output
}

func TestRunner(t *testing.T) {
	t.Run("NewRunner", func(t *testing.T) {
		t.Run("with all dependencies provided", func(t *testing.T) {
			config := shared.DefaultConfig()
			logger := shared.NewLogger(nil)
			output := &bytes.Buffer{}
			httpClient := &http.Client{}
			catalog := tu.NewFakeCatalog()
			ticketing := tu.NewFakeTicketing()

			runner := NewRunner(RunnerOpts{
				Config:     config,
				Logger:     logger,
				Output:     output,
				HTTPClient: httpClient,
				Catalog:    catalog,
				Ticketing:  ticketing,
			})

			if runner.config != config {
				t.Error("expected config to be set")
			}
			if runner.logger != logger {
				t.Error("expected logger to be set")
			}
			if runner.output != output {
				t.Error("expected output to be set")
			}
			if runner.httpClient != httpClient {
				t.Error("expected httpClient to be set")
			}
			if runner.catalog != catalog {
				t.Error("expected catalog to be set")
			}
			if runner.ticketing != ticketing {
				t.Error("expected ticketing to be set")
			}
		})

		t.Run("with nil options uses defaults", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{})

			if runner.config == nil {
				t.Error("expected default config to be set")
			}
			if runner.logger == nil {
				t.Error("expected default logger to be set")
			}
			if runner.output == nil {
				t.Error("expected default output to be set")
			}
			if runner.httpClient != http.DefaultClient {
				t.Error("expected default http client")
			}
		})
	})

	t.Run("register", func(t *testing.T) {
		runner := NewRunner(RunnerOpts{})
		var names []string
		for _, c := range runner.register() {
			names = append(names, c.Name)
		}
		want := "setup import jobs status serve"
		if got := strings.Join(names, " "); got != want {
			t.Errorf("expected commands %q, got %q", want, got)
		}
	})

	t.Run("writeJSON", func(t *testing.T) {
		t.Run("pretty", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writeJSON(map[string]int{"terminal": 2}, true); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := output.String(); got != "{\n  \"terminal\": 2\n}\n" {
				t.Errorf("unexpected output: %q", got)
			}
		})

		t.Run("write error", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &tu.FWriter{}})
			err := runner.writeJSON(map[string]int{"a": 1}, false)
			if err == nil || !strings.Contains(err.Error(), "failed to write output") {
				t.Errorf("expected write error, got %v", err)
			}
		})

		t.Run("newline error", func(t *testing.T) {
			buf := &bytes.Buffer{}
			w := tu.NewLimitedWriter(1, 0, buf)
			runner := NewRunner(RunnerOpts{Output: &w})
			err := runner.writeJSON([]string{"a"}, false)
			if err == nil || !strings.Contains(err.Error(), "failed to write newline") {
				t.Errorf("expected newline error, got %v", err)
			}
			if buf.String() != `["a"]` {
				t.Errorf("expected JSON before the failure, got %q", buf.String())
			}
		})
	})

	t.Run("writePlain", func(t *testing.T) {
		output := &bytes.Buffer{}
		runner := NewRunner(RunnerOpts{Output: output})

		runner.writePlain("%d imports\n", 3)
		runner.writePlainln("Next steps:")
		if got := output.String(); got != "3 imports\n\nNext steps:\n" {
			t.Errorf("unexpected output: %q", got)
		}

		runner = NewRunner(RunnerOpts{Output: &tu.FWriter{}})
		if err := runner.writePlain("x"); err == nil {
			t.Error("expected write error")
		}
	})

	t.Run("configured", func(t *testing.T) {
		for v, want := range map[string]bool{
			"":                         false,
			"your_spotify_client_id":   false,
			"4f1c2a":                   true,
			"your-own-but-real-secret": true,
		} {
			if got := configured(v); got != want {
				t.Errorf("configured(%q) = %v, want %v", v, got, want)
			}
		}
	})
}

func TestStartRequest(t *testing.T) {
	parse := func(t *testing.T, args ...string) (res startRequestResult) {
		t.Helper()
		cmd := &cli.Command{
			Name:  "start",
			Flags: identifierFlags(),
			Action: func(ctx context.Context, cmd *cli.Command) error {
				req, err := startRequest(cmd, models.TriggerOnDemand)
				res = startRequestResult{req.EntityID, req.Identifiers, req.Options, err}
				return nil
			},
		}
		if err := cmd.Run(context.Background(), append([]string{"start"}, args...)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return res
	}

	t.Run("requires an identifier", func(t *testing.T) {
		res := parse(t)
		if !errors.Is(res.err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", res.err)
		}
	})

	t.Run("full import by default", func(t *testing.T) {
		res := parse(t, "--name", "Aurora Belt", "--spotify-id", "sp-1")
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		if res.ids.Name != "Aurora Belt" || res.ids.CatalogID != "sp-1" {
			t.Errorf("unexpected identifiers: %+v", res.ids)
		}
		if *res.options != models.FullImport() {
			t.Errorf("expected full import options, got %+v", *res.options)
		}
	})

	t.Run("light import with toggles", func(t *testing.T) {
		res := parse(t, "--entity-id", "7", "--light", "--no-defaults")
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		if res.entityID != "7" {
			t.Errorf("expected entity id 7, got %q", res.entityID)
		}
		if res.options.SyncCatalog || res.options.CreateDefaults || !res.options.SyncEvents {
			t.Errorf("unexpected options: %+v", *res.options)
		}
	})
}

type startRequestResult struct {
	entityID string
	ids      models.Identifiers
	options  *models.ImportOptions
	err      error
}

func TestJobFactory(t *testing.T) {
	runner := NewRunner(RunnerOpts{})
	factory := runner.jobFactory()

	for _, mode := range []string{shared.JobModeFull, shared.JobModeLight, shared.JobModeCleanup} {
		h, err := factory(shared.JobConfig{Name: mode + "-job", Schedule: "@hourly", Mode: mode})
		if err != nil {
			t.Errorf("mode %s: unexpected error: %v", mode, err)
		}
		if h == nil {
			t.Errorf("mode %s: expected a handler", mode)
		}
	}

	if _, err := factory(shared.JobConfig{Name: "odd", Mode: "weekly-digest"}); !errors.Is(err, shared.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for unknown mode, got %v", err)
	}
}

func TestImportRun(t *testing.T) {
	catalog := tu.NewFakeCatalog(services.CatalogArtist{ID: "sp-aurora", Name: "Aurora Belt", Popularity: 70})
	catalog.SetAlbums("sp-aurora",
		models.CatalogItem{CatalogItemID: "al-1", Title: "Low Orbit", Kind: "album", TrackCount: 9},
		models.CatalogItem{CatalogItemID: "al-2", Title: "Perihelion", Kind: "album", TrackCount: 11},
	)
	runner, output := testRunner(t, catalog)

	err := importCommand(runner).Run(context.Background(), []string{"import", "run", "--name", "Aurora Belt"})
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, output.String())
	}

	out := output.String()
	for _, want := range []string{"succeeded", "sync-core", "sync-catalog", "completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if catalog.Calls("list-albums") != 1 {
		t.Errorf("expected one album listing, got %d", catalog.Calls("list-albums"))
	}
}

func TestImportRunWithoutCredentials(t *testing.T) {
	runner, _ := testRunner(t, nil)
	runner.config.Credentials.Spotify.ClientID = "your_spotify_client_id"

	err := importCommand(runner).Run(context.Background(), []string{"import", "run", "--name", "Aurora Belt"})
	if !errors.Is(err, shared.ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
	runner.close(context.Background())
}

func TestSetup(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	output := &bytes.Buffer{}
	runner := NewRunner(RunnerOpts{
		ConfigPath: filepath.Join(dir, "config.toml"),
		Logger:     shared.NewLogger(&bytes.Buffer{}),
		Output:     output,
	})

	if err := setupCommand(runner).Run(context.Background(), []string{"setup"}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	tu.AssertFileExists(t, filepath.Join(dir, "config.toml"))
	tu.AssertFileExists(t, filepath.Join(dir, "artistsync.db"))
	if !strings.Contains(output.String(), "Next steps:") {
		t.Errorf("expected next steps for missing credentials, got:\n%s", output.String())
	}

	output.Reset()
	if err := setupCommand(runner).Run(context.Background(), []string{"setup", "status"}); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(output.String(), "[x] 002 create_import_statuses") {
		t.Errorf("expected applied migrations, got:\n%s", output.String())
	}

	if err := setupCommand(runner).Run(context.Background(), []string{"setup", "rollback"}); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	output.Reset()
	if err := setupCommand(runner).Run(context.Background(), []string{"setup", "status"}); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(output.String(), "[ ] 002 create_import_statuses") || !strings.Contains(output.String(), "[x] 001") {
		t.Errorf("expected only the last migration rolled back, got:\n%s", output.String())
	}
}

func TestStatusCleanup(t *testing.T) {
	runner, output := testRunner(t, nil)

	if err := statusCommand(runner).Run(context.Background(), []string{"status", "cleanup", "--abandoned"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]int
	if err := json.Unmarshal(output.Bytes(), &result); err != nil {
		t.Fatalf("expected JSON result, got %q: %v", output.String(), err)
	}
	for _, k := range []string{"terminal", "aliases", "abandoned"} {
		if v, ok := result[k]; !ok || v != 0 {
			t.Errorf("expected %s=0 on an empty store, got %v", k, result)
		}
	}
}

func TestJobsCommands(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]scheduler.JobStatus{
			{Name: "daily-full-sync", Schedule: "0 3 * * *", Enabled: true},
			{Name: "status-cleanup", Schedule: "@every 30m", Enabled: false},
		})
	})
	mux.HandleFunc("POST /jobs/{name}/disable", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "daily-full-sync" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(server.ErrorResponse{Error: "job not found: " + r.PathValue("name")})
			return
		}
		json.NewEncoder(w).Encode(scheduler.JobStatus{Name: "daily-full-sync", Schedule: "0 3 * * *"})
	})
	mux.HandleFunc("POST /jobs/{name}/run", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(server.RunResponse{
			Job:     r.PathValue("name"),
			Reports: []models.RunReport{{Success: true, ImportKey: "artist:1", Identifiers: models.Identifiers{Name: "Aurora Belt"}}},
			Error:   "all 1 imports in batch failed",
		})
	})
	mux.HandleFunc("GET /jobs/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scheduler.Health{State: scheduler.StateRunning, Jobs: 2})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	run := func(t *testing.T, sub string, rest ...string) (string, error) {
		t.Helper()
		output := &bytes.Buffer{}
		runner := NewRunner(RunnerOpts{Output: output, Logger: shared.NewLogger(&bytes.Buffer{})})
		args := append([]string{"jobs", sub, "--server", srv.URL}, rest...)
		err := jobsCommand(runner).Run(context.Background(), args)
		return output.String(), err
	}

	t.Run("list", func(t *testing.T) {
		out, err := run(t, "list", "--format", "markdown")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, want := range []string{"daily-full-sync", "status-cleanup", "@every 30m"} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("disable", func(t *testing.T) {
		out, err := run(t, "disable", "--format", "json", "daily-full-sync")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var jobs []scheduler.JobStatus
		if err := json.Unmarshal([]byte(out), &jobs); err != nil || len(jobs) != 1 || jobs[0].Enabled {
			t.Errorf("expected one disabled job, got %q (%v)", out, err)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := run(t, "disable", "nightly")
		if !errors.Is(err, shared.ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound, got %v", err)
		}
		if err == nil || !strings.Contains(err.Error(), "job not found: nightly") {
			t.Errorf("expected server error message, got %v", err)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		if _, err := run(t, "enable"); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
	})

	t.Run("run reports job failure", func(t *testing.T) {
		out, err := run(t, "run", "daily-full-sync")
		if err == nil || !strings.Contains(err.Error(), "all 1 imports in batch failed") {
			t.Errorf("expected job error, got %v", err)
		}
		if !strings.Contains(out, "Aurora Belt") {
			t.Errorf("expected the reports to be printed, got:\n%s", out)
		}
	})

	t.Run("health", func(t *testing.T) {
		out, err := run(t, "health", "--format", "yaml")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(out, "state: running") || !strings.Contains(out, "jobs: 2") {
			t.Errorf("unexpected health output:\n%s", out)
		}
	})

	t.Run("server down", func(t *testing.T) {
		output := &bytes.Buffer{}
		runner := NewRunner(RunnerOpts{Output: output, Logger: shared.NewLogger(&bytes.Buffer{})})
		err := jobsCommand(runner).Run(context.Background(), []string{"jobs", "list", "--server", "http://127.0.0.1:1"})
		if !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Errorf("expected ErrServiceUnavailable, got %v", err)
		}
	})
}
