package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/artistsync/internal/formatter"
	"github.com/desertthunder/artistsync/internal/scheduler"
	"github.com/desertthunder/artistsync/internal/server"
	"github.com/desertthunder/artistsync/internal/shared"
)

// baseURL returns the server URL from --server, falling back to the configured listen address.
func (r *Runner) baseURL(cmd *cli.Command) string {
	if s := cmd.String("server"); s != "" {
		return strings.TrimRight(s, "/")
	}
	return "http://" + r.config.Server.Addr()
}

// call performs a request against a running server and decodes the JSON response into result.
func (r *Runner) call(ctx context.Context, cmd *cli.Command, method, path string, result any) error {
	endpoint := r.baseURL(cmd) + path
	r.logger.Debug("server request", "method", method, "url", endpoint)

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: is 'artistsync serve' running? %v", shared.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", shared.ErrAPIRequest, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e server.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%w: status %d: %s", statusError(resp.StatusCode), resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%w: status %d, body: %s", shared.ErrAPIRequest, resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: invalid response: %v", shared.ErrAPIRequest, err)
	}
	return nil
}

// statusError maps a response code back onto the sentinel the server derived it from.
func statusError(code int) error {
	switch code {
	case http.StatusNotFound:
		return shared.ErrJobNotFound
	case http.StatusConflict:
		return shared.ErrJobRunning
	case http.StatusServiceUnavailable:
		return shared.ErrServiceUnavailable
	case http.StatusBadRequest:
		return shared.ErrInvalidArgument
	default:
		return shared.ErrAPIRequest
	}
}

func jobName(cmd *cli.Command) (string, error) {
	name := cmd.StringArg("name")
	if name == "" {
		return "", fmt.Errorf("%w: job name", shared.ErrMissingArgument)
	}
	return name, nil
}

// JobsList prints the server's scheduled jobs.
func (r *Runner) JobsList(ctx context.Context, cmd *cli.Command) error {
	format, err := r.format(cmd)
	if err != nil {
		return err
	}
	var jobs []scheduler.JobStatus
	if err := r.call(ctx, cmd, http.MethodGet, "/jobs", &jobs); err != nil {
		return err
	}
	return formatter.Jobs(r.output, format, jobs)
}

// JobsEnable enables a job on the server.
func (r *Runner) JobsEnable(ctx context.Context, cmd *cli.Command) error {
	return r.toggleJob(ctx, cmd, "enable")
}

// JobsDisable disables a job on the server.
func (r *Runner) JobsDisable(ctx context.Context, cmd *cli.Command) error {
	return r.toggleJob(ctx, cmd, "disable")
}

func (r *Runner) toggleJob(ctx context.Context, cmd *cli.Command, action string) error {
	format, err := r.format(cmd)
	if err != nil {
		return err
	}
	name, err := jobName(cmd)
	if err != nil {
		return err
	}

	var job scheduler.JobStatus
	if err := r.call(ctx, cmd, http.MethodPost, "/jobs/"+url.PathEscape(name)+"/"+action, &job); err != nil {
		return err
	}
	return formatter.Jobs(r.output, format, []scheduler.JobStatus{job})
}

// JobsRun runs a job now, on the server or with --local in this process, and prints its reports.
func (r *Runner) JobsRun(ctx context.Context, cmd *cli.Command) error {
	format, err := r.format(cmd)
	if err != nil {
		return err
	}
	name, err := jobName(cmd)
	if err != nil {
		return err
	}

	var resp server.RunResponse
	if cmd.Bool("local") {
		resp, err = r.runJobLocal(ctx, name)
		if err != nil {
			return err
		}
	} else if err := r.call(ctx, cmd, http.MethodPost, "/jobs/"+url.PathEscape(name)+"/run", &resp); err != nil {
		return err
	}

	if err := formatter.Reports(r.output, format, resp.Reports); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("job %s failed: %s", name, resp.Error)
	}
	return nil
}

func (r *Runner) runJobLocal(ctx context.Context, name string) (server.RunResponse, error) {
	if err := r.open(ctx); err != nil {
		return server.RunResponse{}, err
	}
	defer r.close(context.WithoutCancel(ctx))

	registry, err := r.newRegistry()
	if err != nil {
		return server.RunResponse{}, err
	}

	resp := server.RunResponse{Job: name}
	resp.Reports, err = registry.RunNow(ctx, name)
	if err != nil {
		if errors.Is(err, shared.ErrJobNotFound) || errors.Is(err, shared.ErrJobRunning) {
			return resp, err
		}
		resp.Error = err.Error()
	}
	return resp, nil
}

// JobsHealth prints the scheduler health summary.
func (r *Runner) JobsHealth(ctx context.Context, cmd *cli.Command) error {
	format, err := r.format(cmd)
	if err != nil {
		return err
	}
	var h scheduler.Health
	if err := r.call(ctx, cmd, http.MethodGet, "/jobs/health", &h); err != nil {
		return err
	}
	return formatter.Health(r.output, format, h)
}
