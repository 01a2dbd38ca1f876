package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/artistsync/internal/metrics"
	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/status"
	"github.com/desertthunder/artistsync/internal/tasks"
	tu "github.com/desertthunder/artistsync/internal/testing"
)

var base = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) (*Registry, *status.MemoryStore, *tu.Clock) {
	t.Helper()
	clock := tu.NewClock(base)
	logger := shared.NewLogger(io.Discard)
	store := status.NewMemoryStore(status.WithClock(clock.Now))
	guard := tasks.NewGuard(store, tasks.GuardOptions{Now: clock.Now, Logger: logger})
	r := NewRegistry(Options{Guard: guard, Metrics: metrics.New(), Logger: logger, Now: clock.Now, Location: time.UTC})
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r, store, clock
}

func counting(calls *atomic.Int32) Handler {
	return func(context.Context) ([]models.RunReport, error) {
		calls.Add(1)
		return []models.RunReport{{Success: true}}, nil
	}
}

func TestRegistry_RegisterJob(t *testing.T) {
	r, _, _ := newRegistry(t)
	var calls atomic.Int32

	require.NoError(t, r.RegisterJob("daily-full-sync", "0 3 * * *", counting(&calls)))
	require.NoError(t, r.RegisterJob("status-cleanup", "@every 30m", counting(&calls)))
	require.NoError(t, r.RegisterJob("hourly-light-sync", "@hourly", counting(&calls)))

	tests := []struct {
		name     string
		job      string
		schedule string
		handler  Handler
		want     error
	}{
		{"Duplicate", "daily-full-sync", "@daily", counting(&calls), shared.ErrInvalidArgument},
		{"BadSchedule", "broken", "every tuesday", counting(&calls), shared.ErrInvalidArgument},
		{"SixFields", "seconds", "0 0 3 * * *", counting(&calls), shared.ErrInvalidArgument},
		{"NoName", "", "@daily", counting(&calls), shared.ErrMissingArgument},
		{"NoHandler", "idle", "@daily", nil, shared.ErrMissingArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.RegisterJob(tt.job, tt.schedule, tt.handler), tt.want)
		})
	}

	jobs := r.ListJobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "daily-full-sync", jobs[0].Name)
	assert.Equal(t, "hourly-light-sync", jobs[1].Name)
	assert.Equal(t, "status-cleanup", jobs[2].Name)
	for _, j := range jobs {
		assert.True(t, j.Enabled)
		assert.Nil(t, j.NextRunAt, "jobs are not scheduled before Start")
	}
}

func TestRegistry_EnableDisable(t *testing.T) {
	r, _, _ := newRegistry(t)
	var calls atomic.Int32
	require.NoError(t, r.RegisterJob("hourly-light-sync", "@hourly", counting(&calls)))

	require.NoError(t, r.Disable("hourly-light-sync"))
	job, err := r.Job("hourly-light-sync")
	require.NoError(t, err)
	assert.False(t, job.Enabled)

	r.tick("hourly-light-sync")
	assert.Zero(t, calls.Load(), "cron ticks skip disabled jobs")

	reports, err := r.RunNow(context.Background(), "hourly-light-sync")
	require.NoError(t, err)
	assert.Len(t, reports, 1)
	assert.Equal(t, int32(1), calls.Load(), "RunNow overrides the disabled flag")

	require.NoError(t, r.Enable("hourly-light-sync"))
	r.tick("hourly-light-sync")
	assert.Equal(t, int32(2), calls.Load())

	assert.ErrorIs(t, r.Enable("missing"), shared.ErrJobNotFound)
	assert.ErrorIs(t, r.Disable("missing"), shared.ErrJobNotFound)
	_, err = r.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, shared.ErrJobNotFound)
}

func TestRegistry_RunNow(t *testing.T) {
	ctx := context.Background()

	t.Run("RecordsOutcome", func(t *testing.T) {
		r, store, _ := newRegistry(t)
		boom := errors.New("catalog unavailable")
		require.NoError(t, r.RegisterJob("ok", "@daily", func(context.Context) ([]models.RunReport, error) { return nil, nil }))
		require.NoError(t, r.RegisterJob("bad", "@daily", func(context.Context) ([]models.RunReport, error) { return nil, boom }))

		_, err := r.RunNow(ctx, "ok")
		require.NoError(t, err)
		_, err = r.RunNow(ctx, "bad")
		require.ErrorIs(t, err, boom)

		bad, err := r.Job("bad")
		require.NoError(t, err)
		assert.Equal(t, 1, bad.Runs)
		assert.Equal(t, 1, bad.Failures)
		assert.Equal(t, "catalog unavailable", bad.LastError)
		require.NotNil(t, bad.LastRunAt)

		st, err := store.Read(ctx, models.JobKey("bad"))
		require.NoError(t, err)
		assert.Equal(t, models.StageFailed, st.Stage)

		st, err = store.Read(ctx, models.JobKey("ok"))
		require.NoError(t, err)
		assert.Equal(t, models.StageCompleted, st.Stage)

		health := r.HealthStatus()
		assert.Equal(t, 2, health.Jobs)
		assert.Zero(t, health.RunningJobCount)
		require.NotNil(t, health.LastRunAt)
	})

	t.Run("NeverOverlaps", func(t *testing.T) {
		r, _, _ := newRegistry(t)
		release := make(chan struct{})
		started := make(chan struct{})
		require.NoError(t, r.RegisterJob("slow", "@daily", func(context.Context) ([]models.RunReport, error) {
			close(started)
			<-release
			return nil, nil
		}))

		done := make(chan error, 1)
		go func() {
			_, err := r.RunNow(ctx, "slow")
			done <- err
		}()
		<-started

		assert.Equal(t, 1, r.HealthStatus().RunningJobCount)
		_, err := r.RunNow(ctx, "slow")
		assert.ErrorIs(t, err, shared.ErrJobRunning)

		close(release)
		require.NoError(t, <-done)
		assert.Zero(t, r.HealthStatus().RunningJobCount)
	})

	t.Run("HeldByAnotherProcess", func(t *testing.T) {
		r, store, clock := newRegistry(t)
		var calls atomic.Int32
		require.NoError(t, r.RegisterJob("daily-full-sync", "@daily", counting(&calls)))

		other := tasks.NewGuard(store, tasks.GuardOptions{Now: clock.Now, Logger: shared.NewLogger(io.Discard)})
		adm, err := other.BeginRun(ctx, models.JobKey("daily-full-sync"), models.TriggerScheduled)
		require.NoError(t, err)
		require.True(t, adm.Proceed)

		_, err = r.RunNow(ctx, "daily-full-sync")
		assert.ErrorIs(t, err, shared.ErrJobRunning)
		assert.Zero(t, calls.Load())
	})

	t.Run("RecoversPanics", func(t *testing.T) {
		r, _, _ := newRegistry(t)
		require.NoError(t, r.RegisterJob("crashy", "@daily", func(context.Context) ([]models.RunReport, error) {
			panic("nil artist")
		}))

		_, err := r.RunNow(ctx, "crashy")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nil artist")

		health := r.HealthStatus()
		assert.Contains(t, health.LastError, "panicked")

		_, err = r.RunNow(ctx, "crashy")
		assert.NotErrorIs(t, err, shared.ErrJobRunning, "a panic must release the job")
	})
}

func TestRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRegistry(t)
	var calls atomic.Int32
	require.NoError(t, r.RegisterJob("daily-full-sync", "0 3 * * *", counting(&calls)))
	assert.Equal(t, StateInit, r.State())

	require.NoError(t, r.Start(ctx))
	assert.Equal(t, StateRunning, r.State())
	assert.ErrorIs(t, r.Start(ctx), shared.ErrInvalidArgument)

	require.NoError(t, r.RegisterJob("status-cleanup", "@every 30m", counting(&calls)))
	require.Eventually(t, func() bool {
		for _, j := range r.ListJobs() {
			if j.NextRunAt == nil {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, r.UpdateSchedule("daily-full-sync", "30 4 * * *"))
	job, err := r.Job("daily-full-sync")
	require.NoError(t, err)
	assert.Equal(t, "30 4 * * *", job.Schedule)
	assert.ErrorIs(t, r.UpdateSchedule("daily-full-sync", "whenever"), shared.ErrInvalidArgument)
	assert.ErrorIs(t, r.UpdateSchedule("missing", "@daily"), shared.ErrJobNotFound)

	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, StateStopped, r.HealthStatus().State)
	assert.Error(t, r.Start(ctx), "a stopped registry cannot be restarted")
}

func TestRegistry_RegisterConfigured(t *testing.T) {
	r, _, _ := newRegistry(t)
	jobs := []shared.JobConfig{
		{Name: "daily-full-sync", Schedule: "0 3 * * *", Mode: shared.JobModeFull, Enabled: true},
		{Name: "hourly-light-sync", Schedule: "@hourly", Mode: shared.JobModeLight, Enabled: false},
	}

	var modes []string
	err := r.RegisterConfigured(jobs, func(cfg shared.JobConfig) (Handler, error) {
		modes = append(modes, cfg.Mode)
		return func(context.Context) ([]models.RunReport, error) { return nil, nil }, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{shared.JobModeFull, shared.JobModeLight}, modes)

	listed := r.ListJobs()
	require.Len(t, listed, 2)
	assert.True(t, listed[0].Enabled)
	assert.False(t, listed[1].Enabled)

	err = r.RegisterConfigured([]shared.JobConfig{{Name: "x", Schedule: "@daily", Mode: "bogus"}}, func(cfg shared.JobConfig) (Handler, error) {
		return nil, shared.ErrInvalidArgument
	})
	assert.ErrorIs(t, err, shared.ErrInvalidArgument)
}

func TestCleanupHandler(t *testing.T) {
	ctx := context.Background()
	clock := tu.NewClock(base)
	store := status.NewMemoryStore(status.WithClock(clock.Now))
	guard := tasks.NewGuard(store, tasks.GuardOptions{Now: clock.Now, Logger: shared.NewLogger(io.Discard)})

	old, err := guard.BeginRun(ctx, "artist:1", models.TriggerOnDemand)
	require.NoError(t, err)
	_, err = guard.Finish(ctx, old.Status, "import completed", nil)
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	fresh, err := guard.BeginRun(ctx, "artist:2", models.TriggerOnDemand)
	require.NoError(t, err)
	_, err = guard.Finish(ctx, fresh.Status, "import completed", nil)
	require.NoError(t, err)

	handler := CleanupHandler(store, CleanupConfig{Retention: 24 * time.Hour, Now: clock.Now, Logger: shared.NewLogger(io.Discard)})
	_, err = handler(ctx)
	require.NoError(t, err)

	_, err = store.Read(ctx, "artist:1")
	assert.ErrorIs(t, err, status.ErrNotFound)
	_, err = store.Read(ctx, "artist:2")
	assert.NoError(t, err)
}
