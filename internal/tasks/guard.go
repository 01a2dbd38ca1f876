package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/status"
)

// Admission is the guard's answer to a run request.
type Admission struct {
	Proceed bool
	// Status is the fresh initializing status written for an admitted run.
	Status models.ImportStatus
	// Existing is the run already in progress when Proceed is false.
	Existing *models.ImportStatus
}

// GuardOptions configures a [Guard].
type GuardOptions struct {
	// StaleAfter is how long a non-terminal run may go without finishing before a new run may replace it.
	StaleAfter time.Duration
	// AliasTTL is how long a provisional key keeps resolving to the permanent key after a rekey.
	AliasTTL time.Duration
	Now      func() time.Time
	Logger   *log.Logger
}

// Guard admits at most one active run per import key.
//
// All decisions go through [status.Store.UpdateAtomically], so the guard is only as strong as the
// store's check-and-set: per process for the memory store, across processes for the SQLite store.
type Guard struct {
	store      status.Store
	staleAfter time.Duration
	aliasTTL   time.Duration
	now        func() time.Time
	logger     *log.Logger
}

// NewGuard creates a Guard over store.
func NewGuard(store status.Store, opts GuardOptions) *Guard {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if opts.AliasTTL <= 0 {
		opts.AliasTTL = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	return &Guard{store: store, staleAfter: opts.StaleAfter, aliasTTL: opts.AliasTTL, now: opts.Now, logger: opts.Logger}
}

// BeginRun admits a run for key when nothing is running there, the last run finished, or the
// last run is stale. An admitted run gets a fresh initializing status with a new run id.
func (g *Guard) BeginRun(ctx context.Context, key models.ImportKey, trigger models.Trigger) (Admission, error) {
	now := g.now()
	fresh := models.NewImportStatus(key, trigger, now)

	var existing *models.ImportStatus
	ok, err := g.store.UpdateAtomically(ctx, key, func(current *models.ImportStatus) (models.ImportStatus, bool) {
		if current != nil && !current.Terminal() {
			if !current.Stale(now, g.staleAfter) {
				existing = current
				return models.ImportStatus{}, false
			}
			g.logger.Warn("replacing stale import", "key", key, "run_id", current.RunID, "started_at", current.StartedAt)
		}
		return fresh, true
	})
	if err != nil {
		return Admission{}, fmt.Errorf("failed to admit import %s: %w", key, err)
	}
	if !ok {
		return Admission{Existing: existing}, nil
	}
	return Admission{Proceed: true, Status: fresh}, nil
}

// Rekey moves a running status from its provisional key to newKey and aliases the old key to it.
//
// Returns [shared.ErrSuperseded] when newKey already holds a fresh active run of another run id;
// st is left untouched in that case.
func (g *Guard) Rekey(ctx context.Context, st models.ImportStatus, newKey models.ImportKey) (models.ImportStatus, error) {
	if st.Key == newKey {
		return st, nil
	}

	now := g.now()
	moved := st.Clone()
	moved.Key = newKey
	moved.UpdatedAt = now

	var holder *models.ImportStatus
	ok, err := g.store.UpdateAtomically(ctx, newKey, func(current *models.ImportStatus) (models.ImportStatus, bool) {
		if current != nil && !current.Terminal() && current.RunID != st.RunID && !current.Stale(now, g.staleAfter) {
			holder = current
			return models.ImportStatus{}, false
		}
		return moved, true
	})
	if err != nil {
		return st, fmt.Errorf("failed to move import %s to %s: %w", st.Key, newKey, err)
	}
	if !ok {
		return st, fmt.Errorf("%w: run %s is already importing %s", shared.ErrSuperseded, holder.RunID, newKey)
	}

	if err := g.store.Alias(ctx, st.Key, newKey, g.aliasTTL); err != nil {
		g.logger.Warn("failed to alias provisional key", "from", st.Key, "to", newKey, "error", err)
	}
	return moved, nil
}

// Finish writes the terminal status for st. failure is nil for a completed run.
func (g *Guard) Finish(ctx context.Context, st models.ImportStatus, message string, failure error) (models.ImportStatus, error) {
	now := g.now()
	st.UpdatedAt = now
	st.CompletedAt = &now
	st.Message = message

	if failure != nil {
		st.Stage = models.StageFailed
		st.Error = failure.Error()
	} else {
		st.Stage = models.StageCompleted
		st.Progress = 100
		st.Error = ""
	}

	if err := g.store.Write(ctx, st); err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			return st, err
		}
		return st, fmt.Errorf("failed to finish import %s: %w", st.Key, err)
	}
	return st, nil
}
