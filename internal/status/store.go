// Package status tracks the live state of imports.
//
// A [Store] holds one [models.ImportStatus] per import key and enforces the run state machine:
// within a run stages only move forward, progress never decreases, and completed or failed
// entries are never rewritten. A new run (different RunID) may replace a terminal or abandoned entry,
// but only through [Store.UpdateAtomically], which is how the concurrency guard admits runs.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
)

var (
	ErrNotFound          = fmt.Errorf("import status %w", shared.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("invalid status transition")
)

// UpdateFunc inspects the current entry for a key and decides whether to replace it.
//
// current is a copy, resolved through any unexpired alias, and nil if nothing is stored.
// Returning write=false leaves the store untouched. The function runs while the key is
// locked and must not block.
type UpdateFunc func(current *models.ImportStatus) (next models.ImportStatus, write bool)

// Store is the import status store shared by every run.
type Store interface {
	// Write stores st under st.Key, enforcing the state machine for the run that owns the key.
	Write(ctx context.Context, st models.ImportStatus) error

	// Read returns the status for key, following an unexpired alias. Returns [ErrNotFound] otherwise.
	Read(ctx context.Context, key models.ImportKey) (models.ImportStatus, error)

	// ListActive returns every non-terminal status, oldest first.
	ListActive(ctx context.Context) ([]models.ImportStatus, error)

	// UpdateAtomically applies fn as a single check-and-set on key.
	UpdateAtomically(ctx context.Context, key models.ImportKey, fn UpdateFunc) (bool, error)

	// Alias makes reads of from resolve to to until ttl elapses and drops any entry stored at from.
	Alias(ctx context.Context, from, to models.ImportKey, ttl time.Duration) error

	// Cleanup removes expired entries.
	Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error)
}

// ReportStore persists finished run reports. Both store implementations provide it.
type ReportStore interface {
	SaveReport(ctx context.Context, report models.RunReport) error
	LatestReport(ctx context.Context, key models.ImportKey) (models.RunReport, error)
}

// CleanupOptions selects what [Store.Cleanup] removes.
type CleanupOptions struct {
	// Retention is how long terminal entries are kept after completion.
	Retention time.Duration
	// StaleAfter marks non-terminal entries as abandoned once they are older than it.
	StaleAfter time.Duration
	// IncludeAbandoned deletes abandoned non-terminal entries too.
	IncludeAbandoned bool
	Now              time.Time
}

// CleanupResult counts what was removed.
type CleanupResult struct {
	Terminal  int `json:"terminal"`
	Aliases   int `json:"aliases"`
	Abandoned int `json:"abandoned"`
}

func (o CleanupOptions) withDefaults() CleanupOptions {
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Minute
	}
	return o
}

// Expired reports whether a terminal entry has outlived the retention window.
func (o CleanupOptions) Expired(st models.ImportStatus) bool {
	o = o.withDefaults()
	if !st.Terminal() {
		return false
	}
	done := st.UpdatedAt
	if st.CompletedAt != nil {
		done = *st.CompletedAt
	}
	return o.Now.Sub(done) > o.Retention
}

// Abandoned reports whether a non-terminal entry should be removed.
func (o CleanupOptions) Abandoned(st models.ImportStatus) bool {
	o = o.withDefaults()
	return o.IncludeAbandoned && st.Stale(o.Now, o.StaleAfter)
}

// CheckTransition validates replacing prev (nil if the key is empty) with next through a plain write.
func CheckTransition(prev *models.ImportStatus, next models.ImportStatus) error {
	if next.Stage.Rank() < 0 {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, next.Stage)
	}
	if next.Progress < 0 || next.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidTransition, next.Progress)
	}
	if prev == nil {
		return nil
	}
	if prev.RunID != next.RunID {
		return fmt.Errorf("%w: %s is owned by run %s", ErrInvalidTransition, next.Key, prev.RunID)
	}
	return checkSameRun(*prev, next)
}

// CheckAdmission validates a write made through UpdateAtomically, where a new run may replace the entry.
func CheckAdmission(prev *models.ImportStatus, next models.ImportStatus) error {
	if prev != nil && prev.RunID != next.RunID {
		return CheckTransition(nil, next)
	}
	return CheckTransition(prev, next)
}

func checkSameRun(prev, next models.ImportStatus) error {
	if prev.Terminal() {
		return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, prev.Key, prev.Stage)
	}
	if next.Stage.Rank() < prev.Stage.Rank() {
		return fmt.Errorf("%w: %s cannot move from %s back to %s", ErrInvalidTransition, prev.Key, prev.Stage, next.Stage)
	}
	if next.Progress < prev.Progress {
		return fmt.Errorf("%w: progress cannot drop from %d to %d", ErrInvalidTransition, prev.Progress, next.Progress)
	}
	return nil
}
