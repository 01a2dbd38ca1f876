package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/status"
)

const statusColumns = `import_key, run_id, stage, progress, message, error, entity_id, run_trigger, started_at, updated_at, completed_at`

// ImportStatusRepository implements [status.Store] and [status.ReportStore] on SQLite.
//
// Check-and-set runs inside a BEGIN IMMEDIATE transaction (see [shared.NewDatabase]), so two processes
// sharing the database file cannot both admit a run for the same key.
type ImportStatusRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewImportStatusRepository creates a new ImportStatusRepository with the given database connection
func NewImportStatusRepository(db *sql.DB) *ImportStatusRepository {
	return &ImportStatusRepository{db: db, now: time.Now}
}

// SetClock sets the time source used for alias expiry.
func (r *ImportStatusRepository) SetClock(now func() time.Time) {
	r.now = now
}

func (r *ImportStatusRepository) Write(ctx context.Context, st models.ImportStatus) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		prev, err := r.get(ctx, tx, st.Key)
		if err != nil {
			return err
		}
		if err := status.CheckTransition(prev, st); err != nil {
			return err
		}
		return r.put(ctx, tx, st)
	})
}

func (r *ImportStatusRepository) Read(ctx context.Context, key models.ImportKey) (models.ImportStatus, error) {
	var st *models.ImportStatus
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		resolved, err := r.resolve(ctx, tx, key)
		if err != nil {
			return err
		}
		st, err = r.get(ctx, tx, resolved)
		return err
	})
	if err != nil {
		return models.ImportStatus{}, err
	}
	if st == nil {
		return models.ImportStatus{}, fmt.Errorf("%w: %s", status.ErrNotFound, key)
	}
	return *st, nil
}

func (r *ImportStatusRepository) ListActive(ctx context.Context) ([]models.ImportStatus, error) {
	query := `SELECT ` + statusColumns + ` FROM import_statuses WHERE stage NOT IN (?, ?) ORDER BY started_at ASC`

	rows, err := r.db.QueryContext(ctx, query, models.StageCompleted, models.StageFailed)
	if err != nil {
		return nil, dbError("query active imports", err)
	}
	defer rows.Close()

	active := make([]models.ImportStatus, 0)
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		active = append(active, *st)
	}

	if err := rows.Err(); err != nil {
		return nil, dbError("iterate active imports", err)
	}

	return active, nil
}

func (r *ImportStatusRepository) UpdateAtomically(ctx context.Context, key models.ImportKey, fn status.UpdateFunc) (bool, error) {
	written := false
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		resolved, err := r.resolve(ctx, tx, key)
		if err != nil {
			return err
		}
		current, err := r.get(ctx, tx, resolved)
		if err != nil {
			return err
		}

		next, write := fn(current)
		if !write {
			return nil
		}
		next.Key = key

		prev := current
		if resolved != key {
			if prev, err = r.get(ctx, tx, key); err != nil {
				return err
			}
		}
		if err := status.CheckAdmission(prev, next); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM import_aliases WHERE from_key = ?`, key); err != nil {
			return dbError("drop alias", err)
		}
		if err := r.put(ctx, tx, next); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

func (r *ImportStatusRepository) Alias(ctx context.Context, from, to models.ImportKey, ttl time.Duration) error {
	if from == to {
		return nil
	}

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM import_statuses WHERE import_key = ?`, from); err != nil {
			return dbError("drop aliased status", err)
		}

		query := `
			INSERT INTO import_aliases (from_key, to_key, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (from_key) DO UPDATE SET to_key = excluded.to_key, expires_at = excluded.expires_at
		`
		if _, err := tx.ExecContext(ctx, query, from, to, utc(r.now().Add(ttl))); err != nil {
			return dbError("write alias", err)
		}
		return nil
	})
}

func (r *ImportStatusRepository) Cleanup(ctx context.Context, opts status.CleanupOptions) (status.CleanupResult, error) {
	if opts.Now.IsZero() {
		opts.Now = r.now()
	}

	var result status.CleanupResult
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+statusColumns+` FROM import_statuses`)
		if err != nil {
			return dbError("query statuses", err)
		}

		var expired, abandoned []models.ImportKey
		for rows.Next() {
			st, err := scanStatus(rows)
			if err != nil {
				rows.Close()
				return err
			}
			switch {
			case opts.Expired(*st):
				expired = append(expired, st.Key)
			case opts.Abandoned(*st):
				abandoned = append(abandoned, st.Key)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return dbError("iterate statuses", err)
		}
		rows.Close()

		for _, key := range append(expired, abandoned...) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM import_statuses WHERE import_key = ?`, key); err != nil {
				return dbError("delete status", err)
			}
		}
		result.Terminal, result.Abandoned = len(expired), len(abandoned)

		res, err := tx.ExecContext(ctx, `DELETE FROM import_aliases WHERE expires_at <= ?`, utc(opts.Now))
		if err != nil {
			return dbError("delete expired aliases", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return dbError("get affected rows", err)
		}
		result.Aliases = int(n)
		return nil
	})
	if err != nil {
		return status.CleanupResult{}, err
	}
	return result, nil
}

func (r *ImportStatusRepository) SaveReport(ctx context.Context, report models.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	runID := report.RunID
	if runID == "" {
		runID = string(report.ImportKey) + "@" + r.now().UTC().Format(time.RFC3339Nano)
	}

	query := `
		INSERT INTO run_reports (run_id, import_key, success, entity_id, report, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			import_key = excluded.import_key, success = excluded.success,
			entity_id = excluded.entity_id, report = excluded.report
	`
	if _, err := r.db.ExecContext(ctx, query, runID, report.ImportKey, report.Success, report.EntityID, string(data), utc(r.now())); err != nil {
		return dbError("save run report", err)
	}
	return nil
}

func (r *ImportStatusRepository) LatestReport(ctx context.Context, key models.ImportKey) (models.RunReport, error) {
	var data string
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		resolved, err := r.resolve(ctx, tx, key)
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx,
			`SELECT report FROM run_reports WHERE import_key = ? ORDER BY created_at DESC LIMIT 1`, resolved,
		).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: no report for %s", status.ErrNotFound, key)
		}
		if err != nil {
			return dbError("query run report", err)
		}
		return nil
	})
	if err != nil {
		return models.RunReport{}, err
	}

	var report models.RunReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return models.RunReport{}, fmt.Errorf("failed to decode report: %w", err)
	}
	return report, nil
}

// resolve follows an unexpired alias once.
func (r *ImportStatusRepository) resolve(ctx context.Context, tx *sql.Tx, key models.ImportKey) (models.ImportKey, error) {
	var to string
	var expires time.Time
	err := tx.QueryRowContext(ctx, `SELECT to_key, expires_at FROM import_aliases WHERE from_key = ?`, key).Scan(&to, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return key, nil
	}
	if err != nil {
		return "", dbError("query alias", err)
	}
	if !r.now().Before(expires) {
		return key, nil
	}
	return models.ImportKey(to), nil
}

func (r *ImportStatusRepository) get(ctx context.Context, tx *sql.Tx, key models.ImportKey) (*models.ImportStatus, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM import_statuses WHERE import_key = ?`, key)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (r *ImportStatusRepository) put(ctx context.Context, tx *sql.Tx, st models.ImportStatus) error {
	query := `
		INSERT INTO import_statuses (` + statusColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (import_key) DO UPDATE SET
			run_id = excluded.run_id,
			stage = excluded.stage,
			progress = excluded.progress,
			message = excluded.message,
			error = excluded.error,
			entity_id = excluded.entity_id,
			run_trigger = excluded.run_trigger,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`
	_, err := tx.ExecContext(ctx, query,
		st.Key,
		st.RunID,
		st.Stage,
		st.Progress,
		st.Message,
		st.Error,
		st.EntityID,
		st.Trigger,
		utc(st.StartedAt),
		utc(st.UpdatedAt),
		nullTime(st.CompletedAt),
	)
	if err != nil {
		return dbError("write import status", err)
	}
	return nil
}

func scanStatus(row rowScanner) (*models.ImportStatus, error) {
	var (
		st          models.ImportStatus
		completedAt sql.NullTime
	)

	err := row.Scan(&st.Key, &st.RunID, &st.Stage, &st.Progress, &st.Message, &st.Error, &st.EntityID, &st.Trigger, &st.StartedAt, &st.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, dbError("scan import status", err)
	}

	st.CompletedAt = timePtr(completedAt)
	return &st, nil
}
