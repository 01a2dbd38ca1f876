package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/artistsync/internal/shared"
)

// Prediction list kinds.
const (
	PredictionFanFavourites = "fan-favourites"
	PredictionSetlist       = "setlist"
)

// PredictionList is a placeholder list users fill in later.
type PredictionList struct {
	ID        string
	ArtistID  string
	Kind      string
	Subject   string
	Title     string
	CreatedAt time.Time
}

// PredictionRepository materializes default prediction lists from synced content.
type PredictionRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPredictionRepository creates a new PredictionRepository with the given database connection
func NewPredictionRepository(db *sql.DB) *PredictionRepository {
	return &PredictionRepository{db: db, now: time.Now}
}

// CreateDefaults creates a fan-favourites list when the artist has catalog items and one
// setlist list per upcoming event. Existing lists are left alone, so the call is idempotent.
//
// Returns the number of lists created by this call.
func (r *PredictionRepository) CreateDefaults(ctx context.Context, artistID string) (int, error) {
	now := utc(r.now())
	created := 0

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		var name string
		var catalogCount int
		err := tx.QueryRowContext(ctx,
			`SELECT name, (SELECT COUNT(*) FROM catalog_items WHERE artist_id = artists.id) FROM artists WHERE id = ? AND deleted_at IS NULL`,
			artistID,
		).Scan(&name, &catalogCount)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: artist %s", shared.ErrNotFound, artistID)
		}
		if err != nil {
			return dbError("load artist for defaults", err)
		}

		var lists []PredictionList
		if catalogCount > 0 {
			lists = append(lists, PredictionList{Kind: PredictionFanFavourites, Title: name + " fan favourites"})
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT ticketing_event_id, name FROM events WHERE artist_id = ? AND (starts_at IS NULL OR starts_at >= ?) ORDER BY starts_at ASC`,
			artistID, now,
		)
		if err != nil {
			return dbError("query upcoming events", err)
		}
		for rows.Next() {
			var eventID, eventName string
			if err := rows.Scan(&eventID, &eventName); err != nil {
				rows.Close()
				return dbError("scan upcoming event", err)
			}
			lists = append(lists, PredictionList{Kind: PredictionSetlist, Subject: eventID, Title: eventName + " setlist"})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return dbError("iterate upcoming events", err)
		}
		rows.Close()

		for _, l := range lists {
			result, err := tx.ExecContext(ctx,
				`INSERT INTO prediction_lists (id, artist_id, kind, subject, title, created_at) VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (artist_id, kind, subject) DO NOTHING`,
				shared.GenerateID(), artistID, l.Kind, l.Subject, l.Title, now,
			)
			if err != nil {
				return dbError("insert prediction list", err)
			}
			if n, err := result.RowsAffected(); err == nil {
				created += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return created, nil
}

// List returns every prediction list for artistID.
func (r *PredictionRepository) List(ctx context.Context, artistID string) ([]PredictionList, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, artist_id, kind, subject, title, created_at FROM prediction_lists WHERE artist_id = ? ORDER BY kind, subject`,
		artistID,
	)
	if err != nil {
		return nil, dbError("query prediction lists", err)
	}
	defer rows.Close()

	var lists []PredictionList
	for rows.Next() {
		var l PredictionList
		if err := rows.Scan(&l.ID, &l.ArtistID, &l.Kind, &l.Subject, &l.Title, &l.CreatedAt); err != nil {
			return nil, dbError("scan prediction list", err)
		}
		lists = append(lists, l)
	}

	if err := rows.Err(); err != nil {
		return nil, dbError("iterate prediction lists", err)
	}

	return lists, nil
}
