package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/artistsync/internal/models"
)

// CatalogRepository persists an artist's albums and singles.
type CatalogRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewCatalogRepository creates a new CatalogRepository with the given database connection
func NewCatalogRepository(db *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: db, now: time.Now}
}

// Upsert writes items for artistID keyed by catalog item id and returns how many rows were written.
//
// Items that fail validation are skipped.
func (r *CatalogRepository) Upsert(ctx context.Context, artistID string, items []models.CatalogItem) (int, error) {
	query := `
		INSERT INTO catalog_items (artist_id, catalog_item_id, title, kind, release_date, track_count, image_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (artist_id, catalog_item_id) DO UPDATE SET
			title = excluded.title,
			kind = excluded.kind,
			release_date = excluded.release_date,
			track_count = excluded.track_count,
			image_url = excluded.image_url,
			updated_at = excluded.updated_at
	`
	now := utc(r.now())
	written := 0

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return dbError("prepare catalog upsert", err)
		}
		defer stmt.Close()

		for _, item := range items {
			if item.Validate() != nil {
				continue
			}
			kind := item.Kind
			if kind == "" {
				kind = "album"
			}
			if _, err := stmt.ExecContext(ctx, artistID, item.CatalogItemID, item.Title, kind, item.ReleaseDate, item.TrackCount, item.ImageURL, now, now); err != nil {
				return dbError("upsert catalog item", err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return written, nil
}

// List returns the catalog for artistID, newest release first.
func (r *CatalogRepository) List(ctx context.Context, artistID string) ([]models.CatalogItem, error) {
	query := `
		SELECT catalog_item_id, title, kind, release_date, track_count, image_url
		FROM catalog_items
		WHERE artist_id = ?
		ORDER BY release_date DESC, title ASC
	`

	rows, err := r.db.QueryContext(ctx, query, artistID)
	if err != nil {
		return nil, dbError("query catalog items", err)
	}
	defer rows.Close()

	var items []models.CatalogItem
	for rows.Next() {
		var item models.CatalogItem
		if err := rows.Scan(&item.CatalogItemID, &item.Title, &item.Kind, &item.ReleaseDate, &item.TrackCount, &item.ImageURL); err != nil {
			return nil, dbError("scan catalog item", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, dbError("iterate catalog items", err)
	}

	return items, nil
}

// EventRepository persists an artist's scheduled events.
type EventRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewEventRepository creates a new EventRepository with the given database connection
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db, now: time.Now}
}

// Upsert writes events for artistID keyed by ticketing event id and returns how many rows were written.
func (r *EventRepository) Upsert(ctx context.Context, artistID string, events []models.Event) (int, error) {
	query := `
		INSERT INTO events (artist_id, ticketing_event_id, name, venue, city, country, starts_at, url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (artist_id, ticketing_event_id) DO UPDATE SET
			name = excluded.name,
			venue = excluded.venue,
			city = excluded.city,
			country = excluded.country,
			starts_at = excluded.starts_at,
			url = excluded.url,
			updated_at = excluded.updated_at
	`
	now := utc(r.now())
	written := 0

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return dbError("prepare event upsert", err)
		}
		defer stmt.Close()

		for _, e := range events {
			if e.Validate() != nil {
				continue
			}
			if _, err := stmt.ExecContext(ctx, artistID, e.TicketingEventID, e.Name, e.Venue, e.City, e.Country, nullTime(e.StartsAt), e.URL, now, now); err != nil {
				return dbError("upsert event", err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return written, nil
}

// Upcoming returns events for artistID starting at or after from, soonest first.
func (r *EventRepository) Upcoming(ctx context.Context, artistID string, from time.Time) ([]models.Event, error) {
	query := `
		SELECT ticketing_event_id, name, venue, city, country, starts_at, url
		FROM events
		WHERE artist_id = ? AND (starts_at IS NULL OR starts_at >= ?)
		ORDER BY starts_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, artistID, utc(from))
	if err != nil {
		return nil, dbError("query events", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			e        models.Event
			startsAt sql.NullTime
		)
		if err := rows.Scan(&e.TicketingEventID, &e.Name, &e.Venue, &e.City, &e.Country, &startsAt, &e.URL); err != nil {
			return nil, dbError("scan event", err)
		}
		e.StartsAt = timePtr(startsAt)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, dbError("iterate events", err)
	}

	return events, nil
}

// Summary counts the stored catalog items and events for artistID.
func (r *EventRepository) Summary(ctx context.Context, artistID string, now time.Time) (models.ContentSummary, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM catalog_items WHERE artist_id = ?),
			(SELECT COUNT(*) FROM events WHERE artist_id = ?),
			(SELECT COUNT(*) FROM events WHERE artist_id = ? AND starts_at >= ?)
	`

	var s models.ContentSummary
	err := r.db.QueryRowContext(ctx, query, artistID, artistID, artistID, utc(now)).Scan(&s.CatalogItems, &s.Events, &s.UpcomingEvents)
	if err != nil {
		return models.ContentSummary{}, dbError(fmt.Sprintf("summarize content for %s", artistID), err)
	}
	return s, nil
}
