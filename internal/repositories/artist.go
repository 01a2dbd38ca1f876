package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
)

const artistColumns = `id, catalog_id, ticketing_id, other_id, name, genres, popularity, followers, image_url, last_synced_at, created_at, updated_at`

// ArtistRepository persists canonical artist records.
//
// Identifiers only ever grow: an upsert fills blank ids but never replaces one that is set.
// The display name is an attribute, not an id, and follows the latest upsert.
type ArtistRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewArtistRepository creates a new ArtistRepository with the given database connection
func NewArtistRepository(db *sql.DB) *ArtistRepository {
	return &ArtistRepository{db: db, now: time.Now}
}

// StaleQuery selects artists due for a refresh.
type StaleQuery struct {
	// SyncedBefore is the freshness cutoff; artists never synced are always stale.
	SyncedBefore time.Time
	// Now anchors "upcoming" when ranking by events.
	Now   time.Time
	Limit int
}

// Get retrieves an artist by ID, excluding soft-deleted artists
func (r *ArtistRepository) Get(ctx context.Context, id string) (*models.Artist, error) {
	query := `SELECT ` + artistColumns + ` FROM artists WHERE id = ? AND deleted_at IS NULL`
	return scanArtist(r.db.QueryRowContext(ctx, query, id))
}

// Find looks an artist up by catalog id, ticketing id, other-provider id and finally normalized name.
//
// Name matches prefer the most popular artist. Returns [shared.ErrNotFound] when nothing matches.
func (r *ArtistRepository) Find(ctx context.Context, ids models.Identifiers) (*models.Artist, error) {
	lookups := []struct {
		column string
		value  string
	}{
		{"catalog_id", ids.CatalogID},
		{"ticketing_id", ids.TicketingID},
		{"other_id", ids.OtherID},
		{"normalized_name", ids.NormalizedName()},
	}

	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		query := fmt.Sprintf(`SELECT %s FROM artists WHERE %s = ? AND deleted_at IS NULL ORDER BY popularity DESC, sequence ASC LIMIT 1`, artistColumns, l.column)
		artist, err := scanArtist(r.db.QueryRowContext(ctx, query, l.value))
		if errors.Is(err, shared.ErrNotFound) {
			continue
		}
		return artist, err
	}

	return nil, fmt.Errorf("%w: artist %+v", shared.ErrNotFound, ids)
}

// Upsert inserts or updates artist, matching an existing record by id, catalog id or ticketing id.
//
// The stored id is written back to artist.ID and returned.
func (r *ArtistRepository) Upsert(ctx context.Context, artist *models.Artist) (string, error) {
	if err := artist.Validate(); err != nil {
		return "", fmt.Errorf("%w: validation failed: %w", shared.ErrInvalidInput, err)
	}

	genres, err := json.Marshal(artist.Genres)
	if err != nil {
		return "", fmt.Errorf("failed to encode genres: %w", err)
	}
	now := utc(r.now())

	err = inTx(ctx, r.db, func(tx *sql.Tx) error {
		existing, err := r.match(ctx, tx, artist)
		if err != nil {
			return err
		}

		if existing == nil {
			return r.insert(ctx, tx, artist, string(genres), now)
		}

		ids := existing.Identifiers.Merge(artist.Identifiers)
		if artist.Identifiers.Name != "" {
			ids.Name = artist.Identifiers.Name
		}
		if existing.Identifiers.TicketingID == "" && ids.TicketingID != "" {
			taken, err := ticketingTaken(ctx, tx, ids.TicketingID, existing.ID)
			if err != nil {
				return err
			}
			if taken {
				ids.TicketingID = ""
			}
		}

		query := `
			UPDATE artists
			SET catalog_id = ?, ticketing_id = ?, other_id = ?, name = ?, normalized_name = ?,
				genres = ?, popularity = ?, followers = ?, image_url = ?, last_synced_at = ?, updated_at = ?
			WHERE id = ?
		`
		_, err = tx.ExecContext(ctx, query,
			nullString(ids.CatalogID),
			nullString(ids.TicketingID),
			nullString(ids.OtherID),
			ids.Name,
			ids.NormalizedName(),
			string(genres),
			artist.Popularity,
			artist.Followers,
			artist.ImageURL,
			now,
			now,
			existing.ID,
		)
		if err != nil {
			return dbError("update artist", err)
		}

		artist.ID = existing.ID
		artist.Identifiers = ids
		artist.CreatedAt = existing.CreatedAt
		artist.UpdatedAt = now
		artist.LastSyncedAt = &now
		return nil
	})
	if err != nil {
		return "", err
	}

	return artist.ID, nil
}

// ListStale returns artists not synced since q.SyncedBefore, ordered by upcoming events,
// then popularity, then oldest sync first.
func (r *ArtistRepository) ListStale(ctx context.Context, q StaleQuery) ([]models.Artist, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Now.IsZero() {
		q.Now = r.now()
	}

	query := `
		SELECT ` + prefixed("a", artistColumns) + `,
			(SELECT COUNT(*) FROM events e WHERE e.artist_id = a.id AND e.starts_at >= ?) AS upcoming
		FROM artists a
		WHERE a.deleted_at IS NULL AND (a.last_synced_at IS NULL OR a.last_synced_at < ?)
		ORDER BY upcoming DESC, a.popularity DESC, a.last_synced_at ASC, a.sequence ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, utc(q.Now), utc(q.SyncedBefore), q.Limit)
	if err != nil {
		return nil, dbError("query stale artists", err)
	}
	defer rows.Close()

	var artists []models.Artist
	for rows.Next() {
		var upcoming int
		artist, err := scanArtistRow(rows, &upcoming)
		if err != nil {
			return nil, err
		}
		artists = append(artists, *artist)
	}

	if err := rows.Err(); err != nil {
		return nil, dbError("iterate stale artists", err)
	}

	return artists, nil
}

// Delete soft-deletes an artist by ID
func (r *ArtistRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE artists SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, utc(r.now()), id)
	if err != nil {
		return dbError("delete artist", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return dbError("get affected rows", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: artist %s", shared.ErrNotFound, id)
	}

	return nil
}

func (r *ArtistRepository) match(ctx context.Context, tx *sql.Tx, artist *models.Artist) (*models.Artist, error) {
	lookups := []struct {
		column string
		value  string
	}{
		{"id", artist.ID},
		{"catalog_id", artist.Identifiers.CatalogID},
		{"ticketing_id", artist.Identifiers.TicketingID},
	}

	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		query := fmt.Sprintf(`SELECT %s FROM artists WHERE %s = ? AND deleted_at IS NULL`, artistColumns, l.column)
		existing, err := scanArtist(tx.QueryRowContext(ctx, query, l.value))
		if errors.Is(err, shared.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// A ticketing match belonging to a different catalog artist is not the same artist.
		if l.column == "ticketing_id" && existing.Identifiers.CatalogID != "" &&
			artist.Identifiers.CatalogID != "" && existing.Identifiers.CatalogID != artist.Identifiers.CatalogID {
			continue
		}
		return existing, nil
	}
	return nil, nil
}

// ticketingTaken reports whether another artist already holds ticketingID. A ticketing id stays with its first owner.
func ticketingTaken(ctx context.Context, tx *sql.Tx, ticketingID, exceptID string) (bool, error) {
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT id FROM artists WHERE ticketing_id = ? AND id != ?`, ticketingID, exceptID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, dbError("check ticketing id", err)
	}
	return true, nil
}

func (r *ArtistRepository) insert(ctx context.Context, tx *sql.Tx, artist *models.Artist, genres string, now time.Time) error {
	sequence, err := NextSequence(ctx, tx, "artists")
	if err != nil {
		return dbError("generate sequence", err)
	}

	if tid := artist.Identifiers.TicketingID; tid != "" {
		taken, err := ticketingTaken(ctx, tx, tid, "")
		if err != nil {
			return err
		}
		if taken {
			artist.Identifiers.TicketingID = ""
		}
	}

	id := shared.GenerateID()
	query := `
		INSERT INTO artists (
			id, sequence, catalog_id, ticketing_id, other_id, name, normalized_name,
			genres, popularity, followers, image_url, last_synced_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		id,
		sequence,
		nullString(artist.Identifiers.CatalogID),
		nullString(artist.Identifiers.TicketingID),
		nullString(artist.Identifiers.OtherID),
		artist.Identifiers.Name,
		artist.Identifiers.NormalizedName(),
		genres,
		artist.Popularity,
		artist.Followers,
		artist.ImageURL,
		now,
		now,
		now,
	)
	if err != nil {
		return dbError("insert artist", err)
	}

	artist.ID = id
	artist.CreatedAt = now
	artist.UpdatedAt = now
	artist.LastSyncedAt = &now
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanArtist scans a single [sql.Row] into a [models.Artist]
func scanArtist(row *sql.Row) (*models.Artist, error) {
	artist, err := scanArtistRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artist", shared.ErrNotFound)
	}
	return artist, err
}

func scanArtistRow(row rowScanner, extra ...any) (*models.Artist, error) {
	var (
		a                               models.Artist
		catalogID, ticketingID, otherID sql.NullString
		genres                          string
		lastSyncedAt                    sql.NullTime
	)

	dest := []any{
		&a.ID, &catalogID, &ticketingID, &otherID, &a.Identifiers.Name, &genres,
		&a.Popularity, &a.Followers, &a.ImageURL, &lastSyncedAt, &a.CreatedAt, &a.UpdatedAt,
	}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, dbError("scan artist", err)
	}

	a.Identifiers.CatalogID = catalogID.String
	a.Identifiers.TicketingID = ticketingID.String
	a.Identifiers.OtherID = otherID.String
	a.LastSyncedAt = timePtr(lastSyncedAt)
	if genres != "" {
		if err := json.Unmarshal([]byte(genres), &a.Genres); err != nil {
			return nil, dbError("decode genres", err)
		}
	}

	return &a, nil
}

func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}
