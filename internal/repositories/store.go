package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/desertthunder/artistsync/internal/models"
)

// Store adapts the repositories to the datastore contract used by the resolver and the step executors.
type Store struct {
	Artists     *ArtistRepository
	Catalog     *CatalogRepository
	Events      *EventRepository
	Predictions *PredictionRepository
	now         func() time.Time
}

// NewStore creates a Store over db. Migrations must already be applied.
func NewStore(db *sql.DB) *Store {
	return &Store{
		Artists:     NewArtistRepository(db),
		Catalog:     NewCatalogRepository(db),
		Events:      NewEventRepository(db),
		Predictions: NewPredictionRepository(db),
		now:         time.Now,
	}
}

// SetClock replaces the time source of every repository.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
	s.Artists.now = now
	s.Catalog.now = now
	s.Events.now = now
	s.Predictions.now = now
}

func (s *Store) FindEntity(ctx context.Context, ids models.Identifiers) (*models.Artist, error) {
	return s.Artists.Find(ctx, ids)
}

func (s *Store) GetArtist(ctx context.Context, id string) (*models.Artist, error) {
	return s.Artists.Get(ctx, id)
}

func (s *Store) UpsertEntity(ctx context.Context, artist *models.Artist) (string, error) {
	return s.Artists.Upsert(ctx, artist)
}

func (s *Store) UpsertCatalogItems(ctx context.Context, entityID string, items []models.CatalogItem) (int, error) {
	return s.Catalog.Upsert(ctx, entityID, items)
}

func (s *Store) UpsertEvents(ctx context.Context, entityID string, events []models.Event) (int, error) {
	return s.Events.Upsert(ctx, entityID, events)
}

func (s *Store) CreateDefaultRecords(ctx context.Context, entityID string) (int, error) {
	return s.Predictions.CreateDefaults(ctx, entityID)
}

func (s *Store) ContentSummary(ctx context.Context, entityID string) (models.ContentSummary, error) {
	return s.Events.Summary(ctx, entityID, s.now())
}

// ListStale returns up to limit artists not synced since syncedBefore, highest priority first.
func (s *Store) ListStale(ctx context.Context, syncedBefore time.Time, limit int) ([]models.Artist, error) {
	return s.Artists.ListStale(ctx, StaleQuery{SyncedBefore: syncedBefore, Now: s.now(), Limit: limit})
}
