package models

import (
	"errors"
	"strings"
	"time"

	"github.com/desertthunder/artistsync/internal/shared"
)

// Model defines the base interface for persistent models.
type Model interface {
	Validate() error // Validate checks if the model's data is valid and returns an error if not
}

// Identifiers is the set of external identifiers known for one artist.
//
// The set only grows: once an id is set it is never replaced.
type Identifiers struct {
	CatalogID   string `json:"catalog_id,omitempty" yaml:"catalog_id,omitempty"`
	TicketingID string `json:"ticketing_id,omitempty" yaml:"ticketing_id,omitempty"`
	OtherID     string `json:"other_id,omitempty" yaml:"other_id,omitempty"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Empty reports whether no identifier is populated.
func (i Identifiers) Empty() bool {
	return strings.TrimSpace(i.CatalogID) == "" &&
		strings.TrimSpace(i.TicketingID) == "" &&
		strings.TrimSpace(i.OtherID) == "" &&
		strings.TrimSpace(i.Name) == ""
}

// Merge returns i with blank fields filled from other. Populated fields are kept.
func (i Identifiers) Merge(other Identifiers) Identifiers {
	if i.CatalogID == "" {
		i.CatalogID = other.CatalogID
	}
	if i.TicketingID == "" {
		i.TicketingID = other.TicketingID
	}
	if i.OtherID == "" {
		i.OtherID = other.OtherID
	}
	if i.Name == "" {
		i.Name = other.Name
	}
	return i
}

// NormalizedName is the lookup form of Name.
func (i Identifiers) NormalizedName() string {
	return shared.NormalizeName(i.Name)
}

// Artist is the canonical artist record.
type Artist struct {
	ID           string      `json:"id"`
	Identifiers  Identifiers `json:"identifiers"`
	Genres       []string    `json:"genres,omitempty"`
	Popularity   int         `json:"popularity"`
	Followers    int         `json:"followers"`
	ImageURL     string      `json:"image_url,omitempty"`
	LastSyncedAt *time.Time  `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (a *Artist) Validate() error {
	if strings.TrimSpace(a.Identifiers.Name) == "" {
		return errors.New("artist name is required")
	}
	if a.Identifiers.CatalogID == "" && a.Identifiers.TicketingID == "" {
		return errors.New("artist needs a catalog or ticketing id")
	}
	if a.Popularity < 0 || a.Popularity > 100 {
		return errors.New("popularity must be between 0 and 100")
	}
	return nil
}

// CatalogItem is an album or single from the catalog provider.
type CatalogItem struct {
	CatalogItemID string `json:"catalog_item_id"`
	Title         string `json:"title"`
	Kind          string `json:"kind"`
	ReleaseDate   string `json:"release_date,omitempty"`
	TrackCount    int    `json:"track_count"`
	ImageURL      string `json:"image_url,omitempty"`
}

func (c *CatalogItem) Validate() error {
	if c.CatalogItemID == "" {
		return errors.New("catalog item id is required")
	}
	if strings.TrimSpace(c.Title) == "" {
		return errors.New("catalog item title is required")
	}
	return nil
}

// Event is a scheduled show from the ticketing provider.
type Event struct {
	TicketingEventID string     `json:"ticketing_event_id"`
	Name             string     `json:"name"`
	Venue            string     `json:"venue,omitempty"`
	City             string     `json:"city,omitempty"`
	Country          string     `json:"country,omitempty"`
	StartsAt         *time.Time `json:"starts_at,omitempty"`
	URL              string     `json:"url,omitempty"`
}

func (e *Event) Validate() error {
	if e.TicketingEventID == "" {
		return errors.New("ticketing event id is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("event name is required")
	}
	return nil
}

// ContentSummary counts what the datastore holds for one artist.
type ContentSummary struct {
	CatalogItems   int `json:"catalog_items"`
	Events         int `json:"events"`
	UpcomingEvents int `json:"upcoming_events"`
}

// Empty reports whether there is nothing to derive defaults from.
func (c ContentSummary) Empty() bool {
	return c.CatalogItems == 0 && c.Events == 0
}
