// package services defines the provider contracts consumed by the import pipeline
//
// Spotify (catalog), Ticketmaster (ticketing)
package services

import (
	"context"

	"github.com/desertthunder/artistsync/internal/models"
)

// CatalogProvider is the primary music catalog. It owns the catalog id.
type CatalogProvider interface {
	// SearchArtists returns candidates for a free-text name, best match first.
	SearchArtists(ctx context.Context, name string) ([]CatalogArtist, error)

	// GetArtist fetches core attributes by catalog id.
	GetArtist(ctx context.Context, catalogID string) (*CatalogArtist, error)

	// ListAlbums walks every page of the artist's albums and singles.
	ListAlbums(ctx context.Context, catalogID string) ([]models.CatalogItem, error)

	// Name returns the name of the provider (e.g., "spotify")
	Name() string
}

// TicketingProvider is the secondary provider of attractions and scheduled events.
type TicketingProvider interface {
	// SearchAttractions returns attraction candidates for a free-text name.
	SearchAttractions(ctx context.Context, name string) ([]Attraction, error)

	// GetAttraction fetches one attraction by ticketing id.
	GetAttraction(ctx context.Context, ticketingID string) (*Attraction, error)

	// GetEvents lists upcoming events for an attraction.
	GetEvents(ctx context.Context, ticketingID string) ([]models.Event, error)

	// Name returns the name of the provider (e.g., "ticketmaster")
	Name() string
}

// CatalogArtist is an artist as the catalog provider describes it.
type CatalogArtist struct {
	ID         string
	Name       string
	Genres     []string
	Popularity int
	Followers  int
	ImageURL   string
}

// Attraction is an artist as the ticketing provider describes it.
type Attraction struct {
	ID            string
	Name          string
	MusicBrainzID string
}
