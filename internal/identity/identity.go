// Package identity reconciles a sparse artist identifier against the local store and the providers.
//
// Resolution order: local store (by id, then normalized name), catalog search, ticketing search.
// Local matches short-circuit the provider calls. The catalog lookup is required for artists the
// store does not know; the ticketing lookup is best effort.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/services"
	"github.com/desertthunder/artistsync/internal/shared"
)

// MatchType records where the resolved identifiers came from.
type MatchType string

const (
	MatchLocal   MatchType = "local"
	MatchCatalog MatchType = "catalog"
)

// EntityFinder is the part of the datastore the resolver reads.
type EntityFinder interface {
	// FindEntity returns the stored artist for any of ids, or an error wrapping [shared.ErrNotFound].
	FindEntity(ctx context.Context, ids models.Identifiers) (*models.Artist, error)
}

// Resolution is the outcome of a successful resolve.
type Resolution struct {
	Identifiers models.Identifiers
	EntityID    string // set when the artist already exists locally
	Local       bool
	Match       MatchType
}

// ResolutionError means no catalog match could be found for the input.
type ResolutionError struct {
	Identifiers models.Identifiers
}

func (e *ResolutionError) Error() string {
	return "no match found"
}

func (e *ResolutionError) Unwrap() error {
	return shared.ErrArtistNotFound
}

// Resolver turns partial identifiers into a full identifier set.
type Resolver struct {
	store     EntityFinder
	catalog   services.CatalogProvider
	ticketing services.TicketingProvider
	logger    *log.Logger
	searches  singleflight.Group

	searchTimeout time.Duration
}

// DefaultSearchTimeout bounds one shared catalog search.
const DefaultSearchTimeout = 30 * time.Second

// NewResolver creates a Resolver. ticketing may be nil, in which case ticketing lookups are skipped.
func NewResolver(store EntityFinder, catalog services.CatalogProvider, ticketing services.TicketingProvider, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Resolver{store: store, catalog: catalog, ticketing: ticketing, logger: logger, searchTimeout: DefaultSearchTimeout}
}

// Resolve reconciles partial into a full identifier set.
//
// Returns a [*ResolutionError] when no catalog id can be found for an artist the store does not
// know. A stored artist always resolves, with an empty catalog id when the catalog has no match.
// Provider failures from the catalog lookup are returned unchanged so callers can retry transient ones.
func (r *Resolver) Resolve(ctx context.Context, partial models.Identifiers) (Resolution, error) {
	if partial.Empty() {
		return Resolution{}, fmt.Errorf("%w: no identifiers given", shared.ErrInvalidInput)
	}

	ids := partial
	artist, err := r.store.FindEntity(ctx, partial)
	switch {
	case err == nil:
		ids = artist.Identifiers.Merge(partial)
		if ids.CatalogID != "" {
			return Resolution{Identifiers: ids, EntityID: artist.ID, Local: true, Match: MatchLocal}, nil
		}
	case !errors.Is(err, shared.ErrNotFound):
		return Resolution{}, err
	}

	if ids.CatalogID == "" && ids.Name == "" && ids.TicketingID != "" {
		if err := r.nameFromAttraction(ctx, &ids); err != nil {
			return Resolution{}, err
		}
	}

	if ids.CatalogID == "" && ids.Name != "" {
		match, err := r.searchCatalog(ctx, ids.Name)
		switch {
		case err == nil && match != nil:
			ids.CatalogID = match.ID
		case err == nil:
		case artist == nil || ctx.Err() != nil || services.IsTransient(err):
			return Resolution{}, err
		default:
			r.logger.Warn("catalog search failed for local artist", "entity_id", artist.ID, "error", err)
		}
	}

	if ids.CatalogID == "" {
		if artist != nil {
			return Resolution{Identifiers: ids, EntityID: artist.ID, Local: true, Match: MatchLocal}, nil
		}
		return Resolution{}, &ResolutionError{Identifiers: partial}
	}

	if ids.TicketingID == "" && ids.Name != "" {
		r.searchTicketing(ctx, &ids)
	}

	res := Resolution{Identifiers: ids, Match: MatchCatalog}
	if artist != nil {
		res.EntityID = artist.ID
		res.Local = true
	}
	return res, nil
}

// nameFromAttraction fills the name (and MusicBrainz id) from a ticketing-only input.
// An unknown attraction leaves the name empty.
func (r *Resolver) nameFromAttraction(ctx context.Context, ids *models.Identifiers) error {
	if r.ticketing == nil {
		return nil
	}

	attraction, err := r.ticketing.GetAttraction(ctx, ids.TicketingID)
	switch {
	case err == nil:
		ids.Name = attraction.Name
		if ids.OtherID == "" {
			ids.OtherID = attraction.MusicBrainzID
		}
		return nil
	case services.IsNotFound(err):
		r.logger.Debug("attraction not found", "ticketing_id", ids.TicketingID)
		return nil
	case services.IsTransient(err):
		return err
	default:
		r.logger.Warn("attraction lookup failed", "ticketing_id", ids.TicketingID, "error", err)
		return nil
	}
}

// searchCatalog finds the best catalog candidate for name. Identical concurrent searches share one request.
//
// The shared request runs detached from any single caller, bounded by searchTimeout; a caller
// whose ctx ends stops waiting without failing the others.
func (r *Resolver) searchCatalog(ctx context.Context, name string) (*services.CatalogArtist, error) {
	key := shared.NormalizeName(name)
	ch := r.searches.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.searchTimeout)
		defer cancel()
		return r.catalog.SearchArtists(sctx, name)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		r.logger.Debug("catalog search coalesced", "name", key)
	}

	candidates := res.Val.([]services.CatalogArtist)
	if len(candidates) == 0 {
		return nil, nil
	}
	for i := range candidates {
		if sameName(candidates[i].Name, name) {
			return &candidates[i], nil
		}
	}
	return &candidates[0], nil
}

// searchTicketing fills the ticketing id from a name search. Failures are logged and ignored.
func (r *Resolver) searchTicketing(ctx context.Context, ids *models.Identifiers) {
	if r.ticketing == nil {
		return
	}

	attractions, err := r.ticketing.SearchAttractions(ctx, ids.Name)
	if err != nil {
		r.logger.Warn("ticketing search failed", "name", ids.Name, "error", err)
		return
	}
	if len(attractions) == 0 {
		return
	}

	match := attractions[0]
	for _, a := range attractions {
		if sameName(a.Name, ids.Name) {
			match = a
			break
		}
	}
	ids.TicketingID = match.ID
	if ids.OtherID == "" {
		ids.OtherID = match.MusicBrainzID
	}
}

func sameName(a, b string) bool {
	return shared.NormalizeName(a) == shared.NormalizeName(b)
}
