package identity

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/services"
	"github.com/desertthunder/artistsync/internal/shared"
	tu "github.com/desertthunder/artistsync/internal/testing"
)

func newResolver(t *testing.T) (*Resolver, *tu.MemoryDatastore, *tu.FakeCatalog, *tu.FakeTicketing) {
	t.Helper()
	store := tu.NewMemoryDatastore(nil)
	catalog := tu.NewFakeCatalog(
		services.CatalogArtist{ID: "sp-aurora", Name: "Aurora Belt", Popularity: 61},
		services.CatalogArtist{ID: "sp-aurora-tribute", Name: "Aurora Belt Tribute Band", Popularity: 80},
		services.CatalogArtist{ID: "sp-tides", Name: "Night Tides", Popularity: 40},
	)
	ticketing := tu.NewFakeTicketing(
		services.Attraction{ID: "tm-tides", Name: "Night Tides", MusicBrainzID: "mb-tides"},
		services.Attraction{ID: "tm-tides-2", Name: "Night Tides Orchestra"},
	)
	return NewResolver(store, catalog, ticketing, shared.NewLogger(io.Discard)), store, catalog, ticketing
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyInput", func(t *testing.T) {
		r, _, _, _ := newResolver(t)
		_, err := r.Resolve(ctx, models.Identifiers{Name: "   "})
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})

	t.Run("LocalMatchSkipsProviders", func(t *testing.T) {
		r, store, catalog, ticketing := newResolver(t)
		store.Put(models.Artist{ID: "3", Identifiers: models.Identifiers{CatalogID: "sp-aurora", Name: "Aurora Belt"}})

		res, err := r.Resolve(ctx, models.Identifiers{Name: "aurora  BELT", OtherID: "mb-aurora"})
		require.NoError(t, err)

		assert.True(t, res.Local)
		assert.Equal(t, MatchLocal, res.Match)
		assert.Equal(t, "3", res.EntityID)
		assert.Equal(t, "sp-aurora", res.Identifiers.CatalogID)
		assert.Equal(t, "mb-aurora", res.Identifiers.OtherID)
		assert.Zero(t, catalog.Calls("search"))
		assert.Zero(t, ticketing.Calls("search"))
	})

	t.Run("PrefersExactName", func(t *testing.T) {
		r, _, _, _ := newResolver(t)

		res, err := r.Resolve(ctx, models.Identifiers{Name: "Aurora Belt"})
		require.NoError(t, err)

		assert.False(t, res.Local)
		assert.Equal(t, MatchCatalog, res.Match)
		assert.Equal(t, "sp-aurora", res.Identifiers.CatalogID)
		assert.Empty(t, res.EntityID)
		assert.Empty(t, res.Identifiers.TicketingID)
	})

	t.Run("FallsBackToFirstCandidate", func(t *testing.T) {
		r, _, _, _ := newResolver(t)

		res, err := r.Resolve(ctx, models.Identifiers{Name: "Aurora"})
		require.NoError(t, err)
		assert.Equal(t, "sp-aurora-tribute", res.Identifiers.CatalogID)
	})

	t.Run("FillsTicketingFromSearch", func(t *testing.T) {
		r, _, _, _ := newResolver(t)

		res, err := r.Resolve(ctx, models.Identifiers{Name: "Night Tides"})
		require.NoError(t, err)
		assert.Equal(t, "sp-tides", res.Identifiers.CatalogID)
		assert.Equal(t, "tm-tides", res.Identifiers.TicketingID)
		assert.Equal(t, "mb-tides", res.Identifiers.OtherID)
	})

	t.Run("TicketingOnlyUsesAttractionName", func(t *testing.T) {
		r, _, _, ticketing := newResolver(t)

		res, err := r.Resolve(ctx, models.Identifiers{TicketingID: "tm-tides"})
		require.NoError(t, err)
		assert.Equal(t, "Night Tides", res.Identifiers.Name)
		assert.Equal(t, "sp-tides", res.Identifiers.CatalogID)
		assert.Equal(t, "tm-tides", res.Identifiers.TicketingID)
		assert.Equal(t, 1, ticketing.Calls("get-attraction"))
		assert.Zero(t, ticketing.Calls("search"))
	})

	t.Run("UnknownTicketingID", func(t *testing.T) {
		r, _, _, _ := newResolver(t)

		_, err := r.Resolve(ctx, models.Identifiers{TicketingID: "tm-999"})
		require.Error(t, err)
		assert.EqualError(t, err, "no match found")

		var re *ResolutionError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, "tm-999", re.Identifiers.TicketingID)
		assert.ErrorIs(t, err, shared.ErrArtistNotFound)
	})

	t.Run("NoCatalogCandidates", func(t *testing.T) {
		r, _, _, _ := newResolver(t)

		_, err := r.Resolve(ctx, models.Identifiers{Name: "Completely Unknown"})
		var re *ResolutionError
		assert.True(t, errors.As(err, &re))
	})

	t.Run("TransientCatalogErrorIsReturned", func(t *testing.T) {
		r, _, catalog, _ := newResolver(t)
		catalog.FailNext("search", tu.TransientError("fake-catalog", "search"))

		_, err := r.Resolve(ctx, models.Identifiers{Name: "Aurora Belt"})
		require.Error(t, err)
		assert.True(t, services.IsTransient(err))

		res, err := r.Resolve(ctx, models.Identifiers{Name: "Aurora Belt"})
		require.NoError(t, err)
		assert.Equal(t, "sp-aurora", res.Identifiers.CatalogID)
	})

	t.Run("TransientAttractionErrorIsReturned", func(t *testing.T) {
		r, _, _, ticketing := newResolver(t)
		ticketing.FailNext("get-attraction", tu.TimeoutError("fake-ticketing", "get-attraction"))

		_, err := r.Resolve(ctx, models.Identifiers{TicketingID: "tm-tides"})
		assert.True(t, services.IsTransient(err))
	})

	t.Run("TicketingSearchFailureIsIgnored", func(t *testing.T) {
		r, _, _, ticketing := newResolver(t)
		ticketing.FailAlways("search", tu.TransientError("fake-ticketing", "search"))

		res, err := r.Resolve(ctx, models.Identifiers{Name: "Night Tides"})
		require.NoError(t, err)
		assert.Equal(t, "sp-tides", res.Identifiers.CatalogID)
		assert.Empty(t, res.Identifiers.TicketingID)
	})

	t.Run("DatastoreErrorIsReturned", func(t *testing.T) {
		r, store, _, _ := newResolver(t)
		store.FailAlways("find", shared.ErrDatastore)

		_, err := r.Resolve(ctx, models.Identifiers{Name: "Aurora Belt"})
		assert.ErrorIs(t, err, shared.ErrDatastore)
	})

	t.Run("LocalArtistWithoutCatalogMatch", func(t *testing.T) {
		r, store, catalog, _ := newResolver(t)
		store.Put(models.Artist{ID: "4", Identifiers: models.Identifiers{TicketingID: "tm-solo", Name: "Solo Act"}})

		res, err := r.Resolve(ctx, models.Identifiers{Name: "solo act"})
		require.NoError(t, err)

		assert.True(t, res.Local)
		assert.Equal(t, MatchLocal, res.Match)
		assert.Equal(t, "4", res.EntityID)
		assert.Empty(t, res.Identifiers.CatalogID)
		assert.Equal(t, "tm-solo", res.Identifiers.TicketingID)
		assert.Equal(t, 1, catalog.Calls("search"))
	})

	t.Run("LocalArtistSurvivesCatalogRejection", func(t *testing.T) {
		r, store, catalog, _ := newResolver(t)
		store.Put(models.Artist{ID: "4", Identifiers: models.Identifiers{TicketingID: "tm-solo", Name: "Solo Act"}})
		catalog.FailNext("search", tu.NotFoundError("fake-catalog", "search"))

		res, err := r.Resolve(ctx, models.Identifiers{TicketingID: "tm-solo"})
		require.NoError(t, err)
		assert.Equal(t, "4", res.EntityID)
		assert.Equal(t, "Solo Act", res.Identifiers.Name)
	})

	t.Run("LocalArtistTransientCatalogError", func(t *testing.T) {
		r, store, catalog, _ := newResolver(t)
		store.Put(models.Artist{ID: "4", Identifiers: models.Identifiers{TicketingID: "tm-solo", Name: "Solo Act"}})
		catalog.FailNext("search", tu.TransientError("fake-catalog", "search"))

		_, err := r.Resolve(ctx, models.Identifiers{Name: "Solo Act"})
		assert.True(t, services.IsTransient(err))
	})

	t.Run("WithoutTicketingProvider", func(t *testing.T) {
		store := tu.NewMemoryDatastore(nil)
		catalog := tu.NewFakeCatalog(services.CatalogArtist{ID: "sp-tides", Name: "Night Tides"})
		r := NewResolver(store, catalog, nil, shared.NewLogger(io.Discard))

		res, err := r.Resolve(ctx, models.Identifiers{Name: "Night Tides"})
		require.NoError(t, err)
		assert.Empty(t, res.Identifiers.TicketingID)

		_, err = r.Resolve(ctx, models.Identifiers{TicketingID: "tm-tides"})
		var re *ResolutionError
		assert.True(t, errors.As(err, &re))
	})
}

func TestResolver_CoalescesSearches(t *testing.T) {
	r, _, catalog, _ := newResolver(t)

	release := make(chan struct{})
	var entered atomic.Int32
	catalog.SearchHook = func(context.Context, string) {
		entered.Add(1)
		<-release
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]Resolution, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), models.Identifiers{Name: "Aurora Belt"})
		}()
	}

	require.Eventually(t, func() bool { return entered.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "sp-aurora", results[i].Identifiers.CatalogID)
	}
	assert.Less(t, catalog.Calls("search"), callers)
}

func TestResolver_SharedSearchOutlivesCaller(t *testing.T) {
	r, _, catalog, _ := newResolver(t)

	release := make(chan struct{})
	searchErr := make(chan error, 1)
	var entered atomic.Int32
	catalog.SearchHook = func(ctx context.Context, _ string) {
		if entered.Add(1) > 1 {
			return
		}
		<-release
		searchErr <- ctx.Err()
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(first, models.Identifiers{Name: "Aurora Belt"})
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return entered.Load() == 1 }, time.Second, 5*time.Millisecond)

	type outcome struct {
		res Resolution
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := r.Resolve(context.Background(), models.Identifiers{Name: "Aurora Belt"})
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "sp-aurora", got.res.Identifiers.CatalogID)
	assert.NoError(t, <-searchErr)
}
