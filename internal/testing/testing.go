// package testing contains shared testing utilities
package testing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/services"
	"github.com/desertthunder/artistsync/internal/shared"
)

// TransientError builds a retryable provider failure, like a 503 or a timeout.
func TransientError(provider, op string) error {
	return &services.ProviderError{
		Provider:   provider,
		Op:         op,
		Kind:       services.KindTransient,
		StatusCode: http.StatusServiceUnavailable,
		Err:        shared.ErrServiceUnavailable,
	}
}

// TimeoutError builds a transient provider failure caused by a client timeout.
func TimeoutError(provider, op string) error {
	return &services.ProviderError{Provider: provider, Op: op, Kind: services.KindTransient, Err: shared.ErrTimeout}
}

// NotFoundError builds the permanent 404 a provider returns for an unknown id.
func NotFoundError(provider, op string) error {
	return &services.ProviderError{
		Provider:   provider,
		Op:         op,
		Kind:       services.KindPermanent,
		StatusCode: http.StatusNotFound,
		Err:        shared.ErrArtistNotFound,
	}
}

// failures queues errors per operation. Queued errors are returned before the fake's normal behaviour.
type failures struct {
	mu     sync.Mutex
	queued map[string][]error
	always map[string]error
	calls  map[string]int
}

func (f *failures) init() {
	if f.queued == nil {
		f.queued = make(map[string][]error)
		f.always = make(map[string]error)
		f.calls = make(map[string]int)
	}
}

// FailNext makes the next len(errs) calls to op return errs in order.
func (f *failures) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.queued[op] = append(f.queued[op], errs...)
}

// FailAlways makes every call to op return err. A nil err clears it.
func (f *failures) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	if err == nil {
		delete(f.always, op)
		return
	}
	f.always[op] = err
}

// Calls returns how many times op was invoked.
func (f *failures) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	return f.calls[op]
}

func (f *failures) next(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.calls[op]++
	if err, ok := f.always[op]; ok {
		return err
	}
	if q := f.queued[op]; len(q) > 0 {
		f.queued[op] = q[1:]
		return q[0]
	}
	return nil
}

// FakeCatalog is an in-memory [services.CatalogProvider].
type FakeCatalog struct {
	failures
	mu      sync.Mutex
	artists map[string]services.CatalogArtist
	albums  map[string][]models.CatalogItem

	// SearchHook, when set, runs before every search; it may block to simulate a slow provider.
	SearchHook func(ctx context.Context, name string)
}

func NewFakeCatalog(artists ...services.CatalogArtist) *FakeCatalog {
	c := &FakeCatalog{artists: make(map[string]services.CatalogArtist), albums: make(map[string][]models.CatalogItem)}
	for _, a := range artists {
		c.artists[a.ID] = a
	}
	return c
}

// SetAlbums replaces the albums returned for catalogID.
func (c *FakeCatalog) SetAlbums(catalogID string, items ...models.CatalogItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.albums[catalogID] = items
}

func (c *FakeCatalog) SearchArtists(ctx context.Context, name string) ([]services.CatalogArtist, error) {
	if c.SearchHook != nil {
		c.SearchHook(ctx, name)
	}
	if err := c.next("search"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	query := shared.NormalizeName(name)
	var matches []services.CatalogArtist
	for _, a := range c.artists {
		if strings.Contains(shared.NormalizeName(a.Name), query) {
			matches = append(matches, a)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Popularity > matches[j].Popularity })
	return matches, nil
}

func (c *FakeCatalog) GetArtist(_ context.Context, catalogID string) (*services.CatalogArtist, error) {
	if err := c.next("get-artist"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.artists[catalogID]
	if !ok {
		return nil, NotFoundError(c.Name(), "get-artist")
	}
	return &a, nil
}

func (c *FakeCatalog) ListAlbums(_ context.Context, catalogID string) ([]models.CatalogItem, error) {
	if err := c.next("list-albums"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.CatalogItem(nil), c.albums[catalogID]...), nil
}

func (c *FakeCatalog) Name() string { return "fake-catalog" }

// FakeTicketing is an in-memory [services.TicketingProvider].
type FakeTicketing struct {
	failures
	mu          sync.Mutex
	attractions map[string]services.Attraction
	events      map[string][]models.Event
}

func NewFakeTicketing(attractions ...services.Attraction) *FakeTicketing {
	t := &FakeTicketing{attractions: make(map[string]services.Attraction), events: make(map[string][]models.Event)}
	for _, a := range attractions {
		t.attractions[a.ID] = a
	}
	return t
}

// SetEvents replaces the events returned for ticketingID.
func (t *FakeTicketing) SetEvents(ticketingID string, events ...models.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[ticketingID] = events
}

func (t *FakeTicketing) SearchAttractions(_ context.Context, name string) ([]services.Attraction, error) {
	if err := t.next("search"); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	query := shared.NormalizeName(name)
	var matches []services.Attraction
	for _, a := range t.attractions {
		if strings.Contains(shared.NormalizeName(a.Name), query) {
			matches = append(matches, a)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

func (t *FakeTicketing) GetAttraction(_ context.Context, ticketingID string) (*services.Attraction, error) {
	if err := t.next("get-attraction"); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.attractions[ticketingID]
	if !ok {
		return nil, NotFoundError(t.Name(), "get-attraction")
	}
	return &a, nil
}

func (t *FakeTicketing) GetEvents(_ context.Context, ticketingID string) ([]models.Event, error) {
	if err := t.next("get-events"); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Event(nil), t.events[ticketingID]...), nil
}

func (t *FakeTicketing) Name() string { return "fake-ticketing" }

// MemoryDatastore is an in-memory artist datastore with the same upsert semantics as the SQLite one.
type MemoryDatastore struct {
	failures
	mu      sync.Mutex
	artists map[string]*models.Artist
	catalog map[string]map[string]models.CatalogItem
	events  map[string]map[string]models.Event
	lists   map[string]map[string]bool
	seq     int
	now     func() time.Time
}

func NewMemoryDatastore(now func() time.Time) *MemoryDatastore {
	if now == nil {
		now = time.Now
	}
	return &MemoryDatastore{
		artists: make(map[string]*models.Artist),
		catalog: make(map[string]map[string]models.CatalogItem),
		events:  make(map[string]map[string]models.Event),
		lists:   make(map[string]map[string]bool),
		now:     now,
	}
}

func (d *MemoryDatastore) FindEntity(_ context.Context, ids models.Identifiers) (*models.Artist, error) {
	if err := d.next("find"); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	match := func(same func(a *models.Artist) bool) *models.Artist {
		for _, a := range d.sorted() {
			if same(a) {
				c := *a
				return &c
			}
		}
		return nil
	}

	lookups := []struct {
		value string
		same  func(a *models.Artist) bool
	}{
		{ids.CatalogID, func(a *models.Artist) bool { return a.Identifiers.CatalogID == ids.CatalogID }},
		{ids.TicketingID, func(a *models.Artist) bool { return a.Identifiers.TicketingID == ids.TicketingID }},
		{ids.OtherID, func(a *models.Artist) bool { return a.Identifiers.OtherID == ids.OtherID }},
		{ids.NormalizedName(), func(a *models.Artist) bool { return a.Identifiers.NormalizedName() == ids.NormalizedName() }},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		if a := match(l.same); a != nil {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: artist %+v", shared.ErrNotFound, ids)
}

func (d *MemoryDatastore) GetArtist(_ context.Context, id string) (*models.Artist, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.artists[id]
	if !ok {
		return nil, fmt.Errorf("%w: artist %s", shared.ErrNotFound, id)
	}
	c := *a
	return &c, nil
}

func (d *MemoryDatastore) UpsertEntity(_ context.Context, artist *models.Artist) (string, error) {
	if err := d.next("upsert-entity"); err != nil {
		return "", err
	}
	if err := artist.Validate(); err != nil {
		return "", fmt.Errorf("%w: validation failed: %w", shared.ErrInvalidInput, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var existing *models.Artist
	for _, a := range d.sorted() {
		if (artist.ID != "" && a.ID == artist.ID) ||
			(artist.Identifiers.CatalogID != "" && a.Identifiers.CatalogID == artist.Identifiers.CatalogID) ||
			(artist.Identifiers.TicketingID != "" && a.Identifiers.TicketingID == artist.Identifiers.TicketingID) {
			existing = a
			break
		}
	}

	if existing == nil {
		d.seq++
		stored := *artist
		stored.ID = fmt.Sprintf("%d", d.seq)
		stored.CreatedAt, stored.UpdatedAt, stored.LastSyncedAt = now, now, &now
		d.artists[stored.ID] = &stored
		*artist = stored
		return stored.ID, nil
	}

	ids := existing.Identifiers.Merge(artist.Identifiers)
	if artist.Identifiers.Name != "" {
		ids.Name = artist.Identifiers.Name
	}
	stored := *artist
	stored.ID = existing.ID
	stored.Identifiers = ids
	stored.CreatedAt, stored.UpdatedAt, stored.LastSyncedAt = existing.CreatedAt, now, &now
	d.artists[stored.ID] = &stored
	*artist = stored
	return stored.ID, nil
}

func (d *MemoryDatastore) UpsertCatalogItems(_ context.Context, entityID string, items []models.CatalogItem) (int, error) {
	if err := d.next("upsert-catalog"); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.artists[entityID]; !ok {
		return 0, fmt.Errorf("%w: unknown artist %s", shared.ErrDatastore, entityID)
	}
	if d.catalog[entityID] == nil {
		d.catalog[entityID] = make(map[string]models.CatalogItem)
	}
	written := 0
	for _, item := range items {
		if item.Validate() != nil {
			continue
		}
		d.catalog[entityID][item.CatalogItemID] = item
		written++
	}
	return written, nil
}

func (d *MemoryDatastore) UpsertEvents(_ context.Context, entityID string, events []models.Event) (int, error) {
	if err := d.next("upsert-events"); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.artists[entityID]; !ok {
		return 0, fmt.Errorf("%w: unknown artist %s", shared.ErrDatastore, entityID)
	}
	if d.events[entityID] == nil {
		d.events[entityID] = make(map[string]models.Event)
	}
	written := 0
	for _, e := range events {
		if e.Validate() != nil {
			continue
		}
		d.events[entityID][e.TicketingEventID] = e
		written++
	}
	return written, nil
}

func (d *MemoryDatastore) CreateDefaultRecords(_ context.Context, entityID string) (int, error) {
	if err := d.next("create-defaults"); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lists[entityID] == nil {
		d.lists[entityID] = make(map[string]bool)
	}
	wanted := make([]string, 0)
	if len(d.catalog[entityID]) > 0 {
		wanted = append(wanted, "fan-favourites")
	}
	now := d.now()
	for id, e := range d.events[entityID] {
		if e.StartsAt == nil || !e.StartsAt.Before(now) {
			wanted = append(wanted, "setlist:"+id)
		}
	}

	created := 0
	for _, w := range wanted {
		if !d.lists[entityID][w] {
			d.lists[entityID][w] = true
			created++
		}
	}
	return created, nil
}

func (d *MemoryDatastore) ContentSummary(_ context.Context, entityID string) (models.ContentSummary, error) {
	if err := d.next("summary"); err != nil {
		return models.ContentSummary{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s := models.ContentSummary{CatalogItems: len(d.catalog[entityID]), Events: len(d.events[entityID])}
	now := d.now()
	for _, e := range d.events[entityID] {
		if e.StartsAt != nil && !e.StartsAt.Before(now) {
			s.UpcomingEvents++
		}
	}
	return s, nil
}

func (d *MemoryDatastore) ListStale(_ context.Context, syncedBefore time.Time, limit int) ([]models.Artist, error) {
	if err := d.next("list-stale"); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var stale []models.Artist
	for _, a := range d.sorted() {
		if a.LastSyncedAt == nil || a.LastSyncedAt.Before(syncedBefore) {
			stale = append(stale, *a)
		}
	}
	sort.SliceStable(stale, func(i, j int) bool { return stale[i].Popularity > stale[j].Popularity })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Put stores artist as-is, for seeding tests.
func (d *MemoryDatastore) Put(artist models.Artist) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if artist.ID == "" {
		d.seq++
		artist.ID = fmt.Sprintf("%d", d.seq)
	}
	d.artists[artist.ID] = &artist
}

// Counts returns the catalog items, events and prediction lists stored for entityID.
func (d *MemoryDatastore) Counts(entityID string) (catalog, events, lists int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.catalog[entityID]), len(d.events[entityID]), len(d.lists[entityID])
}

// Artists returns every stored artist ordered by id.
func (d *MemoryDatastore) Artists() []models.Artist {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Artist, 0, len(d.artists))
	for _, a := range d.sorted() {
		out = append(out, *a)
	}
	return out
}

// sorted returns artists in insertion order. Callers hold the lock.
func (d *MemoryDatastore) sorted() []*models.Artist {
	out := make([]*models.Artist, 0, len(d.artists))
	for _, a := range d.artists {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].ID) != len(out[j].ID) {
			return len(out[i].ID) < len(out[j].ID)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Clock is a manual time source whose Sleep advances time instead of blocking.
type Clock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func NewClock(t time.Time) *Clock { return &Clock{t: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Sleep records d and advances the clock. It returns early only if ctx is already done.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

// Sleeps returns every duration passed to Sleep.
func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// LimitedWriter fails after a certain number of writes
type LimitedWriter struct {
	maxWrites int
	written   int
	target    io.Writer
}

func (l *LimitedWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.maxWrites {
		return 0, errors.New("write limit exceeded")
	}
	l.written++
	return l.target.Write(p)
}

func NewLimitedWriter(maxWrites, written int, target io.Writer) LimitedWriter {
	return LimitedWriter{maxWrites: maxWrites, written: written, target: target}
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
