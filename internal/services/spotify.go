// Spotify Web API implementation of [CatalogProvider]
//
// Spotify API response types based on https://developer.spotify.com/documentation/web-api/reference/
package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/desertthunder/artistsync/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyBaseURL  = "https://api.spotify.com/v1"

	spotifyPageSize = 50
)

type followers struct {
	Total int `json:"total"`
}

// SpotifyImage represents an image resource.
type SpotifyImage struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

// SpotifyArtist represents a Spotify artist.
type SpotifyArtist struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Genres     []string       `json:"genres"`
	Popularity int            `json:"popularity"`
	Followers  followers      `json:"followers"`
	Images     []SpotifyImage `json:"images"`
	URI        string         `json:"uri"`
}

// SpotifyAlbum represents a simplified Spotify album.
type SpotifyAlbum struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	AlbumType   string         `json:"album_type"`
	ReleaseDate string         `json:"release_date"`
	TotalTracks int            `json:"total_tracks"`
	Images      []SpotifyImage `json:"images"`
}

// SpotifyPaginatedAlbums represents a paginated response of an artist's albums.
type SpotifyPaginatedAlbums struct {
	Items  []SpotifyAlbum `json:"items"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
	Next   *string        `json:"next"`
}

type spotifyArtistSearch struct {
	Artists struct {
		Items []SpotifyArtist `json:"items"`
	} `json:"artists"`
}

// SpotifyService implements [CatalogProvider] against the Spotify Web API.
//
// Requests are authenticated with the client credentials flow; the [oauth2] transport fetches
// and refreshes the app token on demand.
type SpotifyService struct {
	api *apiClient
}

// Option configures a provider client.
type Option func(*clientOptions)

type clientOptions struct {
	baseURL    string
	tokenURL   string
	httpClient *http.Client
	rps        float64
}

// WithBaseURL points the client at a different API root.
func WithBaseURL(u string) Option {
	return func(o *clientOptions) { o.baseURL = strings.TrimRight(u, "/") }
}

// WithTokenURL overrides the OAuth2 token endpoint.
func WithTokenURL(u string) Option {
	return func(o *clientOptions) { o.tokenURL = u }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithRateLimit caps requests per second. Zero or less disables throttling.
func WithRateLimit(rps float64) Option {
	return func(o *clientOptions) { o.rps = rps }
}

func buildOptions(baseURL string, opts []Option) clientOptions {
	o := clientOptions{baseURL: baseURL, tokenURL: spotifyTokenURL, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSpotifyService creates a new Spotify client from "client_id" and "client_secret" credentials.
func NewSpotifyService(credentials map[string]string, opts ...Option) (*SpotifyService, error) {
	clientID, ok := credentials["client_id"]
	if !ok || clientID == "" {
		return nil, fmt.Errorf("missing client_id in credentials")
	}

	clientSecret, ok := credentials["client_secret"]
	if !ok || clientSecret == "" {
		return nil, fmt.Errorf("missing client_secret in credentials")
	}

	o := buildOptions(spotifyBaseURL, opts)
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     o.tokenURL,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.httpClient)

	return &SpotifyService{
		api: &apiClient{
			provider:   "spotify",
			baseURL:    o.baseURL,
			httpClient: cc.Client(ctx),
			limiter:    newLimiter(o.rps),
		},
	}, nil
}

func (s *SpotifyService) Name() string {
	return "spotify"
}

// SearchArtists searches the catalog for artists by name.
func (s *SpotifyService) SearchArtists(ctx context.Context, name string) ([]CatalogArtist, error) {
	q := url.Values{}
	q.Set("q", name)
	q.Set("type", "artist")
	q.Set("limit", "10")

	var response spotifyArtistSearch
	if err := s.api.doRequest(ctx, "search-artists", "/search", q, &response); err != nil {
		return nil, err
	}

	artists := make([]CatalogArtist, 0, len(response.Artists.Items))
	for _, a := range response.Artists.Items {
		artists = append(artists, a.toCatalogArtist())
	}
	return artists, nil
}

// GetArtist retrieves an artist by ID.
func (s *SpotifyService) GetArtist(ctx context.Context, catalogID string) (*CatalogArtist, error) {
	var artist SpotifyArtist
	endpoint := "/artists/" + url.PathEscape(catalogID)
	if err := s.api.doRequest(ctx, "get-artist", endpoint, nil, &artist); err != nil {
		return nil, err
	}

	ca := artist.toCatalogArtist()
	return &ca, nil
}

// ListAlbums retrieves all albums and singles for an artist, following pagination.
func (s *SpotifyService) ListAlbums(ctx context.Context, catalogID string) ([]models.CatalogItem, error) {
	var items []models.CatalogItem
	endpoint := "/artists/" + url.PathEscape(catalogID) + "/albums"
	offset := 0

	for {
		q := url.Values{}
		q.Set("include_groups", "album,single")
		q.Set("limit", strconv.Itoa(spotifyPageSize))
		q.Set("offset", strconv.Itoa(offset))

		var page SpotifyPaginatedAlbums
		if err := s.api.doRequest(ctx, "list-albums", endpoint, q, &page); err != nil {
			return nil, err
		}

		for _, a := range page.Items {
			items = append(items, models.CatalogItem{
				CatalogItemID: a.ID,
				Title:         a.Name,
				Kind:          a.AlbumType,
				ReleaseDate:   a.ReleaseDate,
				TrackCount:    a.TotalTracks,
				ImageURL:      firstImage(a.Images),
			})
		}

		if page.Next == nil || len(page.Items) == 0 {
			break
		}
		offset += len(page.Items)
	}

	return items, nil
}

func (a SpotifyArtist) toCatalogArtist() CatalogArtist {
	return CatalogArtist{
		ID:         a.ID,
		Name:       a.Name,
		Genres:     a.Genres,
		Popularity: a.Popularity,
		Followers:  a.Followers.Total,
		ImageURL:   firstImage(a.Images),
	}
}

func firstImage(images []SpotifyImage) string {
	if len(images) == 0 {
		return ""
	}
	return images[0].URL
}
