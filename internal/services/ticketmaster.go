package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/desertthunder/artistsync/internal/models"
)

const (
	ticketmasterBaseURL = "https://app.ticketmaster.com/discovery/v2"

	ticketmasterPageSize = 100
	ticketmasterMaxPages = 5
)

// TicketmasterAttraction represents a Discovery API attraction.
type TicketmasterAttraction struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ExternalLinks struct {
		MusicBrainz []struct {
			ID string `json:"id"`
		} `json:"musicbrainz"`
	} `json:"externalLinks"`
}

// TicketmasterEvent represents a Discovery API event.
type TicketmasterEvent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Dates struct {
		Start struct {
			LocalDate string `json:"localDate"`
			DateTime  string `json:"dateTime"`
		} `json:"start"`
	} `json:"dates"`
	Embedded struct {
		Venues []struct {
			Name string `json:"name"`
			City struct {
				Name string `json:"name"`
			} `json:"city"`
			Country struct {
				CountryCode string `json:"countryCode"`
			} `json:"country"`
		} `json:"venues"`
	} `json:"_embedded"`
}

type ticketmasterPage struct {
	Number     int `json:"number"`
	TotalPages int `json:"totalPages"`
}

type ticketmasterAttractionSearch struct {
	Embedded struct {
		Attractions []TicketmasterAttraction `json:"attractions"`
	} `json:"_embedded"`
}

type ticketmasterEventSearch struct {
	Embedded struct {
		Events []TicketmasterEvent `json:"events"`
	} `json:"_embedded"`
	Page ticketmasterPage `json:"page"`
}

// TicketmasterService implements [TicketingProvider] against the Ticketmaster Discovery API.
type TicketmasterService struct {
	api *apiClient
}

// NewTicketmasterService creates a new Ticketmaster client from an "api_key" credential.
func NewTicketmasterService(credentials map[string]string, opts ...Option) (*TicketmasterService, error) {
	apiKey, ok := credentials["api_key"]
	if !ok || apiKey == "" {
		return nil, fmt.Errorf("missing api_key in credentials")
	}

	o := buildOptions(ticketmasterBaseURL, opts)
	return &TicketmasterService{
		api: &apiClient{
			provider:   "ticketmaster",
			baseURL:    o.baseURL,
			httpClient: o.httpClient,
			limiter:    newLimiter(o.rps),
			decorate: func(req *http.Request) {
				q := req.URL.Query()
				q.Set("apikey", apiKey)
				req.URL.RawQuery = q.Encode()
			},
		},
	}, nil
}

func (s *TicketmasterService) Name() string {
	return "ticketmaster"
}

// SearchAttractions searches music attractions by keyword.
func (s *TicketmasterService) SearchAttractions(ctx context.Context, name string) ([]Attraction, error) {
	q := url.Values{}
	q.Set("keyword", name)
	q.Set("classificationName", "music")
	q.Set("size", "20")

	var response ticketmasterAttractionSearch
	if err := s.api.doRequest(ctx, "search-attractions", "/attractions.json", q, &response); err != nil {
		return nil, err
	}

	attractions := make([]Attraction, 0, len(response.Embedded.Attractions))
	for _, a := range response.Embedded.Attractions {
		attractions = append(attractions, a.toAttraction())
	}
	return attractions, nil
}

// GetAttraction retrieves an attraction by ID.
func (s *TicketmasterService) GetAttraction(ctx context.Context, ticketingID string) (*Attraction, error) {
	var a TicketmasterAttraction
	endpoint := "/attractions/" + url.PathEscape(ticketingID) + ".json"
	if err := s.api.doRequest(ctx, "get-attraction", endpoint, nil, &a); err != nil {
		return nil, err
	}

	attraction := a.toAttraction()
	return &attraction, nil
}

// GetEvents lists events for an attraction ordered by date, reading at most a bounded number of pages.
func (s *TicketmasterService) GetEvents(ctx context.Context, ticketingID string) ([]models.Event, error) {
	var events []models.Event

	for page := 0; page < ticketmasterMaxPages; page++ {
		q := url.Values{}
		q.Set("attractionId", ticketingID)
		q.Set("sort", "date,asc")
		q.Set("size", strconv.Itoa(ticketmasterPageSize))
		q.Set("page", strconv.Itoa(page))

		var response ticketmasterEventSearch
		if err := s.api.doRequest(ctx, "get-events", "/events.json", q, &response); err != nil {
			return nil, err
		}

		for _, e := range response.Embedded.Events {
			events = append(events, e.toEvent())
		}

		if response.Page.Number+1 >= response.Page.TotalPages {
			break
		}
	}

	return events, nil
}

func (a TicketmasterAttraction) toAttraction() Attraction {
	attraction := Attraction{ID: a.ID, Name: a.Name}
	if len(a.ExternalLinks.MusicBrainz) > 0 {
		attraction.MusicBrainzID = a.ExternalLinks.MusicBrainz[0].ID
	}
	return attraction
}

func (e TicketmasterEvent) toEvent() models.Event {
	event := models.Event{
		TicketingEventID: e.ID,
		Name:             e.Name,
		URL:              e.URL,
		StartsAt:         parseEventStart(e.Dates.Start.DateTime, e.Dates.Start.LocalDate),
	}
	if len(e.Embedded.Venues) > 0 {
		v := e.Embedded.Venues[0]
		event.Venue = v.Name
		event.City = v.City.Name
		event.Country = v.Country.CountryCode
	}
	return event
}

func parseEventStart(dateTime, localDate string) *time.Time {
	if t, err := time.Parse(time.RFC3339, dateTime); err == nil {
		t = t.UTC()
		return &t
	}
	if t, err := time.Parse(time.DateOnly, localDate); err == nil {
		return &t
	}
	return nil
}
