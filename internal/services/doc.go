// Package services defines the provider contracts used by the import pipeline and implements them for Spotify and Ticketmaster.
//
// # Provider Interfaces
//
// [CatalogProvider] is the primary provider. It owns the catalog id that every canonical artist must carry.
// [TicketingProvider] is the secondary provider of attractions and scheduled events.
//
// # Spotify Implementation
//
// [SpotifyService] authenticates with the OAuth2 client credentials flow.
// The [oauth2] transport fetches and refreshes the application token automatically.
//
// # Ticketmaster Implementation
//
// [TicketmasterService] talks to the Discovery API and sends the api key as a query parameter.
//
// # Rate Limiting
//
// Both clients share a throttled JSON transport. Each request waits on a token bucket
// limiter sized from the configured requests per second.
//
// # Error Handling
//
// Every failure is returned as a [*ProviderError] whose Kind is decided from the response:
//   - 429 and 5xx responses, network failures and timeouts are transient
//   - other 4xx responses are permanent; 404 wraps [shared.ErrArtistNotFound]
//
// Callers branch with [IsTransient] and [IsNotFound], never on message text.
package services
