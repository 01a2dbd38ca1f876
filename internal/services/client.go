package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"
)

// apiClient is the throttled JSON transport shared by the provider implementations.
type apiClient struct {
	provider   string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	// decorate adds provider-specific auth to each request.
	decorate func(req *http.Request)
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// doRequest performs a GET against endpoint (relative to the base URL) and decodes the JSON body into result.
func (c *apiClient) doRequest(ctx context.Context, op, endpoint string, query url.Values, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transportError(c.provider, op, err)
	}

	apiURL := c.baseURL + endpoint
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return &ProviderError{Provider: c.provider, Op: op, Kind: KindPermanent, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if c.decorate != nil {
		c.decorate(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(c.provider, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(c.provider, op, resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return &ProviderError{Provider: c.provider, Op: op, Kind: KindPermanent, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}

	return nil
}
