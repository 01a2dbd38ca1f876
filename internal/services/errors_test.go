package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/desertthunder/artistsync/internal/shared"
)

type failingTransport struct {
	err error
}

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, f.err
}

func TestProviderErrorClassification(t *testing.T) {
	tc := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
		{"not found", http.StatusNotFound, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"internal error", http.StatusInternalServerError, true},
		{"unavailable", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			err := statusError("p", "op", &http.Response{StatusCode: tt.status, Header: http.Header{}})
			if got := IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.wantTransient)
			}
		})
	}

	t.Run("wrapped errors keep their kind", func(t *testing.T) {
		err := fmt.Errorf("step failed: %w", &ProviderError{Provider: "p", Op: "op", Kind: KindTransient, Err: shared.ErrServiceUnavailable})
		if !IsTransient(err) {
			t.Error("expected wrapped transient error to be transient")
		}
		if !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Error("expected sentinel to be reachable")
		}
	})

	t.Run("plain errors are not transient", func(t *testing.T) {
		if IsTransient(errors.New("timeout while talking to provider")) {
			t.Error("classification must not depend on message text")
		}
	})

	t.Run("network failures are transient", func(t *testing.T) {
		api := &apiClient{
			provider:   "p",
			baseURL:    "http://example.invalid",
			httpClient: &http.Client{Transport: failingTransport{err: errors.New("connection reset")}},
			limiter:    newLimiter(0),
		}

		err := api.doRequest(context.Background(), "op", "/x", nil, nil)
		if !IsTransient(err) {
			t.Errorf("expected transient error, got %v", err)
		}
	})

	t.Run("cancelled callers are not retried", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		api := &apiClient{provider: "p", baseURL: "http://example.invalid", httpClient: http.DefaultClient, limiter: newLimiter(1)}
		err := api.doRequest(ctx, "op", "/x", nil, nil)
		if err == nil || IsTransient(err) {
			t.Errorf("expected permanent error, got %v", err)
		}
	})
}
