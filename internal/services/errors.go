package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/desertthunder/artistsync/internal/shared"
)

// ErrorKind tells the orchestrator whether a provider failure is worth retrying.
type ErrorKind int

const (
	KindPermanent ErrorKind = iota
	KindTransient
)

func (k ErrorKind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// ProviderError describes a failed provider call.
//
// Kind is decided from the status code or transport failure, never from message text.
type ProviderError struct {
	Provider   string
	Op         string
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a provider failure that may succeed on retry.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == KindTransient
	}
	return false
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusNotFound
	}
	return errors.Is(err, shared.ErrArtistNotFound)
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// statusError builds a [ProviderError] from a non-2xx response.
func statusError(provider, op string, resp *http.Response) *ProviderError {
	pe := &ProviderError{
		Provider:   provider,
		Op:         op,
		StatusCode: resp.StatusCode,
		Kind:       KindPermanent,
		Err:        shared.ErrAPIRequest,
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		pe.Err = shared.ErrArtistNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		pe.Kind = KindTransient
		pe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		pe.Kind = KindTransient
		pe.Err = shared.ErrServiceUnavailable
	}
	return pe
}

// transportError wraps a failure to get any response at all.
//
// Network failures and timeouts are transient; a cancelled caller context is permanent
// so nothing retries on behalf of a caller that has gone away.
func transportError(provider, op string, err error) *ProviderError {
	kind := KindTransient
	if errors.Is(err, context.Canceled) {
		kind = KindPermanent
	}
	return &ProviderError{Provider: provider, Op: op, Kind: kind, Err: err}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
