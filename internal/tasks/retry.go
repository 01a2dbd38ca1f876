package tasks

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/desertthunder/artistsync/internal/services"
	"github.com/desertthunder/artistsync/internal/shared"
)

// RetryPolicy retries transient provider failures with capped exponential backoff.
//
// Delays carry no jitter, so the sequence for a policy is fixed: BaseDelay, BaseDelay*Multiplier, ...
// up to MaxDelay. Sleep is injectable so tests can run without waiting.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 3 attempts starting at 500ms, doubling, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Second}
}

// NewRetryPolicy builds a policy from config, falling back to defaults for unset values.
func NewRetryPolicy(cfg shared.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelayDuration(),
		Multiplier:  cfg.Multiplier,
		MaxDelay:    cfg.MaxDelayDuration(),
	}
	return p.withDefaults()
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Delays returns the wait before each retry, one entry per attempt after the first.
func (p RetryPolicy) Delays() []time.Duration {
	p = p.withDefaults()
	b := p.backOff()

	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 1; i < p.MaxAttempts; i++ {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

// RetryFunc is notified before each retry with the attempt that failed and the wait that follows.
type RetryFunc func(attempt int, err error, delay time.Duration)

// Do calls fn until it succeeds, fails with a non-transient error, or runs out of attempts.
//
// A provider Retry-After hint lengthens the wait, but never beyond MaxDelay.
// Returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry RetryFunc) (int, error) {
	p = p.withDefaults()
	b := p.backOff()

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if attempt >= p.MaxAttempts || !services.IsTransient(err) {
			return attempt, err
		}

		delay := b.NextBackOff()
		if hint := services.RetryAfter(err); hint > delay {
			delay = min(hint, p.MaxDelay)
		}
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if serr := p.Sleep(ctx, delay); serr != nil {
			return attempt, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
