package status

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/desertthunder/artistsync/internal/models"
)

type alias struct {
	to      models.ImportKey
	expires time.Time
}

// MemoryStore is an in-process [Store]. Entries are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[models.ImportKey]models.ImportStatus
	aliases  map[models.ImportKey]alias
	reports  map[models.ImportKey]models.RunReport
	now      func() time.Time
}

// MemoryOption configures a [MemoryStore].
type MemoryOption func(*MemoryStore)

// WithClock sets the time source used for alias expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		statuses: make(map[models.ImportKey]models.ImportStatus),
		aliases:  make(map[models.ImportKey]alias),
		reports:  make(map[models.ImportKey]models.RunReport),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Write(_ context.Context, st models.ImportStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *models.ImportStatus
	if existing, ok := s.statuses[st.Key]; ok {
		prev = &existing
	}
	if err := CheckTransition(prev, st); err != nil {
		return err
	}

	s.statuses[st.Key] = st.Clone()
	return nil
}

func (s *MemoryStore) Read(_ context.Context, key models.ImportKey) (models.ImportStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.resolve(key); ok {
		return st.Clone(), nil
	}
	return models.ImportStatus{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (s *MemoryStore) ListActive(_ context.Context) ([]models.ImportStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]models.ImportStatus, 0)
	for _, st := range s.statuses {
		if !st.Terminal() {
			active = append(active, st.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].StartedAt.Before(active[j].StartedAt)
	})
	return active, nil
}

func (s *MemoryStore) UpdateAtomically(_ context.Context, key models.ImportKey, fn UpdateFunc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *models.ImportStatus
	if st, ok := s.resolve(key); ok {
		c := st.Clone()
		current = &c
	}

	next, write := fn(current)
	if !write {
		return false, nil
	}
	next.Key = key

	var prev *models.ImportStatus
	if existing, ok := s.statuses[key]; ok {
		prev = &existing
	}
	if err := CheckAdmission(prev, next); err != nil {
		return false, err
	}

	delete(s.aliases, key)
	s.statuses[key] = next.Clone()
	return true, nil
}

func (s *MemoryStore) Alias(_ context.Context, from, to models.ImportKey, ttl time.Duration) error {
	if from == to {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.statuses, from)
	s.aliases[from] = alias{to: to, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Cleanup(_ context.Context, opts CleanupOptions) (CleanupResult, error) {
	opts = opts.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	var result CleanupResult
	for key, st := range s.statuses {
		switch {
		case opts.Expired(st):
			delete(s.statuses, key)
			result.Terminal++
		case opts.Abandoned(st):
			delete(s.statuses, key)
			result.Abandoned++
		}
	}
	for key, a := range s.aliases {
		if !opts.Now.Before(a.expires) {
			delete(s.aliases, key)
			result.Aliases++
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveReport(_ context.Context, report models.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	report.Steps = append([]models.StepResult(nil), report.Steps...)
	s.reports[report.ImportKey] = report
	return nil
}

func (s *MemoryStore) LatestReport(_ context.Context, key models.ImportKey) (models.RunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.aliases[key]; ok && s.now().Before(a.expires) {
		key = a.to
	}
	report, ok := s.reports[key]
	if !ok {
		return models.RunReport{}, fmt.Errorf("%w: no report for %s", ErrNotFound, key)
	}
	report.Steps = append([]models.StepResult(nil), report.Steps...)
	return report, nil
}

// resolve follows an unexpired alias once. Callers hold the lock.
func (s *MemoryStore) resolve(key models.ImportKey) (models.ImportStatus, bool) {
	if a, ok := s.aliases[key]; ok && s.now().Before(a.expires) {
		key = a.to
	}
	st, ok := s.statuses[key]
	return st, ok
}
