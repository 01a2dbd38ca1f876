// Package statustest holds the behaviour every [status.Store] implementation must share.
package statustest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/status"
)

// Factory builds an empty store. now is the clock the store should use for alias expiry.
type Factory func(t *testing.T, now func() time.Time) status.Store

// Clock is a settable time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
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

// Run exercises a store implementation.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()
	base := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	fresh := func(key models.ImportKey, at time.Time) models.ImportStatus {
		return models.NewImportStatus(key, models.TriggerOnDemand, at)
	}

	t.Run("read missing key", func(t *testing.T) {
		store := newStore(t, NewClock(base).Now)

		_, err := store.Read(ctx, "artist:none")
		assert.ErrorIs(t, err, status.ErrNotFound)
	})

	t.Run("write and read round trip", func(t *testing.T) {
		store := newStore(t, NewClock(base).Now)
		st := fresh("artist:1", base)
		st.EntityID = "1"

		require.NoError(t, store.Write(ctx, st))

		got, err := store.Read(ctx, "artist:1")
		require.NoError(t, err)
		assert.Equal(t, st.RunID, got.RunID)
		assert.Equal(t, models.StageInitializing, got.Stage)
		assert.Equal(t, "1", got.EntityID)
		assert.True(t, got.StartedAt.Equal(base))
	})

	t.Run("stages only move forward within a run", func(t *testing.T) {
		store := newStore(t, NewClock(base).Now)
		st := fresh("artist:1", base)
		require.NoError(t, store.Write(ctx, st))

		st.Stage, st.Progress = models.StageSyncingCore, 20
		require.NoError(t, store.Write(ctx, st))

		back := st
		back.Stage = models.StageResolving
		assert.ErrorIs(t, store.Write(ctx, back), status.ErrInvalidTransition)

		lower := st
		lower.Progress = 10
		assert.ErrorIs(t, store.Write(ctx, lower), status.ErrInvalidTransition)

		same := st
		same.Message = "still syncing"
		assert.NoError(t, store.Write(ctx, same))
	})

	t.Run("terminal states are absorbing", func(t *testing.T) {
		store := newStore(t, NewClock(base).Now)
		st := fresh("artist:1", base)
		require.NoError(t, store.Write(ctx, st))

		done := base.Add(time.Minute)
		st.Stage, st.Progress, st.CompletedAt = models.StageCompleted, 100, &done
		require.NoError(t, store.Write(ctx, st))

		failed := st
		failed.Stage = models.StageFailed
		assert.ErrorIs(t, store.Write(ctx, failed), status.ErrInvalidTransition)

		got, err := store.Read(ctx, "artist:1")
		require.NoError(t, err)
		assert.Equal(t, models.StageCompleted, got.Stage)
	})

	t.Run("plain writes cannot replace another run", func(t *testing.T) {
		store := newStore(t, NewClock(base).Now)
		require.NoError(t, store.Write(ctx, fresh("artist:1", base)))

		assert.ErrorIs(t, store.Write(ctx, fresh("artist:1", base)), status.ErrInvalidTransition)
	})

	t.Run("update atomically admits a single writer", func(t *testing.T) {
		store := newStore(t, NewClock(base).Now)

		var admitted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.UpdateAtomically(ctx, "pending:name:x", func(current *models.ImportStatus) (models.ImportStatus, bool) {
					if current != nil && !current.Terminal() {
						return models.ImportStatus{}, false
					}
					return fresh("pending:name:x", base), true
				})
				assert.NoError(t, err)
				if ok {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), admitted.Load())
	})

	t.Run("update atomically replaces terminal runs", func(t *testing.T) {
		store := newStore(t, NewClock(base).Now)
		st := fresh("artist:1", base)
		st.Stage = models.StageFailed
		require.NoError(t, store.Write(ctx, st))

		next := fresh("artist:1", base.Add(time.Minute))
		ok, err := store.UpdateAtomically(ctx, "artist:1", func(current *models.ImportStatus) (models.ImportStatus, bool) {
			require.NotNil(t, current)
			return next, current.Terminal()
		})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.Read(ctx, "artist:1")
		require.NoError(t, err)
		assert.Equal(t, next.RunID, got.RunID)
	})

	t.Run("aliases resolve until they expire", func(t *testing.T) {
		clock := NewClock(base)
		store := newStore(t, clock.Now)

		st := fresh("pending:name:aurora belt", base)
		require.NoError(t, store.Write(ctx, st))

		moved := st
		moved.Key = "artist:7"
		ok, err := store.UpdateAtomically(ctx, "artist:7", func(current *models.ImportStatus) (models.ImportStatus, bool) {
			return moved, current == nil
		})
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.Alias(ctx, "pending:name:aurora belt", "artist:7", 15*time.Minute))

		got, err := store.Read(ctx, "pending:name:aurora belt")
		require.NoError(t, err)
		assert.Equal(t, models.ImportKey("artist:7"), got.Key)
		assert.Equal(t, st.RunID, got.RunID)

		clock.Advance(16 * time.Minute)
		_, err = store.Read(ctx, "pending:name:aurora belt")
		assert.True(t, errors.Is(err, status.ErrNotFound))
	})

	t.Run("list active skips terminal entries", func(t *testing.T) {
		store := newStore(t, NewClock(base).Now)

		older := fresh("artist:1", base.Add(-time.Minute))
		newer := fresh("artist:2", base)
		done := fresh("artist:3", base)
		done.Stage = models.StageCompleted

		for _, st := range []models.ImportStatus{newer, older, done} {
			require.NoError(t, store.Write(ctx, st))
		}

		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, models.ImportKey("artist:1"), active[0].Key)
		assert.Equal(t, models.ImportKey("artist:2"), active[1].Key)
	})

	t.Run("cleanup honours retention and staleness", func(t *testing.T) {
		clock := NewClock(base)
		store := newStore(t, clock.Now)

		oldDone := fresh("artist:1", base.Add(-48*time.Hour))
		completedAt := base.Add(-47 * time.Hour)
		oldDone.Stage, oldDone.CompletedAt = models.StageCompleted, &completedAt

		recentDone := fresh("artist:2", base.Add(-time.Hour))
		recentAt := base.Add(-time.Hour)
		recentDone.Stage, recentDone.CompletedAt = models.StageFailed, &recentAt

		abandoned := fresh("artist:3", base.Add(-2*time.Hour))
		running := fresh("artist:4", base.Add(-time.Minute))

		for _, st := range []models.ImportStatus{oldDone, recentDone, abandoned, running} {
			require.NoError(t, store.Write(ctx, st))
		}
		require.NoError(t, store.Alias(ctx, "pending:name:x", "artist:4", time.Minute))
		clock.Advance(2 * time.Minute)

		opts := status.CleanupOptions{Retention: 24 * time.Hour, StaleAfter: 30 * time.Minute, Now: clock.Now()}
		result, err := store.Cleanup(ctx, opts)
		require.NoError(t, err)
		assert.Equal(t, status.CleanupResult{Terminal: 1, Aliases: 1}, result)

		_, err = store.Read(ctx, "artist:3")
		assert.NoError(t, err, "abandoned entries stay unless asked")

		opts.IncludeAbandoned = true
		result, err = store.Cleanup(ctx, opts)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Abandoned)

		for _, key := range []models.ImportKey{"artist:2", "artist:4"} {
			_, err := store.Read(ctx, key)
			assert.NoError(t, err)
		}
	})
}
