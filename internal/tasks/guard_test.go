package tasks

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/status"
	tu "github.com/desertthunder/artistsync/internal/testing"
)

func newTestGuard() (*Guard, *status.MemoryStore, *tu.Clock) {
	clock := tu.NewClock(base)
	store := status.NewMemoryStore(status.WithClock(clock.Now))
	guard := NewGuard(store, GuardOptions{Now: clock.Now, Logger: shared.NewLogger(io.Discard)})
	return guard, store, clock
}

func TestGuard_BeginRun(t *testing.T) {
	ctx := context.Background()
	key := models.ImportKey("pending:name:aurora belt")

	t.Run("AdmitsOnePerKey", func(t *testing.T) {
		guard, store, _ := newTestGuard()

		first, err := guard.BeginRun(ctx, key, models.TriggerOnDemand)
		require.NoError(t, err)
		require.True(t, first.Proceed)
		assert.Equal(t, models.StageInitializing, first.Status.Stage)
		assert.NotEmpty(t, first.Status.RunID)

		second, err := guard.BeginRun(ctx, key, models.TriggerOnDemand)
		require.NoError(t, err)
		assert.False(t, second.Proceed)
		require.NotNil(t, second.Existing)
		assert.Equal(t, first.Status.RunID, second.Existing.RunID)

		stored, err := store.Read(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, first.Status.RunID, stored.RunID)
	})

	t.Run("AdmitsAfterFinish", func(t *testing.T) {
		guard, _, _ := newTestGuard()

		first, err := guard.BeginRun(ctx, key, models.TriggerOnDemand)
		require.NoError(t, err)
		_, err = guard.Finish(ctx, first.Status, "import completed", nil)
		require.NoError(t, err)

		second, err := guard.BeginRun(ctx, key, models.TriggerOnDemand)
		require.NoError(t, err)
		require.True(t, second.Proceed)
		assert.NotEqual(t, first.Status.RunID, second.Status.RunID)
	})

	t.Run("ReplacesStaleRun", func(t *testing.T) {
		guard, _, clock := newTestGuard()

		first, err := guard.BeginRun(ctx, key, models.TriggerOnDemand)
		require.NoError(t, err)

		clock.Advance(29 * time.Minute)
		blocked, err := guard.BeginRun(ctx, key, models.TriggerOnDemand)
		require.NoError(t, err)
		assert.False(t, blocked.Proceed)

		clock.Advance(2 * time.Minute)
		replaced, err := guard.BeginRun(ctx, key, models.TriggerOnDemand)
		require.NoError(t, err)
		require.True(t, replaced.Proceed)
		assert.NotEqual(t, first.Status.RunID, replaced.Status.RunID)

		_, err = guard.Finish(ctx, first.Status, "late", nil)
		assert.True(t, errors.Is(err, status.ErrInvalidTransition), "the replaced run must not overwrite its successor")
	})
}

func TestGuard_Rekey(t *testing.T) {
	ctx := context.Background()
	provisional := models.ImportKey("pending:catalog:sp-aurora")
	permanent := models.EntityKey("1")

	t.Run("MovesAndAliases", func(t *testing.T) {
		guard, store, clock := newTestGuard()
		adm, err := guard.BeginRun(ctx, provisional, models.TriggerOnDemand)
		require.NoError(t, err)

		moved, err := guard.Rekey(ctx, adm.Status, permanent)
		require.NoError(t, err)
		assert.Equal(t, permanent, moved.Key)
		assert.Equal(t, adm.Status.RunID, moved.RunID)

		viaAlias, err := store.Read(ctx, provisional)
		require.NoError(t, err)
		assert.Equal(t, permanent, viaAlias.Key)

		clock.Advance(16 * time.Minute)
		_, err = store.Read(ctx, provisional)
		assert.ErrorIs(t, err, status.ErrNotFound)

		_, err = store.Read(ctx, permanent)
		assert.NoError(t, err)
	})

	t.Run("SameKeyIsNoop", func(t *testing.T) {
		guard, _, _ := newTestGuard()
		adm, err := guard.BeginRun(ctx, permanent, models.TriggerOnDemand)
		require.NoError(t, err)

		moved, err := guard.Rekey(ctx, adm.Status, permanent)
		require.NoError(t, err)
		assert.Equal(t, adm.Status, moved)
	})

	t.Run("SupersededByActiveRun", func(t *testing.T) {
		guard, store, _ := newTestGuard()
		holder, err := guard.BeginRun(ctx, permanent, models.TriggerManual)
		require.NoError(t, err)
		adm, err := guard.BeginRun(ctx, provisional, models.TriggerOnDemand)
		require.NoError(t, err)

		_, err = guard.Rekey(ctx, adm.Status, permanent)
		require.ErrorIs(t, err, shared.ErrSuperseded)
		assert.Contains(t, err.Error(), holder.Status.RunID)

		st, err := store.Read(ctx, provisional)
		require.NoError(t, err)
		assert.Equal(t, adm.Status.RunID, st.RunID, "the provisional entry is left in place")
	})

	t.Run("ReplacesFinishedRun", func(t *testing.T) {
		guard, _, _ := newTestGuard()
		old, err := guard.BeginRun(ctx, permanent, models.TriggerManual)
		require.NoError(t, err)
		_, err = guard.Finish(ctx, old.Status, "import completed", nil)
		require.NoError(t, err)

		adm, err := guard.BeginRun(ctx, provisional, models.TriggerOnDemand)
		require.NoError(t, err)
		moved, err := guard.Rekey(ctx, adm.Status, permanent)
		require.NoError(t, err)
		assert.Equal(t, adm.Status.RunID, moved.RunID)
	})
}

func TestGuard_Finish(t *testing.T) {
	ctx := context.Background()
	guard, store, _ := newTestGuard()
	adm, err := guard.BeginRun(ctx, "artist:1", models.TriggerOnDemand)
	require.NoError(t, err)

	st, err := guard.Finish(ctx, adm.Status, "no match found", errors.New("no match found"))
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, st.Stage)
	assert.Equal(t, "no match found", st.Error)
	require.NotNil(t, st.CompletedAt)

	stored, err := store.Read(ctx, "artist:1")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, stored.Stage)

	_, err = guard.Finish(ctx, adm.Status, "import completed", nil)
	assert.ErrorIs(t, err, status.ErrInvalidTransition)
}
