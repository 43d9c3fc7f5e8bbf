package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "dsrd/pkg/domain"
)

func TestInMemoryStore_TTLPerKind(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	current := base
	store := NewInMemoryStore(TTLs{
		Failed: time.Hour,
		Paused: 24 * time.Hour,
	}).WithClock(func() time.Time { return current })

	failedID := id.NewRequestID()
	pausedID := id.NewRequestID()

	require.NoError(t, store.Record(ctx, Checkpoint{
		RequestID: failedID, ActionType: id.ActionAccess,
		Address: "shop:orders", Kind: KindFailed,
	}))
	require.NoError(t, store.Record(ctx, Checkpoint{
		RequestID: pausedID, ActionType: id.ActionErasure,
		Address: "shop:customer", Kind: KindPausedForInput,
	}))

	t.Run("both visible inside their windows", func(t *testing.T) {
		cp, err := store.Get(ctx, failedID)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, KindFailed, cp.Kind)

		cp, err = store.Get(ctx, pausedID)
		require.NoError(t, err)
		require.NotNil(t, cp)
	})

	t.Run("failed checkpoint evicted after its ttl, paused survives", func(t *testing.T) {
		current = base.Add(2 * time.Hour)

		cp, err := store.Get(ctx, failedID)
		require.NoError(t, err)
		assert.Nil(t, cp, "failed checkpoints may be evicted after idle periods")

		cp, err = store.Get(ctx, pausedID)
		require.NoError(t, err)
		require.NotNil(t, cp, "paused-for-input checkpoints must survive the retention window")
		assert.Equal(t, "shop:customer", cp.Address)
	})

	t.Run("clear removes the entry", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx, pausedID))
		cp, err := store.Get(ctx, pausedID)
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("missing request returns nil without error", func(t *testing.T) {
		cp, err := store.Get(ctx, id.NewRequestID())
		require.NoError(t, err)
		assert.Nil(t, cp)
	})
}
