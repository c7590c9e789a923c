package badger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

func openTestStore(t *testing.T) *StateStore {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{})
	require.Error(t, err)
}

func TestStateStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, queue.ErrNotFound)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := queue.NewQueueState("run-7", []queue.WorkItem{{Target: "a"}, {Target: "b"}}, 2, now)
	item := st.Items[0]
	st.Items = st.Items[1:]
	st.DispatchSeq = 1
	st.Slots[0] = queue.SlotState{
		ContextID:        "tab-1",
		CurrentItem:      &item,
		WaitingForSignal: true,
		DispatchedAt:     now,
		TimeoutAt:        now.Add(30 * time.Second),
		Seq:              1,
	}
	require.NoError(t, store.Save(ctx, st))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "run-7", loaded.RunID)
	require.Equal(t, queue.PhaseRunning, loaded.Phase)
	require.Len(t, loaded.Items, 1)
	require.Equal(t, "a", loaded.Slots[0].CurrentItem.Target)
	require.True(t, loaded.Slots[0].TimeoutAt.Equal(now.Add(30*time.Second)))
	require.NoError(t, loaded.Validate())

	loaded.Phase = queue.PhaseAborted
	require.NoError(t, store.Save(ctx, loaded))
	again, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.PhaseAborted, again.Phase)
}

func TestStateStoreResults(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	price := 249.99
	require.NoError(t, store.PutResult(ctx, queue.Result{Target: "b", Price: &price}))
	require.NoError(t, store.PutResult(ctx, queue.Result{Target: "a", Title: "first"}))
	require.NoError(t, store.PutResult(ctx, queue.Result{Target: "a", Title: "second"}))

	got, err := store.GetResult(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "second", got.Title)

	_, err = store.GetResult(ctx, "missing")
	require.ErrorIs(t, err, queue.ErrNotFound)

	all, err := store.ListResults(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].Target)
	require.InDelta(t, 249.99, *all[1].Price, 1e-9)
}
