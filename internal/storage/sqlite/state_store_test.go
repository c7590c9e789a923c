package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

func TestStateStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "queue.db")

	store, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)

	_, err = store.Load(ctx)
	require.ErrorIs(t, err, queue.ErrNotFound)

	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	st := queue.NewQueueState("run-3", []queue.WorkItem{{Target: "a"}, {Target: "b"}, {Target: "c"}}, 1, now)
	st.Done = 1
	st.Items = st.Items[1:]
	require.NoError(t, store.Save(ctx, st))
	st.Done = 2
	st.Items = st.Items[1:]
	require.NoError(t, store.Save(ctx, st))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reopened.Close()) })

	loaded, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Done)
	require.Equal(t, 3, loaded.Total)
	require.Equal(t, []queue.WorkItem{{Target: "c"}}, loaded.Items)
	require.True(t, loaded.StartedAt.Equal(now))
}

func TestStateStoreResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	require.Error(t, store.PutResult(ctx, queue.Result{}))
	require.NoError(t, store.PutResult(ctx, queue.Result{Target: "z", Seller: "Acme"}))
	require.NoError(t, store.PutResult(ctx, queue.Result{Target: "m", Error: "no price"}))
	require.NoError(t, store.PutResult(ctx, queue.Result{Target: "z", Seller: "Other"}))

	got, err := store.GetResult(ctx, "z")
	require.NoError(t, err)
	require.Equal(t, "Other", got.Seller)

	_, err = store.GetResult(ctx, "nope")
	require.ErrorIs(t, err, queue.ErrNotFound)

	all, err := store.ListResults(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "m", all[0].Target)
	require.Equal(t, "no price", all[0].Error)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Path: " "})
	require.Error(t, err)
}
