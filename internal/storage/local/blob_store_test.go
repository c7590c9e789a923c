package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/buybox-queue/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "archive")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"results":[]}`)
	uri, err := store.PutObject(ctx, "runs/r1/results.json", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "runs/r1/results.json"), uri)

	// #nosec G304 -- test reads from the controlled temp directory.
	written, err := os.ReadFile(filepath.Join(dir, "runs/r1/results.json"))
	require.NoError(t, err)
	require.Equal(t, data, written)

	_, err = store.PutObject(ctx, "", "text/plain", bytes.NewReader(data))
	require.Error(t, err)

	_, err = store.PutObject(ctx, "../escape.json", "text/plain", bytes.NewReader(data))
	require.ErrorContains(t, err, "path traversal")
}
