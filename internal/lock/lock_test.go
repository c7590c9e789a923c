package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "buyboxq.lock")
	first, err := Acquire(path)
	require.NoError(t, err)
	require.Equal(t, path, first.Path())

	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestReleaseNil(t *testing.T) {
	t.Parallel()

	var l *Lock
	require.NoError(t, l.Release())
}
