package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherNamesArchivesByContent(t *testing.T) {
	t.Parallel()

	h := New()
	export := []byte(`{"run_id":"run-1","results":[{"target":"https://shop.test/p/a"}]}`)

	first, err := h.Hash(export)
	require.NoError(t, err)
	require.Len(t, first, 64)

	again, err := h.Hash(export)
	require.NoError(t, err)
	require.Equal(t, first, again)

	other, err := h.Hash([]byte(`{"run_id":"run-2","results":[]}`))
	require.NoError(t, err)
	require.NotEqual(t, first, other)

	empty, err := h.Hash(nil)
	require.NoError(t, err)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", empty)
}
