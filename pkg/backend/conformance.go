package backend

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunConformance exercises the Backend contract every implementation must
// satisfy regardless of its consistency model: put/get round-trips,
// lookup metadata, idempotent delete, and prefix listing. Capability-
// dependent behavior (read-after-delete, list-after-delete) is exercised
// only when the backend under test declares the matching flag.
func RunConformance(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("put_get_round_trip", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, "a/1", bytes.NewReader([]byte("hello")), ObjectMeta{"k": "v"}))

		r, err := b.Get(ctx, "a/1")
		require.NoError(t, err)
		defer r.Close()
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))

		meta, err := b.Lookup(ctx, "a/1")
		require.NoError(t, err)
		assert.Equal(t, "v", meta["k"])
	})

	t.Run("get_missing_key_returns_ErrNoSuchKey", func(t *testing.T) {
		_, err := b.Get(ctx, "does/not/exist")
		assert.ErrorIs(t, err, ErrNoSuchKey)

		_, err = b.Lookup(ctx, "does/not/exist")
		assert.ErrorIs(t, err, ErrNoSuchKey)
	})

	t.Run("put_overwrites_existing_key", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, "a/2", bytes.NewReader([]byte("v1")), nil))
		require.NoError(t, b.Put(ctx, "a/2", bytes.NewReader([]byte("v2")), nil))

		r, err := b.Get(ctx, "a/2")
		require.NoError(t, err)
		defer r.Close()
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "v2", string(data))
	})

	t.Run("delete_is_idempotent", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, "a/3", bytes.NewReader([]byte("x")), nil))
		require.NoError(t, b.Delete(ctx, "a/3"))
		require.NoError(t, b.Delete(ctx, "a/3"))
	})

	t.Run("list_returns_matching_prefix", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, "list/one", bytes.NewReader([]byte("1")), nil))
		require.NoError(t, b.Put(ctx, "list/two", bytes.NewReader([]byte("2")), nil))
		require.NoError(t, b.Put(ctx, "other/three", bytes.NewReader([]byte("3")), nil))

		keys, err := b.List(ctx, "list/")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"list/one", "list/two"}, keys)
	})

	if b.Capabilities().ReadAfterDeleteConsistent {
		t.Run("read_after_delete_consistent", func(t *testing.T) {
			require.NoError(t, b.Put(ctx, "a/4", bytes.NewReader([]byte("x")), nil))
			require.NoError(t, b.Delete(ctx, "a/4"))
			_, err := b.Get(ctx, "a/4")
			assert.ErrorIs(t, err, ErrNoSuchKey)
		})
	}

	if b.Capabilities().ListAfterDeleteConsistent {
		t.Run("list_after_delete_consistent", func(t *testing.T) {
			require.NoError(t, b.Put(ctx, "listdel/one", bytes.NewReader([]byte("1")), nil))
			require.NoError(t, b.Delete(ctx, "listdel/one"))
			keys, err := b.List(ctx, "listdel/")
			require.NoError(t, err)
			assert.NotContains(t, keys, "listdel/one")
		})
	}

	require.NoError(t, b.Clear(ctx))
	keys, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
