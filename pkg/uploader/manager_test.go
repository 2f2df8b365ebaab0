package uploader_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/s3vfs/pkg/backend"
	"github.com/blockvault/s3vfs/pkg/blockcache"
	"github.com/blockvault/s3vfs/pkg/metastore"
	"github.com/blockvault/s3vfs/pkg/uploader"
)

func setup(t *testing.T) (*metastore.Store, *blockcache.Cache, *backend.Memory, *uploader.Manager) {
	t.Helper()
	store, err := metastore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache, err := blockcache.Open(t.TempDir(), 0)
	require.NoError(t, err)

	be := backend.NewMemory()
	mgr := uploader.New(store, cache, be, uploader.Config{CompressWorkers: 1, UploadWorkers: 2, RemovalWorkers: 1})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return store, cache, be, mgr
}

func writeDirty(t *testing.T, cache *blockcache.Cache, key blockcache.Key, data []byte) {
	t.Helper()
	h, err := cache.Get(context.Background(), key, true)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(h.Path, data, 0o600))
	cache.Release(key, uint64(len(data)), true)
}

func TestAddUploadsNewBlock(t *testing.T) {
	store, cache, be, mgr := setup(t)
	ctx := context.Background()

	file, err := store.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)

	key := blockcache.Key{Inode: file.ID, Blockno: 0}
	writeDirty(t, cache, key, []byte("hello world"))

	err = <-mgr.Add(key)
	require.NoError(t, err)

	state, ok := cache.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, blockcache.StateClean, state)

	blockID := cache.BlockID(key)
	require.NotNil(t, blockID)

	bound, err := store.BlockAt(ctx, file.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, bound)
	assert.Equal(t, *blockID, *bound)

	keys, err := be.List(ctx, "s3ql_data_")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestAddDeduplicatesIdenticalContent(t *testing.T) {
	store, cache, be, mgr := setup(t)
	ctx := context.Background()

	a, err := store.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)
	b, err := store.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)

	keyA := blockcache.Key{Inode: a.ID, Blockno: 0}
	keyB := blockcache.Key{Inode: b.ID, Blockno: 0}
	writeDirty(t, cache, keyA, []byte("shared content"))
	writeDirty(t, cache, keyB, []byte("shared content"))

	require.NoError(t, <-mgr.Add(keyA))
	require.NoError(t, <-mgr.Add(keyB))

	idA := cache.BlockID(keyA)
	idB := cache.BlockID(keyB)
	require.NotNil(t, idA)
	require.NotNil(t, idB)
	assert.Equal(t, *idA, *idB)

	keys, err := be.List(ctx, "s3ql_data_")
	require.NoError(t, err)
	assert.Len(t, keys, 1, "only one backend object should exist for deduplicated content")
}

func TestAddDedupHitOnAlreadyBoundBlockKeepsItAlive(t *testing.T) {
	store, cache, be, mgr := setup(t)
	ctx := context.Background()

	file, err := store.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)

	key := blockcache.Key{Inode: file.ID, Blockno: 0}
	writeDirty(t, cache, key, []byte("same content both times"))
	require.NoError(t, <-mgr.Add(key))

	firstID := cache.BlockID(key)
	require.NotNil(t, firstID)

	keys, err := be.List(ctx, "s3ql_data_")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	// Rewrite the block with byte-identical content and fsync again: the
	// hash lookup hits the block already bound at this position.
	writeDirty(t, cache, key, []byte("same content both times"))
	require.NoError(t, <-mgr.Add(key))

	secondID := cache.BlockID(key)
	require.NotNil(t, secondID)
	assert.Equal(t, *firstID, *secondID, "rebinding to the same content must not change the bound block")

	blk, err := store.BlockByID(ctx, *firstID)
	require.NoError(t, err, "the block must still exist, not have been released to refcount 0")
	assert.EqualValues(t, 1, blk.Refcount)

	bound, err := store.BlockAt(ctx, file.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, bound)
	assert.Equal(t, *firstID, *bound)

	keys, err = be.List(ctx, "s3ql_data_")
	require.NoError(t, err)
	assert.Len(t, keys, 1, "the live backend object must not be queued for removal")
}

func TestAddIsAtMostOncePerKey(t *testing.T) {
	_, cache, _, mgr := setup(t)
	ctx := context.Background()

	key := blockcache.Key{Inode: 1, Blockno: 0}
	writeDirty(t, cache, key, []byte("x"))

	c1 := mgr.Add(key)
	c2 := mgr.Add(key)
	assert.Equal(t, c1, c2, "a second Add for an in-flight key returns the same completion channel")

	require.NoError(t, <-c1)
	_ = ctx
}
