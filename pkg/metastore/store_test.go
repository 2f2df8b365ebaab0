package metastore_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/s3vfs/pkg/metastore"
)

func openTestStore(t *testing.T) *metastore.Store {
	t.Helper()
	s, err := metastore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewInodeAllocatesIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a, err := s.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)
	b, err := s.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)

	assert.Greater(t, b.ID, a.ID)
}

func TestLinkAndUnlinkMaintainRefcount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	root, err := s.NewInode(ctx, 0o755, 0, 0, 0)
	require.NoError(t, err)
	file, err := s.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)

	require.NoError(t, s.Link(ctx, root.ID, "hello.txt", file.ID))

	got, err := s.GetInode(ctx, file.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Refcount)

	resolved, err := s.Lookup(ctx, root.ID, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, file.ID, resolved)

	ino, remaining, err := s.Unlink(ctx, root.ID, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, file.ID, ino)
	assert.EqualValues(t, 0, remaining)

	_, err = s.Lookup(ctx, root.ID, "hello.txt")
	assert.True(t, metastore.IsKind(err, metastore.KindNotFound))
}

func TestDeduplicationReusesExistingBlock(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	file, err := s.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)

	data := []byte("the quick brown fox jumps over the lazy dog")
	hash := metastore.HashBytes(data)

	_, err = s.LookupBlockByHash(ctx, hash)
	assert.True(t, metastore.IsKind(err, metastore.KindNotFound))

	blk, obj, err := s.CreateBlockAndObject(ctx, hash, uint64(len(data)))
	require.NoError(t, err)
	require.NoError(t, s.BindPosition(ctx, file.ID, 0, blk.ID))

	again, err := s.LookupBlockByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, blk.ID, again.ID)
	assert.EqualValues(t, 1, again.Refcount)

	other, err := s.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)
	require.NoError(t, s.BindPosition(ctx, other.ID, 0, again.ID))

	bound, err := s.LookupBlockByHash(ctx, hash)
	require.NoError(t, err)
	assert.EqualValues(t, 2, bound.Refcount)

	_ = obj
}

func TestUnbindPositionOrphansObjectAtZeroRefcount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	file, err := s.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)

	data := []byte("orphan me")
	hash := metastore.HashBytes(data)
	blk, obj, err := s.CreateBlockAndObject(ctx, hash, uint64(len(data)))
	require.NoError(t, err)
	require.NoError(t, s.BindPosition(ctx, file.ID, 0, blk.ID))

	orphaned, err := s.UnbindPosition(ctx, file.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, orphaned)
	assert.Equal(t, obj.ID, *orphaned)

	_, err = s.LookupBlockByHash(ctx, hash)
	assert.True(t, metastore.IsKind(err, metastore.KindNotFound))
}

func TestUnbindPositionKeepsSharedBlockAlive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a, err := s.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)
	b, err := s.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)

	data := []byte("shared content")
	hash := metastore.HashBytes(data)
	blk, _, err := s.CreateBlockAndObject(ctx, hash, uint64(len(data)))
	require.NoError(t, err)
	require.NoError(t, s.BindPosition(ctx, a.ID, 0, blk.ID))
	require.NoError(t, s.BindPosition(ctx, b.ID, 0, blk.ID))

	orphaned, err := s.UnbindPosition(ctx, a.ID, 0)
	require.NoError(t, err)
	assert.Nil(t, orphaned)

	still, err := s.LookupBlockByHash(ctx, hash)
	require.NoError(t, err)
	assert.EqualValues(t, 1, still.Refcount)
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	root, err := s.NewInode(ctx, 0o755, 0, 0, 0)
	require.NoError(t, err)
	file, err := s.NewInode(ctx, 0o644, 1000, 1000, 0)
	require.NoError(t, err)
	require.NoError(t, s.Link(ctx, root.ID, "a.txt", file.ID))

	data := []byte("round trip me")
	hash := metastore.HashBytes(data)
	blk, _, err := s.CreateBlockAndObject(ctx, hash, uint64(len(data)))
	require.NoError(t, err)
	require.NoError(t, s.BindPosition(ctx, file.ID, 0, blk.ID))

	var buf bytes.Buffer
	require.NoError(t, s.Dump(ctx, &buf))

	fresh := openTestStore(t)
	require.NoError(t, fresh.Restore(ctx, bytes.NewReader(buf.Bytes())))

	resolved, err := fresh.Lookup(ctx, root.ID, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, file.ID, resolved)

	again, err := fresh.LookupBlockByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, blk.ID, again.ID)
}

func TestInvariantViolatedErrorKind(t *testing.T) {
	err := metastore.InvariantViolated("refcount went negative")
	assert.True(t, metastore.IsKind(err, metastore.KindInvariantViolated))
	assert.False(t, metastore.IsKind(err, metastore.KindCorrupt))
}
