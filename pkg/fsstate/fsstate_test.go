package fsstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/s3vfs/pkg/backend"
	"github.com/blockvault/s3vfs/pkg/blockcache"
	"github.com/blockvault/s3vfs/pkg/metastore"
	"github.com/blockvault/s3vfs/pkg/uploader"
)

// newTestFsState builds an FsState directly against in-memory components,
// bypassing Mount/config so tests don't need a filesystem-backed config
// file or real seq_no markers.
func newTestFsState(t *testing.T, blocksize uint64) (*FsState, *backend.Memory) {
	t.Helper()

	store, err := metastore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache, err := blockcache.Open(t.TempDir(), 0)
	require.NoError(t, err)

	be := backend.NewMemory()
	mgr := uploader.New(store, cache, be, uploader.Config{CompressWorkers: 1, UploadWorkers: 2, RemovalWorkers: 1})

	fs := &FsState{
		store:      store,
		backend:    be,
		cache:      cache,
		uploader:   mgr,
		blocksize:  blocksize,
		paramsPath: t.TempDir() + "/test.params",
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return fs, be
}

func TestWriteReadRoundTripSingleBlock(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFsState(t, 4096)

	inode, err := fs.CreateFile(ctx, 1, "hello.txt", 0o644, 1000, 1000)
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	n, err := fs.Write(ctx, inode, 0, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got, err := fs.Read(ctx, inode, 0, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteReadRoundTripAcrossBlocks(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFsState(t, 16)

	inode, err := fs.CreateFile(ctx, 1, "multi.bin", 0o644, 1000, 1000)
	require.NoError(t, err)

	payload := make([]byte, 16*5+7)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, err = fs.Write(ctx, inode, 0, payload)
	require.NoError(t, err)

	got, err := fs.Read(ctx, inode, 0, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadPastEOFReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFsState(t, 4096)

	inode, err := fs.CreateFile(ctx, 1, "short.txt", 0o644, 1000, 1000)
	require.NoError(t, err)
	_, err = fs.Write(ctx, inode, 0, []byte("abc"))
	require.NoError(t, err)

	got, err := fs.Read(ctx, inode, 100, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSparseWriteLeavesHoleReadingZeros(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFsState(t, 16)

	inode, err := fs.CreateFile(ctx, 1, "sparse.bin", 0o644, 1000, 1000)
	require.NoError(t, err)

	// Write into the third block only, skipping the first two entirely.
	_, err = fs.Write(ctx, inode, 32, []byte("tail"))
	require.NoError(t, err)

	hole, err := fs.Read(ctx, inode, 0, 32)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), hole)

	tail, err := fs.Read(ctx, inode, 32, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("tail"), tail)
}

func TestFsyncUploadsDirtyBlocksAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fs, be := newTestFsState(t, 4096)

	inode, err := fs.CreateFile(ctx, 1, "f.txt", 0o644, 1000, 1000)
	require.NoError(t, err)
	_, err = fs.Write(ctx, inode, 0, []byte("payload"))
	require.NoError(t, err)

	require.NoError(t, fs.Fsync(ctx, inode))

	state, ok := fs.cache.Lookup(blockcache.Key{Inode: inode, Blockno: 0})
	require.True(t, ok)
	assert.Equal(t, blockcache.StateClean, state)

	keys, err := be.List(ctx, uploader.DataKeyPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	// Second fsync with no new writes finds nothing dirty.
	require.NoError(t, fs.Fsync(ctx, inode))
	keys, err = be.List(ctx, uploader.DataKeyPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestTruncateShrinkReleasesBlocks(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFsState(t, 16)

	inode, err := fs.CreateFile(ctx, 1, "shrink.bin", 0o644, 1000, 1000)
	require.NoError(t, err)
	payload := make([]byte, 48)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	_, err = fs.Write(ctx, inode, 0, payload)
	require.NoError(t, err)
	require.NoError(t, fs.Fsync(ctx, inode))

	require.NoError(t, fs.Truncate(ctx, inode, 20))

	blockID, err := fs.store.BlockAt(ctx, inode, 2)
	require.NoError(t, err)
	assert.Nil(t, blockID)

	got, err := fs.Read(ctx, inode, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, payload[:20], got)
}

func TestTruncateTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFsState(t, 16)

	inode, err := fs.CreateFile(ctx, 1, "idempotent.bin", 0o644, 1000, 1000)
	require.NoError(t, err)
	_, err = fs.Write(ctx, inode, 0, make([]byte, 32))
	require.NoError(t, err)

	require.NoError(t, fs.Truncate(ctx, inode, 10))
	require.NoError(t, fs.Truncate(ctx, inode, 10))

	ino, err := fs.store.GetInode(ctx, inode)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), ino.Size)
}

func TestDedupAcrossTwoFilesUploadsOneObject(t *testing.T) {
	ctx := context.Background()
	fs, be := newTestFsState(t, 4096)

	a, err := fs.CreateFile(ctx, 1, "a.txt", 0o644, 1000, 1000)
	require.NoError(t, err)
	b, err := fs.CreateFile(ctx, 1, "b.txt", 0o644, 1000, 1000)
	require.NoError(t, err)

	content := []byte("identical content shared by two files")
	_, err = fs.Write(ctx, a, 0, content)
	require.NoError(t, err)
	_, err = fs.Write(ctx, b, 0, content)
	require.NoError(t, err)

	require.NoError(t, fs.Fsync(ctx, a))
	require.NoError(t, fs.Fsync(ctx, b))

	keys, err := be.List(ctx, uploader.DataKeyPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	blkA, err := fs.store.BlockAt(ctx, a, 0)
	require.NoError(t, err)
	blkB, err := fs.store.BlockAt(ctx, b, 0)
	require.NoError(t, err)
	require.NotNil(t, blkA)
	require.NotNil(t, blkB)
	assert.Equal(t, *blkA, *blkB)
}

func TestUnlinkAtZeroRefcountReleasesBlocksAndDeletesInode(t *testing.T) {
	ctx := context.Background()
	fs, be := newTestFsState(t, 4096)

	inode, err := fs.CreateFile(ctx, 1, "gone.txt", 0o644, 1000, 1000)
	require.NoError(t, err)
	_, err = fs.Write(ctx, inode, 0, []byte("doomed"))
	require.NoError(t, err)
	require.NoError(t, fs.Fsync(ctx, inode))

	require.NoError(t, fs.Unlink(ctx, 1, "gone.txt"))

	_, err = fs.store.GetInode(ctx, inode)
	assert.Error(t, err)

	// Close waits for queued removals too, so the released object's
	// backend key is already gone and fsck finds nothing left to sweep.
	require.NoError(t, fs.uploader.Close(ctx))
	report, err := Fsck(ctx, fs.store, be, FsckOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.OrphanedBackendKeys)
}

func TestReadFromCacheMissDownloadsAndVerifiesHash(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFsState(t, 4096)

	inode, err := fs.CreateFile(ctx, 1, "warm.txt", 0o644, 1000, 1000)
	require.NoError(t, err)
	payload := []byte("content that gets evicted from cache before the next read")
	_, err = fs.Write(ctx, inode, 0, payload)
	require.NoError(t, err)
	require.NoError(t, fs.Fsync(ctx, inode))

	require.NoError(t, fs.cache.DropAll())

	got, err := fs.Read(ctx, inode, 0, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
