package uploader

import (
	"context"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/blockvault/s3vfs/internal/logger"
	"github.com/blockvault/s3vfs/pkg/bufpool"
	"github.com/blockvault/s3vfs/pkg/metastore"
)

// uploadJob carries a compressed payload from the compress stage to the
// upload stage.
type uploadJob struct {
	*job
	blockID          uint64
	objID            uint64
	compressed       []byte
	uncompressedSize uint64
}

func (m *Manager) compressWorker() {
	for j := range m.compressCh {
		m.runCompress(j)
	}
}

// runCompress implements the hash/dedup half of SPEC_FULL.md §4.4: read
// the dirty block, hash it, and either bind the existing block on a
// dedup hit or hand compressed bytes to the upload stage on a miss.
func (m *Manager) runCompress(j *job) {
	ctx := context.Background()

	path, size, err := m.cache.BeginUpload(j.key)
	if err != nil {
		m.failJob(j, err)
		return
	}
	m.logTransit("compress:begin", j.key)

	raw, err := os.ReadFile(path)
	if err != nil {
		_ = m.cache.AbortUpload(j.key)
		m.failJob(j, err)
		return
	}

	hash := metastore.HashBytes(raw[:size])

	existing, err := m.store.LookupBlockByHash(ctx, hash)
	switch {
	case err == nil:
		m.bindAndCommitExisting(ctx, j, existing.ID)
		return

	case metastore.IsKind(err, metastore.KindNotFound):
		// fall through to compress + upload a new object
	default:
		_ = m.cache.AbortUpload(j.key)
		m.failJob(j, err)
		return
	}

	blk, obj, err := m.store.CreateBlockAndObject(ctx, hash, size)
	if err != nil {
		_ = m.cache.AbortUpload(j.key)
		m.failJob(j, err)
		return
	}

	compressed, err := compress(raw[:size])
	if err != nil {
		_ = m.cache.AbortUpload(j.key)
		m.failJob(j, err)
		return
	}

	uj := &uploadJob{job: j, blockID: blk.ID, objID: obj.ID, compressed: compressed, uncompressedSize: size}
	m.addTransitBytes(int64(len(compressed)))
	m.enqueueUpload(uj)
}

// bindAndCommitExisting handles a dedup hit: the block already exists in
// the backend, so no compression or upload is needed. If the hit is the
// block already bound at this position (rewriting a block back to its
// prior content), the position's refcount is left untouched — only the
// cache entry is committed clean. A hit on a different block rebinds the
// position, releasing whatever was bound there before.
func (m *Manager) bindAndCommitExisting(ctx context.Context, j *job, blockID uint64) {
	current, err := m.store.BlockAt(ctx, j.key.Inode, j.key.Blockno)
	if err != nil {
		_ = m.cache.AbortUpload(j.key)
		m.failJob(j, err)
		return
	}

	var orphaned *uint64
	if current == nil || *current != blockID {
		orphaned, err = m.store.UnbindPosition(ctx, j.key.Inode, j.key.Blockno)
		if err != nil {
			_ = m.cache.AbortUpload(j.key)
			m.failJob(j, err)
			return
		}
		if err := m.store.BindPosition(ctx, j.key.Inode, j.key.Blockno, blockID); err != nil {
			_ = m.cache.AbortUpload(j.key)
			m.failJob(j, err)
			return
		}
	}

	committed, err := m.cache.CommitUpload(j.key, blockID)
	if err != nil {
		m.failJob(j, err)
		return
	}
	if orphaned != nil {
		m.QueueRemoval(*orphaned)
	}
	if !committed {
		// A newer write raced the dedup check; the block we just bound is
		// already stale. Re-run the pipeline for the fresh dirty data.
		m.requeue(j)
		return
	}
	logger.Debug("block deduplicated", logger.KeyInode, j.key.Inode, logger.KeyBlockno, j.key.Blockno, logger.KeyBlockID, blockID)
	m.completeJob(j, nil)
}

func compress(data []byte) ([]byte, error) {
	out := bufpool.Get(len(data) / 2)
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		bufpool.Put(out)
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, out[:0]), nil
}

// Decompress reverses compress. sizeHint, the object's recorded
// uncompressed size, preallocates the output buffer so the common case
// needs no reallocation; it is advisory only — a mismatched hint still
// decodes correctly; a mismatched hash, checked by the caller, is what
// marks the download a HashMismatch failure.
func Decompress(data []byte, sizeHint uint64) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out := bufpool.Get(int(sizeHint))
	return dec.DecodeAll(data, out[:0])
}
