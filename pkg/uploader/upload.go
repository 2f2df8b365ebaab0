package uploader

import (
	"bytes"
	"context"
	"fmt"

	"github.com/blockvault/s3vfs/internal/logger"
	"github.com/blockvault/s3vfs/pkg/backend"
	"github.com/blockvault/s3vfs/pkg/bufpool"
)

func (m *Manager) uploadWorker() {
	for uj := range m.uploadCh {
		m.runUpload(uj)
	}
}

// admit blocks until an upload slot is available under the current
// admission policy: once bytes in transit exceed MinTransitSize the pool
// throttles down to HighWaterUploadWorkers concurrent uploads instead of
// the full UploadWorkers, per SPEC_FULL.md §4.4.
func (m *Manager) admit() (release func()) {
	m.transitMu.Lock()
	highWater := m.transitBytes > MinTransitSize
	m.transitMu.Unlock()

	if highWater {
		m.highWaterSem <- struct{}{}
		return func() { <-m.highWaterSem }
	}
	m.uploadSem <- struct{}{}
	return func() { <-m.uploadSem }
}

func (m *Manager) runUpload(uj *uploadJob) {
	release := m.admit()
	defer release()
	defer bufpool.Put(uj.compressed)

	ctx := context.Background()
	key := DataKey(uj.objID)

	err := m.backend.Put(ctx, key, bytes.NewReader(uj.compressed), backend.ObjectMeta{
		"uncompressed_size": fmt.Sprintf("%d", uj.uncompressedSize),
	})
	m.addTransitBytes(-int64(len(uj.compressed)))

	if err != nil {
		_ = m.store.DiscardUnboundBlock(ctx, uj.blockID)
		_ = m.cache.AbortUpload(uj.key)
		m.failJob(uj.job, fmt.Errorf("upload %s: %w", key, err))
		return
	}

	if err := m.store.SetCompressedSize(ctx, uj.objID, uint64(len(uj.compressed))); err != nil {
		m.failJob(uj.job, err)
		return
	}

	orphaned, err := m.store.UnbindPosition(ctx, uj.key.Inode, uj.key.Blockno)
	if err != nil {
		m.failJob(uj.job, err)
		return
	}
	if err := m.store.BindPosition(ctx, uj.key.Inode, uj.key.Blockno, uj.blockID); err != nil {
		m.failJob(uj.job, err)
		return
	}

	committed, err := m.cache.CommitUpload(uj.key, uj.blockID)
	if err != nil {
		m.failJob(uj.job, err)
		return
	}
	if orphaned != nil {
		m.QueueRemoval(*orphaned)
	}
	if !committed {
		// The block we just uploaded is already stale; release it and
		// re-run the pipeline against the newer dirty data.
		staleOrphan, err := m.store.UnbindPosition(ctx, uj.key.Inode, uj.key.Blockno)
		if err != nil {
			logger.Warn("uploader: failed to unbind stale block", logger.KeyError, err)
		} else if staleOrphan != nil {
			m.QueueRemoval(*staleOrphan)
		}
		m.requeue(uj.job)
		return
	}

	logger.Debug("block uploaded", logger.KeyInode, uj.key.Inode, logger.KeyBlockno, uj.key.Blockno,
		logger.KeyObjectID, uj.objID, logger.KeyComprSize, len(uj.compressed))
	m.completeJob(uj.job, nil)
}
