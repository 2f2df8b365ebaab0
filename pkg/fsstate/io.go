package fsstate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/blockvault/s3vfs/internal/logger"
	"github.com/blockvault/s3vfs/pkg/blockcache"
	"github.com/blockvault/s3vfs/pkg/metastore"
	"github.com/blockvault/s3vfs/pkg/uploader"
)

// Read returns up to length bytes starting at offset. Reads past EOF or
// into a hole (a block position with no bound block_id) return zeros, per
// §6 and §8's boundary behaviors — never an error.
func (fs *FsState) Read(ctx context.Context, inode uint64, offset int64, length int) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.store.GetInode(ctx, inode)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= int64(ino.Size) || length <= 0 {
		return nil, nil
	}
	if remaining := int64(ino.Size) - offset; int64(length) > remaining {
		length = int(remaining)
	}

	out := make([]byte, 0, length)
	pos := uint64(offset)
	left := uint64(length)
	for left > 0 {
		blockno := pos / fs.blocksize
		blockOff := pos % fs.blocksize
		n := fs.blocksize - blockOff
		if left < n {
			n = left
		}

		chunk, err := fs.readBlockRange(ctx, inode, blockno, blockOff, n)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		pos += n
		left -= n
	}

	if err := fs.store.TouchInode(ctx, inode, true); err != nil {
		return nil, err
	}
	return out, nil
}

// readBlockRange returns n bytes starting at blockOff within one block,
// resolving the block from cache, or from the backend on a cache miss, or
// as zeros if the position is a hole.
func (fs *FsState) readBlockRange(ctx context.Context, inode, blockno, blockOff, n uint64) ([]byte, error) {
	key := blockcache.Key{Inode: inode, Blockno: blockno}

	if _, cached := fs.cache.Lookup(key); cached {
		return fs.readFromHandle(key, blockOff, n)
	}

	blockID, err := fs.store.BlockAt(ctx, inode, blockno)
	if err != nil {
		return nil, err
	}
	if blockID == nil {
		return make([]byte, n), nil
	}

	data, err := fs.downloadBlock(ctx, *blockID)
	if err != nil {
		return nil, err
	}
	if _, err := fs.cache.Insert(key, *blockID, data); err != nil {
		return nil, err
	}
	return fs.readFromHandle(key, blockOff, n)
}

func (fs *FsState) readFromHandle(key blockcache.Key, blockOff, n uint64) ([]byte, error) {
	h, err := fs.cache.Get(context.Background(), key, false)
	if err != nil {
		return nil, err
	}
	defer fs.cache.Release(key, h.Size, false)

	f, err := os.Open(h.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, int64(blockOff))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

// downloadBlock fetches, decompresses, and integrity-checks a block's
// backend payload. A hash mismatch is fatal for this request and marks
// the filesystem needing fsck, per §7.
func (fs *FsState) downloadBlock(ctx context.Context, blockID uint64) ([]byte, error) {
	blk, err := fs.store.BlockByID(ctx, blockID)
	if err != nil {
		return nil, err
	}
	obj, err := fs.store.ObjectByID(ctx, blk.ObjID)
	if err != nil {
		return nil, err
	}

	rc, err := fs.backend.Get(ctx, uploader.DataKey(obj.ID))
	if err != nil {
		return nil, err
	}
	compressed, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}

	raw, err := uploader.Decompress(compressed, obj.UncompressedSize)
	if err != nil {
		return nil, fmt.Errorf("decompress object %d: %w", obj.ID, err)
	}

	hash := metastore.HashBytes(raw)
	if !bytes.Equal(hash[:], blk.Hash) {
		_ = fs.store.SetNeedsFsck(ctx, true)
		fs.encounteredErrors = true
		return nil, fmt.Errorf("fsstate: hash mismatch downloading block %d (object %d)", blockID, obj.ID)
	}
	return raw, nil
}

// Write stores data at offset, extending the file and creating holes in
// any untouched blocks skipped by a write past the current end-of-file.
// Returns the number of bytes written.
func (fs *FsState) Write(ctx context.Context, inode uint64, offset int64, data []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if offset < 0 {
		return 0, fmt.Errorf("fsstate: negative write offset")
	}
	ino, err := fs.store.GetInode(ctx, inode)
	if err != nil {
		return 0, err
	}

	pos := uint64(offset)
	remaining := data
	for len(remaining) > 0 {
		blockno := pos / fs.blocksize
		blockOff := pos % fs.blocksize
		n := fs.blocksize - blockOff
		if uint64(len(remaining)) < n {
			n = uint64(len(remaining))
		}

		if err := fs.writeBlockRange(ctx, inode, blockno, blockOff, remaining[:n]); err != nil {
			return int(pos) - int(offset), err
		}
		pos += n
		remaining = remaining[n:]
	}

	if newSize := uint64(offset) + uint64(len(data)); newSize > ino.Size {
		if err := fs.store.SetInodeSize(ctx, inode, newSize); err != nil {
			return len(data), err
		}
	}
	if err := fs.store.TouchInode(ctx, inode, false); err != nil {
		return len(data), err
	}
	return len(data), nil
}

// writeBlockRange writes chunk at blockOff within one block, bringing the
// block into the cache (reading its current content first if it is not
// already resident and this is a partial-block write) before modifying it.
func (fs *FsState) writeBlockRange(ctx context.Context, inode, blockno, blockOff uint64, chunk []byte) error {
	key := blockcache.Key{Inode: inode, Blockno: blockno}

	_, cached := fs.cache.Lookup(key)
	if !cached {
		if blockOff != 0 || uint64(len(chunk)) < fs.blocksize {
			// Partial write to a block not yet in cache: pull in whatever
			// content currently exists (or a hole of zeros) so the
			// untouched portion of the block isn't lost.
			blockID, err := fs.store.BlockAt(ctx, inode, blockno)
			if err != nil {
				return err
			}
			if blockID != nil {
				data, err := fs.downloadBlock(ctx, *blockID)
				if err != nil {
					return err
				}
				if _, err := fs.cache.Insert(key, *blockID, data); err != nil {
					return err
				}
			}
		}
	}

	h, err := fs.cache.Get(ctx, key, true)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(h.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		fs.cache.Release(key, h.Size, false)
		return err
	}
	if _, err := f.WriteAt(chunk, int64(blockOff)); err != nil {
		f.Close()
		fs.cache.Release(key, h.Size, false)
		return err
	}
	f.Close()

	newSize := h.Size
	if end := blockOff + uint64(len(chunk)); end > newSize {
		newSize = end
	}
	fs.cache.Release(key, newSize, true)
	logger.Debug("block written", logger.KeyInode, inode, logger.KeyBlockno, blockno)
	return nil
}

// Truncate sets inode's logical size, zero-filling any new bytes and
// discarding blocks beyond the new end-of-file. ftruncate(len) twice in a
// row is a no-op on the backend, per §8, since the second call finds
// nothing to release.
func (fs *FsState) Truncate(ctx context.Context, inode uint64, size uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.store.GetInode(ctx, inode)
	if err != nil {
		return err
	}
	if size == ino.Size {
		return nil
	}

	if size < ino.Size {
		firstDead := size / fs.blocksize
		if size%fs.blocksize != 0 {
			firstDead++
		}
		lastBlock := ino.Size / fs.blocksize
		for bn := firstDead; bn <= lastBlock; bn++ {
			if err := fs.releaseBlockPosition(ctx, inode, bn); err != nil {
				return err
			}
		}

		if size%fs.blocksize != 0 {
			if err := fs.truncateBlockTail(ctx, inode, size/fs.blocksize, size%fs.blocksize); err != nil {
				return err
			}
		}
	}

	if err := fs.store.SetInodeSize(ctx, inode, size); err != nil {
		return err
	}
	return fs.store.TouchInode(ctx, inode, false)
}

// releaseBlockPosition unbinds and releases whatever block occupies
// (inode, blockno), evicting any cached copy and queuing backend removal
// for an object that becomes orphaned.
func (fs *FsState) releaseBlockPosition(ctx context.Context, inode, blockno uint64) error {
	key := blockcache.Key{Inode: inode, Blockno: blockno}
	if state, ok := fs.cache.Lookup(key); ok && state != blockcache.StateClean {
		// Drain any pending upload before discarding local state so the
		// upload worker doesn't reference a position that no longer
		// exists.
		if err := fs.uploader.JoinOne(ctx, key); err != nil {
			return err
		}
	}

	orphaned, err := fs.store.UnbindPosition(ctx, inode, blockno)
	if err != nil {
		return err
	}
	if orphaned != nil {
		fs.uploader.QueueRemoval(*orphaned)
	}
	fs.cache.Discard(key) // the position is gone; a stale cached file must not outlive it
	return nil
}

func (fs *FsState) truncateBlockTail(ctx context.Context, inode, blockno, newLen uint64) error {
	key := blockcache.Key{Inode: inode, Blockno: blockno}

	if _, cached := fs.cache.Lookup(key); !cached {
		blockID, err := fs.store.BlockAt(ctx, inode, blockno)
		if err != nil {
			return err
		}
		if blockID == nil {
			return nil
		}
		data, err := fs.downloadBlock(ctx, *blockID)
		if err != nil {
			return err
		}
		if _, err := fs.cache.Insert(key, *blockID, data); err != nil {
			return err
		}
	}

	h, err := fs.cache.Get(ctx, key, true)
	if err != nil {
		return err
	}
	if err := os.Truncate(h.Path, int64(newLen)); err != nil {
		fs.cache.Release(key, h.Size, false)
		return err
	}
	fs.cache.Release(key, newLen, true)
	return nil
}

// Fsync schedules every dirty block of inode for upload and waits for the
// pipeline to drain. Two consecutive fsyncs of an unchanged file upload
// zero bytes, per §8: the second call finds no dirty keys.
func (fs *FsState) Fsync(ctx context.Context, inode uint64) error {
	fs.mu.Lock()
	keys := fs.cache.DirtyKeys(inode)
	waits := make([]<-chan error, 0, len(keys))
	for _, key := range keys {
		waits = append(waits, fs.uploader.Add(key))
	}
	fs.mu.Unlock()

	for _, w := range waits {
		select {
		case err := <-w:
			if err != nil {
				fs.mu.Lock()
				fs.encounteredErrors = true
				fs.mu.Unlock()
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
