package fsstate

import (
	"context"
	"fmt"

	"github.com/blockvault/s3vfs/internal/logger"
)

// Link creates a directory entry pointing at inode, delegating to the
// metadata store under the global lock.
func (fs *FsState) Link(ctx context.Context, parentInode uint64, name string, inode uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.store.Link(ctx, parentInode, name, inode)
}

// Unlink removes a directory entry. If the target inode's refcount drops
// to zero, every block position it holds is released and the inode row
// is deleted — the "unlink deletes at refcount 0, not before" rule a live
// file descriptor depends on is enforced by callers only invoking Unlink
// once the FUSE layer has confirmed no descriptor remains open, which is
// outside this package's scope.
func (fs *FsState) Unlink(ctx context.Context, parentInode uint64, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inode, remaining, err := fs.store.Unlink(ctx, parentInode, name)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return fs.releaseAllBlocksLocked(ctx, inode)
}

// releaseAllBlocksLocked truncates inode to zero length, releasing its
// inline slot and every inode_blocks row, then deletes the inode row.
// Caller must hold fs.mu.
func (fs *FsState) releaseAllBlocksLocked(ctx context.Context, inode uint64) error {
	ino, err := fs.store.GetInode(ctx, inode)
	if err != nil {
		return err
	}

	lastBlock := uint64(0)
	if ino.Size > 0 {
		lastBlock = (ino.Size - 1) / fs.blocksize
	}
	for bn := uint64(0); bn <= lastBlock; bn++ {
		if err := fs.releaseBlockPosition(ctx, inode, bn); err != nil {
			return fmt.Errorf("fsstate: release block %d of inode %d: %w", bn, inode, err)
		}
	}

	if err := fs.store.DeleteInode(ctx, inode); err != nil {
		return err
	}
	logger.Debug("inode deleted", logger.KeyInode, inode)
	return nil
}

// CreateFile allocates a new regular-file inode and links it into
// parentInode under name in one step.
func (fs *FsState) CreateFile(ctx context.Context, parentInode uint64, name string, mode, uid, gid uint32) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.store.NewInode(ctx, mode, uid, gid, 0)
	if err != nil {
		return 0, err
	}
	if err := fs.store.Link(ctx, parentInode, name, ino.ID); err != nil {
		return 0, err
	}
	return ino.ID, nil
}
