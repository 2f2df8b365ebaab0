package blockcache

import (
	"fmt"
	"os"

	"github.com/blockvault/s3vfs/internal/logger"
)

// BeginUpload selects a dirty block for the upload manager to hash,
// compress, and upload, moving it to StateInTransit. The returned path
// is the dirty file (name.d); the upload manager reads it without
// holding the cache lock, so a concurrent write can still land and flip
// the entry to StateModifiedAfterUpload while the read is in flight —
// that race is exactly what the state machine exists to detect.
func (c *Cache) BeginUpload(key Key) (path string, size uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", 0, fmt.Errorf("blockcache: no entry for %s", key)
	}
	if e.state != StateDirty {
		return "", 0, fmt.Errorf("blockcache: entry %s is %s, not dirty", key, e.state)
	}

	e.state = StateInTransit
	return e.dirtyPath(c.dir), e.size, nil
}

// CommitUpload applies the result of a successful upload. If the entry
// is still StateInTransit (no write raced the upload), the dirty file is
// renamed onto the clean path atomically and the entry records blockID.
// If the entry became StateModifiedAfterUpload while the upload was in
// flight, the upload's result is discarded — the block is left dirty for
// re-upload — and committed reports false.
func (c *Cache) CommitUpload(key Key, blockID uint64) (committed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false, fmt.Errorf("blockcache: no entry for %s", key)
	}

	switch e.state {
	case StateInTransit:
		if err := os.Rename(e.dirtyPath(c.dir), e.cleanPath(c.dir)); err != nil {
			return false, fmt.Errorf("commit rename for %s: %w", key, err)
		}
		e.state = StateClean
		e.blockID = &blockID
		return true, nil

	case StateModifiedAfterUpload:
		e.state = StateDirty
		logger.Debug("discarding stale upload, block rewritten during transit",
			logger.KeyInode, key.Inode, logger.KeyBlockno, key.Blockno)
		return false, nil

	default:
		return false, fmt.Errorf("blockcache: entry %s is %s, not in transit", key, e.state)
	}
}

// AbortUpload returns an in-transit (or modified-after-upload) entry to
// StateDirty after a failed upload attempt, so it is retried.
func (c *Cache) AbortUpload(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("blockcache: no entry for %s", key)
	}
	if e.state != StateInTransit && e.state != StateModifiedAfterUpload {
		return fmt.Errorf("blockcache: entry %s is %s, not in transit", key, e.state)
	}
	e.state = StateDirty
	return nil
}

// BlockID returns the backend block currently bound to a cached entry's
// clean content, or nil if the entry has never been committed.
func (c *Cache) BlockID(key Key) *uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.blockID == nil {
		return nil
	}
	id := *e.blockID
	return &id
}

// DirtyKeys returns every key currently dirty, in transit, or modified
// after upload for a given inode — the set Fsync must wait to drain.
func (c *Cache) DirtyKeys(inode uint64) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []Key
	for k, e := range c.entries {
		if k.Inode != inode {
			continue
		}
		if e.state != StateClean {
			keys = append(keys, k)
		}
	}
	return keys
}

// AllDirtyKeys returns every key currently dirty, in transit, or modified
// after upload across every inode — the set unmount must drain before a
// metadata dump can be taken.
func (c *Cache) AllDirtyKeys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []Key
	for k, e := range c.entries {
		if e.state != StateClean {
			keys = append(keys, k)
		}
	}
	return keys
}
