package blockcache

import (
	"container/list"
	"os"

	"github.com/blockvault/s3vfs/internal/logger"
)

// evictLocked frees at least need bytes (on top of whatever is already
// free under capacity) by removing least-recently-used clean, unpinned
// entries. Caller must hold c.mu.
func (c *Cache) evictLocked(need uint64) error {
	if c.capacity == 0 {
		return nil // unbounded cache, e.g. in tests
	}

	for c.bytes+need > c.capacity {
		victim := c.findEvictableLocked()
		if victim == nil {
			return ErrCacheFull
		}
		c.removeEntryLocked(victim)
	}
	return nil
}

// findEvictableLocked walks the LRU list from least to most recently
// used, returning the first entry that is clean and unpinned.
func (c *Cache) findEvictableLocked() *entry {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.pinned == 0 && e.state == StateClean {
			return e
		}
	}
	return nil
}

func (c *Cache) removeEntryLocked(e *entry) {
	if err := os.Remove(e.cleanPath(c.dir)); err != nil && !os.IsNotExist(err) {
		logger.Warn("evict: remove cache file failed", logger.KeyInode, e.key.Inode,
			logger.KeyBlockno, e.key.Blockno, logger.KeyError, err)
	}
	c.bytes -= e.size
	c.lru.Remove(e.lruEl)
	delete(c.entries, e.key)
}

// EvictUntil opportunistically evicts least-recently-used clean entries
// until at least freeBytes are free, or nothing more can be evicted. It
// never returns an error: a caller driving background eviction under
// memory pressure has no dirty data to wait on, only a best effort to
// make.
func (c *Cache) EvictUntil(freeBytes uint64) (evicted int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.capacity > 0 && (c.capacity-min(c.bytes, c.capacity)) < freeBytes {
		victim := c.findEvictableLocked()
		if victim == nil {
			break
		}
		c.removeEntryLocked(victim)
		evicted++
	}
	return evicted
}

// Discard drops the cached entry for key, if any, removing its backing
// file (clean or dirty, whichever is current) and forgetting its state.
// Used when metadata invalidates a position out from under the cache —
// unbound by a truncate or unlink — so a later write can't resurrect a
// stale file's bytes into what should read as a fresh block or a hole.
func (c *Cache) Discard(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}

	path := e.cleanPath(c.dir)
	if e.state != StateClean {
		path = e.dirtyPath(c.dir)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("discard: remove cache file failed", logger.KeyInode, key.Inode,
			logger.KeyBlockno, key.Blockno, logger.KeyError, err)
	}
	c.bytes -= e.size
	c.lru.Remove(e.lruEl)
	delete(c.entries, key)
}

// DropAll removes every cached file and resets the cache to empty. It is
// used on unmount, after every dirty block has been flushed and
// committed; callers must ensure that invariant themselves.
func (c *Cache) DropAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, e := range c.entries {
		path := e.cleanPath(c.dir)
		if e.state != StateClean {
			path = e.dirtyPath(c.dir)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	c.entries = make(map[Key]*entry)
	c.lru = list.New()
	c.bytes = 0
	return firstErr
}
