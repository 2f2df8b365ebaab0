package blockcache

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/blockvault/s3vfs/internal/logger"
)

// Cache is the bounded on-disk block cache. All methods are safe for
// concurrent use.
type Cache struct {
	dir      string
	capacity uint64

	mu      sync.Mutex
	entries map[Key]*entry
	lru     *list.List // front = most recently used
	bytes   uint64
}

// Open prepares the cache directory (creating it if necessary) and
// returns an empty Cache bounded to capacity bytes. Any files already in
// dir from a prior run are not scanned in; callers that need warm-start
// behavior should repopulate via Get/Write themselves, matching the
// teacher's policy of starting caches cold after a crash.
func Open(dir string, capacity uint64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:      dir,
		capacity: capacity,
		entries:  make(map[Key]*entry),
		lru:      list.New(),
	}, nil
}

// Dir returns the cache's backing directory.
func (c *Cache) Dir() string { return c.dir }

// Stats snapshots current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Entries: len(c.entries), Bytes: c.bytes, Capacity: c.capacity}
	for _, e := range c.entries {
		switch e.state {
		case StateDirty, StateModifiedAfterUpload:
			s.Dirty++
		case StateInTransit:
			s.InTransit++
		}
	}
	return s
}

// Get pins the block at key, creating a new (empty, dirty) entry if none
// exists and forWrite is true. It evicts least-recently-used clean
// entries as needed to stay under capacity; ErrCacheFull is returned if
// capacity cannot be satisfied because nothing is evictable.
//
// The caller opens Handle.Path itself (os.OpenFile) to read or write; the
// cache only tracks which file currently holds the block's data and in
// which state.
func (c *Cache) Get(ctx context.Context, key Key, forWrite bool) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		if !forWrite {
			return Handle{}, os.ErrNotExist
		}
		if err := c.evictLocked(0); err != nil {
			return Handle{}, err
		}
		e = &entry{key: key, state: StateDirty}
		c.entries[key] = e
		e.lruEl = c.lru.PushFront(e)
	} else {
		c.lru.MoveToFront(e.lruEl)
		if forWrite && e.state == StateClean {
			// A write marks the block dirty by moving its file to name.d.
			if err := os.Rename(e.cleanPath(c.dir), e.dirtyPath(c.dir)); err != nil {
				return Handle{}, fmt.Errorf("blockcache: mark %s dirty: %w", key, err)
			}
			e.state = StateDirty
		}
		if forWrite && e.state == StateInTransit {
			e.state = StateModifiedAfterUpload
			logger.Debug("block modified during upload", logger.KeyInode, key.Inode, logger.KeyBlockno, key.Blockno)
		}
	}

	e.pinned++
	return Handle{Key: key, Path: e.activePath(c.dir), State: e.state, Size: e.size}, nil
}

// Release unpins a block previously returned by Get. newSize is the
// block's size after the caller's I/O (pass the same size for read-only
// access); wroteData must be true if the caller wrote to Handle.Path,
// which keeps (or moves) the entry in a dirty state.
func (c *Cache) Release(key Key, newSize uint64, wroteData bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}

	if newSize != e.size {
		if newSize > e.size {
			c.bytes += newSize - e.size
		} else {
			c.bytes -= e.size - newSize
		}
		e.size = newSize
	}
	if wroteData && e.state == StateClean {
		e.state = StateDirty
	}

	if e.pinned > 0 {
		e.pinned--
	}
}

// Lookup returns the current state of a cached block without pinning it,
// or false if the block is not cached.
func (c *Cache) Lookup(key Key) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	return e.state, true
}
