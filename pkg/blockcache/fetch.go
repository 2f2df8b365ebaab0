package blockcache

import "os"

// Insert populates the cache with a block just downloaded from the
// backend on a read miss, per §4.3: "if not cached ... downloads ...
// into the cache ... and inserts." The entry starts clean (the content
// matches what the backend holds) and pinned, ready for the caller's
// read; Release must be called once the caller is done with Handle.Path.
//
// If another goroutine raced this one and already inserted the same key,
// the existing entry is pinned and returned instead of writing a second
// copy.
func (c *Cache) Insert(key Key, blockID uint64, data []byte) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.lru.MoveToFront(e.lruEl)
		e.pinned++
		return Handle{Key: key, Path: e.activePath(c.dir), State: e.state, Size: e.size}, nil
	}

	if err := c.evictLocked(uint64(len(data))); err != nil {
		return Handle{}, err
	}

	id := blockID
	e := &entry{key: key, state: StateClean, size: uint64(len(data)), blockID: &id}
	if err := os.WriteFile(e.cleanPath(c.dir), data, 0o600); err != nil {
		return Handle{}, err
	}

	c.entries[key] = e
	e.lruEl = c.lru.PushFront(e)
	c.bytes += e.size
	e.pinned++

	return Handle{Key: key, Path: e.cleanPath(c.dir), State: e.state, Size: e.size}, nil
}
