package blockcache

import (
	"container/list"
	"path/filepath"
)

// entry is the cache's bookkeeping record for one block. Its exported
// snapshot is returned to callers as Handle so internal pointers (lru
// element, path) never escape the package unsynchronized.
type entry struct {
	key   Key
	state State
	size  uint64

	// blockID is the backend block this entry's clean content is bound to
	// once an upload commits. Nil for a block that has never been
	// uploaded; a later dirty rewrite leaves it set until the next commit.
	blockID *uint64

	pinned int // open Handles; pinned entries are never evicted
	lruEl  *list.Element
}

func (e *entry) cleanPath(dir string) string {
	return filepath.Join(dir, e.key.String())
}

func (e *entry) dirtyPath(dir string) string {
	return e.cleanPath(dir) + ".d"
}

// activePath is the file a caller should read/write right now: the dirty
// path whenever one is in play (dirty, in-transit, or modified-after-
// upload all keep their data at name.d until a commit succeeds), the
// clean path otherwise.
func (e *entry) activePath(dir string) string {
	if e.state == StateClean {
		return e.cleanPath(dir)
	}
	return e.dirtyPath(dir)
}

// Handle is a pinned reference to a cached block, returned by Cache.Get.
// The caller must call Cache.Release exactly once per Handle.
type Handle struct {
	Key   Key
	Path  string
	State State
	Size  uint64
}
