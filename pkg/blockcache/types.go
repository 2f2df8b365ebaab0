// Package blockcache implements the bounded on-disk cache of block
// contents described in SPEC_FULL.md §4.3: one file per cached
// (inode, blockno) pair, LRU eviction among clean entries that are not
// pinned, and the dirty-commit protocol that hands data off to the
// upload manager via an atomic rename.
package blockcache

import (
	"errors"
	"fmt"
)

// ErrCacheFull is returned by Get when a new block cannot be admitted
// because eviction could not free enough space (every entry is pinned,
// dirty, or in transit).
var ErrCacheFull = errors.New("blockcache: cache full, nothing evictable")

// Key identifies one cached block.
type Key struct {
	Inode   uint64
	Blockno uint64
}

func (k Key) String() string { return fmt.Sprintf("%d-%d", k.Inode, k.Blockno) }

// State is a cached block's position in the dirty-commit protocol.
type State int

const (
	// StateClean holds data identical to what is (or will be) durable in
	// the backend under BlockID. Stored at the entry's clean path.
	StateClean State = iota

	// StateDirty has been written since it was last clean (or was never
	// uploaded). Stored at the entry's dirty path (name.d).
	StateDirty

	// StateInTransit is a dirty block whose dirty-path contents have been
	// handed to the upload manager; a commit (rename name.d -> name) is
	// pending its result.
	StateInTransit

	// StateModifiedAfterUpload is an in-transit block that received a new
	// write before its upload finished. The in-flight upload's result must
	// be discarded (no commit rename) and the block re-enqueued.
	StateModifiedAfterUpload
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateInTransit:
		return "in_transit"
	case StateModifiedAfterUpload:
		return "modified_after_upload"
	default:
		return "unknown"
	}
}

// Stats reports cache occupancy for observability.
type Stats struct {
	Entries   int
	Bytes     uint64
	Capacity  uint64
	Dirty     int
	InTransit int
}
