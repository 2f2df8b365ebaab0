// Package backend abstracts the remote key/value object store the block
// management core uploads compressed blocks and metadata dumps to. It
// mirrors SPEC_FULL.md §4.2: a small lookup/get/put/delete/list/clear
// surface plus a capability declaration describing the consistency model
// callers must tolerate.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNoSuchKey is returned by Lookup and Get when the requested key does
// not exist in the backend. Delete of a missing key succeeds instead.
var ErrNoSuchKey = errors.New("backend: no such key")

// ObjectMeta is the metadata dictionary returned by Lookup and accepted by
// Put. Keys are small, implementation-defined strings (e.g. "format",
// checksum hints); the backend does not interpret them.
type ObjectMeta map[string]string

// Capabilities describes the consistency guarantees a backend provides.
// The upload manager and commit protocol use these flags to decide
// whether an operation's result can be trusted immediately or must be
// retried/polled, per SPEC_FULL.md §4.2 and §4.5.
type Capabilities struct {
	// ReadAfterCreateConsistent is true if a Get/Lookup immediately after a
	// successful Put is guaranteed to observe the new object.
	ReadAfterCreateConsistent bool

	// ReadAfterDeleteConsistent is true if a Get/Lookup immediately after a
	// successful Delete is guaranteed to observe the key as absent.
	ReadAfterDeleteConsistent bool

	// ListAfterDeleteConsistent is true if a List call immediately after a
	// successful Delete is guaranteed to omit the deleted key.
	ListAfterDeleteConsistent bool

	// IsGetConsistent is true if Get always returns the most recently
	// Put value for a key (no stale-read window at all, stronger than
	// ReadAfterCreateConsistent which only covers the create case).
	IsGetConsistent bool
}

// Backend is the storage abstraction every block, metadata dump, and
// sequence-number marker is written through. Implementations need not be
// safe for a key to be written and read back without synchronization
// beyond what their declared Capabilities promise.
type Backend interface {
	// Capabilities reports the consistency model this backend instance
	// provides. It is fixed for the lifetime of the Backend value.
	Capabilities() Capabilities

	// Lookup returns the metadata dictionary for key without transferring
	// its data. It returns ErrNoSuchKey if the key does not exist.
	Lookup(ctx context.Context, key string) (ObjectMeta, error)

	// Get streams the data stored under key. The caller must close the
	// returned reader. It returns ErrNoSuchKey if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put writes data under key with the given metadata, replacing any
	// existing value.
	Put(ctx context.Context, key string, data io.Reader, meta ObjectMeta) error

	// Delete removes key. It is idempotent: deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// List returns every key with the given prefix, in no particular
	// order. Implementations that cannot guarantee ListAfterDeleteConsistent
	// may transiently include keys that were just deleted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Clear removes every object in the backend. It exists for mkfs and
	// test setup, not for normal operation.
	Clear(ctx context.Context) error
}
