package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging across the block management
// core. Use these keys consistently so log aggregation and querying stay
// coherent between the cache, the uploader, the metadata store and the
// commit protocol.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Upcall / Operation
	// ========================================================================
	KeyOperation  = "operation" // READ, WRITE, TRUNCATE, UNLINK, FSYNC, ...
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorKind  = "error_kind" // Transient, NotFound, HashMismatch, Corrupt, InvariantViolated, Timeout

	// ========================================================================
	// Inode / Block / Object identity
	// ========================================================================
	KeyInode     = "inode"
	KeyBlockno   = "blockno"
	KeyBlockID   = "block_id"
	KeyObjectID  = "object_id"
	KeyHash      = "hash"
	KeyRefcount  = "refcount"
	KeySize      = "size"
	KeyComprSize = "compr_size"

	// ========================================================================
	// Cache
	// ========================================================================
	KeyCacheState    = "cache_state" // clean, dirty, in_transit, modified_after_upload
	KeyCacheBytes    = "cache_bytes"
	KeyCacheCapacity = "cache_capacity"
	KeyEvicted       = "evicted"

	// ========================================================================
	// Upload pipeline
	// ========================================================================
	KeyStage        = "stage" // compress, upload, removal
	KeyTransitBytes = "transit_bytes"
	KeyAttempt      = "attempt"
	KeyMaxRetries   = "max_retries"

	// ========================================================================
	// Backend
	// ========================================================================
	KeyBackendKey = "backend_key"
	KeyBucket     = "bucket"

	// ========================================================================
	// Commit protocol / fsck
	// ========================================================================
	KeySeqNo     = "seq_no"
	KeyRevision  = "revision"
	KeyNeedsFsck = "needs_fsck"
	KeyMaxInode  = "max_inode"
	KeyInodeGen  = "inode_gen"
)

// TraceID returns a slog.Attr for the OpenTelemetry trace ID.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// SpanID returns a slog.Attr for the OpenTelemetry span ID.
func SpanID(id string) slog.Attr { return slog.String(KeySpanID, id) }

// Operation returns a slog.Attr naming the filesystem upcall in progress.
func Operation(op string) slog.Attr { return slog.String(KeyOperation, op) }

// Err returns a slog.Attr for an error value, or an empty attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Inode returns a slog.Attr for an inode id.
func Inode(id uint64) slog.Attr { return slog.Uint64(KeyInode, id) }

// Blockno returns a slog.Attr for a block offset within a file.
func Blockno(n uint64) slog.Attr { return slog.Uint64(KeyBlockno, n) }

// BlockID returns a slog.Attr for a dedup block row id.
func BlockID(id int64) slog.Attr { return slog.Int64(KeyBlockID, id) }

// ObjectID returns a slog.Attr for a backend object row id.
func ObjectID(id int64) slog.Attr { return slog.Int64(KeyObjectID, id) }

// Hash returns a slog.Attr for a content hash, hex-encoded for readability.
func Hash(h [32]byte) slog.Attr { return slog.String(KeyHash, fmt.Sprintf("%x", h)) }

// Stage returns a slog.Attr naming an upload pipeline stage.
func Stage(name string) slog.Attr { return slog.String(KeyStage, name) }

// SeqNo returns a slog.Attr for the filesystem's current sequence number.
func SeqNo(n uint64) slog.Attr { return slog.Uint64(KeySeqNo, n) }
