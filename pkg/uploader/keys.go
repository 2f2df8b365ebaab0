package uploader

import (
	"fmt"
	"strconv"
	"strings"
)

// DataKeyPrefix is the common prefix of every object payload key.
const DataKeyPrefix = "s3ql_data_"

// DataKey returns the backend key an object's compressed payload lives
// under, per SPEC_FULL.md §3's `s3ql_data_<obj_id>` convention.
func DataKey(objID uint64) string {
	return fmt.Sprintf("%s%d", DataKeyPrefix, objID)
}

// ParseDataKey extracts the object id from a key produced by DataKey, or
// reports ok=false if key doesn't have the expected prefix/shape.
func ParseDataKey(key string) (objID uint64, ok bool) {
	suffix, found := strings.CutPrefix(key, DataKeyPrefix)
	if !found {
		return 0, false
	}
	id, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// MetadataKey is the current metadata dump's backend key.
const MetadataKey = "s3ql_metadata"

// MetadataBackupKey returns the backend key for the n-th rotated
// metadata generation (0 is the most recently rotated).
func MetadataBackupKey(n int) string {
	return fmt.Sprintf("s3ql_metadata_bak_%d", n)
}

// SeqNoKeyPrefix is the common prefix of every sequence-number marker.
const SeqNoKeyPrefix = "s3ql_seq_no_"

// SeqNoKey returns the backend key for the zero-byte sequence-number
// marker at epoch k.
func SeqNoKey(k uint64) string {
	return fmt.Sprintf("%s%d", SeqNoKeyPrefix, k)
}

// ParseSeqNoKey extracts the epoch from a key produced by SeqNoKey.
func ParseSeqNoKey(key string) (k uint64, ok bool) {
	suffix, found := strings.CutPrefix(key, SeqNoKeyPrefix)
	if !found {
		return 0, false
	}
	n, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
