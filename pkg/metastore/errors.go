package metastore

import "fmt"

// Kind categorizes a metadata store error so callers can decide whether to
// retry, surface EIO, or mark the filesystem needing fsck.
//
// Kind replaces exception-as-control-flow: every failure path below the
// store returns one of these instead of a bare error, so the filesystem
// surface can map each case to an errno without inspecting error strings.
type Kind int

const (
	// KindNotFound means the requested row does not exist. Distinct from a
	// query failure: the query succeeded, the row is simply absent.
	KindNotFound Kind = iota

	// KindConstraintViolation means a unique or foreign-key constraint was
	// violated (e.g. two blocks racing to claim the same content hash).
	KindConstraintViolation

	// KindCorrupt means the store failed its own integrity check. Fatal:
	// callers must abort the current operation and require fsck.
	KindCorrupt

	// KindInvariantViolated means an in-memory refcount assertion failed
	// before being written back. Fatal, same handling as KindCorrupt.
	KindInvariantViolated

	// KindTransient means the underlying database reported a retryable
	// failure (lock contention, busy timeout).
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConstraintViolation:
		return "ConstraintViolation"
	case KindCorrupt:
		return "Corrupt"
	case KindInvariantViolated:
		return "InvariantViolated"
	case KindTransient:
		return "Transient"
	default:
		return "Unknown"
	}
}

// Error wraps a metadata store failure with its Kind and an optional
// underlying cause. Protocol handlers switch on Kind, not on the message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NoSuchRow reports that a query succeeded but found no matching row.
func NoSuchRow(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Corrupt reports that the store failed PRAGMA integrity_check or an
// equivalent structural check.
func Corrupt(message string, cause error) *Error {
	return &Error{Kind: KindCorrupt, Message: message, Cause: cause}
}

// ConstraintViolation reports a unique/foreign-key violation.
func ConstraintViolation(message string, cause error) *Error {
	return &Error{Kind: KindConstraintViolation, Message: message, Cause: cause}
}

// InvariantViolated reports a refcount or graph invariant failure.
func InvariantViolated(message string) *Error {
	return &Error{Kind: KindInvariantViolated, Message: message}
}

// Transient reports a retryable database failure.
func Transient(message string, cause error) *Error {
	return &Error{Kind: KindTransient, Message: message, Cause: cause}
}

// IsKind reports whether err (or something it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if me, ok := err.(*Error); ok {
			e = me
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == k
}
