package core

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies an error so callers can react without string matching.
type Kind uint8

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindSizeMismatch
	KindChecksumMismatch
	KindPreconditionFailed
	KindConflict
	KindMissingChunk
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindNotFound:
		return "not found"
	case KindSizeMismatch:
		return "size mismatch"
	case KindChecksumMismatch:
		return "checksum mismatch"
	case KindPreconditionFailed:
		return "precondition failed"
	case KindConflict:
		return "conflict"
	case KindMissingChunk:
		return "missing chunk"
	default:
		return "internal error"
	}
}

// Error is the error type returned by the upload engine.
type Error struct {
	Kind    Kind
	Op      string // operation, e.g. "upload chunk"
	Message string // human-readable detail
	Err     error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind, and by message prefix when the sentinel
// has one.
// errors.Is(err, ErrNotFound) is true for any NotFound error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind && strings.HasPrefix(e.Message, t.Message)
}

var (
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrSizeMismatch       = &Error{Kind: KindSizeMismatch}
	ErrChecksumMismatch   = &Error{Kind: KindChecksumMismatch}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrMissingChunk       = &Error{Kind: KindMissingChunk}

	// ErrOutOfRange is the InvalidArgument returned for a chunk index
	// outside [0, TotalChunks).
	ErrOutOfRange = &Error{Kind: KindInvalidArgument, Message: "chunk index out of range"}

	// ErrNotIdle is the Conflict returned when a conditional delete finds
	// the upload was updated after the given cutoff.
	ErrNotIdle = &Error{Kind: KindConflict, Message: "upload is no longer idle"}
)

// ErrTooManyUploads is the Conflict returned when every processing slot stays
// busy for longer than the configured wait. Clients should retry after a
// short delay.
var ErrTooManyUploads = &Error{Kind: KindConflict, Message: "too many uploads in progress, please try again later"}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// lockError classifies a failure to acquire a lock. Waiting out ctx means
// someone else held the key, which is a retryable Conflict.
func lockError(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(KindConflict, op, "lock "+key+" is held", err)
	}
	return newError(KindInternal, op, "lock "+key, err)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the failed operation may succeed if repeated
// unchanged.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConflict
}
