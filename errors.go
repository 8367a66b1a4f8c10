package keystone

import (
	"errors"
	"fmt"
)

// Kind is the stable, implementation-independent error taxonomy every
// operation's failures map onto.
type Kind uint8

const (
	// IOError wraps an underlying OS read/write/fsync failure. Retryable.
	IOError Kind = iota
	// Corruption marks a checksum, magic, or invariant violation. Not retryable.
	Corruption
	// NotFound means the key has no live record — an ordinary negative result.
	NotFound
	// AlreadyExists means Open was called with create semantics against an
	// existing database path.
	AlreadyExists
	// InvalidArgument covers an empty key, a malformed expression, or an
	// illegal configuration value.
	InvalidArgument
	// ConditionalCheckFailed means a single-key write's condition evaluated false.
	ConditionalCheckFailed
	// TransactionCanceled means at least one op's condition in a
	// transact_write failed. Retryable with fresh reads.
	TransactionCanceled
	// InvalidExpression means an update/condition expression could not be parsed.
	InvalidExpression
	// InvalidQuery means query/scan parameters conflict or are incomplete.
	InvalidQuery
	// ResourceExhausted means disk-full, disk-quota, or a configured size
	// cap was exceeded. Retryable.
	ResourceExhausted
	// ChecksumMismatch is corruption specialized to an on-disk checksum failure.
	ChecksumMismatch
)

func (k Kind) String() string {
	switch k {
	case IOError:
		return "IO_ERROR"
	case Corruption:
		return "CORRUPTION"
	case NotFound:
		return "NOT_FOUND"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case ConditionalCheckFailed:
		return "CONDITIONAL_CHECK_FAILED"
	case TransactionCanceled:
		return "TRANSACTION_CANCELED"
	case InvalidExpression:
		return "INVALID_EXPRESSION"
	case InvalidQuery:
		return "INVALID_QUERY"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case ChecksumMismatch:
		return "CHECKSUM_MISMATCH"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether this kind is worth retrying by the caller —
// and for TransactionCanceled, only after taking fresh reads.
func (k Kind) Retryable() bool {
	switch k {
	case IOError, TransactionCanceled, ResourceExhausted:
		return true
	default:
		return false
	}
}

// Error is the error type every exported operation returns on failure. Op
// names the operation that failed (e.g. "put", "transact_write") and Err,
// when set, is the underlying cause for errors.Unwrap/errors.Is chains.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("keystone: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("keystone: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an *Error, the one constructor every error path in this
// package funnels through.
func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsKind reports whether err is a *Error of the given kind, unwrapping
// normally via errors.As.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
