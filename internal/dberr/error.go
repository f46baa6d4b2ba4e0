// Package dberr defines the flat error taxonomy surfaced to every caller of
// the engine: parser, binder, storage, transaction manager and connection
// façade all return errors tagged with one of these Kinds instead of
// ad-hoc sentinel values.
package dberr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies an engine error for callers that need to branch on it
// (e.g. the connection façade deciding whether a transaction must abort).
type Kind int

const (
	// Internal is the zero value on purpose: an unclassified error is a bug.
	Internal Kind = iota
	SqlParse
	SchemaMismatch
	ConstraintViolation
	WriteConflict
	NotFound
	Io
	Corruption
	NestedTransaction
	NoActiveTransaction
	ArithmeticError
)

func (k Kind) String() string {
	switch k {
	case SqlParse:
		return "SqlParse"
	case SchemaMismatch:
		return "SchemaMismatch"
	case ConstraintViolation:
		return "ConstraintViolation"
	case WriteConflict:
		return "WriteConflict"
	case NotFound:
		return "NotFound"
	case Io:
		return "Io"
	case Corruption:
		return "Corruption"
	case NestedTransaction:
		return "NestedTransaction"
	case NoActiveTransaction:
		return "NoActiveTransaction"
	case ArithmeticError:
		return "ArithmeticError"
	default:
		return "Internal"
	}
}

// Error wraps a Kind around a cockroachdb/errors cause so the original
// stack trace and wrapped chain survive while callers can still recover
// the flat taxonomy with errors.As.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Kind reports the flat taxonomy tag for this error.
func (e *Error) Kind() Kind { return e.kind }

// New builds a fresh Error of the given kind with no wrapped cause.
func New(k Kind, format string, args ...any) error {
	return errors.WithStack(&Error{kind: k, msg: fmt.Sprintf(format, args...)})
}

// Wrap attaches a Kind to an existing error, preserving it as the cause.
func Wrap(k Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return New(k, format, args...)
	}
	return errors.WithStack(&Error{kind: k, msg: fmt.Sprintf(format, args...), err: cause})
}

// KindOf extracts the Kind from err, defaulting to Internal if err does not
// wrap a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Internal
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
