// Package dberrors defines the single algebraic error type used across the
// storage and transaction core. Callers switch on Kind, never on message text.
package dberrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error so callers can decide whether to retry, surface
// the error to a client, or treat it as a fatal invariant violation.
type Kind int

const (
	Storage Kind = iota
	Wal
	Alloc
	InvalidInput
	Execution
	NotFound
	Unsupported
	Internal
)

func (k Kind) String() string {
	switch k {
	case Storage:
		return "StorageError"
	case Wal:
		return "WalError"
	case Alloc:
		return "AllocError"
	case InvalidInput:
		return "InvalidInput"
	case Execution:
		return "ExecutionError"
	case NotFound:
		return "NotFound"
	case Unsupported:
		return "Unsupported"
	case Internal:
		return "Internal"
	default:
		return "UnknownError"
	}
}

// Error wraps a Kind and a message, optionally chaining an underlying cause.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a new Error of the given kind, using pkg/errors so
// the resulting chain keeps a stack trace at the wrap site.
func Wrap(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
