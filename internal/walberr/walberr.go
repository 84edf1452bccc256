// Package walberr defines the error taxonomy shared by every role daemon.
package walberr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error categories from the protocol/error design.
type Kind int

const (
	// InvalidFormat marks a checksum mismatch, bad magic, or misaligned field.
	InvalidFormat Kind = iota
	// BadState marks an action illegal in the current state-machine state.
	BadState
	// NotFound marks a missing volume, diff, or server record.
	NotFound
	// IoError marks a failed underlying read or write.
	IoError
	// Timeout marks a socket or operation that exceeded its deadline.
	Timeout
	// Overflow marks an irrecoverable wdev log-ring overflow.
	Overflow
	// ProtocolMismatch marks a greeting mismatch or stream-control misuse.
	ProtocolMismatch
	// Cancelled marks an operation that observed forceQuit or a per-volume cancel.
	Cancelled
	// Internal marks an invariant violation (a bug).
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidFormat:
		return "InvalidFormat"
	case BadState:
		return "BadState"
	case NotFound:
		return "NotFound"
	case IoError:
		return "IoError"
	case Timeout:
		return "Timeout"
	case Overflow:
		return "Overflow"
	case ProtocolMismatch:
		return "ProtocolMismatch"
	case Cancelled:
		return "Cancelled"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is a taxonomy-tagged error. Internal errors carry a stack trace
// (via github.com/pkg/errors) since they surface at the top-level handler.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a Kind-tagged error with a formatted message.
func New(k Kind, format string, args ...interface{}) *Error {
	e := &Error{Kind: k, msg: fmt.Sprintf(format, args...)}
	if k == Internal {
		e.err = errors.New(e.msg)
	}
	return e
}

// Wrap attaches a Kind to an underlying error, preserving its stack if the
// underlying error already carries one (errors.WithStack is a no-op on
// pkg/errors types that already have a stack).
func Wrap(k Kind, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	wrapped := err
	if k == Internal {
		wrapped = errors.WithStack(err)
	}
	return &Error{Kind: k, msg: fmt.Sprintf(format, args...), err: wrapped}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

// Retriable reports whether the client should retry the request that
// produced err: IoError and Timeout are retriable; every other kind,
// BadState included, is not (InvalidFormat quarantines the offending
// artifact instead).
func Retriable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case IoError, Timeout:
		return true
	default:
		return false
	}
}
