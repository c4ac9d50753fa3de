// Package kernelerrors defines the typed error taxonomy shared across the
// orchestration kernel. Every exported kernel function that fails for a
// reason a caller must branch on (retry vs. not, recoverable vs. fatal)
// returns a *Error rather than a bare error, so callers can use errors.As
// instead of string-matching messages.
package kernelerrors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of failure, per spec §7.
type Kind string

const (
	Config           Kind = "config"
	Validation       Kind = "validation"
	Filesystem       Kind = "filesystem"
	Tool             Kind = "tool"
	NetworkTransient Kind = "network_transient"
	NetworkFatal     Kind = "network_fatal"
	LoopNoProgress   Kind = "loop_no_progress"
	Interrupt        Kind = "interrupt"
)

// retryableByDefault records whether a Kind is retryable absent an explicit
// override at construction time.
var retryableByDefault = map[Kind]bool{
	Config:           false,
	Validation:       false,
	Filesystem:       false,
	Tool:             false, // overridden per-call depending on the handler's reported error
	NetworkTransient: true,
	NetworkFatal:     false,
	LoopNoProgress:   false,
	Interrupt:        false,
}

// Error is the kernel's typed error value.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with the default retryability for kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryableByDefault[kind]}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches kind and the default retryability to an existing error.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: cause.Error(), Retryable: retryableByDefault[kind], Cause: cause}
}

// WrapRetryable is Wrap with an explicit retryability, for kinds (like Tool)
// whose retryability depends on the specific failure rather than the kind.
func WrapRetryable(kind Kind, cause error, retryable bool) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: cause.Error(), Retryable: retryable, Cause: cause}
}

// IsRetryable reports whether err (or a wrapped *Error within it) is retryable.
func IsRetryable(err error) bool {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Retryable
	}
	return false
}

// KindOf extracts the Kind of err, returning "" if err does not wrap an *Error.
func KindOf(err error) Kind {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return ""
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
