// Package ncerrors defines the error taxonomy shared by the Session Engine
// and Device Facade. Every operation that can fail returns an *Error so
// callers can branch on Kind rather than parsing message text.
package ncerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure per the error handling design: CONFIGURATION,
// ARGUMENT, and NotConnected are caller bugs surfaced with context and no
// retry; Transport and Timeout invalidate the session; Protocol, Load, and
// Commit are per-RPC failures that leave the session usable.
type Kind string

const (
	Configuration Kind = "CONFIGURATION"
	NotConnected  Kind = "NOT-CONNECTED"
	Transport     Kind = "TRANSPORT"
	Timeout       Kind = "TIMEOUT"
	Protocol      Kind = "PROTOCOL"
	Load          Kind = "LOAD"
	Commit        Kind = "COMMIT"
	Argument      Kind = "ARGUMENT"
)

// maxReplySnippet bounds how much of the last RPC reply text an error
// carries for diagnosis.
const maxReplySnippet = 2048

// Error is the single error type returned across the module's public
// surface. It carries the operation name and a truncated snippet of the
// last RPC reply, per the error handling design's "all errors carry the
// operation name and the last RPC reply text" requirement.
type Error struct {
	Kind      Kind
	Operation string
	ReplySnippet string
	cause     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("netconf: %s: %s", e.Operation, e.Kind)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	if e.ReplySnippet != "" {
		msg += fmt.Sprintf(" (reply: %s)", e.ReplySnippet)
	}
	return msg
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an *Error of the given kind for operation, with no underlying
// cause.
func New(kind Kind, operation, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Operation: operation, cause: errors.Errorf(format, args...)}
}

// Wrap builds an *Error of the given kind for operation, wrapping cause.
func Wrap(kind Kind, operation string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Operation: operation, cause: errors.Wrapf(cause, format, args...)}
}

// WithReply attaches a truncated snippet of the last RPC reply to err and
// returns it for chaining.
func (e *Error) WithReply(reply string) *Error {
	e.ReplySnippet = truncate(reply, maxReplySnippet)
	return e
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// Is reports whether err is an *Error of the given kind, unwrapping as
// needed.
func Is(err error, kind Kind) bool {
	var ncErr *Error
	if errors.As(err, &ncErr) {
		return ncErr.Kind == kind
	}
	return false
}
