// Package apperr classifies failures so callers can decide between recovering
// one tier down (next candidate port, cached snapshot) and surfacing to the user.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the failure category of an Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindAuthorization
	KindTransport
	KindProtocol
	KindDataUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthorization:
		return "authorization"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindDataUnavailable:
		return "data unavailable"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus enough context to produce an actionable message.
// Message and Err must never contain credential material.
type Error struct {
	Kind    Kind
	Op      string
	Path    string
	Message string
	Err     error
	// Fatal marks an error that must not be recovered by falling back to the cache.
	Fatal bool
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteString(")")
	}
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
	if e == nil {
		return nil
	}
	return e.Err
}

// Configuration reports a missing or malformed input the user has to fix.
func Configuration(op, path, msg string, err error) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Path: path, Message: msg, Err: err, Fatal: true}
}

// Authorization reports a rejected or unusable credential.
func Authorization(op, msg string, err error) *Error {
	return &Error{Kind: KindAuthorization, Op: op, Message: msg, Err: err, Fatal: true}
}

// Transport reports a connection level failure. It is recoverable.
func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Protocol reports an unexpected response or process behavior. It is
// recoverable unless marked fatal.
func Protocol(op, msg string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: msg, Err: err}
}

// DataUnavailable reports that neither a live nor a cached snapshot exists.
func DataUnavailable(op, msg string, err error) *Error {
	return &Error{Kind: KindDataUnavailable, Op: op, Message: msg, Err: err, Fatal: true}
}

// Fatalf wraps err as a fatal protocol error with a formatted message.
func Fatalf(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: fmt.Sprintf(format, args...), Err: err, Fatal: true}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must be surfaced instead of recovered.
// Errors outside this package are treated as recoverable.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	return false
}

// IsRecoverable reports whether a lower tier may absorb err. Context
// cancellation is never recoverable.
func IsRecoverable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindConfiguration:
		return 2
	case KindAuthorization:
		return 3
	case KindDataUnavailable:
		return 4
	case KindTransport, KindProtocol:
		return 5
	default:
		return 1
	}
}
