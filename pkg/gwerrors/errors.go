// Package gwerrors implements the gateway's abstract error taxonomy
// (spec.md §7) as a single tagged error type, mirroring the teacher's
// content.ContentError (pkg/content/errors.go).
package gwerrors

import (
	"errors"
	"fmt"
)

// Code identifies which terminal condition of spec.md §7 an error represents.
type Code string

const (
	// CodeNotFound: no source produced the requested object; terminal at
	// the pipeline root.
	CodeNotFound Code = "NOT_FOUND"
	// CodeBlocked: object is on a blocklist (by ID or hash); terminal.
	CodeBlocked Code = "BLOCKED"
	// CodeRangeUnsatisfiable: requested range lies outside object bounds.
	CodeRangeUnsatisfiable Code = "RANGE_UNSATISFIABLE"
	// CodeValidationFailed: cryptographic check failed on a chunk; retriable
	// against another peer, never surfaced to the client as-is.
	CodeValidationFailed Code = "VALIDATION_FAILED"
	// CodePeerUnavailable: individual peer request failed; retriable.
	CodePeerUnavailable Code = "PEER_UNAVAILABLE"
	// CodeAllSourcesFailed: terminal after every configured source errored.
	CodeAllSourcesFailed Code = "ALL_SOURCES_FAILED"
	// CodeCancelled: client disconnect or upstream abort.
	CodeCancelled Code = "CANCELLED"
	// CodePermanentError: upstream signalled an irrecoverable condition
	// mid-stream.
	CodePermanentError Code = "PERMANENT_ERROR"
)

// Error is the gateway's tagged error value. It always carries a Code so
// callers can classify it with errors.As instead of string matching.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

func newErr(code Code, retryable bool, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

func wrapErr(code Code, retryable bool, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable, Cause: cause}
}

// NotFound builds a CodeNotFound error.
func NotFound(format string, args ...any) *Error {
	return newErr(CodeNotFound, false, format, args...)
}

// Blocked builds a CodeBlocked error.
func Blocked(format string, args ...any) *Error {
	return newErr(CodeBlocked, false, format, args...)
}

// RangeUnsatisfiable builds a CodeRangeUnsatisfiable error.
func RangeUnsatisfiable(format string, args ...any) *Error {
	return newErr(CodeRangeUnsatisfiable, false, format, args...)
}

// ValidationFailed builds a CodeValidationFailed error, retriable against
// another peer.
func ValidationFailed(cause error, format string, args ...any) *Error {
	return wrapErr(CodeValidationFailed, true, cause, format, args...)
}

// PeerUnavailable builds a CodePeerUnavailable error, retriable.
func PeerUnavailable(cause error, format string, args ...any) *Error {
	return wrapErr(CodePeerUnavailable, true, cause, format, args...)
}

// AllSourcesFailed aggregates the errors returned by every child source that
// was tried; it is terminal.
type AllSourcesFailed struct {
	Errors []error
}

func (e *AllSourcesFailed) Error() string {
	return fmt.Sprintf("gwerrors: all %d sources failed: %v", len(e.Errors), e.Errors)
}

// Unwrap exposes every child error to errors.Is/As; HasCode recognizes this
// type itself for CodeAllSourcesFailed.
func (e *AllSourcesFailed) Unwrap() []error {
	return e.Errors
}

// Cancelled builds a CodeCancelled error, typically wrapping context.Canceled.
func Cancelled(cause error) *Error {
	return wrapErr(CodeCancelled, false, cause, "request cancelled")
}

// PermanentError builds a CodePermanentError error.
func PermanentError(cause error, format string, args ...any) *Error {
	return wrapErr(CodePermanentError, false, cause, format, args...)
}

// IsRetryable reports whether err suggests the caller should retry against a
// different source/peer.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HasCode reports whether err (or something it wraps) carries the given Code.
func HasCode(err error, code Code) bool {
	if code == CodeAllSourcesFailed {
		var asf *AllSourcesFailed
		if errors.As(err, &asf) {
			return true
		}
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// HTTPStatus maps a terminal error to the HTTP status spec.md §7 prescribes.
func HTTPStatus(err error) int {
	switch {
	case HasCode(err, CodeNotFound), HasCode(err, CodeBlocked), HasCode(err, CodeAllSourcesFailed):
		return 404
	case HasCode(err, CodeRangeUnsatisfiable):
		return 416
	default:
		return 500
	}
}
