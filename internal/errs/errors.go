// Package errs provides the unified error type used across callsql.
//
// Every subsystem (driver adapters, the callable executor, the HTTP layer)
// wraps its native errors into *errs.Error before returning them. Callers use
// the Is* predicates to branch on the kind without importing driver packages.
//
// Usage:
//
//	// In a driver adapter, wrap native errors:
//	return errs.Wrap(errs.ErrKindTimeout, "call timed out", pgErr)
//
//	// In a handler, check the kind:
//	if errs.IsExecutionFailed(err) {
//	    http.Error(w, err.Error(), http.StatusUnprocessableEntity)
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing backend-specific codes.
type ErrKind int

const (
	ErrKindUnknown          ErrKind = iota
	ErrKindNotFound                 // no rows, unknown procedure
	ErrKindConnectionFailed         // cannot reach the backend
	ErrKindTimeout                  // context deadline / cancellation
	ErrKindQueryFailed              // SQL error reported by the server
	ErrKindInvalidInput             // bad arguments from the caller
	ErrKindPermissionDenied         // access denied / auth failure
	ErrKindExecutionFailed          // a callable statement could not be run to completion
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindConnectionFailed:
		return "connection_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindQueryFailed:
		return "query_failed"
	case ErrKindInvalidInput:
		return "invalid_input"
	case ErrKindPermissionDenied:
		return "permission_denied"
	case ErrKindExecutionFailed:
		return "execution_failed"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all callsql subsystems.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original driver-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Execution wraps cause as an execution failure. The outermost kind is always
// ErrKindExecutionFailed; a classified driver error stays reachable through
// Cause, see CauseKind.
func Execution(msg string, cause error) *Error {
	return &Error{Kind: ErrKindExecutionFailed, Message: msg, Cause: cause}
}

// --- Predicates ---

// IsNotFound reports whether err represents a "not found" result.
func IsNotFound(err error) bool {
	return kindOf(err) == ErrKindNotFound
}

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool {
	return kindOf(err) == ErrKindTimeout || CauseKind(err) == ErrKindTimeout
}

// IsConnectionFailed reports whether err is a connectivity or auth failure.
func IsConnectionFailed(err error) bool {
	return kindOf(err) == ErrKindConnectionFailed
}

// IsQueryFailed reports whether err is a backend operation failure.
func IsQueryFailed(err error) bool {
	return kindOf(err) == ErrKindQueryFailed
}

// IsInvalidInput reports whether err was caused by bad input from the caller.
func IsInvalidInput(err error) bool {
	return kindOf(err) == ErrKindInvalidInput
}

// IsPermissionDenied reports whether err is an access control failure.
func IsPermissionDenied(err error) bool {
	return kindOf(err) == ErrKindPermissionDenied
}

// IsExecutionFailed reports whether err came out of a callable execution.
func IsExecutionFailed(err error) bool {
	return kindOf(err) == ErrKindExecutionFailed
}

// CauseKind returns the kind of the innermost *Error in the chain below the
// outermost one, or ErrKindUnknown when the cause was never classified.
func CauseKind(err error) ErrKind {
	var e *Error
	if !errors.As(err, &e) {
		return ErrKindUnknown
	}
	kind := ErrKindUnknown
	for cause := e.Cause; cause != nil; {
		var inner *Error
		if !errors.As(cause, &inner) {
			break
		}
		kind = inner.Kind
		cause = inner.Cause
	}
	return kind
}

// kindOf extracts the ErrKind from the outermost *Error in the chain.
func kindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
