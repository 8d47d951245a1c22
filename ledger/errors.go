/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error kinds in one place. Callers receive a structured failure with a
  kind and a human-readable message; raw storage error text never reaches
  the message.

ERROR KINDS:
  NOT_FOUND            Referenced note/client/sale/product is absent
  ALREADY_APPLIED      State-transition guard violated (final, not retryable)
  VALIDATION           Malformed input, raised before any mutation
  CONFLICT             Concurrent-write conflict; no side effect, safe to retry
  STORAGE_UNAVAILABLE  Transport/durability failure, fatal to the request

USAGE:
  if errors.Is(err, ledger.ErrAlreadyApplied) {
      // note was posted by someone else
  }
  switch ledger.KindOf(err) { ... }

SEE ALSO:
  - engine.go: Raises NOT_FOUND / ALREADY_APPLIED, retries CONFLICT
  - store/sqlite, store/mysql: Classify driver errors into these kinds
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyApplied     = errors.New("note already applied")
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("concurrent modification detected")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ErrorKind is the wire-visible classification of a failure.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindAlreadyApplied     ErrorKind = "ALREADY_APPLIED"
	KindValidation         ErrorKind = "VALIDATION"
	KindConflict           ErrorKind = "CONFLICT"
	KindStorageUnavailable ErrorKind = "STORAGE_UNAVAILABLE"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindAlreadyApplied:
		return ErrAlreadyApplied
	case KindValidation:
		return ErrValidation
	case KindConflict:
		return ErrConflict
	default:
		return ErrStorageUnavailable
	}
}

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error carries a kind, the failing operation, a safe message and the
// underlying cause. Only Message is meant for end users.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// NotFound builds a NOT_FOUND error for a missing record.
func NotFound(op, what string, id any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %v not found", what, id)}
}

// AlreadyApplied builds an ALREADY_APPLIED error for a note.
func AlreadyApplied(op string, kind NoteKind, id NoteID) *Error {
	return &Error{Kind: KindAlreadyApplied, Op: op, Message: fmt.Sprintf("%s %s is already applied", kind.Label(), id)}
}

// Invalid builds a VALIDATION error.
func Invalid(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a CONFLICT error wrapping the storage cause.
func Conflict(op string, cause error) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: "concurrent update, retry the operation", Err: cause}
}

// Unavailable builds a STORAGE_UNAVAILABLE error wrapping the storage cause.
func Unavailable(op string, cause error) *Error {
	return &Error{Kind: KindStorageUnavailable, Op: op, Message: "storage is unavailable", Err: cause}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf classifies any error. Unknown errors are STORAGE_UNAVAILABLE so
// they are never mistaken for a business outcome.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyApplied):
		return KindAlreadyApplied
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindStorageUnavailable
	}
}

// Message returns the user-safe message for err.
func Message(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Message
	}
	switch KindOf(err) {
	case KindNotFound:
		return "record not found"
	case KindAlreadyApplied:
		return "note already applied"
	case KindValidation:
		return "invalid request"
	case KindConflict:
		return "concurrent update, retry the operation"
	default:
		return "storage is unavailable"
	}
}

// IsRetryable returns true only for CONFLICT, which guarantees no side effect.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
