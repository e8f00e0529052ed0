// Package apperr carries the caller-visible error taxonomy of the scheduling core.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindPermission
	KindState
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindPermission:
		return "permission"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Stable error codes.
const (
	CodeInvalidTime          = "INVALID_TIME"
	CodeInvalidRange         = "INVALID_RANGE"
	CodeMissingField         = "MISSING_FIELD"
	CodeWeekLimitExceeded    = "WEEK_LIMIT_EXCEEDED"
	CodeOutsideWorkingHours  = "OUTSIDE_WORKING_HOURS"
	CodeOverlappingHours     = "OVERLAPPING_HOURS"
	CodeScheduleConflict     = "SCHEDULE_CONFLICT"
	CodeExistingRequestFound = "EXISTING_REQUEST_FOUND"
	CodeNotCounterparty      = "NOT_COUNTERPARTY"
	CodeNotRequestor         = "NOT_REQUESTOR"
	CodeNotOwner             = "NOT_OWNER"
	CodeInvalidState         = "INVALID_STATE"
	CodeRequestExpired       = "REQUEST_EXPIRED"
	CodePastSession          = "PAST_SESSION"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL"
)

// Error is a typed, non-retryable failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Detail carries structured context (e.g. the conflicting occurrence).
	Detail any
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches structured detail and returns e.
func (e *Error) WithDetail(d any) *Error {
	e.Detail = d
	return e
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return newError(KindConflict, code, format, args...)
}

func Permission(code, format string, args ...any) *Error {
	return newError(KindPermission, code, format, args...)
}

func State(code, format string, args ...any) *Error {
	return newError(KindState, code, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, CodeNotFound, format, args...)
}

// Internal wraps an unexpected failure (store, cache).
func Internal(err error, format string, args ...any) *Error {
	e := newError(KindInternal, CodeInternal, format, args...)
	e.Err = err
	return e
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or "" for foreign errors.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
