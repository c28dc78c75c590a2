package exchange

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how callers are expected to react.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindState        Kind = "state"
	KindUnauthorized Kind = "unauthorized"
	KindExhaustion   Kind = "exhaustion"
	KindDelivery     Kind = "delivery"
	KindPersistence  Kind = "persistence"
)

// Code is a machine-readable error code, sent verbatim to clients.
type Code string

const (
	CodeEmptyIdentity   Code = "EMPTY_IDENTITY"
	CodeUnknownName     Code = "UNKNOWN_NAME"
	CodeInvalidRoster   Code = "INVALID_ROSTER"
	CodeInvalidDocument Code = "INVALID_DOCUMENT"
	CodeNotEnrolled     Code = "NOT_ENROLLED"

	CodeNameTaken             Code = "NAME_TAKEN"
	CodeAlreadyClaimed        Code = "ALREADY_CLAIMED"
	CodeAlreadyDrawn          Code = "ALREADY_DRAWN"
	CodeOrganizerTaken        Code = "ORGANIZER_TAKEN"
	CodeOrganizerCannotEnroll Code = "ORGANIZER_CANNOT_ENROLL"

	CodeDrawClosed Code = "DRAW_CLOSED"
	CodeDrawBusy   Code = "DRAW_BUSY"
	CodeNotReady   Code = "NOT_READY"
	CodeNotDrawn   Code = "NOT_DRAWN"
	CodeGuardLost  Code = "GUARD_LOST"
	CodeAborted    Code = "DRAW_ABORTED"

	CodeUnauthorized Code = "UNAUTHORIZED"

	CodeExhausted Code = "EXHAUSTED"

	CodeUnreachable     Code = "UNREACHABLE"
	CodeSurfaceNotFound Code = "SURFACE_NOT_FOUND"

	CodeNotFound        Code = "NOT_FOUND"
	CodeVersionConflict Code = "VERSION_CONFLICT"
	CodePersistence     Code = "PERSISTENCE_FAILED"
)

// Error is the domain error type returned by every exchange operation.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func newError(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func wrapError(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

var (
	ErrEmptyIdentity = newError(KindValidation, CodeEmptyIdentity, "identity is required")
	ErrUnknownName   = newError(KindValidation, CodeUnknownName, "name is not on the roster")
	ErrNotEnrolled   = newError(KindValidation, CodeNotEnrolled, "identity has not claimed a name")

	ErrNameTaken             = newError(KindConflict, CodeNameTaken, "name is already claimed")
	ErrAlreadyClaimed        = newError(KindConflict, CodeAlreadyClaimed, "identity has already claimed a name")
	ErrAlreadyDrawn          = newError(KindConflict, CodeAlreadyDrawn, "assignments have already been drawn")
	ErrOrganizerTaken        = newError(KindConflict, CodeOrganizerTaken, "organizer role is already held")
	ErrOrganizerCannotEnroll = newError(KindConflict, CodeOrganizerCannotEnroll, "organizer cannot claim a name")

	ErrDrawClosed = newError(KindState, CodeDrawClosed, "draw is closed")
	ErrDrawBusy   = newError(KindState, CodeDrawBusy, "draw is in progress")
	ErrNotReady   = newError(KindState, CodeNotReady, "not every name has been claimed")
	ErrNotDrawn   = newError(KindState, CodeNotDrawn, "assignments have not been drawn")
	ErrGuardLost  = newError(KindState, CodeGuardLost, "draw guard was released by another operation")
	ErrAborted    = newError(KindState, CodeAborted, "draw was aborted")

	ErrUnauthorized = newError(KindUnauthorized, CodeUnauthorized, "requester is not allowed to do that")

	ErrExhausted = newError(KindExhaustion, CodeExhausted, "no derangement found")

	ErrUnreachable     = newError(KindDelivery, CodeUnreachable, "recipient is unreachable")
	ErrSurfaceNotFound = newError(KindDelivery, CodeSurfaceNotFound, "display surface not found")

	ErrNotFound        = newError(KindPersistence, CodeNotFound, "document not found")
	ErrVersionConflict = newError(KindPersistence, CodeVersionConflict, "document version changed")
)

// Persistence wraps a store failure.
func Persistence(message string, cause error) error {
	return wrapError(KindPersistence, CodePersistence, message, cause)
}

// KindOf returns the kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of err, or "" for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
