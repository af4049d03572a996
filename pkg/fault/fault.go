// Package fault defines the error kinds returned by the integrity engine.
//
// Callers branch on Kind (or use errors.Is against the Err* sentinels), never
// on message text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	NotFound                Kind = "NOT_FOUND"
	Conflict                Kind = "CONFLICT"
	AnchorFailure           Kind = "ANCHOR_FAILURE"
	AnchorTimeout           Kind = "ANCHOR_TIMEOUT"
	TamperingDetected       Kind = "TAMPERING_DETECTED"
	UnrecoverableCorruption Kind = "UNRECOVERABLE_CORRUPTION"
	AuthorizationDenied     Kind = "AUTHORIZATION_DENIED"
	ValidationError         Kind = "VALIDATION_ERROR"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrNotFound                = &Error{Kind: NotFound}
	ErrConflict                = &Error{Kind: Conflict}
	ErrAnchorFailure           = &Error{Kind: AnchorFailure}
	ErrAnchorTimeout           = &Error{Kind: AnchorTimeout}
	ErrTamperingDetected       = &Error{Kind: TamperingDetected}
	ErrUnrecoverableCorruption = &Error{Kind: UnrecoverableCorruption}
	ErrAuthorizationDenied     = &Error{Kind: AuthorizationDenied}
	ErrValidation              = &Error{Kind: ValidationError}
)

// Error is a structured engine error.
type Error struct {
	Kind    Kind           `json:"code"`
	Op      string         `json:"op,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind. Sentinels carry
// no message, so any error of that kind matches them.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Retryable reports whether the whole operation can safely be retried.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Conflict, AnchorFailure, AnchorTimeout:
		return true
	}
	return false
}

// New returns an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetail attaches a structured detail and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a retryable engine error.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}
