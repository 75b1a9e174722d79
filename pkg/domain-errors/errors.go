// Package domainerrors provides coded errors shared across the relay.
//
// Services return these so transports can translate them into close codes,
// error frames or HTTP statuses without string matching. Infrastructure facts
// (closed, unavailable) live in pkg/platform/sentinel and are wrapped here.
package domainerrors

import (
	"errors"
)

// Code classifies an error for transport translation.
type Code string

const (
	CodeUnauthorized Code = "unauthorized"
	CodeInvalidInput Code = "invalid_input"
	CodeUnavailable  Code = "unavailable"
	CodeTimeout      Code = "timeout"
	CodeConflict     Code = "conflict"
	CodeInternal     Code = "internal_error"
)

// Error is a coded error with a user-facing message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code and message, so callers can
// compare against package-level error values regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Message returns the user-facing message of the first coded error in the
// chain, or the plain error text when the chain has none.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
