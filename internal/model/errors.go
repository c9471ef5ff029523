package model

import (
	"errors"
	"fmt"
)

// ErrorCode classifies relay failures for callers and the HTTP layer.
type ErrorCode string

const (
	ErrorValidation  ErrorCode = "validation_error"
	ErrorNotFound    ErrorCode = "not_found"
	ErrorConflict    ErrorCode = "conflict"
	ErrorRelayFailed ErrorCode = "relay_failed"
	ErrorInternal    ErrorCode = "internal_error"
)

// Error is a coded relay error.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("relay: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("relay: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewValidationError reports a missing or malformed input.
func NewValidationError(reason string) *Error {
	return &Error{Code: ErrorValidation, Reason: reason}
}

// NewNotFoundError reports a reference to an unknown session or thread.
func NewNotFoundError(reason string) *Error {
	return &Error{Code: ErrorNotFound, Reason: reason}
}

// NewConflictError reports an attempt to relink an already linked session.
func NewConflictError(reason string) *Error {
	return &Error{Code: ErrorConflict, Reason: reason}
}

// NewRelayError wraps a failure of the operator channel.
func NewRelayError(reason string, err error) *Error {
	return &Error{Code: ErrorRelayFailed, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or ErrorInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ErrorInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
