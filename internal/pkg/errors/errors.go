// Package errors provides the tagged error type used across the server.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a domain failure with a stable string code and the HTTP
// status it maps to at the edge. Callers match on Code, never on message
// text.
type StatusError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Cause      error          `json:"-"`
	Extras     map[string]any `json:"-"`
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause chain to errors.Is/As.
func (e *StatusError) Unwrap() error {
	return e.Cause
}

// WithCause returns a copy of the error carrying the given cause.
func (e *StatusError) WithCause(cause error) *StatusError {
	c := *e
	c.Cause = cause
	return &c
}

// WithMessage returns a copy of the error with a custom message.
func (e *StatusError) WithMessage(format string, args ...any) *StatusError {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

// WithExtra returns a copy of the error with an extra response field.
func (e *StatusError) WithExtra(key string, value any) *StatusError {
	c := *e
	c.Extras = make(map[string]any, len(e.Extras)+1)
	for k, v := range e.Extras {
		c.Extras[k] = v
	}
	c.Extras[key] = value
	return &c
}

// New creates a StatusError.
func New(code string, httpStatus int, format string, args ...any) *StatusError {
	return &StatusError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: httpStatus,
	}
}

// BadRequest creates a 400 StatusError.
func BadRequest(code, format string, args ...any) *StatusError {
	return New(code, http.StatusBadRequest, format, args...)
}

// Unauthorized creates a 401 StatusError.
func Unauthorized(code, format string, args ...any) *StatusError {
	return New(code, http.StatusUnauthorized, format, args...)
}

// Forbidden creates a 403 StatusError.
func Forbidden(code, format string, args ...any) *StatusError {
	return New(code, http.StatusForbidden, format, args...)
}

// NotFound creates a 404 StatusError.
func NotFound(code, format string, args ...any) *StatusError {
	return New(code, http.StatusNotFound, format, args...)
}

// Internal creates a 500 StatusError.
func Internal(code, format string, args ...any) *StatusError {
	return New(code, http.StatusInternalServerError, format, args...)
}

// AsStatusError converts err to a *StatusError, wrapping unknown errors
// as an internal error so the edge never leaks raw messages.
func AsStatusError(err error) *StatusError {
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	return Internal("INTERNAL_ERROR", "an internal error occurred").WithCause(err)
}

// HasCode reports whether err is a StatusError with the given code.
func HasCode(err error, code string) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
