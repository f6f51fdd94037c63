// Package apperr defines the typed, user-presentable errors returned by the
// messaging and presence services.
package apperr

import (
	"errors"
	"net/http"
	"time"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeUnavailable       Code = "UNAVAILABLE"
)

// HTTPStatus maps a code to the status written by handlers.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// Error is the domain error type.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration // only set for CodeRateLimitExceeded
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// RetryAfterSeconds rounds the wait up to whole seconds, never below one.
func (e *Error) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// RateLimited builds a RateLimitExceeded error carrying the remaining wait.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded, please slow down",
		RetryAfter: retryAfter,
	}
}

// Frequently returned errors. Match with errors.Is.
var (
	ErrUnauthenticated = New(CodeUnauthenticated, "authentication required")
	ErrBlocked         = New(CodeForbidden, "messaging is blocked between these users")
	ErrNotMember       = New(CodeForbidden, "conversation not found or access denied")
)

// CodeOf extracts the code of err. Errors that are not *Error report
// CodeUnavailable.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnavailable
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Unavailable wraps an unexpected storage or transport failure. Errors that
// already carry a code pass through unchanged.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(CodeUnavailable, op, err)
}
