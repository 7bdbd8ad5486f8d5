// Package apperror defines the error taxonomy shared by the messaging core.
// Every user-facing failure carries a Code so transports can map it to an
// HTTP status or a websocket error event without inspecting messages.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error class.
type Code string

const (
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeInternal         Code = "INTERNAL"
)

// HTTPStatus maps the code to the status used by the HTTP surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is the application error type.
type Error struct {
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

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code, so errors.Is(err, apperror.NotFound(""))
// style checks work regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Unauthenticated(msg string) *Error { return New(CodeUnauthenticated, msg) }
func Validation(msg string) *Error      { return New(CodeInvalidArgument, msg) }
func NotFound(msg string) *Error        { return New(CodeNotFound, msg) }
func Forbidden(msg string) *Error       { return New(CodePermissionDenied, msg) }
func Conflict(msg string) *Error        { return New(CodeAlreadyExists, msg) }

// Internal wraps an infrastructure failure. The cause is kept for logs and
// never shown to clients.
func Internal(msg string, cause error) *Error { return Wrap(CodeInternal, msg, cause) }

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal
// for any other non-nil error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// PublicMessage returns the message safe to send to a client. Internal
// errors are reduced to a generic text.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code != CodeInternal {
		return appErr.Message
	}
	return "internal error"
}
