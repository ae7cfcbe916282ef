// Package apierror defines the machine-readable error taxonomy shared by
// every HTTP handler: each error carries the HTTP status to send and the
// stable code to put in the response envelope.
package apierror

import "net/http"

const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeNotFound           = "NOT_FOUND"
)

// Error is a typed HTTP-facing error. It never wraps a database or
// transport error directly; handlers translate at the boundary so no
// internal error type leaks into a response body.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

func NotFound(message string) *Error {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func TooManyRequests(message string) *Error {
	return New(http.StatusTooManyRequests, CodeTooManyRequests, message)
}

func Internal(message string) *Error {
	return New(http.StatusInternalServerError, CodeInternalError, message)
}

func Unavailable(message string) *Error {
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}
