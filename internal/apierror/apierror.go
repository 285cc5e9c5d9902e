// ABOUTME: Service-layer errors that carry the HTTP status and client message
// ABOUTME: Handlers map them to {"error": msg} without knowing service internals

package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is returned by services for failures the caller should see.
// Message is safe to show to clients; Err is for logs only.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with status and message.
func New(status int, msg string) *Error {
	return &Error{Status: status, Message: msg}
}

// Wrap creates an Error that keeps cause for logging.
func Wrap(status int, msg string, cause error) *Error {
	return &Error{Status: status, Message: msg, Err: cause}
}

func BadRequest(msg string) *Error   { return New(http.StatusBadRequest, msg) }
func Unauthorized(msg string) *Error { return New(http.StatusUnauthorized, msg) }
func Forbidden(msg string) *Error    { return New(http.StatusForbidden, msg) }
func NotFound(msg string) *Error     { return New(http.StatusNotFound, msg) }
func Conflict(msg string) *Error     { return New(http.StatusConflict, msg) }

// Internal hides cause from the client behind msg.
func Internal(msg string, cause error) *Error {
	return Wrap(http.StatusInternalServerError, msg, cause)
}

// StatusOf returns the HTTP status for err, 500 for anything that is not
// an *Error.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// MessageOf returns the client message for err. Unknown errors get a
// generic message so internals do not leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}
