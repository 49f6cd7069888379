// Package apierr defines the error kinds surfaced at the HTTP edge and the
// envelope they're marshaled into. Handlers construct and marshal these the
// same way the teacher's handlers build ad hoc map[string]string bodies,
// generalized into one typed shape.
package apierr

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

// Kind is a machine-readable error name surfaced in the JSON envelope.
type Kind string

const (
	KindInvalidRequest      Kind = "INVALID_REQUEST"
	KindUnknownTemplate     Kind = "UNKNOWN_TEMPLATE"
	KindSandboxLimit        Kind = "SANDBOX_LIMIT_EXCEEDED"
	KindPTYLimit            Kind = "PTY_LIMIT_EXCEEDED"
	KindDiskFull            Kind = "DISK_FULL"
	KindNotFound            Kind = "SANDBOX_NOT_FOUND"
	KindConflict            Kind = "SANDBOX_CONFLICT"
	KindNameExists          Kind = "NAME_EXISTS"
	KindSandboxNotRunning   Kind = "SANDBOX_NOT_RUNNING"
	KindAgentUnavailable    Kind = "AGENT_UNAVAILABLE"
	KindCommandTimeout      Kind = "COMMAND_TIMEOUT"
	KindStorageUnavailable  Kind = "STORAGE_UNAVAILABLE"
	KindRuntimeError        Kind = "RUNTIME_ERROR"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindForbidden           Kind = "FORBIDDEN"
)

var statusByKind = map[Kind]int{
	KindInvalidRequest:     http.StatusBadRequest,
	KindUnknownTemplate:    http.StatusBadRequest,
	KindSandboxLimit:       http.StatusTooManyRequests,
	KindPTYLimit:           http.StatusTooManyRequests,
	KindDiskFull:           http.StatusInsufficientStorage,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindNameExists:         http.StatusConflict,
	KindSandboxNotRunning:  http.StatusConflict,
	KindAgentUnavailable:   http.StatusServiceUnavailable,
	KindCommandTimeout:     http.StatusRequestTimeout,
	KindStorageUnavailable: http.StatusServiceUnavailable,
	KindRuntimeError:       http.StatusBadGateway,
	KindUnauthorized:       http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
}

// Error is a structured API error carrying the Kind used to pick the HTTP
// status and envelope name.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an *Error for the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured detail to an existing error.
func (e *Error) WithDetails(d map[string]interface{}) *Error {
	e.Details = d
	return e
}

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Write marshals the error as the standard envelope on the echo context.
func (e *Error) Write(c echo.Context) error {
	return c.JSON(e.Status(), types.ErrorEnvelope{
		Error: types.ErrorDetail{
			Code:    e.Status(),
			Name:    string(e.Kind),
			Message: e.Message,
			Details: e.Details,
		},
	})
}

// Respond writes err as the standard envelope, wrapping unrecognized
// errors as a 500 with name INTERNAL whose message is the error's own text.
func Respond(c echo.Context, err error) error {
	if apiErr, ok := err.(*Error); ok {
		return apiErr.Write(c)
	}
	return New(Kind("INTERNAL"), "%v", err).Write(c)
}
