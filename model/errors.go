package model

import (
	"errors"
	"fmt"
)

// Error codes carried in ErrorEnvelope.Code.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConfigInvalid      = "CONFIG_INVALID"
	ErrViewBusy           = "VIEW_BUSY"
	ErrTooManyViews       = "TOO_MANY_VIEWS"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// ErrorEnvelope is both the error value passed between packages and the
// JSON body written for a failed request.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError points at one offending field of a request body or an entity
// configuration document.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEnvelope(code, msg string, details ...FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg, Details: details}
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return newEnvelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return newEnvelope(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return newEnvelope(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return newEnvelope(ErrNotFound, msg) }

// NewViewBusyError reports that another command on the same view is still
// running.
func NewViewBusyError(msg string) *ErrorEnvelope { return newEnvelope(ErrViewBusy, msg) }

// NewTooManyViewsError reports that the caller reached the open view limit.
func NewTooManyViewsError() *ErrorEnvelope {
	return newEnvelope(ErrTooManyViews, "Too many open views; close one and retry")
}

// NewConfigError is raised while loading entity configuration, never while
// serving a view.
func NewConfigError(msg string, details ...FieldError) *ErrorEnvelope {
	return newEnvelope(ErrConfigInvalid, msg, details...)
}

// NewInternalError hides the cause; log it before returning this.
func NewInternalError() *ErrorEnvelope {
	return newEnvelope(ErrInternalError, "An unexpected error occurred")
}

func NewBackendUnavailableError() *ErrorEnvelope {
	return newEnvelope(ErrBackendUnavailable, "The platform service is temporarily unavailable")
}

func NewBackendTimeoutError() *ErrorEnvelope {
	return newEnvelope(ErrBackendTimeout, "The platform service did not respond in time")
}

// IsCode reports whether err wraps an ErrorEnvelope with code.
func IsCode(err error, code string) bool {
	var env *ErrorEnvelope
	return errors.As(err, &env) && env.Code == code
}
