// Package dorkerr defines the stable error taxonomy shared by every
// subsystem and transport. Domain errors carry a machine-readable code that
// survives the HTTP boundary; anything else is an internal error.
package dorkerr

import (
	"errors"
	"fmt"
)

// Code is a stable, transport-independent error code.
type Code string

const (
	CodeValidationFailed  Code = "VALIDATION_FAILED"
	CodeBoundaryViolation Code = "BOUNDARY_VIOLATION"
	CodeLocked            Code = "LOCKED"
	CodeSessionLimit      Code = "SESSION_LIMIT"

	CodeInvalidSubject     Code = "INVALID_SUBJECT"
	CodeAccessDenied       Code = "ACCESS_DENIED"
	CodeEndpointNotFound   Code = "ENDPOINT_NOT_FOUND"
	CodePublishFailed      Code = "PUBLISH_FAILED"
	CodeInboxReadFailed    Code = "INBOX_READ_FAILED"
	CodeRegistrationFailed Code = "REGISTRATION_FAILED"

	CodeBindingCreateFailed Code = "BINDING_CREATE_FAILED"
	CodeEnableFailed        Code = "ENABLE_FAILED"
	CodeDisableFailed       Code = "DISABLE_FAILED"
	CodeReloadFailed        Code = "RELOAD_FAILED"

	CodeMeshDisabled     Code = "MESH_DISABLED"
	CodeDiscoverFailed   Code = "DISCOVER_FAILED"
	CodeRegisterFailed   Code = "REGISTER_FAILED"
	CodeDenyFailed       Code = "DENY_FAILED"
	CodeUnregisterFailed Code = "UNREGISTER_FAILED"

	CodeRelayDisabled    Code = "RELAY_DISABLED"
	CodeTracingDisabled  Code = "TRACING_DISABLED"
	CodeBindingsDisabled Code = "BINDINGS_DISABLED"
	CodeAdaptersDisabled Code = "ADAPTERS_DISABLED"
	CodePulseDisabled    Code = "PULSE_DISABLED"

	CodeNotFound  Code = "NOT_FOUND"
	CodeTimeout   Code = "TIMEOUT"
	CodeCancelled Code = "CANCELLED"
	CodeInternal  Code = "INTERNAL_ERROR"
)

// Error is a domain error with a stable code and optional structured details.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a domain error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a domain error preserving the underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail attaches a structured detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the domain code from err, or CodeInternal if err is not a
// domain error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsDomain reports whether err carries a stable domain code.
func IsDomain(err error) bool {
	var de *Error
	return errors.As(err, &de)
}

// AsError returns the domain error inside err, or nil.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return nil
}
