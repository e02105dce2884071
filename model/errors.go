package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
	ErrBackendRejected    = "BACKEND_REJECTED"
)

// Finalization-specific error codes.
const (
	ErrRunNotFound    = "RUN_NOT_FOUND"
	ErrInvalidPhase   = "INVALID_PHASE"
	ErrRunClosed      = "RUN_CLOSED"
	ErrStepFailed     = "STEP_FAILED"
	ErrNothingToRetry = "NOTHING_TO_RETRY"
)

// ErrorEnvelope is the standard error response envelope returned by the BFF.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope unwraps err to an *ErrorEnvelope if one is in its chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err carries an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

// NewBackendRejectedError returns a BACKEND_REJECTED error for a non-2xx
// backend response that is not an availability problem.
func NewBackendRejectedError(status int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendRejected,
		Message: fmt.Sprintf("The backend service rejected the request (status %d)", status),
	}
}

// NewResponseTooLargeError returns a BACKEND_REJECTED error for a backend
// response body larger than limit bytes.
func NewResponseTooLargeError(limit int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendRejected,
		Message: fmt.Sprintf("The backend response exceeded %d bytes", limit),
	}
}

// NewRunNotFoundError returns a RUN_NOT_FOUND error.
func NewRunNotFoundError(runID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRunNotFound,
		Message: fmt.Sprintf("finalization run %q not found", runID),
	}
}

// NewInvalidPhaseError returns an INVALID_PHASE error.
func NewInvalidPhaseError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidPhase, Message: msg}
}

// NewRunClosedError returns a RUN_CLOSED error.
func NewRunClosedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRunClosed,
		Message: "The finalization run has been closed",
	}
}

// NewNothingToRetryError returns a NOTHING_TO_RETRY error.
func NewNothingToRetryError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNothingToRetry, Message: msg}
}
