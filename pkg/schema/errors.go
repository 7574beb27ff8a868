package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidStatus     = "INVALID_STATUS"
	ErrCodeCatalogResolution = "CATALOG_RESOLUTION_ERROR"
	ErrCodeRender            = "RENDER_ERROR"
	ErrCodeLeaseConflict     = "LEASE_CONFLICT"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeStore             = "STORE_ERROR"
)

// nonRetryableCodes are failures that will not change on a second attempt.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodeInvalidStatus:     true,
	ErrCodeCatalogResolution: true,
	ErrCodeRender:            true,
	ErrCodeNotFound:          true,
	ErrCodeActionUnavailable: true,
	ErrCodeNonRetryable:      true,
	ErrCodeRetryExhausted:    true,
}

// DispatchError is the structured error type for all dispatch operations.
type DispatchError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	NodeName string         `json:"node_name,omitempty"`
	Cause    error          `json:"-"`
}

func (e *DispatchError) Error() string {
	if e.NodeName != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure may succeed on a later attempt.
func (e *DispatchError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new DispatchError.
func NewError(code, message string) *DispatchError {
	return &DispatchError{Code: code, Message: message}
}

// NewErrorf creates a new DispatchError with a formatted message.
func NewErrorf(code, format string, args ...any) *DispatchError {
	return &DispatchError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the playbook node name to the error.
func (e *DispatchError) WithNode(name string) *DispatchError {
	e.NodeName = name
	return e
}

// WithCause attaches an underlying cause.
func (e *DispatchError) WithCause(err error) *DispatchError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DispatchError) WithDetails(details map[string]any) *DispatchError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a DispatchError with the given code.
func IsCode(err error, code string) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf returns the code of the first DispatchError in the chain, or "".
func CodeOf(err error) string {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
