package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeUnsupportedRule   = "UNSUPPORTED_RULE_TYPE"
	ErrCodeGate              = "GATE_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotifyFailed      = "NOTIFY_FAILED"
)

// OpcodeError is the structured error type for all engine operations.
type OpcodeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OpcodeError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OpcodeError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether redelivering the command that produced this
// error may succeed.
func (e *OpcodeError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStore, ErrCodeConflict, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// NewError creates a new OpcodeError.
func NewError(code, message string) *OpcodeError {
	return &OpcodeError{Code: code, Message: message}
}

// NewErrorf creates a new OpcodeError with a formatted message.
func NewErrorf(code, format string, args ...any) *OpcodeError {
	return &OpcodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *OpcodeError) WithNode(nodeID string) *OpcodeError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *OpcodeError) WithCause(err error) *OpcodeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OpcodeError) WithDetails(details map[string]any) *OpcodeError {
	e.Details = details
	return e
}

// HasCode reports whether err is, or wraps, an OpcodeError with the given code.
func HasCode(err error, code string) bool {
	var opErr *OpcodeError
	if errors.As(err, &opErr) {
		return opErr.Code == code
	}
	return false
}

// IsNotFound is shorthand for HasCode(err, ErrCodeNotFound).
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsRetryable classifies whether a failed command should be redelivered.
// Untyped errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *OpcodeError
	if errors.As(err, &opErr) {
		return opErr.IsRetryable()
	}
	return true
}
