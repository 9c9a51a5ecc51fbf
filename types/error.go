package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Definition and resolution error codes. These are produced before or during
// template resolution and never originate from the agent runtime.
const (
	ErrDefinitionInvalid ErrorCode = "DEFINITION_INVALID"
	ErrMissingReference  ErrorCode = "MISSING_REFERENCE"
)

// Run-time error codes.
const (
	ErrRuntimeFailure      ErrorCode = "RUNTIME_ERROR"
	ErrStepTimeout         ErrorCode = "STEP_TIMEOUT"
	ErrBudgetExceeded      ErrorCode = "BUDGET_EXCEEDED"
	ErrRunCancelled        ErrorCode = "RUN_CANCELLED"
	ErrReplayTargetInvalid ErrorCode = "REPLAY_TARGET_INVALID"
)

// Collaborator error codes.
const (
	ErrRunNotFound        ErrorCode = "RUN_NOT_FOUND"
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrTransportFailure   ErrorCode = "TRANSPORT_FAILURE"
	ErrPolicyBlocked      ErrorCode = "POLICY_BLOCKED"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	StepID    string    `json:"step_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStep tags the error with the step it originated from.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
