package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeExecution             = "EXECUTION_ERROR"
	ErrCodeDefinitionNotFound    = "DEFINITION_NOT_FOUND"
	ErrCodeDefinitionParsing     = "DEFINITION_PARSING"
	ErrCodeInstanceNotFound      = "INSTANCE_NOT_FOUND"
	ErrCodePersistenceConnection = "PERSISTENCE_CONNECTION"
	ErrCodePersistenceQuery      = "PERSISTENCE_QUERY"
	ErrCodeAITimeout             = "AI_TIMEOUT"
	ErrCodeAIAPI                 = "AI_API_ERROR"
	ErrCodeAIInvalidResponse     = "AI_INVALID_RESPONSE"
	ErrCodeAISafety              = "AI_SAFETY"
	ErrCodeTerminalState         = "TERMINAL_STATE"
)

// OrdoError is the structured error type for all orchestrator operations.
type OrdoError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepName string         `json:"step_name,omitempty"`
	Cause    error          `json:"-"`
}

func (e *OrdoError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OrdoError) Unwrap() error {
	return e.Cause
}

// NewError creates a new OrdoError.
func NewError(code, message string) *OrdoError {
	return &OrdoError{Code: code, Message: message}
}

// NewErrorf creates a new OrdoError with a formatted message.
func NewErrorf(code, format string, args ...any) *OrdoError {
	return &OrdoError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *OrdoError) WithStep(stepName string) *OrdoError {
	e.StepName = stepName
	return e
}

// WithCause attaches an underlying cause.
func (e *OrdoError) WithCause(err error) *OrdoError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OrdoError) WithDetails(details map[string]any) *OrdoError {
	e.Details = details
	return e
}

// IsRetryable reports whether a second attempt could plausibly succeed.
// Only transient AI transport faults qualify; 4xx, invalid responses and
// safety blocks never do.
func (e *OrdoError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeAITimeout:
		return true
	case ErrCodeAIAPI:
		status, _ := e.Details["status_code"].(int)
		return status >= 500
	}
	return false
}
