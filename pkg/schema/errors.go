package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeBackendOffline = "BACKEND_OFFLINE"
	ErrCodeJobError       = "JOB_ERROR"
	ErrCodeJobTimeout     = "JOB_TIMEOUT"
	ErrCodePipelineAbort  = "PIPELINE_ABORT"
	ErrCodeMemoryDegraded = "MEMORY_DEGRADED"
	ErrCodePromptService  = "PROMPT_SERVICE_ERROR"
	ErrCodeMux            = "MUX_ERROR"
	ErrCodePathDenied     = "PATH_DENIED"
	ErrCodePoolFull       = "POOL_FULL"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
)

// ReelflowError is the structured error type returned across package boundaries.
type ReelflowError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *ReelflowError) Error() string {
	if e.WorkflowID != "" {
		return fmt.Sprintf("[%s] workflow %s: %s", e.Code, e.WorkflowID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ReelflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ReelflowError.
func NewError(code, message string) *ReelflowError {
	return &ReelflowError{Code: code, Message: message}
}

// NewErrorf creates a new ReelflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *ReelflowError {
	return &ReelflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithWorkflow attaches a workflow ID to the error.
func (e *ReelflowError) WithWorkflow(workflowID string) *ReelflowError {
	e.WorkflowID = workflowID
	return e
}

// WithCause attaches an underlying cause.
func (e *ReelflowError) WithCause(err error) *ReelflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ReelflowError) WithDetails(details map[string]any) *ReelflowError {
	e.Details = details
	return e
}

// CodeOf returns the code of the outermost ReelflowError in err's chain, or "".
func CodeOf(err error) string {
	var re *ReelflowError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// HasCode reports whether any ReelflowError in err's chain carries code.
// Unlike CodeOf it looks past wrapping errors such as PIPELINE_ABORT.
func HasCode(err error, code string) bool {
	for err != nil {
		var re *ReelflowError
		if !errors.As(err, &re) {
			return false
		}
		if re.Code == code {
			return true
		}
		err = re.Cause
	}
	return false
}
