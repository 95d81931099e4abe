package errors

import "fmt"

// ErrorCode represents a LinkOps error code.
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"     // 400
	ErrNotFound          ErrorCode = "NOT_FOUND"           // 404
	ErrFileNotFound      ErrorCode = "FILE_NOT_FOUND"      // 404
	ErrInvalidState      ErrorCode = "INVALID_STATE"       // 409
	ErrDistillInProgress ErrorCode = "DISTILL_IN_PROGRESS" // 409
	ErrCancelled         ErrorCode = "CANCELLED"           // 499
	ErrInternal          ErrorCode = "INTERNAL"            // 500
)

// LinkOpsError represents a structured error with code, status, and details.
type LinkOpsError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *LinkOpsError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *LinkOpsError {
	return &LinkOpsError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing entity.
func NewNotFound(kind, identifier string) *LinkOpsError {
	return &LinkOpsError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewFileNotFound creates a 404 error for a missing file.
func NewFileNotFound(path string) *LinkOpsError {
	return &LinkOpsError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewInvalidState creates a 409 error for a transition out of a terminal state.
func NewInvalidState(id, from, to string) *LinkOpsError {
	return &LinkOpsError{
		Code:    ErrInvalidState,
		Status:  409,
		Message: fmt.Sprintf("artifact %s cannot move from %s to %s", id, from, to),
		Details: map[string]any{"id": id, "from": from, "to": to},
	}
}

// NewDistillInProgress creates a 409 error when another run holds the window lease.
func NewDistillInProgress(window string) *LinkOpsError {
	return &LinkOpsError{
		Code:    ErrDistillInProgress,
		Status:  409,
		Message: fmt.Sprintf("distillation already running for window %s", window),
		Details: map[string]any{"window": window},
	}
}

// NewCancelled creates an error for an operation stopped by context cancellation.
func NewCancelled(op string) *LinkOpsError {
	return &LinkOpsError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", op),
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *LinkOpsError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &LinkOpsError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is a LinkOpsError with the given code.
func Is(err error, code ErrorCode) bool {
	if lErr, ok := err.(*LinkOpsError); ok {
		return lErr.Code == code
	}
	return false
}

// WarningCode identifies a non-fatal condition reported alongside a result.
type WarningCode string

const (
	WarnDegradedLogging   WarningCode = "DEGRADED_LOGGING"
	WarnNoEligibleHandler WarningCode = "NO_ELIGIBLE_HANDLER"
	WarnPartialDistill    WarningCode = "PARTIAL_DISTILLATION_FAILURE"
	WarnDispatchFailed    WarningCode = "DISPATCH_FAILED"
	WarnDegradedLoad      WarningCode = "DEGRADED_LOAD_TRACKING"
	WarnKnowledgeDown     WarningCode = "KNOWLEDGE_UNAVAILABLE"
)

// Warning is a recorded, non-fatal failure. Intake keeps serving when one occurs.
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// NewWarning builds a Warning from a code and an underlying cause.
func NewWarning(code WarningCode, cause error) Warning {
	msg := string(code)
	if cause != nil {
		msg = cause.Error()
	}
	return Warning{Code: code, Message: msg}
}
