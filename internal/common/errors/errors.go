// Package errors provides the application error taxonomy for forgeflow.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeSessionBusy        = "SESSION_BUSY"
	ErrCodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	ErrCodeExecutionTimeout   = "EXECUTION_TIMEOUT"
	ErrCodeExecutionFailed    = "EXECUTION_FAILED"
	ErrCodeGitOperationFailed = "GIT_OPERATION_FAILED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Retryable  bool   `json:"retryable,omitempty"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// SessionBusy indicates the session already has an in-flight task. The
// request is rejected rather than queued: queueing inside a session would
// silently break per-session serialization.
func SessionBusy(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionBusy,
		Message:    fmt.Sprintf("session '%s' already has a running task", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// CapacityExceeded indicates the admission wait exceeded its deadline.
// The caller may retry once load subsides.
func CapacityExceeded(err error) *AppError {
	return &AppError{
		Code:       ErrCodeCapacityExceeded,
		Message:    "all workers are busy and the admission wait timed out",
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		Err:        err,
	}
}

// ExecutionTimeout indicates the agent process exceeded its allotted run time.
func ExecutionTimeout(err error) *AppError {
	return &AppError{
		Code:       ErrCodeExecutionTimeout,
		Message:    "agent execution exceeded its time limit and was terminated",
		HTTPStatus: http.StatusGatewayTimeout,
		Err:        err,
	}
}

// ExecutionFailed indicates the agent process exited abnormally. The raw
// diagnostic output is logged server-side, never forwarded to the caller.
func ExecutionFailed(err error) *AppError {
	return &AppError{
		Code:       ErrCodeExecutionFailed,
		Message:    "agent execution failed",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// GitOperationFailed indicates a version-control operation failed.
func GitOperationFailed(op string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeGitOperationFailed,
		Message:    fmt.Sprintf("git %s failed", op),
		HTTPStatus: http.StatusUnprocessableEntity,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Retryable:  appErr.Retryable,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsSessionBusy checks if the error is a session busy rejection.
func IsSessionBusy(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrCodeSessionBusy
}

// IsCapacityExceeded checks if the error is an admission timeout.
func IsCapacityExceeded(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrCodeCapacityExceeded
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrCodeNotFound
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
