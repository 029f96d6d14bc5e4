package schema

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_FAILED"
	ErrCodeRunNotFound         = "RUN_NOT_FOUND"
	ErrCodeWorkflowNotFound    = "WORKFLOW_NOT_FOUND"
	ErrCodeConflict            = "CONCURRENCY_CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeExecutorUnavailable = "EXECUTOR_UNAVAILABLE"
	ErrCodeExecutorTimeout     = "EXECUTOR_TIMEOUT"
	ErrCodeTokenInvalid        = "TOKEN_INVALID"
	ErrCodeCompensationFailed  = "COMPENSATION_FAILED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// Node-level error codes carried in NodeError. They never surface as FlowError codes.
const (
	NodeErrCallbackExpired = "CALLBACK_EXPIRED"
	NodeErrRejected        = "SIGNAL_REJECTED"
	NodeErrExecution       = "EXECUTION_FAILED"
	NodeErrCancelled       = "CANCELLED"
	NodeErrChildFailed     = "CHILD_RUN_FAILED"
	NodeErrStuck           = "RUN_STUCK"
)

type codeInfo struct {
	status    int
	retryable bool
}

var codeTable = map[string]codeInfo{
	ErrCodeValidation:          {http.StatusBadRequest, false},
	ErrCodeRunNotFound:         {http.StatusNotFound, false},
	ErrCodeWorkflowNotFound:    {http.StatusNotFound, false},
	ErrCodeConflict:            {http.StatusConflict, true},
	ErrCodeInvalidTransition:   {http.StatusConflict, false},
	ErrCodeExecutorUnavailable: {http.StatusServiceUnavailable, true},
	ErrCodeExecutorTimeout:     {http.StatusGatewayTimeout, true},
	ErrCodeTokenInvalid:        {http.StatusUnauthorized, false},
	ErrCodeCompensationFailed:  {http.StatusInternalServerError, false},
	ErrCodeInternal:            {http.StatusInternalServerError, false},
}

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation that produced the error may be retried.
func (e *FlowError) IsRetryable() bool {
	info, ok := codeTable[e.Code]
	return ok && info.retryable
}

// HTTPStatus returns the HTTP-style status associated with the error code.
func (e *FlowError) HTTPStatus() int {
	if info, ok := codeTable[e.Code]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorInfo is the transport-neutral view of an error handed to clients.
type ErrorInfo struct {
	Code      string `json:"code"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Describe maps any error to its stable client-facing description.
// Errors that are not FlowErrors are reported as INTERNAL_ERROR.
func Describe(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{}
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return ErrorInfo{Code: fe.Code, Status: fe.HTTPStatus(), Message: fe.Message, Retryable: fe.IsRetryable()}
	}
	return ErrorInfo{Code: ErrCodeInternal, Status: http.StatusInternalServerError, Message: err.Error()}
}

// HasCode reports whether err is (or wraps) a FlowError with the given code.
func HasCode(err error, code string) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Code == code
}

// IsConflict reports whether err is an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return HasCode(err, ErrCodeConflict)
}
