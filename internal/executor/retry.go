package executor

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/rendis/flowcore/pkg/schema"
)

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"temporary failure",
	"i/o timeout",
	"no such host",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"internal server error",
	"too many requests",
}

// IsRetryableError classifies whether a dispatch error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: cancellation and FlowErrors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A per-attempt deadline, not a run-level stop.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Let the retry policy bound attempts.
	return true
}

// ToNodeError converts a dispatch error into the error recorded for the attempt.
func ToNodeError(err error, source string) *schema.NodeError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &schema.NodeError{
			Code:      schema.ErrCodeExecutorTimeout,
			Message:   "executor did not reply before the deadline",
			Source:    source,
			Retryable: true,
		}
	case errors.Is(err, context.Canceled):
		return &schema.NodeError{
			Code:    schema.NodeErrCancelled,
			Message: "dispatch cancelled",
			Source:  source,
		}
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return &schema.NodeError{
			Code:      fe.Code,
			Message:   fe.Message,
			Source:    source,
			Context:   fe.Details,
			Retryable: fe.IsRetryable(),
		}
	}

	retryable := IsRetryableError(err)
	code := schema.ErrCodeExecutorUnavailable
	if !retryable {
		code = schema.NodeErrExecution
	}
	return &schema.NodeError{Code: code, Message: err.Error(), Source: source, Retryable: retryable}
}

// infrastructureFailure reports whether an error reflects on the executor's
// health rather than on the request.
func infrastructureFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Code == schema.ErrCodeExecutorUnavailable || fe.Code == schema.ErrCodeExecutorTimeout
	}
	return IsRetryableError(err)
}
