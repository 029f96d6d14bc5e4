package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/flowcore/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.True(t, IsRetryableError(errors.New("something went wrong")), "unknown errors default to retryable")
	assert.True(t, IsRetryableError(&net.OpError{Op: "dial", Err: errors.New("refused")}))
}

func TestIsRetryableError_FlowErrorCodes(t *testing.T) {
	for _, code := range []string{schema.ErrCodeExecutorUnavailable, schema.ErrCodeExecutorTimeout, schema.ErrCodeConflict} {
		assert.True(t, IsRetryableError(schema.NewError(code, "x")), code)
	}
	for _, code := range []string{schema.ErrCodeValidation, schema.ErrCodeTokenInvalid, schema.ErrCodeInternal} {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), code)
	}
}

func TestIsRetryableError_NetworkPatterns(t *testing.T) {
	for _, p := range []string{
		"connection refused",
		"connection reset by peer",
		"unexpected EOF",
		"i/o timeout",
		"503 Service Unavailable",
	} {
		assert.True(t, IsRetryableError(errors.New(p)), p)
	}
}

func TestToNodeError(t *testing.T) {
	ne := ToNodeError(context.DeadlineExceeded, "ex-1")
	assert.Equal(t, schema.ErrCodeExecutorTimeout, ne.Code)
	assert.True(t, ne.Retryable)
	assert.Equal(t, "ex-1", ne.Source)

	ne = ToNodeError(context.Canceled, "ex-1")
	assert.Equal(t, schema.NodeErrCancelled, ne.Code)
	assert.False(t, ne.Retryable)

	ne = ToNodeError(schema.NewError(schema.ErrCodeValidation, "bad").WithDetails(map[string]any{"field": "amount"}), "ex-1")
	assert.Equal(t, schema.ErrCodeValidation, ne.Code)
	assert.Equal(t, "bad", ne.Message)
	assert.Equal(t, "amount", ne.Context["field"])
	assert.False(t, ne.Retryable)

	ne = ToNodeError(errors.New("connection reset"), "ex-1")
	assert.Equal(t, schema.ErrCodeExecutorUnavailable, ne.Code)
	assert.True(t, ne.Retryable)
}

func TestInfrastructureFailure(t *testing.T) {
	assert.True(t, infrastructureFailure(schema.NewError(schema.ErrCodeExecutorUnavailable, "down")))
	assert.True(t, infrastructureFailure(schema.NewError(schema.ErrCodeExecutorTimeout, "slow")))
	assert.True(t, infrastructureFailure(errors.New("broken pipe")))
	assert.False(t, infrastructureFailure(schema.NewError(schema.ErrCodeValidation, "bad")))
	assert.False(t, infrastructureFailure(context.Canceled))
}
