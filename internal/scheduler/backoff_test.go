package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/flowcore/pkg/schema"
)

func TestBackoff_Exponential(t *testing.T) {
	p := schema.RetryPolicy{InitialDelay: "100ms", Multiplier: 2, MaxDelay: "1s"}
	// r = 0.5 cancels jitter.
	assert.Equal(t, 100*time.Millisecond, backoff(p, 1, 0.5))
	assert.Equal(t, 200*time.Millisecond, backoff(p, 2, 0.5))
	assert.Equal(t, 400*time.Millisecond, backoff(p, 3, 0.5))
	assert.Equal(t, 800*time.Millisecond, backoff(p, 4, 0.5))
	assert.Equal(t, time.Second, backoff(p, 5, 0.5), "capped by MaxDelay")
	assert.Equal(t, time.Second, backoff(p, 500, 0.5), "large attempts do not overflow")
}

func TestBackoff_Defaults(t *testing.T) {
	assert.Zero(t, backoff(schema.RetryPolicy{}, 3, 0.5), "no initial delay means immediate retry")
	p := schema.RetryPolicy{InitialDelay: "1s"}
	assert.Equal(t, time.Second, backoff(p, 4, 0.5), "multiplier below 1 is constant")
	assert.Equal(t, time.Second, backoff(p, 0, 0.5))
}

func TestBackoff_Jitter(t *testing.T) {
	p := schema.RetryPolicy{InitialDelay: "1s", Multiplier: 1, Jitter: 0.2}
	assert.Equal(t, 800*time.Millisecond, backoff(p, 1, 0))
	assert.Equal(t, 1200*time.Millisecond, backoff(p, 1, 1))

	for i := 0; i < 100; i++ {
		d := Backoff(p, 1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestShouldRetry(t *testing.T) {
	p := schema.RetryPolicy{MaxAttempts: 3}
	retryable := &schema.NodeError{Code: schema.ErrCodeExecutorTimeout, Retryable: true}

	assert.True(t, ShouldRetry(p, 1, retryable))
	assert.True(t, ShouldRetry(p, 2, retryable))
	assert.False(t, ShouldRetry(p, 3, retryable), "MaxAttempts includes the first attempt")
	assert.False(t, ShouldRetry(p, 1, &schema.NodeError{Code: "DECLINED"}))
	assert.False(t, ShouldRetry(p, 1, nil))
	assert.False(t, ShouldRetry(schema.RetryPolicy{MaxAttempts: 1}, 1, retryable))
}
