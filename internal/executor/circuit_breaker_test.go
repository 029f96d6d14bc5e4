package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreakers(threshold int, cooldown time.Duration) (*CircuitBreakers, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreakers(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreakers_StartsClosed(t *testing.T) {
	cb, _ := newBreakers(3, time.Minute)
	assert.NoError(t, cb.Allow("ex-1"))
	assert.True(t, cb.Available("ex-1"))
	assert.Equal(t, CircuitClosed, cb.State("ex-1"))
}

func TestCircuitBreakers_OpensAfterThreshold(t *testing.T) {
	cb, _ := newBreakers(3, time.Minute)

	cb.RecordFailure("ex-1")
	cb.RecordFailure("ex-1")
	assert.Equal(t, CircuitClosed, cb.State("ex-1"))

	assert.Equal(t, CircuitOpen, cb.RecordFailure("ex-1"))
	assert.False(t, cb.Available("ex-1"))

	err := cb.Allow("ex-1")
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeExecutorUnavailable, fe.Code)
	assert.True(t, fe.IsRetryable())

	assert.NoError(t, cb.Allow("ex-2"), "breakers are per executor")
}

func TestCircuitBreakers_SuccessResetsFailures(t *testing.T) {
	cb, _ := newBreakers(3, time.Minute)
	cb.RecordFailure("ex-1")
	cb.RecordFailure("ex-1")
	cb.RecordSuccess("ex-1")
	cb.RecordFailure("ex-1")
	cb.RecordFailure("ex-1")
	assert.Equal(t, CircuitClosed, cb.State("ex-1"))
}

func TestCircuitBreakers_HalfOpenTrial(t *testing.T) {
	cb, clock := newBreakers(1, time.Minute)
	cb.RecordFailure("ex-1")
	require.Error(t, cb.Allow("ex-1"))

	clock.advance(time.Minute)
	assert.True(t, cb.Available("ex-1"))
	require.NoError(t, cb.Allow("ex-1"), "first call after cooldown is the trial")
	assert.Equal(t, CircuitHalfOpen, cb.State("ex-1"))
	assert.False(t, cb.Available("ex-1"), "trial slot taken")
	assert.Error(t, cb.Allow("ex-1"))

	cb.RecordSuccess("ex-1")
	assert.Equal(t, CircuitClosed, cb.State("ex-1"))
}

func TestCircuitBreakers_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newBreakers(2, time.Minute)
	cb.RecordFailure("ex-1")
	cb.RecordFailure("ex-1")
	clock.advance(2 * time.Minute)
	require.NoError(t, cb.Allow("ex-1"))

	assert.Equal(t, CircuitOpen, cb.RecordFailure("ex-1"))
	assert.Error(t, cb.Allow("ex-1"))
}

func TestCircuitBreakers_StatsAndForget(t *testing.T) {
	cb, _ := newBreakers(3, time.Minute)
	cb.RecordFailure("ex-1")
	stats := cb.Stats("ex-1")
	assert.Equal(t, 1, stats["consecutive_failures"])
	assert.Equal(t, "closed", stats["state"])

	cb.Forget("ex-1")
	assert.Equal(t, 0, cb.Stats("ex-1")["consecutive_failures"])
}

func TestCircuitBreakers_DefaultsApplied(t *testing.T) {
	cb := NewCircuitBreakers(CircuitBreakerConfig{})
	assert.Equal(t, DefaultCircuitBreakerConfig(), cb.config)
}
