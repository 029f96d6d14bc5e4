package executor

import (
	"sync"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, excluded from selection
	CircuitHalfOpen                     // Probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures per-executor circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// HalfOpenMax is the number of trial dispatches allowed in half-open state.
	HalfOpenMax int `mapstructure:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakers tracks failure state per executor instance.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakers creates a breaker set. Zero config fields take defaults.
func NewCircuitBreakers(config CircuitBreakerConfig) *CircuitBreakers {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakers{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Available reports whether the executor may be offered for selection
// without consuming a half-open trial slot.
func (r *CircuitBreakers) Available(executorID string) bool {
	cb := r.getOrCreate(executorID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		return r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown
	case CircuitHalfOpen:
		return cb.halfOpenAttempts < r.config.HalfOpenMax
	default:
		return true
	}
}

// Allow claims the right to dispatch to the executor. Returns nil if allowed,
// or an EXECUTOR_UNAVAILABLE error if the circuit rejects the call.
func (r *CircuitBreakers) Allow(executorID string) error {
	cb := r.getOrCreate(executorID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeExecutorUnavailable,
			"circuit open for executor %q after %d consecutive failures", executorID, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"executor_id":          executorID,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeExecutorUnavailable,
				"circuit half-open for executor %q: trial in flight", executorID)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the executor's circuit.
func (r *CircuitBreakers) RecordSuccess(executorID string) {
	cb := r.getOrCreate(executorID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and returns the resulting state.
func (r *CircuitBreakers) RecordFailure(executorID string) CircuitState {
	cb := r.getOrCreate(executorID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	// Any failure while probing reopens the circuit.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state, applying the open to half-open transition.
func (r *CircuitBreakers) State(executorID string) CircuitState {
	cb := r.getOrCreate(executorID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Stats returns diagnostic information about an executor's breaker.
func (r *CircuitBreakers) Stats(executorID string) map[string]any {
	cb := r.getOrCreate(executorID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"executor_id":          executorID,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

// Forget drops the breaker for an executor that left the registry.
func (r *CircuitBreakers) Forget(executorID string) {
	r.mu.Lock()
	delete(r.breakers, executorID)
	r.mu.Unlock()
}

func (r *CircuitBreakers) getOrCreate(executorID string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[executorID]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[executorID] = cb
	}
	return cb
}
