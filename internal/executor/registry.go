package executor

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultHeartbeatTimeout is used when RegistryConfig leaves it zero.
const DefaultHeartbeatTimeout = 30 * time.Second

// RegistryConfig configures executor health tracking and selection.
type RegistryConfig struct {
	HeartbeatTimeout time.Duration        `mapstructure:"heartbeat_timeout"`
	Strategy         string               `mapstructure:"strategy"`
	CircuitBreaker   CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type entry struct {
	info     schema.ExecutorInfo
	lastSeen atomic.Int64 // unix nanos
}

// Registry tracks known executors and selects one per dispatch.
// Health state is run-independent and updated with atomics; the map itself is
// guarded by an RWMutex.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]*entry

	heartbeatTimeout time.Duration
	strategy         SelectionStrategy
	breakers         *CircuitBreakers
	logger           *slog.Logger
	now              func() time.Time
}

// NewRegistry creates a registry. logger may be nil.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		executors:        make(map[string]*entry),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		strategy:         StrategyByName(cfg.Strategy),
		breakers:         NewCircuitBreakers(cfg.CircuitBreaker),
		logger:           logger.With(slog.String("component", "executor-registry")),
		now:              time.Now,
	}
}

// SetStrategy replaces the selection strategy.
func (r *Registry) SetStrategy(s SelectionStrategy) {
	r.mu.Lock()
	r.strategy = s
	r.mu.Unlock()
}

// Register adds or replaces an executor and counts the registration as a heartbeat.
func (r *Registry) Register(info schema.ExecutorInfo) error {
	if info.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor id is required")
	}
	if info.Type == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "executor %q: type is required", info.ID)
	}
	switch info.CommunicationType {
	case "":
		info.CommunicationType = schema.CommunicationUnspecified
	case schema.CommunicationGRPC, schema.CommunicationKafka, schema.CommunicationREST,
		schema.CommunicationLocal, schema.CommunicationUnspecified:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"executor %q: unknown communication type %q", info.ID, info.CommunicationType)
	}

	e := &entry{info: info}
	e.lastSeen.Store(r.now().UnixNano())

	r.mu.Lock()
	r.executors[info.ID] = e
	r.mu.Unlock()

	r.logger.Info("executor registered",
		slog.String("executor_id", info.ID),
		slog.String("type", info.Type),
		slog.String("communication", string(info.CommunicationType)))
	return nil
}

// Unregister removes an executor. Unknown IDs are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.executors[id]
	delete(r.executors, id)
	r.mu.Unlock()
	if ok {
		r.breakers.Forget(id)
		r.logger.Info("executor unregistered", slog.String("executor_id", id))
	}
}

// Heartbeat refreshes an executor's liveness.
func (r *Registry) Heartbeat(id string) error {
	r.mu.RLock()
	e, ok := r.executors[id]
	r.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeExecutorUnavailable, "executor %q is not registered", id)
	}
	e.lastSeen.Store(r.now().UnixNano())
	return nil
}

// Get returns a registered executor.
func (r *Registry) Get(id string) (schema.ExecutorInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[id]
	if !ok {
		return schema.ExecutorInfo{}, false
	}
	return e.info, true
}

// Candidates returns the healthy executors of a type, sorted by ID. An executor
// is healthy when its last heartbeat is within the timeout and its circuit
// admits traffic. LOCAL executors live in-process and never expire.
func (r *Registry) Candidates(executorType string) []schema.ExecutorInfo {
	cutoff := r.now().Add(-r.heartbeatTimeout).UnixNano()

	r.mu.RLock()
	out := make([]schema.ExecutorInfo, 0, len(r.executors))
	for _, e := range r.executors {
		if e.info.Type != executorType {
			continue
		}
		if e.info.CommunicationType != schema.CommunicationLocal && e.lastSeen.Load() < cutoff {
			continue
		}
		if !r.breakers.Available(e.info.ID) {
			continue
		}
		out = append(out, e.info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Select picks one executor from candidates for the node. An empty set is
// EXECUTOR_UNAVAILABLE, which the dispatcher reports as retryable.
func (r *Registry) Select(nodeID string, candidates []schema.ExecutorInfo, sc SelectionContext) (schema.ExecutorInfo, error) {
	if len(candidates) == 0 {
		return schema.ExecutorInfo{}, schema.NewErrorf(schema.ErrCodeExecutorUnavailable,
			"no executor available for type %q", sc.ExecutorType).WithNode(nodeID)
	}
	if sc.NodeID == "" {
		sc.NodeID = nodeID
	}
	r.mu.RLock()
	strategy := r.strategy
	r.mu.RUnlock()
	return strategy.Pick(candidates, sc), nil
}

// Acquire selects a healthy executor of the type and claims its circuit.
func (r *Registry) Acquire(sc SelectionContext) (schema.ExecutorInfo, error) {
	candidates := r.Candidates(sc.ExecutorType)
	for len(candidates) > 0 {
		info, err := r.Select(sc.NodeID, candidates, sc)
		if err != nil {
			return info, err
		}
		if r.breakers.Allow(info.ID) == nil {
			return info, nil
		}
		// Lost a half-open trial race; try the rest.
		candidates = without(candidates, info.ID)
	}
	return r.Select(sc.NodeID, nil, sc)
}

// RecordSuccess closes the executor's circuit.
func (r *Registry) RecordSuccess(id string) {
	r.breakers.RecordSuccess(id)
}

// RecordFailure counts an infrastructure failure against the executor.
func (r *Registry) RecordFailure(id string) {
	if r.breakers.RecordFailure(id) == CircuitOpen {
		r.logger.Warn("executor circuit open", slog.String("executor_id", id))
	}
}

// Breakers exposes the breaker set for diagnostics.
func (r *Registry) Breakers() *CircuitBreakers { return r.breakers }

// List returns all registered executors sorted by ID.
func (r *Registry) List() []schema.ExecutorInfo {
	r.mu.RLock()
	out := make([]schema.ExecutorInfo, 0, len(r.executors))
	for _, e := range r.executors {
		out = append(out, e.info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasType reports whether any executor of the type is registered, healthy or not.
func (r *Registry) HasType(executorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.executors {
		if e.info.Type == executorType {
			return true
		}
	}
	return false
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

func without(list []schema.ExecutorInfo, id string) []schema.ExecutorInfo {
	out := make([]schema.ExecutorInfo, 0, len(list))
	for _, e := range list {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}
