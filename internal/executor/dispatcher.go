package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/metrics"
	"github.com/rendis/flowcore/pkg/schema"
)

// Defaults applied by NewDispatcher.
const (
	DefaultDispatchTimeout = 30 * time.Second
	DefaultMaxConcurrent   = 64
)

// DispatcherConfig bounds dispatch per executor type.
type DispatcherConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// MaxConcurrent caps in-flight dispatches per executor type unless
	// Concurrency overrides it for that type.
	MaxConcurrent int64            `mapstructure:"max_concurrent"`
	Concurrency   map[string]int64 `mapstructure:"concurrency"`
	// RateLimits are dispatches per second per executor type. Absent means unlimited.
	RateLimits map[string]float64 `mapstructure:"rate_limits"`
}

// NodeContext is the node half of a dispatch: what to run.
type NodeContext struct {
	NodeID       string
	Kind         schema.NodeKind
	ExecutorType string
	Input        map[string]any
	Config       json.RawMessage
	Timeout      time.Duration
	Compensation bool
}

// ExecutionContext is the run half of a dispatch: on whose behalf and which attempt.
type ExecutionContext struct {
	RunID    string
	TenantID string
	Attempt  int
	Token    string
	Retry    schema.RetryPolicy
}

// Dispatcher routes tasks to executors and reports exactly one result per task.
type Dispatcher struct {
	registry  *Registry
	handlers  *HandlerRegistry
	cfg       DispatcherConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	factories map[schema.CommunicationType]ClientFactory

	mu       sync.Mutex
	clients  map[string]Client
	sems     map[string]*semaphore.Weighted
	limiters map[string]*rate.Limiter

	now func() time.Time
}

// NewDispatcher creates a dispatcher with LOCAL, REST and GRPC factories
// installed. KAFKA needs a transport: see SetFactory. handlers and logger may be nil.
func NewDispatcher(registry *Registry, handlers *HandlerRegistry, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultDispatchTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	local := NewLocalClient(handlers)
	return &Dispatcher{
		registry: registry,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "dispatcher")),
		tracer:   otel.Tracer("github.com/rendis/flowcore/internal/executor"),
		factories: map[schema.CommunicationType]ClientFactory{
			schema.CommunicationLocal: func(schema.ExecutorInfo) (Client, error) { return local, nil },
			schema.CommunicationREST:  RESTFactory(nil),
			schema.CommunicationGRPC:  GRPCFactory(),
		},
		clients:  make(map[string]Client),
		sems:     make(map[string]*semaphore.Weighted),
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// SetFactory installs or replaces the client factory for a communication type.
func (d *Dispatcher) SetFactory(ct schema.CommunicationType, f ClientFactory) {
	d.mu.Lock()
	d.factories[ct] = f
	d.mu.Unlock()
}

// Handlers returns the in-process handler registry.
func (d *Dispatcher) Handlers() *HandlerRegistry { return d.handlers }

// Registry returns the executor registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch builds the task from its node and execution halves and dispatches it.
func (d *Dispatcher) Dispatch(ctx context.Context, nc NodeContext, ec ExecutionContext) <-chan schema.NodeResult {
	return d.DispatchTask(ctx, schema.NodeExecutionTask{
		RunID:        ec.RunID,
		TenantID:     ec.TenantID,
		NodeID:       nc.NodeID,
		ExecutorType: nc.ExecutorType,
		Attempt:      ec.Attempt,
		Token:        ec.Token,
		Input:        nc.Input,
		Config:       nc.Config,
		Timeout:      nc.Timeout,
		Retry:        ec.Retry,
		Compensation: nc.Compensation,
	})
}

// DispatchTask runs the task asynchronously. The returned channel is buffered
// and receives exactly one result, so an abandoned receiver never leaks the
// worker goroutine.
func (d *Dispatcher) DispatchTask(ctx context.Context, task schema.NodeExecutionTask) <-chan schema.NodeResult {
	out := make(chan schema.NodeResult, 1)
	go func() {
		defer close(out)
		out <- d.Execute(ctx, task)
	}()
	return out
}

// Execute dispatches synchronously and returns the (possibly synthesized) result.
func (d *Dispatcher) Execute(ctx context.Context, task schema.NodeExecutionTask) schema.NodeResult {
	start := d.now()
	ctx = logging.WithIDs(ctx, task.TenantID, task.RunID, task.NodeID)
	ctx, span := d.tracer.Start(ctx, "executor.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("flowcore.run_id", task.RunID),
			attribute.String("flowcore.node_id", task.NodeID),
			attribute.String("flowcore.executor_type", task.ExecutorType),
			attribute.Int("flowcore.attempt", task.Attempt),
			attribute.Bool("flowcore.compensation", task.Compensation),
		),
	)
	defer span.End()

	result := d.execute(ctx, &task)

	outcome := string(result.Status)
	if result.Error != nil {
		outcome = result.Error.Code
		span.SetStatus(otelcodes.Error, result.Error.Message)
	}
	span.SetAttributes(
		attribute.String("flowcore.executor_id", result.ExecutorID),
		attribute.String("flowcore.outcome", outcome),
	)
	metrics.RecordDispatch(task.ExecutorType, outcome, d.now().Sub(start))

	logging.LogWith(ctx, d.logger).Debug("dispatch finished",
		slog.Int("attempt", task.Attempt),
		slog.String("executor_id", result.ExecutorID),
		slog.String("outcome", outcome))
	return result
}

func (d *Dispatcher) execute(ctx context.Context, task *schema.NodeExecutionTask) schema.NodeResult {
	if task.ExecutorType == "" {
		return task.Failed(&schema.NodeError{
			Code:    schema.ErrCodeValidation,
			Message: "node has no executor type",
			Source:  "dispatcher",
		})
	}

	sem := d.semaphore(task.ExecutorType)
	if err := sem.Acquire(ctx, 1); err != nil {
		return task.Failed(ToNodeError(err, "dispatcher"))
	}
	defer sem.Release(1)

	if lim := d.limiter(task.ExecutorType); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return task.Failed(ToNodeError(err, "dispatcher"))
		}
	}

	info, err := d.registry.Acquire(SelectionContext{
		RunID:        task.RunID,
		TenantID:     task.TenantID,
		NodeID:       task.NodeID,
		ExecutorType: task.ExecutorType,
		Attempt:      task.Attempt,
	})
	if err != nil {
		return task.Failed(ToNodeError(err, "registry"))
	}

	client, err := d.client(info)
	if err != nil {
		res := task.Failed(ToNodeError(err, info.ID))
		res.ExecutorID = info.ID
		return res
	}

	timeout := d.cfg.DefaultTimeout
	switch {
	case task.Timeout > 0:
		timeout = task.Timeout
	case info.Timeout > 0:
		timeout = info.Timeout
	}

	deadline := time.Now().Add(timeout)
	resp, err := d.call(ctx, client, &Request{Executor: info, Task: *task}, timeout)
	if err == nil && resp.Token != task.Token {
		// A reply carrying a foreign token is not this attempt's result.
		// The attempt ends as if the executor never replied.
		logging.LogWith(ctx, d.logger).Warn("discarding reply with foreign token",
			slog.Int("attempt", task.Attempt),
			slog.String("executor_id", info.ID))
		err = d.expire(ctx, task, info.ID, deadline, timeout)
	}
	if err != nil {
		if infrastructureFailure(err) {
			d.registry.RecordFailure(info.ID)
		}
		res := task.Failed(ToNodeError(err, info.ID))
		res.ExecutorID = info.ID
		return res
	}
	d.registry.RecordSuccess(info.ID)
	return d.accept(task, resp, info.ID)
}

// expire waits out the rest of the attempt's deadline and reports the timeout.
func (d *Dispatcher) expire(ctx context.Context, task *schema.NodeExecutionTask, executorID string, deadline time.Time, timeout time.Duration) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return schema.NewErrorf(schema.ErrCodeExecutorTimeout,
		"executor %s did not reply within %s", executorID, timeout).
		WithNode(task.NodeID).WithCause(context.DeadlineExceeded)
}

// call enforces the timeout even when the client ignores its context.
func (d *Dispatcher) call(ctx context.Context, client Client, req *Request, timeout time.Duration) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		resp *Response
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		resp, err := client.Execute(callCtx, req)
		ch <- reply{resp, err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-callCtx.Done():
	}

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) && (r.err != nil || r.resp == nil):
		return nil, schema.NewErrorf(schema.ErrCodeExecutorTimeout,
			"executor %s did not reply within %s", req.Executor.ID, timeout).
			WithNode(req.Task.NodeID).WithCause(context.DeadlineExceeded)
	case r.err != nil:
		return nil, r.err
	case r.resp == nil:
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "executor %s returned no response", req.Executor.ID)
	}
	return r.resp, nil
}

// accept validates the status of an executor reply whose token matched.
func (d *Dispatcher) accept(task *schema.NodeExecutionTask, resp *Response, executorID string) schema.NodeResult {
	switch resp.Status {
	case schema.ResultSucceeded:
	case schema.ResultFailed:
		if resp.Error == nil {
			resp.Error = &schema.NodeError{Code: schema.NodeErrExecution, Message: "executor reported failure"}
		}
		if resp.Error.Source == "" {
			resp.Error.Source = executorID
		}
	default:
		res := task.Failed(&schema.NodeError{
			Code:    schema.ErrCodeInternal,
			Message: "executor returned unknown status " + string(resp.Status),
			Source:  executorID,
		})
		res.ExecutorID = executorID
		return res
	}
	return resp.result(task, executorID)
}

func (d *Dispatcher) client(info schema.ExecutorInfo) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[info.ID]; ok {
		return c, nil
	}

	ct := info.CommunicationType
	if ct == schema.CommunicationUnspecified || ct == "" {
		ct = schema.CommunicationREST
		if d.handlers.Has(info.Type) {
			ct = schema.CommunicationLocal
		}
	}
	factory, ok := d.factories[ct]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecutorUnavailable,
			"no client for communication type %s", ct)
	}
	c, err := factory(info)
	if err != nil {
		return nil, err
	}
	d.clients[info.ID] = c
	return c, nil
}

// Forget closes and drops the cached client for an executor.
func (d *Dispatcher) Forget(executorID string) {
	d.mu.Lock()
	c, ok := d.clients[executorID]
	delete(d.clients, executorID)
	d.mu.Unlock()
	if ok {
		if err := c.Close(); err != nil {
			d.logger.Warn("close client", slog.String("executor_id", executorID), slog.Any("error", err))
		}
	}
}

// Close closes every cached client.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	clients := d.clients
	d.clients = make(map[string]Client)
	d.mu.Unlock()

	var errs []error
	for _, c := range clients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) semaphore(executorType string) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sems[executorType]
	if !ok {
		n := d.cfg.MaxConcurrent
		if v, ok := d.cfg.Concurrency[executorType]; ok && v > 0 {
			n = v
		}
		s = semaphore.NewWeighted(n)
		d.sems[executorType] = s
	}
	return s
}

func (d *Dispatcher) limiter(executorType string) *rate.Limiter {
	perSecond, ok := d.cfg.RateLimits[executorType]
	if !ok || perSecond <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[executorType]
	if !ok {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(perSecond), burst)
		d.limiters[executorType] = l
	}
	return l
}
