// Package scheduler turns planned work into dispatched tasks: it runs tasks on a
// bounded pool, fires delayed retries, honors per-run cancellation, keeps the
// dead-letter queue and fans committed events out to observers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/metrics"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/pkg/schema"
)

// Config configures the scheduler.
type Config struct {
	PoolSize           int           `mapstructure:"pool_size"`
	DeadLetterCapacity int           `mapstructure:"dead_letter_capacity"`
	TombstoneTTL       time.Duration `mapstructure:"tombstone_ttl"`
	SweepSpec          string        `mapstructure:"sweep_spec"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:           64,
		DeadLetterCapacity: 1000,
		TombstoneTTL:       time.Hour,
		SweepSpec:          "@every 5s",
	}
}

// Dispatcher sends one task to an executor and yields exactly one result.
type Dispatcher interface {
	DispatchTask(ctx context.Context, task schema.NodeExecutionTask) <-chan schema.NodeResult
}

// Handler receives results and due retries. The engine implements it.
type Handler interface {
	HandleResult(ctx context.Context, result schema.NodeResult) error
	RetryNode(ctx context.Context, runID, nodeID string, attempt int) error
}

// EventObserver is notified of every published event.
type EventObserver interface {
	OnEvent(ctx context.Context, event schema.ExecutionEvent)
}

type retryKey struct {
	nodeID  string
	attempt int
}

// runTasks is the scheduler's per-run bookkeeping.
type runTasks struct {
	ctx      context.Context
	cancel   context.CancelFunc
	inflight int
	retries  map[retryKey]*time.Timer
}

// Scheduler owns task execution, retries and cancellation.
type Scheduler struct {
	cfg        Config
	dispatcher Dispatcher
	hub        streaming.EventHub
	logger     *slog.Logger
	pool       *WorkerPool
	dlq        *deadLetterQueue

	mu         sync.Mutex
	handler    Handler
	observers  []EventObserver
	runs       map[string]*runTasks
	tombstones map[string]time.Time
	baseCtx    context.Context
	stop       context.CancelFunc
	closed     bool

	now func() time.Time
}

// New creates a scheduler. hub and logger may be nil. Bind must be called
// before tasks are scheduled.
func New(cfg Config, dispatcher Dispatcher, hub streaming.EventHub, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.DeadLetterCapacity <= 0 {
		cfg.DeadLetterCapacity = def.DeadLetterCapacity
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = def.TombstoneTTL
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = def.SweepSpec
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		dispatcher: dispatcher,
		hub:        hub,
		logger:     logger.With(slog.String("component", "scheduler")),
		pool:       NewWorkerPool(cfg.PoolSize),
		dlq:        newDeadLetterQueue(cfg.DeadLetterCapacity),
		runs:       make(map[string]*runTasks),
		tombstones: make(map[string]time.Time),
		baseCtx:    ctx,
		stop:       stop,
		now:        time.Now,
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Bind sets the handler that receives results and due retries.
func (s *Scheduler) Bind(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Observe registers an observer for published events.
func (s *Scheduler) Observe(o EventObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// ScheduleTask queues the task for dispatch. It never blocks. Tasks for a
// cancelled run are refused with INVALID_TRANSITION.
func (s *Scheduler) ScheduleTask(task schema.NodeExecutionTask) error {
	s.mu.Lock()
	if err := s.admit(task.RunID); err != nil {
		s.mu.Unlock()
		return err
	}
	rt := s.run(task.RunID)
	rt.inflight++
	runCtx := rt.ctx
	s.mu.Unlock()

	// Submitted on the base context; execute checks the run context itself.
	// done runs whether the task executes or is dropped at shutdown.
	err := s.pool.SubmitOrDrop(s.baseCtx, func(context.Context) error {
		defer s.done(task.RunID)
		return s.execute(runCtx, task)
	}, func() { s.done(task.RunID) })
	if err != nil {
		s.done(task.RunID)
		return schema.NewErrorf(schema.ErrCodeInternal, "schedule %s/%s: %v", task.RunID, task.NodeID, err).WithCause(err)
	}
	return nil
}

func (s *Scheduler) execute(runCtx context.Context, task schema.NodeExecutionTask) error {
	if runCtx.Err() != nil {
		return nil
	}
	ctx := logging.WithIDs(runCtx, task.TenantID, task.RunID, task.NodeID)
	result := <-s.dispatcher.DispatchTask(ctx, task)

	if runCtx.Err() != nil {
		// Cancelled while in flight: the result is discarded.
		logging.LogWith(ctx, s.logger).Debug("dropping result of cancelled run", slog.Int("attempt", task.Attempt))
		return nil
	}

	h := s.boundHandler()
	if h == nil {
		return fmt.Errorf("no handler bound")
	}
	// Detached from the run context so a cancellation racing the commit
	// cannot abort a half-applied mutation.
	if err := h.HandleResult(logging.WithIDs(s.baseCtx, task.TenantID, task.RunID, task.NodeID), result); err != nil {
		logging.LogWith(ctx, s.logger).Warn("handle result failed",
			slog.Int("attempt", task.Attempt),
			slog.Any("error", err))
		return err
	}
	return nil
}

// ScheduleRetry arranges for RetryNode(runID, nodeID, attempt) after delay.
// Scheduling the same retry twice keeps the first timer.
func (s *Scheduler) ScheduleRetry(runID, nodeID string, attempt int, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admit(runID); err != nil {
		return err
	}
	rt := s.run(runID)
	key := retryKey{nodeID: nodeID, attempt: attempt}
	if _, ok := rt.retries[key]; ok {
		return nil
	}
	rt.retries[key] = time.AfterFunc(delay, func() { s.fireRetry(runID, key) })
	metrics.RecordRetry()
	s.logger.Debug("retry scheduled",
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
	return nil
}

func (s *Scheduler) fireRetry(runID string, key retryKey) {
	s.mu.Lock()
	rt, ok := s.runs[runID]
	if !ok || rt.retries[key] == nil {
		s.mu.Unlock()
		return
	}
	delete(rt.retries, key)
	rt.inflight++
	runCtx := rt.ctx
	s.mu.Unlock()

	err := s.pool.SubmitOrDrop(s.baseCtx, func(context.Context) error {
		defer s.done(runID)
		if runCtx.Err() != nil {
			return nil
		}
		h := s.boundHandler()
		if h == nil {
			return fmt.Errorf("no handler bound")
		}
		if err := h.RetryNode(logging.WithIDs(s.baseCtx, "", runID, key.nodeID), runID, key.nodeID, key.attempt); err != nil {
			s.logger.Warn("retry failed",
				slog.String("run_id", runID),
				slog.String("node_id", key.nodeID),
				slog.Int("attempt", key.attempt),
				slog.Any("error", err))
			return err
		}
		return nil
	}, func() { s.done(runID) })
	if err != nil {
		s.done(runID)
	}
}

// CancelTasksForRun stops queued tasks and pending retries for the run and
// discards results of tasks still in flight. It is idempotent and returns
// how many pending retries were dropped.
func (s *Scheduler) CancelTasksForRun(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tombstones[runID]; !ok {
		s.tombstones[runID] = s.now()
	}
	rt, ok := s.runs[runID]
	if !ok {
		return 0
	}
	rt.cancel()
	n := 0
	for key, timer := range rt.retries {
		if timer.Stop() {
			n++
		}
		delete(rt.retries, key)
	}
	s.release(runID, rt)
	if n > 0 {
		metrics.RecordTasksCancelled(n)
	}
	s.logger.Info("run tasks cancelled", slog.String("run_id", runID), slog.Int("retries_dropped", n))
	return n
}

// Cancelled reports whether the run has been tombstoned.
func (s *Scheduler) Cancelled(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tombstones[runID]
	return ok
}

// PruneTombstones forgets cancellations older than the configured TTL.
func (s *Scheduler) PruneTombstones() int {
	cutoff := s.now().Add(-s.cfg.TombstoneTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for runID, at := range s.tombstones {
		if at.Before(cutoff) {
			delete(s.tombstones, runID)
			n++
		}
	}
	return n
}

// PublishEvents forwards committed events to the hub and observers, in order.
func (s *Scheduler) PublishEvents(ctx context.Context, events []*schema.ExecutionEvent) {
	s.mu.Lock()
	observers := append([]EventObserver(nil), s.observers...)
	s.mu.Unlock()

	for _, ev := range events {
		if ev == nil {
			continue
		}
		if s.hub != nil {
			if err := s.hub.Publish(ctx, *ev); err != nil {
				s.logger.Warn("publish event", slog.String("type", ev.Type), slog.Any("error", err))
			}
		}
		for _, o := range observers {
			o.OnEvent(ctx, *ev)
		}
	}
}

// ScheduledTasksCount returns queued and running tasks plus pending retries.
func (s *Scheduler) ScheduledTasksCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rt := range s.runs {
		n += rt.inflight + len(rt.retries)
	}
	return n
}

// PendingRetries returns the number of retry timers armed for the run.
func (s *Scheduler) PendingRetries(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runs[runID]; ok {
		return len(rt.retries)
	}
	return 0
}

// DeadLetter records a task that will not be retried.
func (s *Scheduler) DeadLetter(entry DeadLetter) {
	if entry.At.IsZero() {
		entry.At = s.now()
	}
	s.dlq.push(entry)
	metrics.RecordDeadLetter()
	s.logger.Warn("task dead-lettered",
		slog.String("run_id", entry.RunID),
		slog.String("node_id", entry.NodeID),
		slog.Int("attempt", entry.Attempt),
		slog.String("reason", entry.Reason))
}

// DeadLetters returns the retained dead letters, oldest first.
func (s *Scheduler) DeadLetters() []DeadLetter { return s.dlq.list() }

// DeadLettersForRun returns the retained dead letters of one run.
func (s *Scheduler) DeadLettersForRun(runID string) []DeadLetter { return s.dlq.forRun(runID) }

// PoolMetrics returns the worker pool counters.
func (s *Scheduler) PoolMetrics() PoolMetrics { return s.pool.Metrics() }

// Wait blocks until every submitted task has finished.
func (s *Scheduler) Wait() { s.pool.Wait() }

// Shutdown stops retry timers, refuses new work and waits for running tasks.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, rt := range s.runs {
		for _, timer := range rt.retries {
			timer.Stop()
		}
		rt.retries = map[retryKey]*time.Timer{}
	}
	s.mu.Unlock()

	s.pool.Shutdown()
	s.stop()
}

// admit must be called with s.mu held.
func (s *Scheduler) admit(runID string) error {
	if s.closed {
		return schema.NewError(schema.ErrCodeInternal, "scheduler is shut down")
	}
	if _, ok := s.tombstones[runID]; ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is cancelled", runID)
	}
	return nil
}

// run must be called with s.mu held.
func (s *Scheduler) run(runID string) *runTasks {
	rt, ok := s.runs[runID]
	if !ok {
		ctx, cancel := context.WithCancel(s.baseCtx)
		rt = &runTasks{ctx: ctx, cancel: cancel, retries: make(map[retryKey]*time.Timer)}
		s.runs[runID] = rt
	}
	return rt
}

func (s *Scheduler) done(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runs[runID]; ok {
		rt.inflight--
		s.release(runID, rt)
	}
}

// release drops idle bookkeeping. Must be called with s.mu held.
func (s *Scheduler) release(runID string, rt *runTasks) {
	if rt.inflight <= 0 && len(rt.retries) == 0 {
		rt.cancel()
		delete(s.runs, runID)
	}
}

func (s *Scheduler) boundHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}
