// Package engine is the run execution core. It owns the run and node state
// machines and drives every run from creation to a terminal state: it plans,
// dispatches through the scheduler, applies results, suspends on signals and
// timers, and compensates failed runs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowcore/internal/callback"
	"github.com/rendis/flowcore/internal/definitions"
	"github.com/rendis/flowcore/internal/interceptor"
	"github.com/rendis/flowcore/internal/planner"
	"github.com/rendis/flowcore/internal/saga"
	"github.com/rendis/flowcore/internal/scheduler"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/token"
	"github.com/rendis/flowcore/pkg/schema"
)

// Engine is the run execution core.
type Engine interface {
	// StartRun creates a run, validates its input and starts its ready nodes.
	StartRun(ctx context.Context, req StartRequest) (*schema.WorkflowRunSnapshot, error)

	// HandleResult applies an executor result. Results are idempotent per
	// (run, node, attempt); stale or cancelled results are discarded.
	HandleResult(ctx context.Context, result schema.NodeResult) error

	// RetryNode re-dispatches a node whose retry delay elapsed.
	RetryNode(ctx context.Context, runID, nodeID string, attempt int) error

	// Signal resumes a WAITING node with the callback token handed out when it suspended.
	Signal(ctx context.Context, runID, callbackToken string, sig schema.Signal) error

	// CancelRun stops a run, cascading to in-flight nodes and child runs.
	CancelRun(ctx context.Context, runID, reason string) error

	// Compensate runs the compensation pass of a FAILED run.
	Compensate(ctx context.Context, runID string) (*schema.CompensationResult, error)

	GetRun(ctx context.Context, runID string) (*schema.WorkflowRun, error)
	Snapshot(ctx context.Context, runID, tenantID string) (*schema.WorkflowRunSnapshot, error)
	Query(ctx context.Context, q store.RunQuery) ([]*schema.WorkflowRunSnapshot, error)

	// Recover resumes every unfinished run after a restart and returns how many it touched.
	Recover(ctx context.Context) (int, error)

	// SweepCallbacks fires due timers and expires stale signal registrations.
	SweepCallbacks(ctx context.Context, now time.Time) (int, error)
}

// StartRequest describes a new run.
type StartRequest struct {
	TenantID     string
	DefinitionID string
	Input        map[string]any
	// RunID is generated when empty.
	RunID string
	// Parent links a child run to the SUB_WORKFLOW node that started it.
	Parent *schema.ParentRef
}

// TaskScheduler is the part of the scheduler the engine drives.
type TaskScheduler interface {
	Bind(h scheduler.Handler)
	ScheduleTask(task schema.NodeExecutionTask) error
	ScheduleRetry(runID, nodeID string, attempt int, delay time.Duration) error
	CancelTasksForRun(runID string) int
	PublishEvents(ctx context.Context, events []*schema.ExecutionEvent)
	DeadLetter(entry scheduler.DeadLetter)
}

// InputValidator checks run input against a definition's input schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Mapper applies node input/output mappings.
type Mapper interface {
	Map(ctx context.Context, expression string, data map[string]any) (map[string]any, error)
}

// Deps are the engine's collaborators. Validator, Mapper, Interceptors and
// Logger are optional.
type Deps struct {
	Store        store.Store
	Locker       store.Locker
	Definitions  definitions.Source
	Scheduler    TaskScheduler
	Dispatcher   saga.Dispatcher
	Tokens       *token.Service
	Callbacks    *callback.Service
	Planner      *planner.Planner
	Validator    InputValidator
	Mapper       Mapper
	Interceptors *interceptor.Pipeline
	Logger       *slog.Logger
}

// Config tunes the engine.
type Config struct {
	// MaxConflictRetries bounds how often a mutation is reapplied after a
	// concurrency conflict.
	MaxConflictRetries int `mapstructure:"max_conflict_retries"`
	// RecoveryPageSize is the number of runs loaded per query during Recover.
	RecoveryPageSize int `mapstructure:"recovery_page_size"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{MaxConflictRetries: 5, RecoveryPageSize: 100}
}

type engineImpl struct {
	store      store.Store
	locker     store.Locker
	defs       definitions.Source
	sched      TaskScheduler
	tokens     *token.Service
	callbacks  *callback.Service
	planner    *planner.Planner
	saga       *saga.Engine
	validator  InputValidator
	mapper     Mapper
	pipeline   *interceptor.Pipeline
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	// compiled caches definitions by (id, revision).
	compiled sync.Map // revisionKey -> *compiledDefinition
}

type revisionKey struct{ id, revision string }

type compiledDefinition struct {
	def      *schema.WorkflowDefinition
	graph    *planner.Graph
	revision string
}

var (
	_ Engine            = (*engineImpl)(nil)
	_ scheduler.Handler = (*engineImpl)(nil)
)

// New creates the engine and binds it to the scheduler as its result handler.
func New(deps Deps, cfg Config) (Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("engine: store is required")
	case deps.Locker == nil:
		return nil, fmt.Errorf("engine: locker is required")
	case deps.Definitions == nil:
		return nil, fmt.Errorf("engine: definition source is required")
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("engine: scheduler is required")
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("engine: dispatcher is required")
	case deps.Tokens == nil:
		return nil, fmt.Errorf("engine: token service is required")
	case deps.Callbacks == nil:
		return nil, fmt.Errorf("engine: callback service is required")
	}

	def := DefaultConfig()
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = def.MaxConflictRetries
	}
	if cfg.RecoveryPageSize <= 0 {
		cfg.RecoveryPageSize = def.RecoveryPageSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Planner == nil {
		deps.Planner = planner.New(nil)
	}
	if deps.Interceptors == nil {
		deps.Interceptors = interceptor.NewPipeline(logger)
	}

	e := &engineImpl{
		store:     deps.Store,
		locker:    deps.Locker,
		defs:      deps.Definitions,
		sched:     deps.Scheduler,
		tokens:    deps.Tokens,
		callbacks: deps.Callbacks,
		planner:   deps.Planner,
		saga:      saga.New(deps.Dispatcher, deps.Tokens, logger),
		validator: deps.Validator,
		mapper:    deps.Mapper,
		pipeline:  deps.Interceptors,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "engine")),
		now:       time.Now,
	}
	deps.Scheduler.Bind(e)
	return e, nil
}

func (e *engineImpl) GetRun(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	return e.store.FindByID(ctx, runID)
}

func (e *engineImpl) Snapshot(ctx context.Context, runID, tenantID string) (*schema.WorkflowRunSnapshot, error) {
	return e.store.Snapshot(ctx, runID, tenantID)
}

func (e *engineImpl) Query(ctx context.Context, q store.RunQuery) ([]*schema.WorkflowRunSnapshot, error) {
	return e.store.Query(ctx, q)
}

// current resolves the published definition new runs start on.
func (e *engineImpl) current(ctx context.Context, tenantID, id string) (*compiledDefinition, error) {
	def, err := e.defs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.TenantID != "" && tenantID != "" && def.TenantID != tenantID {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow definition %q not found", id)
	}
	return e.compile(def, def.Revision())
}

// pinned resolves the definition revision a run was started on. A revision
// the source no longer knows is recovered from the run's start event.
func (e *engineImpl) pinned(ctx context.Context, run *schema.WorkflowRun) (*compiledDefinition, error) {
	if run.DefinitionRevision == "" {
		return e.current(ctx, run.TenantID, run.DefinitionID)
	}
	if c, ok := e.compiled.Load(revisionKey{run.DefinitionID, run.DefinitionRevision}); ok {
		return c.(*compiledDefinition), nil
	}
	def, err := e.defs.Revision(ctx, run.DefinitionID, run.DefinitionRevision)
	if schema.HasCode(err, schema.ErrCodeWorkflowNotFound) {
		def, err = e.startedDefinition(ctx, run)
	}
	if err != nil {
		return nil, err
	}
	return e.compile(def, run.DefinitionRevision)
}

func (e *engineImpl) startedDefinition(ctx context.Context, run *schema.WorkflowRun) (*schema.WorkflowDefinition, error) {
	events, err := e.store.Events(ctx, run.ID, 0)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.Type != schema.EventWorkflowStarted {
			continue
		}
		var p schema.RunStartedPayload
		if err := ev.Decode(&p); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInternal, "decode start of run %s: %v", run.ID, err).WithCause(err)
		}
		if p.Definition != nil && p.DefinitionRevision == run.DefinitionRevision {
			return p.Definition, nil
		}
		break
	}
	return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound,
		"workflow definition %q revision %s not found", run.DefinitionID, run.DefinitionRevision)
}

func (e *engineImpl) compile(def *schema.WorkflowDefinition, revision string) (*compiledDefinition, error) {
	key := revisionKey{def.ID, revision}
	if c, ok := e.compiled.Load(key); ok {
		return c.(*compiledDefinition), nil
	}
	g, err := planner.Compile(def)
	if err != nil {
		return nil, err
	}
	c, _ := e.compiled.LoadOrStore(key, &compiledDefinition{def: def, graph: g, revision: revision})
	return c.(*compiledDefinition), nil
}
