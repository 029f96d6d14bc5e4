package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/callback"
	"github.com/rendis/flowcore/internal/definitions"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/interceptor"
	"github.com/rendis/flowcore/internal/planner"
	"github.com/rendis/flowcore/internal/scheduler"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/token"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

const tenant = "acme"

// scriptedDispatcher answers tasks through respond. A nil reply holds the
// task until its context ends or the dispatcher is closed.
type scriptedDispatcher struct {
	mu      sync.Mutex
	respond func(task schema.NodeExecutionTask) *schema.NodeResult
	tasks   []schema.NodeExecutionTask
	closed  chan struct{}
}

func newScripted(respond func(task schema.NodeExecutionTask) *schema.NodeResult) *scriptedDispatcher {
	return &scriptedDispatcher{respond: respond, closed: make(chan struct{})}
}

func (d *scriptedDispatcher) DispatchTask(ctx context.Context, task schema.NodeExecutionTask) <-chan schema.NodeResult {
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	respond := d.respond
	d.mu.Unlock()

	out := make(chan schema.NodeResult, 1)
	var res *schema.NodeResult
	if respond != nil {
		res = respond(task)
	}
	if res != nil {
		out <- *res
		return out
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-d.closed:
		}
		out <- task.Failed(&schema.NodeError{Code: schema.NodeErrCancelled, Message: "held task released"})
	}()
	return out
}

func (d *scriptedDispatcher) dispatched() []schema.NodeExecutionTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]schema.NodeExecutionTask(nil), d.tasks...)
}

// forNode returns the tasks dispatched for a node, in order.
func (d *scriptedDispatcher) forNode(nodeID string, compensation bool) []schema.NodeExecutionTask {
	var out []schema.NodeExecutionTask
	for _, task := range d.dispatched() {
		if task.NodeID == nodeID && task.Compensation == compensation {
			out = append(out, task)
		}
	}
	return out
}

func succeeded(task schema.NodeExecutionTask, output map[string]any) *schema.NodeResult {
	return &schema.NodeResult{
		RunID:   task.RunID,
		NodeID:  task.NodeID,
		Attempt: task.Attempt,
		Token:   task.Token,
		Status:  schema.ResultSucceeded,
		Output:  output,
	}
}

func failed(task schema.NodeExecutionTask, code string, retryable bool) *schema.NodeResult {
	r := task.Failed(&schema.NodeError{Code: code, Message: "boom", Retryable: retryable})
	return &r
}

// echo succeeds every task with {<node id>: true}.
func echo(task schema.NodeExecutionTask) *schema.NodeResult {
	return succeeded(task, map[string]any{task.NodeID: true})
}

// hold never answers forward tasks; compensation tasks succeed.
func hold(task schema.NodeExecutionTask) *schema.NodeResult {
	if task.Compensation {
		return succeeded(task, nil)
	}
	return nil
}

type harness struct {
	t          *testing.T
	engine     Engine
	store      *store.MemoryStore
	defs       *definitions.MemorySource
	sched      *scheduler.Scheduler
	dispatcher *scriptedDispatcher
	tokens     *token.Service
	pipeline   *interceptor.Pipeline
}

type harnessOption func(*harness)

// sharing reuses the store and definitions of another harness, as a
// restarted process would.
func sharing(other *harness) harnessOption {
	return func(h *harness) {
		h.store = other.store
		h.defs = other.defs
	}
}

// sharingStore reuses only the store of another harness, as a process with
// a different set of published definitions would.
func sharingStore(other *harness) harnessOption {
	return func(h *harness) {
		h.store = other.store
	}
}

func newHarness(t *testing.T, respond func(schema.NodeExecutionTask) *schema.NodeResult, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		store:      store.NewMemoryStore(),
		defs:       definitions.NewMemorySource(nil),
		dispatcher: newScripted(respond),
	}
	for _, opt := range opts {
		opt(h)
	}

	tokens, err := token.NewService(token.Config{Secret: []byte("engine-test-secret-with-enough-bytes")})
	require.NoError(t, err)
	h.tokens = tokens

	eval, err := expressions.NewEvaluator()
	require.NoError(t, err)
	jsv, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	h.sched = scheduler.New(scheduler.Config{PoolSize: 8}, h.dispatcher, nil, nil)
	h.pipeline = interceptor.NewPipeline(nil)
	h.sched.Observe(h.pipeline)

	h.engine, err = New(Deps{
		Store:        h.store,
		Locker:       store.NewMemoryLocker(),
		Definitions:  h.defs,
		Scheduler:    h.sched,
		Dispatcher:   h.dispatcher,
		Tokens:       tokens,
		Callbacks:    callback.NewService(h.store, tokens, 0, nil),
		Planner:      planner.New(eval),
		Validator:    jsv,
		Mapper:       eval,
		Interceptors: h.pipeline,
	}, Config{})
	require.NoError(t, err)

	t.Cleanup(func() {
		close(h.dispatcher.closed)
		h.sched.Shutdown()
	})
	return h
}

func (h *harness) publish(def *schema.WorkflowDefinition) {
	h.t.Helper()
	if def.TenantID == "" {
		def.TenantID = tenant
	}
	require.NoError(h.t, h.defs.Put(def))
}

func (h *harness) start(defID string, input map[string]any) string {
	h.t.Helper()
	snap, err := h.engine.StartRun(context.Background(), StartRequest{TenantID: tenant, DefinitionID: defID, Input: input})
	require.NoError(h.t, err)
	return snap.RunID
}

func (h *harness) run(runID string) *schema.WorkflowRun {
	h.t.Helper()
	run, err := h.engine.GetRun(context.Background(), runID)
	require.NoError(h.t, err)
	return run
}

// waitStatus waits for the run to reach status and returns it.
func (h *harness) waitStatus(runID string, status schema.RunStatus) *schema.WorkflowRun {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.run(runID).Status == status
	}, 5*time.Second, 5*time.Millisecond, "run %s never reached %s (is %s)", runID, status, h.run(runID).Status)
	return h.run(runID)
}

// waitTasks waits until n forward tasks were dispatched for the node.
func (h *harness) waitTasks(nodeID string, n int) []schema.NodeExecutionTask {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.dispatcher.forNode(nodeID, false)) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return h.dispatcher.forNode(nodeID, false)
}

func (h *harness) events(runID string, eventType string) []*schema.ExecutionEvent {
	h.t.Helper()
	all, err := h.store.Events(context.Background(), runID, 0)
	require.NoError(h.t, err)
	var out []*schema.ExecutionEvent
	for _, ev := range all {
		if eventType == "" || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// callbackToken returns the token handed out when the node suspended.
func (h *harness) callbackToken(runID, nodeID string) string {
	h.t.Helper()
	for _, ev := range h.events(runID, schema.EventNodeWaiting) {
		if ev.NodeID == nodeID {
			var p schema.NodeWaitingPayload
			require.NoError(h.t, ev.Decode(&p))
			return p.Token
		}
	}
	h.t.Fatalf("node %s of run %s never waited", nodeID, runID)
	return ""
}

// verify checks that replaying the event log reproduces the stored run.
func (h *harness) verify(runID string) {
	h.t.Helper()
	_, err := store.NewEventLog(h.store).Verify(context.Background(), runID)
	require.NoError(h.t, err)
}

func executor(id string, deps ...string) schema.NodeDefinition {
	return schema.NodeDefinition{ID: id, ExecutorType: "worker", DependsOn: deps}
}

func rawConfig(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func fastRetry(maxAttempts int) *schema.RetryPolicy {
	return &schema.RetryPolicy{MaxAttempts: maxAttempts, InitialDelay: "1ms", Multiplier: 1, MaxDelay: "5ms"}
}
