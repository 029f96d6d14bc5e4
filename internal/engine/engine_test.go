package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/interceptor"
	"github.com/rendis/flowcore/pkg/schema"
)

func TestEngine_LinearRunCompletes(t *testing.T) {
	h := newHarness(t, echo)
	h.publish(&schema.WorkflowDefinition{ID: "linear", Nodes: []schema.NodeDefinition{
		executor("A"), executor("B", "A"), executor("C", "B"),
	}})

	runID := h.start("linear", map[string]any{"order": "o-1"})
	run := h.waitStatus(runID, schema.RunStatusCompleted)

	assert.Equal(t, []string{"A", "B", "C"}, run.ExecutionPath)
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, schema.NodeStatusSucceeded, run.Nodes[id].Status)
		assert.Equal(t, true, run.Variables[id])
	}
	assert.Equal(t, "o-1", run.Outputs["order"])
	assert.Nil(t, run.Suspension)
	assert.NotNil(t, run.CompletedAt)

	tasks := h.dispatcher.dispatched()
	require.Len(t, tasks, 3)
	assert.Equal(t, "o-1", tasks[0].Input["order"])
	assert.Equal(t, true, tasks[2].Input["B"], "input is materialized from variables at dispatch")
	h.verify(runID)
}

func TestEngine_ConditionalDefaultRoute(t *testing.T) {
	h := newHarness(t, echo)
	check := executor("check")
	check.Transitions = []schema.Transition{
		{Target: "manual", Kind: schema.TransitionCondition, Condition: "amount > 100"},
		{Target: "auto", Kind: schema.TransitionDefault},
	}
	h.publish(&schema.WorkflowDefinition{ID: "review", Nodes: []schema.NodeDefinition{
		check, executor("manual"), executor("auto"),
	}})

	runID := h.start("review", map[string]any{"amount": 5})
	run := h.waitStatus(runID, schema.RunStatusCompleted)

	assert.Equal(t, schema.NodeStatusSucceeded, run.Nodes["auto"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, run.Nodes["manual"].Status)
	assert.Equal(t, []string{"auto"}, run.Nodes["check"].Routes)
	assert.Empty(t, h.dispatcher.forNode("manual", false))
	h.verify(runID)
}

func TestEngine_GatewayRoutesInline(t *testing.T) {
	h := newHarness(t, echo)
	gate := schema.NodeDefinition{ID: "gate", Kind: schema.NodeKindGateway, Transitions: []schema.Transition{
		{Target: "big", Kind: schema.TransitionCondition, Condition: "size == 'big'"},
		{Target: "small", Kind: schema.TransitionDefault},
	}}
	h.publish(&schema.WorkflowDefinition{ID: "gw", Nodes: []schema.NodeDefinition{
		gate, executor("big"), executor("small"),
	}})

	runID := h.start("gw", map[string]any{"size": "big"})
	run := h.waitStatus(runID, schema.RunStatusCompleted)
	assert.Equal(t, schema.NodeStatusSucceeded, run.Nodes["gate"].Status)
	assert.Equal(t, schema.NodeStatusSucceeded, run.Nodes["big"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, run.Nodes["small"].Status)
	assert.Empty(t, h.dispatcher.forNode("gate", false), "gateways are never dispatched")
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	h := newHarness(t, func(task schema.NodeExecutionTask) *schema.NodeResult {
		if task.Attempt == 1 {
			return failed(task, schema.ErrCodeExecutorTimeout, true)
		}
		return succeeded(task, map[string]any{"ok": true})
	})
	a := executor("A")
	a.Retry = fastRetry(3)
	h.publish(&schema.WorkflowDefinition{ID: "flaky", Nodes: []schema.NodeDefinition{a}})

	runID := h.start("flaky", nil)
	run := h.waitStatus(runID, schema.RunStatusCompleted)

	assert.Equal(t, 2, run.Nodes["A"].Attempt)
	assert.Len(t, h.events(runID, schema.EventNodeRetryScheduled), 1)
	tasks := h.dispatcher.forNode("A", false)
	require.Len(t, tasks, 2)
	assert.NotEqual(t, tasks[0].Token, tasks[1].Token, "every attempt gets its own token")
	h.verify(runID)
}

func TestEngine_RetriesExhaustedDeadLetter(t *testing.T) {
	h := newHarness(t, func(task schema.NodeExecutionTask) *schema.NodeResult {
		return failed(task, schema.ErrCodeExecutorUnavailable, true)
	})
	a := executor("A")
	a.Retry = fastRetry(3)
	h.publish(&schema.WorkflowDefinition{ID: "down", Nodes: []schema.NodeDefinition{a}})

	runID := h.start("down", nil)
	run := h.waitStatus(runID, schema.RunStatusFailed)

	assert.Equal(t, 3, run.Nodes["A"].Attempt)
	assert.Equal(t, schema.ErrCodeExecutorUnavailable, run.Nodes["A"].Error.Code)
	assert.Contains(t, run.FailureReason, "A")

	dead := h.sched.DeadLettersForRun(runID)
	require.Len(t, dead, 1)
	assert.Equal(t, "A", dead[0].NodeID)
	assert.Equal(t, 3, dead[0].Attempt)
}

func TestEngine_NonRetryableFailureFollowsFailureEdge(t *testing.T) {
	h := newHarness(t, func(task schema.NodeExecutionTask) *schema.NodeResult {
		if task.NodeID == "charge" {
			return failed(task, "DECLINED", false)
		}
		return echo(task)
	})
	charge := executor("charge")
	charge.Transitions = []schema.Transition{
		{Target: "ship", Kind: schema.TransitionSuccess},
		{Target: "notify", Kind: schema.TransitionFailure},
	}
	h.publish(&schema.WorkflowDefinition{ID: "pay", Nodes: []schema.NodeDefinition{
		charge, executor("ship"), executor("notify"),
	}})

	runID := h.start("pay", nil)
	run := h.waitStatus(runID, schema.RunStatusCompleted)
	assert.Equal(t, schema.NodeStatusFailed, run.Nodes["charge"].Status)
	assert.Equal(t, schema.NodeStatusSucceeded, run.Nodes["notify"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, run.Nodes["ship"].Status)
	assert.Len(t, h.dispatcher.forNode("charge", false), 1, "non-retryable errors are not retried")
	assert.Empty(t, h.sched.DeadLettersForRun(runID))
}

func TestEngine_DuplicateResultIgnored(t *testing.T) {
	h := newHarness(t, hold)
	h.publish(&schema.WorkflowDefinition{ID: "one", Nodes: []schema.NodeDefinition{executor("A")}})
	runID := h.start("one", nil)
	task := h.waitTasks("A", 1)[0]

	ctx := context.Background()
	res := *succeeded(task, map[string]any{"n": 1})
	require.NoError(t, h.engine.HandleResult(ctx, res))
	require.NoError(t, h.engine.HandleResult(ctx, res))

	run := h.waitStatus(runID, schema.RunStatusCompleted)
	assert.Equal(t, float64(1), run.Variables["n"])
	assert.Len(t, h.events(runID, schema.EventNodeSucceeded), 1)
	assert.Len(t, h.events(runID, schema.EventWorkflowCompleted), 1)
}

func TestEngine_InvalidTokenRejected(t *testing.T) {
	h := newHarness(t, hold)
	h.publish(&schema.WorkflowDefinition{ID: "one", Nodes: []schema.NodeDefinition{executor("A")}})
	runID := h.start("one", nil)
	task := h.waitTasks("A", 1)[0]
	ctx := context.Background()

	version := h.run(runID).Version

	// An unauthenticated result leaves no trace in the run's log.
	forged := *succeeded(task, nil)
	forged.Token = "not-a-token"
	err := h.engine.HandleResult(ctx, forged)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))
	assert.Empty(t, h.events(runID, schema.EventNodeResultRejected))

	// Neither does a genuine token presented for somebody else's run.
	foreign, err := h.tokens.Mint("another-run", "A", 1)
	require.NoError(t, err)
	misdirected := *succeeded(task, nil)
	misdirected.Token = foreign.Signature
	err = h.engine.HandleResult(ctx, misdirected)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))
	assert.Empty(t, h.events(runID, schema.EventNodeResultRejected))

	// A token for another attempt does not authorize this one.
	other, err := h.tokens.Mint(runID, "A", 2)
	require.NoError(t, err)
	wrong := *succeeded(task, nil)
	wrong.Token = other.Signature
	err = h.engine.HandleResult(ctx, wrong)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))

	// A genuine token minted outside the current attempt is stale.
	stale, err := h.tokens.Mint(runID, "A", 1)
	require.NoError(t, err)
	late := *succeeded(task, nil)
	late.Token = stale.Signature
	require.NoError(t, h.engine.HandleResult(ctx, late))

	run := h.run(runID)
	assert.Equal(t, schema.NodeStatusRunning, run.Nodes["A"].Status)
	assert.Len(t, h.events(runID, schema.EventNodeResultRejected), 2)
	assert.Equal(t, version, run.Version, "discarded results do not version the run")
	h.verify(runID)

	require.NoError(t, h.engine.HandleResult(ctx, *succeeded(task, nil)))
	h.waitStatus(runID, schema.RunStatusCompleted)
}

func waitDefinition() *schema.WorkflowDefinition {
	approve := schema.NodeDefinition{
		ID:     "approve",
		Kind:   schema.NodeKindWait,
		Config: rawConfig(schema.WaitConfig{SignalType: schema.SignalApprove, CallbackURL: "https://hooks.example/approve"}),
		Transitions: []schema.Transition{
			{Target: "ship", Kind: schema.TransitionSuccess},
			{Target: "notify", Kind: schema.TransitionFailure},
		},
	}
	return &schema.WorkflowDefinition{ID: "approval", Nodes: []schema.NodeDefinition{
		approve, executor("ship"), executor("notify"),
	}}
}

func TestEngine_SignalResumesOnce(t *testing.T) {
	h := newHarness(t, echo)
	h.publish(waitDefinition())
	runID := h.start("approval", nil)

	run := h.waitStatus(runID, schema.RunStatusWaiting)
	require.NotNil(t, run.Suspension)
	assert.Equal(t, "approve", run.Suspension.NodeID)
	assert.Equal(t, "signal", run.Suspension.Reason)
	assert.Equal(t, schema.NodeStatusWaiting, run.Nodes["approve"].Status)

	tok := h.callbackToken(runID, "approve")
	ctx := context.Background()
	sig := schema.Signal{Type: schema.SignalApprove, TargetNode: "approve", Payload: map[string]any{"approved_by": "ana"}}

	err := h.engine.Signal(ctx, "other-run", tok, sig)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))
	err = h.engine.Signal(ctx, runID, tok, schema.Signal{Type: schema.SignalApprove, TargetNode: "ship"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))
	err = h.engine.Signal(ctx, runID, tok, schema.Signal{Type: schema.SignalResume})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "node expects APPROVE")

	require.NoError(t, h.engine.Signal(ctx, runID, tok, sig))
	err = h.engine.Signal(ctx, runID, tok, sig)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid), "a callback is consumed by the first signal")

	run = h.waitStatus(runID, schema.RunStatusCompleted)
	assert.Equal(t, "ana", run.Variables["approved_by"])
	assert.Equal(t, schema.NodeStatusSkipped, run.Nodes["notify"].Status)
	assert.Len(t, h.events(runID, schema.EventSignalReceived), 1)
	assert.Len(t, h.events(runID, schema.EventWorkflowResumed), 1)
	h.verify(runID)
}

func TestEngine_RejectSignalFollowsFailureEdge(t *testing.T) {
	h := newHarness(t, echo)
	h.publish(waitDefinition())
	runID := h.start("approval", nil)
	h.waitStatus(runID, schema.RunStatusWaiting)

	tok := h.callbackToken(runID, "approve")
	require.NoError(t, h.engine.Signal(context.Background(), runID, tok, schema.Signal{Type: schema.SignalReject}))

	run := h.waitStatus(runID, schema.RunStatusCompleted)
	assert.Equal(t, schema.NodeStatusFailed, run.Nodes["approve"].Status)
	assert.Equal(t, schema.NodeErrRejected, run.Nodes["approve"].Error.Code)
	assert.False(t, run.Nodes["approve"].Error.Retryable)
	assert.Equal(t, schema.NodeStatusSucceeded, run.Nodes["notify"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, run.Nodes["ship"].Status)
}

func TestEngine_TimerFiresOnSweep(t *testing.T) {
	h := newHarness(t, echo)
	pause := schema.NodeDefinition{ID: "pause", Kind: schema.NodeKindTimer, Config: rawConfig(schema.WaitConfig{Duration: "1h"})}
	h.publish(&schema.WorkflowDefinition{ID: "delayed", Nodes: []schema.NodeDefinition{pause, executor("after", "pause")}})

	runID := h.start("delayed", nil)
	run := h.waitStatus(runID, schema.RunStatusWaiting)
	assert.Equal(t, "timer", run.Suspension.Reason)

	ctx := context.Background()
	n, err := h.engine.SweepCallbacks(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "timer is not due yet")

	n, err = h.engine.SweepCallbacks(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run = h.waitStatus(runID, schema.RunStatusCompleted)
	assert.Equal(t, schema.NodeStatusSucceeded, run.Nodes["pause"].Status)

	n, err = h.engine.SweepCallbacks(ctx, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "a fired timer is consumed")
}

func TestEngine_ExpiredCallbackFailsNode(t *testing.T) {
	h := newHarness(t, echo)
	wait := schema.NodeDefinition{ID: "approve", Kind: schema.NodeKindWait, Config: rawConfig(schema.WaitConfig{TTL: "1m"})}
	h.publish(&schema.WorkflowDefinition{ID: "expiring", Nodes: []schema.NodeDefinition{wait}})

	runID := h.start("expiring", nil)
	h.waitStatus(runID, schema.RunStatusWaiting)
	tok := h.callbackToken(runID, "approve")

	n, err := h.engine.SweepCallbacks(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run := h.waitStatus(runID, schema.RunStatusFailed)
	assert.Equal(t, schema.NodeErrCallbackExpired, run.Nodes["approve"].Error.Code)

	err = h.engine.Signal(context.Background(), runID, tok, schema.Signal{Type: schema.SignalResume})
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))
}

func TestEngine_CancelRun(t *testing.T) {
	h := newHarness(t, hold)
	h.publish(&schema.WorkflowDefinition{ID: "slow", Nodes: []schema.NodeDefinition{executor("A"), executor("B", "A")}})
	runID := h.start("slow", nil)
	task := h.waitTasks("A", 1)[0]

	ctx := context.Background()
	require.NoError(t, h.engine.CancelRun(ctx, runID, "operator request"))
	require.NoError(t, h.engine.CancelRun(ctx, runID, "again"), "cancelling twice is a no-op")

	run := h.run(runID)
	assert.Equal(t, schema.RunStatusCancelled, run.Status)
	assert.Equal(t, "operator request", run.FailureReason)
	assert.Equal(t, schema.NodeStatusFailed, run.Nodes["A"].Status)
	assert.Equal(t, schema.NodeErrCancelled, run.Nodes["A"].Error.Code)
	assert.Equal(t, schema.NodeStatusPending, run.NodeStatusOf("B"))
	assert.True(t, h.sched.Cancelled(runID))

	// The late result of the cancelled attempt changes nothing, however
	// often it is delivered.
	version := h.run(runID).Version
	require.NoError(t, h.engine.HandleResult(ctx, *succeeded(task, nil)))
	require.NoError(t, h.engine.HandleResult(ctx, *succeeded(task, nil)))
	run = h.run(runID)
	assert.Equal(t, schema.RunStatusCancelled, run.Status)
	assert.Equal(t, version, run.Version)
	assert.NotEmpty(t, h.events(runID, schema.EventNodeResultRejected))
	h.verify(runID)

	h2 := newHarness(t, echo)
	h2.publish(&schema.WorkflowDefinition{ID: "fast", Nodes: []schema.NodeDefinition{executor("A")}})
	done := h2.start("fast", nil)
	h2.waitStatus(done, schema.RunStatusCompleted)
	err := h2.engine.CancelRun(ctx, done, "too late")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func compensable(id, undo string, deps ...string) schema.NodeDefinition {
	n := executor(id, deps...)
	n.Compensation = &schema.CompensationAction{ExecutorType: undo}
	return n
}

func TestEngine_AutomaticCompensationReverseOrder(t *testing.T) {
	h := newHarness(t, func(task schema.NodeExecutionTask) *schema.NodeResult {
		if task.NodeID == "C" && !task.Compensation {
			return failed(task, "OUT_OF_STOCK", false)
		}
		return echo(task)
	})
	h.publish(&schema.WorkflowDefinition{ID: "order", Nodes: []schema.NodeDefinition{
		compensable("A", "release"), compensable("B", "refund", "A"), executor("C", "B"),
	}})

	runID := h.start("order", nil)
	run := h.waitStatus(runID, schema.RunStatusCompensated)

	var order []string
	for _, task := range h.dispatcher.dispatched() {
		if task.Compensation {
			order = append(order, task.NodeID+":"+task.ExecutorType)
		}
	}
	assert.Equal(t, []string{"B:refund", "A:release"}, order)
	assert.Equal(t, schema.NodeStatusCompensated, run.Nodes["A"].Status)
	assert.Equal(t, schema.NodeStatusCompensated, run.Nodes["B"].Status)
	assert.Equal(t, schema.NodeStatusFailed, run.Nodes["C"].Status)
	require.NotNil(t, run.Compensation)
	assert.True(t, run.Compensation.Succeeded)
	assert.Len(t, h.events(runID, schema.EventNodeCompensated), 2)
	h.verify(runID)
}

func TestEngine_ManualCompensation(t *testing.T) {
	h := newHarness(t, func(task schema.NodeExecutionTask) *schema.NodeResult {
		switch {
		case task.Compensation && task.NodeID == "A":
			return failed(task, "UNDO_FAILED", false)
		case task.NodeID == "B" && !task.Compensation:
			return failed(task, "DECLINED", false)
		}
		return echo(task)
	})
	h.publish(&schema.WorkflowDefinition{
		ID:           "manual",
		Compensation: schema.CompensationPolicy{Mode: schema.CompensationManual},
		Nodes:        []schema.NodeDefinition{compensable("A", "release"), executor("B", "A")},
	})

	runID := h.start("manual", nil)
	h.waitStatus(runID, schema.RunStatusFailed)
	assert.Empty(t, h.dispatcher.forNode("A", true), "manual policy waits for an explicit request")

	result, err := h.engine.Compensate(context.Background(), runID)
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	assert.Equal(t, []string{"A"}, result.Failed())

	run := h.run(runID)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Contains(t, run.FailureReason, "B")

	_, err = h.engine.Compensate(context.Background(), runID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "a finished pass is not repeated")
	h.verify(runID)
}

func TestEngine_CompensationDisabled(t *testing.T) {
	h := newHarness(t, func(task schema.NodeExecutionTask) *schema.NodeResult {
		if task.NodeID == "B" {
			return failed(task, "DECLINED", false)
		}
		return echo(task)
	})
	h.publish(&schema.WorkflowDefinition{
		ID:           "none",
		Compensation: schema.CompensationPolicy{Mode: schema.CompensationNone},
		Nodes:        []schema.NodeDefinition{compensable("A", "release"), executor("B", "A")},
	})
	runID := h.start("none", nil)
	h.waitStatus(runID, schema.RunStatusFailed)

	_, err := h.engine.Compensate(context.Background(), runID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Empty(t, h.dispatcher.forNode("A", true))
}

func TestEngine_SubWorkflow(t *testing.T) {
	h := newHarness(t, func(task schema.NodeExecutionTask) *schema.NodeResult {
		return succeeded(task, map[string]any{"tracking": "T-" + task.NodeID})
	})
	h.publish(&schema.WorkflowDefinition{ID: "shipping", Nodes: []schema.NodeDefinition{executor("label")}})
	h.publish(&schema.WorkflowDefinition{ID: "parent", Nodes: []schema.NodeDefinition{
		{ID: "ship", Kind: schema.NodeKindSubWorkflow, Config: rawConfig(schema.SubWorkflowConfig{DefinitionID: "shipping"})},
		executor("invoice", "ship"),
	}})

	runID := h.start("parent", map[string]any{"order": "o-7"})
	run := h.waitStatus(runID, schema.RunStatusCompleted)

	childID := run.Nodes["ship"].ChildRunID
	require.NotEmpty(t, childID)
	child := h.run(childID)
	assert.Equal(t, schema.RunStatusCompleted, child.Status)
	require.NotNil(t, child.Parent)
	assert.Equal(t, runID, child.Parent.RunID)
	assert.Equal(t, "ship", child.Parent.NodeID)
	assert.Equal(t, "o-7", child.Variables["order"], "child input comes from the parent variables")
	assert.Equal(t, "T-label", run.Nodes["ship"].Result["tracking"], "child outputs become the node result")
	assert.Equal(t, "T-invoice", run.Variables["tracking"])
	h.verify(runID)
	h.verify(childID)
}

func TestEngine_FailedChildFailsParentNode(t *testing.T) {
	h := newHarness(t, func(task schema.NodeExecutionTask) *schema.NodeResult {
		return failed(task, "NO_CARRIER", false)
	})
	h.publish(&schema.WorkflowDefinition{ID: "shipping", Nodes: []schema.NodeDefinition{executor("label")}})
	h.publish(&schema.WorkflowDefinition{ID: "parent", Nodes: []schema.NodeDefinition{
		{ID: "ship", Kind: schema.NodeKindSubWorkflow, Config: rawConfig(schema.SubWorkflowConfig{DefinitionID: "shipping"})},
	}})

	runID := h.start("parent", nil)
	run := h.waitStatus(runID, schema.RunStatusFailed)
	assert.Equal(t, schema.NodeErrChildFailed, run.Nodes["ship"].Error.Code)
	assert.Equal(t, run.Nodes["ship"].ChildRunID, run.Nodes["ship"].Error.Context["child_run_id"])
}

func TestEngine_StuckRunFails(t *testing.T) {
	h := newHarness(t, echo)
	a := executor("A")
	a.Transitions = []schema.Transition{{Target: "B", Kind: schema.TransitionCondition, Condition: "false"}}
	h.publish(&schema.WorkflowDefinition{ID: "dead-end", Nodes: []schema.NodeDefinition{a, executor("B")}})

	runID := h.start("dead-end", nil)
	run := h.waitStatus(runID, schema.RunStatusFailed)
	assert.Contains(t, run.FailureReason, "no transition matched")
	assert.Equal(t, schema.NodeStatusPending, run.NodeStatusOf("B"))
}

func TestEngine_RecoverRedispatchesLostAttempt(t *testing.T) {
	before := newHarness(t, hold)
	a := executor("A")
	a.Retry = fastRetry(3)
	before.publish(&schema.WorkflowDefinition{ID: "recover", Nodes: []schema.NodeDefinition{a, executor("B", "A")}})
	runID := before.start("recover", nil)
	before.waitTasks("A", 1)

	// A new process over the same store never sees the first attempt's result.
	after := newHarness(t, echo, sharing(before))
	n, err := after.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run := after.waitStatus(runID, schema.RunStatusCompleted)
	assert.Equal(t, 2, run.Nodes["A"].Attempt)
	retry := after.events(runID, schema.EventNodeRetryScheduled)
	require.Len(t, retry, 1)
	var p schema.RetryScheduledPayload
	require.NoError(t, retry[0].Decode(&p))
	assert.Equal(t, schema.ErrCodeExecutorUnavailable, p.Error.Code)
}

func TestEngine_RunPinnedToStartingDefinition(t *testing.T) {
	h := newHarness(t, hold)
	v1 := &schema.WorkflowDefinition{ID: "one", Nodes: []schema.NodeDefinition{executor("A"), executor("B", "A")}}
	h.publish(v1)
	runID := h.start("one", nil)
	a := h.waitTasks("A", 1)[0]
	assert.Equal(t, v1.Revision(), h.run(runID).DefinitionRevision)

	// Republish under the same ID while A is in flight.
	v2 := &schema.WorkflowDefinition{ID: "one", Nodes: []schema.NodeDefinition{executor("A"), executor("X", "A")}}
	h.publish(v2)
	ctx := context.Background()
	require.NoError(t, h.engine.HandleResult(ctx, *succeeded(a, nil)))

	b := h.waitTasks("B", 1)[0]
	assert.Empty(t, h.dispatcher.forNode("X", false))
	assert.Equal(t, schema.NodeStatusRunning, h.run(runID).Nodes["B"].Status)

	// New runs start on the republished graph; identical content compiles once.
	h.publish(&schema.WorkflowDefinition{ID: "one", Nodes: []schema.NodeDefinition{executor("A"), executor("X", "A")}})
	h.start("one", nil)
	entries := 0
	h.engine.(*engineImpl).compiled.Range(func(_, _ any) bool {
		entries++
		return true
	})
	assert.Equal(t, 2, entries)

	// A process that never saw the first revision finishes the run from
	// the definition recorded when it started.
	h.defs.Remove("one")
	restarted := newHarness(t, echo, sharingStore(h))
	require.NoError(t, restarted.engine.HandleResult(ctx, *succeeded(b, nil)))
	run := restarted.waitStatus(runID, schema.RunStatusCompleted)
	assert.Equal(t, []string{"A", "B"}, run.ExecutionPath)
	restarted.verify(runID)
}

func TestEngine_StartRunValidation(t *testing.T) {
	h := newHarness(t, echo)
	h.publish(&schema.WorkflowDefinition{
		ID:          "typed",
		InputSchema: []byte(`{"type":"object","required":["order"],"properties":{"order":{"type":"string"}}}`),
		Nodes:       []schema.NodeDefinition{executor("A")},
	})
	ctx := context.Background()

	_, err := h.engine.StartRun(ctx, StartRequest{DefinitionID: "typed"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = h.engine.StartRun(ctx, StartRequest{TenantID: tenant, DefinitionID: "missing"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeWorkflowNotFound))

	_, err = h.engine.StartRun(ctx, StartRequest{TenantID: "globex", DefinitionID: "typed", Input: map[string]any{"order": "x"}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeWorkflowNotFound), "definitions are tenant scoped")

	_, err = h.engine.StartRun(ctx, StartRequest{TenantID: tenant, DefinitionID: "typed", Input: map[string]any{"order": 7}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	snap, err := h.engine.StartRun(ctx, StartRequest{TenantID: tenant, DefinitionID: "typed", RunID: "run-1", Input: map[string]any{"order": "x"}})
	require.NoError(t, err)
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, int64(1), snap.Version)

	_, err = h.engine.StartRun(ctx, StartRequest{TenantID: tenant, DefinitionID: "typed", RunID: "run-1", Input: map[string]any{"order": "x"}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	_, err = h.engine.Snapshot(ctx, "run-1", "globex")
	assert.Error(t, err)
}

func TestEngine_InputOutputMappings(t *testing.T) {
	h := newHarness(t, func(task schema.NodeExecutionTask) *schema.NodeResult {
		return succeeded(task, map[string]any{"status": "approved", "score": 720})
	})
	a := executor("score")
	a.InputMapping = `{applicant: .customer.name}`
	a.OutputMapping = `{credit_status: .status}`
	h.publish(&schema.WorkflowDefinition{ID: "mapped", Nodes: []schema.NodeDefinition{a}})

	runID := h.start("mapped", map[string]any{"customer": map[string]any{"name": "Ana"}})
	run := h.waitStatus(runID, schema.RunStatusCompleted)

	task := h.dispatcher.forNode("score", false)[0]
	assert.Equal(t, map[string]any{"applicant": "Ana"}, task.Input)
	assert.Equal(t, "approved", run.Variables["credit_status"])
	assert.NotContains(t, run.Variables, "score")
	assert.Equal(t, float64(720), run.Nodes["score"].Result["score"])
}

type hookRecorder struct {
	interceptor.Base
	mu    sync.Mutex
	hooks []string
}

func (r *hookRecorder) Name() string { return "recorder" }

func (r *hookRecorder) record(hook string) {
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

func (r *hookRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.hooks...)
}

func (r *hookRecorder) BeforeWorkflow(context.Context, *schema.WorkflowRun) error {
	r.record("before_workflow")
	return nil
}

func (r *hookRecorder) BeforeNode(_ context.Context, task schema.NodeExecutionTask) error {
	r.record("before_node:" + task.NodeID)
	return nil
}

func (r *hookRecorder) AfterNode(_ context.Context, task schema.NodeExecutionTask, _ schema.NodeResult) error {
	r.record("after_node:" + task.NodeID)
	return nil
}

func (r *hookRecorder) AfterWorkflow(_ context.Context, run *schema.WorkflowRun) error {
	r.record("after_workflow:" + string(run.Status))
	return nil
}

func TestEngine_InterceptorHooks(t *testing.T) {
	h := newHarness(t, echo)
	rec := &hookRecorder{}
	h.pipeline.Register(rec)
	h.publish(&schema.WorkflowDefinition{ID: "hooks", Nodes: []schema.NodeDefinition{executor("A")}})

	runID := h.start("hooks", nil)
	h.waitStatus(runID, schema.RunStatusCompleted)
	require.Eventually(t, func() bool { return len(rec.seen()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"before_workflow", "before_node:A", "after_node:A", "after_workflow:COMPLETED"}, rec.seen())
}
