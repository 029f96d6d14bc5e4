package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func ev(typ, nodeID string, payload any) *schema.ExecutionEvent {
	return &schema.ExecutionEvent{RunID: "r1", Type: typ, NodeID: nodeID, Payload: schema.MustPayload(payload)}
}

func TestCheckEvent_RunTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  schema.RunStatus
		event *schema.ExecutionEvent
		ok    bool
	}{
		{"start", schema.RunStatusPending, ev(schema.EventWorkflowStarted, "", nil), true},
		{"suspend", schema.RunStatusRunning, ev(schema.EventWorkflowWaiting, "w", nil), true},
		{"resume", schema.RunStatusWaiting, ev(schema.EventWorkflowResumed, "", nil), true},
		{"complete from waiting", schema.RunStatusWaiting, ev(schema.EventWorkflowCompleted, "", nil), true},
		{"restart completed", schema.RunStatusCompleted, ev(schema.EventWorkflowStarted, "", nil), false},
		{"cancel cancelled", schema.RunStatusCancelled, ev(schema.EventWorkflowCancelled, "", nil), false},
		{"compensate failed", schema.RunStatusFailed, ev(schema.EventCompensationStarted, "", nil), true},
		{"compensate completed", schema.RunStatusCompleted, ev(schema.EventCompensationStarted, "", nil), false},
		{"compensation ok", schema.RunStatusCompensating,
			ev(schema.EventCompensationCompleted, "", schema.CompensationResult{Succeeded: true}), true},
		{"compensation failed", schema.RunStatusCompensating,
			ev(schema.EventCompensationCompleted, "", schema.CompensationResult{}), true},
		{"fail while compensating", schema.RunStatusCompensating, ev(schema.EventWorkflowFailed, "", nil), true},
		{"resume compensated", schema.RunStatusCompensated, ev(schema.EventWorkflowResumed, "", nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkEvent(&schema.WorkflowRun{ID: "r1", Status: tt.from}, tt.event)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
		})
	}
}

func TestCheckEvent_NodeTransitions(t *testing.T) {
	run := func(runStatus schema.RunStatus, nodeStatus schema.NodeStatus) *schema.WorkflowRun {
		return &schema.WorkflowRun{
			ID:     "r1",
			Status: runStatus,
			Nodes:  map[string]*schema.NodeExecution{"a": {NodeID: "a", Status: nodeStatus}},
		}
	}

	assert.NoError(t, checkEvent(run(schema.RunStatusRunning, schema.NodeStatusPending), ev(schema.EventNodeStarted, "a", nil)))
	assert.NoError(t, checkEvent(run(schema.RunStatusRunning, schema.NodeStatusRetrying), ev(schema.EventNodeStarted, "a", nil)))
	assert.NoError(t, checkEvent(run(schema.RunStatusWaiting, schema.NodeStatusWaiting), ev(schema.EventNodeSucceeded, "a", nil)))
	assert.NoError(t, checkEvent(run(schema.RunStatusCompensating, schema.NodeStatusSucceeded), ev(schema.EventNodeCompensated, "a", nil)))
	assert.NoError(t, checkEvent(run(schema.RunStatusCompensating, schema.NodeStatusFailed), ev(schema.EventNodeCompensationFail, "a", nil)))
	assert.NoError(t, checkEvent(run(schema.RunStatusCompleted, schema.NodeStatusSucceeded), ev(schema.EventNodeResultRejected, "a", nil)))

	bad := []struct {
		run *schema.WorkflowRun
		ev  *schema.ExecutionEvent
	}{
		{run(schema.RunStatusRunning, schema.NodeStatusSucceeded), ev(schema.EventNodeSucceeded, "a", nil)},
		{run(schema.RunStatusRunning, schema.NodeStatusRunning), ev(schema.EventNodeStarted, "a", nil)},
		{run(schema.RunStatusRunning, schema.NodeStatusSkipped), ev(schema.EventNodeStarted, "a", nil)},
		{run(schema.RunStatusRunning, schema.NodeStatusPending), ev(schema.EventNodeSucceeded, "a", nil)},
		{run(schema.RunStatusCancelled, schema.NodeStatusRunning), ev(schema.EventNodeSucceeded, "a", nil)},
		{run(schema.RunStatusFailed, schema.NodeStatusSucceeded), ev(schema.EventNodeCompensated, "a", nil)},
		{run(schema.RunStatusCompensating, schema.NodeStatusPending), ev(schema.EventNodeCompensated, "a", nil)},
	}
	for _, b := range bad {
		err := checkEvent(b.run, b.ev)
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "%s on %s/%s", b.ev.Type, b.run.Status, b.run.Nodes["a"].Status)
	}
}

func TestTransitionTables_TerminalStatesAreClosed(t *testing.T) {
	for _, s := range []schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusCompensated, schema.RunStatusCancelled} {
		assert.Empty(t, ValidRunTransitions[s], s)
		assert.True(t, terminalRun(s))
	}
	for _, s := range []schema.NodeStatus{schema.NodeStatusSkipped, schema.NodeStatusCompensated} {
		assert.Empty(t, ValidNodeTransitions[s], s)
	}
	assert.False(t, terminalRun(schema.RunStatusWaiting))
}

func TestInFlightNodes(t *testing.T) {
	run := &schema.WorkflowRun{Nodes: map[string]*schema.NodeExecution{
		"c": {Status: schema.NodeStatusWaiting},
		"a": {Status: schema.NodeStatusRunning},
		"b": {Status: schema.NodeStatusSucceeded},
		"d": {Status: schema.NodeStatusRetrying},
	}}
	assert.Equal(t, []string{"a", "c", "d"}, inFlightNodes(run))
}
