package engine

import (
	"sort"

	"github.com/rendis/flowcore/pkg/schema"
)

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:      {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusRunning:      {schema.RunStatusWaiting, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusWaiting:      {schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusFailed:       {schema.RunStatusCompensating},
	schema.RunStatusCompensating: {schema.RunStatusCompensated, schema.RunStatusFailed},
	schema.RunStatusCompleted:    {},
	schema.RunStatusCompensated:  {},
	schema.RunStatusCancelled:    {},
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending:     {schema.NodeStatusRunning, schema.NodeStatusWaiting, schema.NodeStatusFailed, schema.NodeStatusSkipped},
	schema.NodeStatusRunning:     {schema.NodeStatusSucceeded, schema.NodeStatusFailed, schema.NodeStatusRetrying},
	schema.NodeStatusRetrying:    {schema.NodeStatusRunning, schema.NodeStatusFailed},
	schema.NodeStatusWaiting:     {schema.NodeStatusSucceeded, schema.NodeStatusFailed},
	schema.NodeStatusSucceeded:   {schema.NodeStatusCompensated},
	schema.NodeStatusFailed:      {schema.NodeStatusCompensated},
	schema.NodeStatusSkipped:     {},
	schema.NodeStatusCompensated: {},
}

// checkEvent validates the state change an event implies before it is
// projected onto the run.
func checkEvent(run *schema.WorkflowRun, ev *schema.ExecutionEvent) error {
	if to, ok := runTarget(ev); ok {
		if !isValidRunTransition(run.Status, to) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"invalid run transition: %s -> %s", run.Status, to).
				WithDetails(map[string]any{"run_id": run.ID, "from": string(run.Status), "to": string(to), "event": ev.Type})
		}
		return nil
	}

	switch ev.Type {
	case schema.EventNodeCompensated, schema.EventNodeCompensationFail:
		if run.Status != schema.RunStatusCompensating {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s, not compensating", run.ID, run.Status).
				WithNode(ev.NodeID)
		}
	case schema.EventSignalReceived, schema.EventNodeResultRejected, schema.EventChildRunStarted:
		return nil
	default:
		if !activeRun(run.Status) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s", run.ID, run.Status).
				WithNode(ev.NodeID)
		}
	}

	to, ok := nodeTarget(ev.Type)
	if !ok {
		return nil
	}
	from := run.NodeStatusOf(ev.NodeID)
	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(ev.NodeID).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to), "event": ev.Type})
	}
	return nil
}

func runTarget(ev *schema.ExecutionEvent) (schema.RunStatus, bool) {
	switch ev.Type {
	case schema.EventWorkflowStarted, schema.EventWorkflowResumed:
		return schema.RunStatusRunning, true
	case schema.EventWorkflowWaiting:
		return schema.RunStatusWaiting, true
	case schema.EventWorkflowCompleted:
		return schema.RunStatusCompleted, true
	case schema.EventWorkflowFailed:
		return schema.RunStatusFailed, true
	case schema.EventWorkflowCancelled:
		return schema.RunStatusCancelled, true
	case schema.EventCompensationStarted:
		return schema.RunStatusCompensating, true
	case schema.EventCompensationCompleted:
		var p schema.CompensationResult
		if err := ev.Decode(&p); err == nil && p.Succeeded {
			return schema.RunStatusCompensated, true
		}
		return schema.RunStatusFailed, true
	}
	return "", false
}

func nodeTarget(eventType string) (schema.NodeStatus, bool) {
	switch eventType {
	case schema.EventNodeStarted:
		return schema.NodeStatusRunning, true
	case schema.EventNodeSucceeded:
		return schema.NodeStatusSucceeded, true
	case schema.EventNodeFailed:
		return schema.NodeStatusFailed, true
	case schema.EventNodeRetryScheduled:
		return schema.NodeStatusRetrying, true
	case schema.EventNodeWaiting:
		return schema.NodeStatusWaiting, true
	case schema.EventNodeSkipped:
		return schema.NodeStatusSkipped, true
	case schema.EventNodeCompensated:
		return schema.NodeStatusCompensated, true
	}
	return "", false
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	for _, a := range ValidNodeTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// activeRun reports whether nodes of a run in this status may still change.
func activeRun(s schema.RunStatus) bool {
	return s == schema.RunStatusRunning || s == schema.RunStatusWaiting
}

// terminalRun reports whether no further forward progress is possible.
// A FAILED run may still be compensated.
func terminalRun(s schema.RunStatus) bool {
	switch s {
	case schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCompensated, schema.RunStatusCancelled:
		return true
	}
	return false
}

// inFlightNodes returns the run's RUNNING, RETRYING and WAITING nodes, sorted.
func inFlightNodes(run *schema.WorkflowRun) []string {
	var ids []string
	for id, ne := range run.Nodes {
		if ne.Status.InFlight() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
