package store

import (
	"fmt"
	"maps"
	"strings"

	"github.com/rendis/flowcore/pkg/schema"
)

// Project applies one event to a run. Every state change the engine makes is
// expressed as an event and applied through Project, so replaying the log
// yields the stored snapshot. Project never touches Version.
func Project(run *schema.WorkflowRun, ev *schema.ExecutionEvent) error {
	at := ev.OccurredAt
	switch ev.Type {
	case schema.EventWorkflowStarted:
		var p schema.RunStartedPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		run.ID = ev.RunID
		run.TenantID = ev.TenantID
		run.DefinitionID = p.DefinitionID
		run.DefinitionRevision = p.DefinitionRevision
		run.Parent = p.Parent
		run.Variables = make(map[string]any, len(p.Variables))
		maps.Copy(run.Variables, p.Variables)
		if run.Nodes == nil {
			run.Nodes = make(map[string]*schema.NodeExecution)
		}
		if run.CreatedAt.IsZero() {
			run.CreatedAt = at
		}
		run.StartedAt = &at
		run.Status = schema.RunStatusRunning

	case schema.EventWorkflowWaiting:
		var p schema.ReasonPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		run.Status = schema.RunStatusWaiting
		run.Suspension = &schema.SuspensionInfo{Reason: p.Reason, NodeID: ev.NodeID, SuspendedAt: at}

	case schema.EventWorkflowResumed:
		run.Status = schema.RunStatusRunning
		run.Suspension = nil

	case schema.EventWorkflowCompleted:
		var p schema.CompletedPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		run.Status = schema.RunStatusCompleted
		run.Outputs = p.Outputs
		run.Suspension = nil
		run.CompletedAt = &at

	case schema.EventWorkflowFailed, schema.EventWorkflowCancelled:
		var p schema.ReasonPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		run.Status = schema.RunStatusFailed
		if ev.Type == schema.EventWorkflowCancelled {
			run.Status = schema.RunStatusCancelled
		}
		run.FailureReason = p.Reason
		run.Suspension = nil
		run.CompletedAt = &at

	case schema.EventNodeStarted:
		var p schema.NodeStartedPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		ne, err := nodeOf(run, ev)
		if err != nil {
			return err
		}
		ne.Status = schema.NodeStatusRunning
		ne.Attempt = ev.Attempt
		ne.TokenID = p.TokenID
		ne.ExecutorID = p.ExecutorID
		ne.Result = nil
		ne.Error = nil
		ne.Routes = nil
		ne.Routed = false
		ne.StartedAt = &at
		ne.CompletedAt = nil
		appendPath(run, ev.NodeID)

	case schema.EventNodeSucceeded:
		var p schema.NodeSucceededPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		ne, err := nodeOf(run, ev)
		if err != nil {
			return err
		}
		ne.Status = schema.NodeStatusSucceeded
		ne.Result = p.Output
		ne.Error = nil
		ne.Routes = p.Routes
		ne.Routed = true
		ne.CompletedAt = &at
		if len(p.Variables) > 0 {
			if run.Variables == nil {
				run.Variables = make(map[string]any, len(p.Variables))
			}
			maps.Copy(run.Variables, p.Variables)
		}

	case schema.EventNodeFailed:
		var p schema.NodeFailedPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		ne, err := nodeOf(run, ev)
		if err != nil {
			return err
		}
		ne.Status = schema.NodeStatusFailed
		ne.Error = p.Error
		ne.Routes = p.Routes
		ne.Routed = true
		ne.CompletedAt = &at

	case schema.EventNodeRetryScheduled:
		var p schema.RetryScheduledPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		ne, err := nodeOf(run, ev)
		if err != nil {
			return err
		}
		ne.Status = schema.NodeStatusRetrying
		ne.Error = p.Error

	case schema.EventNodeWaiting:
		var p schema.NodeWaitingPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		ne, err := nodeOf(run, ev)
		if err != nil {
			return err
		}
		ne.Status = schema.NodeStatusWaiting
		ne.Attempt = ev.Attempt
		ne.CallbackID = p.CallbackID
		ne.Error = nil
		if ne.StartedAt == nil {
			ne.StartedAt = &at
		}
		appendPath(run, ev.NodeID)

	case schema.EventNodeSkipped:
		ne, err := nodeOf(run, ev)
		if err != nil {
			return err
		}
		ne.Status = schema.NodeStatusSkipped
		ne.CompletedAt = &at

	case schema.EventChildRunStarted:
		var p schema.ChildRunPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		ne, err := nodeOf(run, ev)
		if err != nil {
			return err
		}
		ne.ChildRunID = p.ChildRunID

	case schema.EventSignalReceived, schema.EventNodeResultRejected:
		// Audit only.

	case schema.EventCompensationStarted:
		run.Status = schema.RunStatusCompensating
		run.Suspension = nil
		run.Compensation = &schema.CompensationResult{RunID: run.ID}

	case schema.EventNodeCompensated, schema.EventNodeCompensationFail:
		var p schema.NodeFailedPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		if ev.NodeID == "" {
			return fmt.Errorf("event %s (seq %d) has no node id", ev.Type, ev.Sequence)
		}
		if run.Compensation == nil {
			run.Compensation = &schema.CompensationResult{RunID: run.ID}
		}
		outcome := schema.NodeCompensation{NodeID: ev.NodeID, Outcome: schema.CompensationSucceeded}
		if ev.Type == schema.EventNodeCompensationFail {
			outcome.Outcome = schema.CompensationFailed
			outcome.Error = p.Error
		} else {
			run.Node(ev.NodeID).Status = schema.NodeStatusCompensated
		}
		run.Compensation.Nodes = append(run.Compensation.Nodes, outcome)

	case schema.EventCompensationCompleted:
		var p schema.CompensationResult
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		p.RunID = run.ID
		if p.CompletedAt.IsZero() {
			p.CompletedAt = at
		}
		run.Compensation = &p
		run.CompletedAt = &at
		if p.Succeeded {
			run.Status = schema.RunStatusCompensated
		} else {
			run.Status = schema.RunStatusFailed
			if run.FailureReason == "" {
				run.FailureReason = "compensation failed for " + strings.Join(p.Failed(), ", ")
			}
		}

	default:
		return fmt.Errorf("unknown event type %q (seq %d)", ev.Type, ev.Sequence)
	}
	return nil
}

// Replay rebuilds a run from its complete event log. The log must start with
// workflow_started and have contiguous sequence numbers from 1.
func Replay(events []*schema.ExecutionEvent) (*schema.WorkflowRun, error) {
	if len(events) == 0 {
		return nil, schema.NewError(schema.ErrCodeRunNotFound, "no events to replay")
	}
	if events[0].Type != schema.EventWorkflowStarted {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "run %s: log starts with %s", events[0].RunID, events[0].Type)
	}
	run := &schema.WorkflowRun{Status: schema.RunStatusPending}
	for i, ev := range events {
		if expected := int64(i + 1); ev.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeInternal,
				"sequence gap in run %s: expected %d, got %d", ev.RunID, expected, ev.Sequence)
		}
		if err := Project(run, ev); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInternal, "replay run %s: %v", ev.RunID, err).WithCause(err)
		}
		if ev.Version > run.Version {
			run.Version = ev.Version
		}
	}
	return run, nil
}

func nodeOf(run *schema.WorkflowRun, ev *schema.ExecutionEvent) (*schema.NodeExecution, error) {
	if ev.NodeID == "" {
		return nil, fmt.Errorf("event %s (seq %d) has no node id", ev.Type, ev.Sequence)
	}
	return run.Node(ev.NodeID), nil
}

func appendPath(run *schema.WorkflowRun, nodeID string) {
	for _, id := range run.ExecutionPath {
		if id == nodeID {
			return
		}
	}
	run.ExecutionPath = append(run.ExecutionPath, nodeID)
}

func decodeErr(ev *schema.ExecutionEvent, err error) error {
	return fmt.Errorf("decode %s payload (seq %d): %w", ev.Type, ev.Sequence, err)
}
