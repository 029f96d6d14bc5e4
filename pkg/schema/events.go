package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the per-run event log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowWaiting   = "workflow_waiting"
	EventWorkflowResumed   = "workflow_resumed"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventNodeStarted        = "node_started"
	EventNodeSucceeded      = "node_succeeded"
	EventNodeFailed         = "node_failed"
	EventNodeRetryScheduled = "node_retry_scheduled"
	EventNodeWaiting        = "node_waiting"
	EventNodeSkipped        = "node_skipped"
	EventChildRunStarted    = "child_run_started"

	EventSignalReceived     = "signal_received"
	EventNodeResultRejected = "node_result_rejected"

	EventCompensationStarted   = "compensation_started"
	EventNodeCompensated       = "node_compensated"
	EventNodeCompensationFail  = "node_compensation_failed"
	EventCompensationCompleted = "compensation_completed"
)

// ExecutionEvent is an immutable entry in a run's event log.
// Sequence is contiguous per run starting at 1; Version is the run version
// after the mutation that produced the event.
type ExecutionEvent struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	TenantID   string          `json:"tenant_id"`
	Type       string          `json:"type"`
	NodeID     string          `json:"node_id,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Sequence   int64           `json:"sequence"`
	Version    int64           `json:"version"`
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e *ExecutionEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// --- Typed payloads ---

// RunStartedPayload carries everything needed to rebuild a run from scratch.
// Definition is the content the run was pinned to.
type RunStartedPayload struct {
	DefinitionID       string              `json:"definition_id"`
	DefinitionRevision string              `json:"definition_revision,omitempty"`
	Definition         *WorkflowDefinition `json:"definition,omitempty"`
	Variables          map[string]any      `json:"variables,omitempty"`
	Parent             *ParentRef          `json:"parent,omitempty"`
}

// NodeStartedPayload is emitted when an attempt is handed out.
type NodeStartedPayload struct {
	TokenID    string `json:"token_id"`
	ExecutorID string `json:"executor_id,omitempty"`
}

// NodeSucceededPayload records a successful attempt and its variable effects.
type NodeSucceededPayload struct {
	Output    map[string]any `json:"output,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Routes    []string       `json:"routes,omitempty"`
}

// NodeFailedPayload records a failed attempt.
type NodeFailedPayload struct {
	Error        *NodeError `json:"error"`
	DeadLettered bool       `json:"dead_lettered,omitempty"`
	Routes       []string   `json:"routes,omitempty"`
}

// RetryScheduledPayload records a delayed retry.
type RetryScheduledPayload struct {
	Delay       string     `json:"delay"`
	NextAttempt int        `json:"next_attempt"`
	Error       *NodeError `json:"error,omitempty"`
}

// NodeWaitingPayload records a suspension awaiting an external callback.
type NodeWaitingPayload struct {
	Reason      string     `json:"reason"`
	CallbackID  string     `json:"callback_id,omitempty"`
	Token       string     `json:"token,omitempty"`
	CallbackURL string     `json:"callback_url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	FireAt      *time.Time `json:"fire_at,omitempty"`
}

// ReasonPayload carries a free-form reason.
type ReasonPayload struct {
	Reason string `json:"reason,omitempty"`
}

// SignalPayload records an accepted signal.
type SignalPayload struct {
	Signal     Signal `json:"signal"`
	CallbackID string `json:"callback_id"`
}

// ChildRunPayload links a sub-workflow node to its child run.
type ChildRunPayload struct {
	ChildRunID string `json:"child_run_id"`
}

// CompletedPayload records the outputs of a completed run.
type CompletedPayload struct {
	Outputs map[string]any `json:"outputs,omitempty"`
}

// MustPayload marshals v, panicking on programmer error.
func MustPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic("marshal event payload: " + err.Error())
	}
	return b
}
