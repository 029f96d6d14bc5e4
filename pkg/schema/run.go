package schema

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending      RunStatus = "PENDING"
	RunStatusRunning      RunStatus = "RUNNING"
	RunStatusWaiting      RunStatus = "WAITING"
	RunStatusCompensating RunStatus = "COMPENSATING"
	RunStatusCompleted    RunStatus = "COMPLETED"
	RunStatusFailed       RunStatus = "FAILED"
	RunStatusCompensated  RunStatus = "COMPENSATED"
	RunStatusCancelled    RunStatus = "CANCELLED"
)

// Terminal reports whether no further node work happens for the run.
// A FAILED run can still be compensated.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCompensated, RunStatusCancelled:
		return true
	}
	return false
}

// NodeStatus represents the lifecycle state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending     NodeStatus = "PENDING"
	NodeStatusRunning     NodeStatus = "RUNNING"
	NodeStatusRetrying    NodeStatus = "RETRYING"
	NodeStatusWaiting     NodeStatus = "WAITING"
	NodeStatusSucceeded   NodeStatus = "SUCCEEDED"
	NodeStatusFailed      NodeStatus = "FAILED"
	NodeStatusSkipped     NodeStatus = "SKIPPED"
	NodeStatusCompensated NodeStatus = "COMPENSATED"
)

// Terminal reports whether the node reached a final status.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped, NodeStatusCompensated:
		return true
	}
	return false
}

// InFlight reports whether the node has work outstanding (dispatched, backing off, or suspended).
func (s NodeStatus) InFlight() bool {
	return s == NodeStatusRunning || s == NodeStatusRetrying || s == NodeStatusWaiting
}

// NodeError is the structured failure reported for a node attempt.
type NodeError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Source    string         `json:"source,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Retryable bool           `json:"retryable"`
}

func (e *NodeError) Error() string {
	if e.Source != "" {
		return e.Code + " (" + e.Source + "): " + e.Message
	}
	return e.Code + ": " + e.Message
}

// NodeExecution is the per-node record within a run.
type NodeExecution struct {
	NodeID      string         `json:"node_id"`
	Status      NodeStatus     `json:"status"`
	Attempt     int            `json:"attempt"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *NodeError     `json:"error,omitempty"`
	TokenID     string         `json:"token_id,omitempty"`
	ExecutorID  string         `json:"executor_id,omitempty"`
	CallbackID  string         `json:"callback_id,omitempty"`
	ChildRunID  string         `json:"child_run_id,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	// Routes are the transition targets selected when the node resolved.
	// Routed distinguishes an empty selection from one never recorded.
	Routes []string `json:"routes,omitempty"`
	Routed bool     `json:"routed,omitempty"`
}

// SuspensionInfo describes why a run is waiting.
type SuspensionInfo struct {
	Reason      string    `json:"reason"`
	NodeID      string    `json:"node_id"`
	SuspendedAt time.Time `json:"suspended_at"`
}

// ParentRef links a child run to the sub-workflow node that started it.
type ParentRef struct {
	RunID   string `json:"run_id"`
	NodeID  string `json:"node_id"`
	Attempt int    `json:"attempt"`
	Token   string `json:"token"`
}

// CompensationOutcome is the per-node result of a compensation pass.
type CompensationOutcome string

const (
	CompensationSucceeded CompensationOutcome = "COMPENSATED"
	CompensationFailed    CompensationOutcome = "FAILED"
	CompensationSkipped   CompensationOutcome = "SKIPPED"
)

// NodeCompensation records what happened when compensating one node.
type NodeCompensation struct {
	NodeID  string              `json:"node_id"`
	Outcome CompensationOutcome `json:"outcome"`
	Error   *NodeError          `json:"error,omitempty"`
}

// CompensationResult aggregates a compensation pass over a run.
type CompensationResult struct {
	RunID       string             `json:"run_id"`
	Nodes       []NodeCompensation `json:"nodes"`
	Succeeded   bool               `json:"succeeded"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Failed returns the node IDs whose compensation failed.
func (r *CompensationResult) Failed() []string {
	var ids []string
	for _, n := range r.Nodes {
		if n.Outcome == CompensationFailed {
			ids = append(ids, n.NodeID)
		}
	}
	return ids
}

// WorkflowRun is the mutable aggregate for one execution of a definition.
// It is mutated only inside the per-run lock.
type WorkflowRun struct {
	ID                 string                    `json:"id"`
	TenantID           string                    `json:"tenant_id"`
	DefinitionID       string                    `json:"definition_id"`
	DefinitionRevision string                    `json:"definition_revision,omitempty"`
	Status             RunStatus                 `json:"status"`
	Variables          map[string]any            `json:"variables"`
	Nodes              map[string]*NodeExecution `json:"nodes"`
	ExecutionPath      []string                  `json:"execution_path"`
	CreatedAt          time.Time                 `json:"created_at"`
	StartedAt          *time.Time                `json:"started_at,omitempty"`
	CompletedAt        *time.Time                `json:"completed_at,omitempty"`
	Version            int64                     `json:"version"`
	Suspension         *SuspensionInfo           `json:"suspension,omitempty"`
	Parent             *ParentRef                `json:"parent,omitempty"`
	FailureReason      string                    `json:"failure_reason,omitempty"`
	Compensation       *CompensationResult       `json:"compensation,omitempty"`
	Outputs            map[string]any            `json:"outputs,omitempty"`
}

// Node returns the execution record for a node, creating a PENDING one if absent.
func (r *WorkflowRun) Node(id string) *NodeExecution {
	if r.Nodes == nil {
		r.Nodes = make(map[string]*NodeExecution)
	}
	ne, ok := r.Nodes[id]
	if !ok {
		ne = &NodeExecution{NodeID: id, Status: NodeStatusPending}
		r.Nodes[id] = ne
	}
	return ne
}

// NodeStatusOf returns the node's status, PENDING when it has no record yet.
func (r *WorkflowRun) NodeStatusOf(id string) NodeStatus {
	if ne, ok := r.Nodes[id]; ok {
		return ne.Status
	}
	return NodeStatusPending
}

// Clone returns a deep copy of the run via its JSON form.
func (r *WorkflowRun) Clone() *WorkflowRun {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		panic("clone workflow run: " + err.Error())
	}
	out := &WorkflowRun{}
	if err := json.Unmarshal(b, out); err != nil {
		panic("clone workflow run: " + err.Error())
	}
	return out
}

// WorkflowRunSnapshot is the externally queryable read model of a run.
type WorkflowRunSnapshot struct {
	RunID              string                    `json:"run_id"`
	TenantID           string                    `json:"tenant_id"`
	DefinitionID       string                    `json:"definition_id"`
	DefinitionRevision string                    `json:"definition_revision,omitempty"`
	Status             RunStatus                 `json:"status"`
	Variables          map[string]any            `json:"variables"`
	Nodes              map[string]*NodeExecution `json:"nodes"`
	ExecutionPath      []string                  `json:"execution_path"`
	CreatedAt          time.Time                 `json:"created_at"`
	StartedAt          *time.Time                `json:"started_at,omitempty"`
	CompletedAt        *time.Time                `json:"completed_at,omitempty"`
	Version            int64                     `json:"version"`
	Suspension         *SuspensionInfo           `json:"suspension,omitempty"`
	FailureReason      string                    `json:"failure_reason,omitempty"`
	Compensation       *CompensationResult       `json:"compensation,omitempty"`
	Outputs            map[string]any            `json:"outputs,omitempty"`
}

// SnapshotOf projects a run into its read model. The result shares no memory with r.
func SnapshotOf(r *WorkflowRun) *WorkflowRunSnapshot {
	c := r.Clone()
	return &WorkflowRunSnapshot{
		RunID:              c.ID,
		TenantID:           c.TenantID,
		DefinitionID:       c.DefinitionID,
		DefinitionRevision: c.DefinitionRevision,
		Status:             c.Status,
		Variables:          c.Variables,
		Nodes:              c.Nodes,
		ExecutionPath:      c.ExecutionPath,
		CreatedAt:          c.CreatedAt,
		StartedAt:          c.StartedAt,
		CompletedAt:        c.CompletedAt,
		Version:            c.Version,
		Suspension:         c.Suspension,
		FailureReason:      c.FailureReason,
		Compensation:       c.Compensation,
		Outputs:            c.Outputs,
	}
}
