package schema

import (
	"encoding/json"
	"time"
)

// CommunicationType selects the client implementation used to reach an executor.
type CommunicationType string

const (
	CommunicationGRPC        CommunicationType = "GRPC"
	CommunicationKafka       CommunicationType = "KAFKA"
	CommunicationREST        CommunicationType = "REST"
	CommunicationLocal       CommunicationType = "LOCAL"
	CommunicationUnspecified CommunicationType = "UNSPECIFIED"
)

// ExecutorInfo describes a registered executor instance.
type ExecutorInfo struct {
	ID                string            `json:"id" mapstructure:"id"`
	Type              string            `json:"type" mapstructure:"type"`
	CommunicationType CommunicationType `json:"communication_type" mapstructure:"communication_type"`
	Endpoint          string            `json:"endpoint,omitempty" mapstructure:"endpoint"`
	Timeout           time.Duration     `json:"timeout,omitempty" mapstructure:"timeout"`
	Metadata          map[string]string `json:"metadata,omitempty" mapstructure:"metadata"`
}

// NodeExecutionTask is the unit handed to the dispatcher for one attempt.
// Input is materialized at dispatch time and never mutated afterwards.
type NodeExecutionTask struct {
	RunID        string          `json:"run_id"`
	TenantID     string          `json:"tenant_id"`
	NodeID       string          `json:"node_id"`
	ExecutorType string          `json:"executor_type"`
	Attempt      int             `json:"attempt"`
	Token        string          `json:"token"`
	Input        map[string]any  `json:"input,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	Timeout      time.Duration   `json:"timeout,omitempty"`
	Retry        RetryPolicy     `json:"retry"`
	// Compensation marks a compensating invocation rather than a forward attempt.
	Compensation bool `json:"compensation,omitempty"`
}

// ResultStatus tags the outcome of an attempt.
type ResultStatus string

const (
	ResultSucceeded ResultStatus = "SUCCEEDED"
	ResultFailed    ResultStatus = "FAILED"
)

// NodeResult is what an executor reports back for one attempt.
type NodeResult struct {
	RunID      string         `json:"run_id"`
	NodeID     string         `json:"node_id"`
	Attempt    int            `json:"attempt"`
	Token      string         `json:"token"`
	Status     ResultStatus   `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *NodeError     `json:"error,omitempty"`
	ExecutorID string         `json:"executor_id,omitempty"`
}

// Failed builds a FAILED result for the task.
func (t *NodeExecutionTask) Failed(err *NodeError) NodeResult {
	return NodeResult{
		RunID:   t.RunID,
		NodeID:  t.NodeID,
		Attempt: t.Attempt,
		Token:   t.Token,
		Status:  ResultFailed,
		Error:   err,
	}
}
