package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// WorkflowDefinition is the immutable, published description of a workflow.
type WorkflowDefinition struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenant_id,omitempty"`
	Name         string             `json:"name,omitempty"`
	Version      string             `json:"version,omitempty"`
	Nodes        []NodeDefinition   `json:"nodes"`
	InputSchema  json.RawMessage    `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage    `json:"output_schema,omitempty"`
	DefaultRetry *RetryPolicy       `json:"default_retry,omitempty"`
	Compensation CompensationPolicy `json:"compensation,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

// Node returns the node definition with the given ID, or nil.
func (d *WorkflowDefinition) Node(id string) *NodeDefinition {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// Revision is a digest of the definition's content. Two publications of
// the same ID with identical content share a revision. It is empty when the
// definition cannot be encoded.
func (d *WorkflowDefinition) Revision() string {
	b, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:12])
}

// NodeKind determines how the engine drives a node.
type NodeKind string

const (
	NodeKindExecutor    NodeKind = "EXECUTOR"
	NodeKindGateway     NodeKind = "GATEWAY"
	NodeKindWait        NodeKind = "WAIT"
	NodeKindTimer       NodeKind = "TIMER"
	NodeKindSubWorkflow NodeKind = "SUB_WORKFLOW"
)

// NodeDefinition is a single unit of work within a workflow definition.
type NodeDefinition struct {
	ID            string              `json:"id"`
	Name          string              `json:"name,omitempty"`
	Kind          NodeKind            `json:"kind,omitempty"`
	ExecutorType  string              `json:"executor_type,omitempty"`
	Config        json.RawMessage     `json:"config,omitempty"`
	DependsOn     []string            `json:"depends_on,omitempty"`
	Transitions   []Transition        `json:"transitions,omitempty"`
	Compensation  *CompensationAction `json:"compensation,omitempty"`
	Timeout       string              `json:"timeout,omitempty"`
	Start         bool                `json:"start,omitempty"`
	Retry         *RetryPolicy        `json:"retry,omitempty"`
	InputMapping  string              `json:"input_mapping,omitempty"`
	OutputMapping string              `json:"output_mapping,omitempty"`
}

// EffectiveKind returns the node kind, defaulting to EXECUTOR.
func (n *NodeDefinition) EffectiveKind() NodeKind {
	if n.Kind == "" {
		return NodeKindExecutor
	}
	return n.Kind
}

// TimeoutDuration parses the node timeout. Invalid or empty values yield zero.
func (n *NodeDefinition) TimeoutDuration() time.Duration {
	return parseDuration(n.Timeout)
}

// TransitionKind classifies an outgoing edge.
type TransitionKind string

const (
	TransitionSuccess   TransitionKind = "SUCCESS"
	TransitionFailure   TransitionKind = "FAILURE"
	TransitionCondition TransitionKind = "CONDITION"
	TransitionDefault   TransitionKind = "DEFAULT"
)

// Transition is a directed, possibly conditional edge between nodes.
type Transition struct {
	Target    string         `json:"target"`
	Kind      TransitionKind `json:"kind,omitempty"`
	Condition string         `json:"condition,omitempty"`
	// Language selects the condition evaluator: "expr" (default) or "cel".
	Language string `json:"language,omitempty"`
}

// EffectiveKind returns the transition kind. An empty kind means CONDITION
// when a condition is set and SUCCESS otherwise.
func (t Transition) EffectiveKind() TransitionKind {
	switch {
	case t.Kind != "":
		return t.Kind
	case t.Condition != "":
		return TransitionCondition
	default:
		return TransitionSuccess
	}
}

// Conditional reports whether the edge is gated by a condition expression.
func (t Transition) Conditional() bool {
	return t.EffectiveKind() == TransitionCondition
}

// RetryPolicy configures retry behavior for failed node attempts.
// MaxAttempts counts the first attempt; 1 disables retries.
type RetryPolicy struct {
	MaxAttempts  int     `json:"max_attempts"`
	InitialDelay string  `json:"initial_delay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	// Jitter is the fraction (0..1) of the computed delay randomized in both directions.
	Jitter float64 `json:"jitter,omitempty"`
}

// InitialDelayDuration parses InitialDelay; invalid values yield zero.
func (p RetryPolicy) InitialDelayDuration() time.Duration { return parseDuration(p.InitialDelay) }

// MaxDelayDuration parses MaxDelay; invalid values yield zero (no cap).
func (p RetryPolicy) MaxDelayDuration() time.Duration { return parseDuration(p.MaxDelay) }

// DefaultRetryPolicy is applied when neither the node nor the definition sets one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: "1s", Multiplier: 2, MaxDelay: "1m", Jitter: 0.2}
}

// EffectiveRetry resolves the retry policy for a node: node, then definition, then default.
func (d *WorkflowDefinition) EffectiveRetry(n *NodeDefinition) RetryPolicy {
	switch {
	case n != nil && n.Retry != nil:
		return *n.Retry
	case d.DefaultRetry != nil:
		return *d.DefaultRetry
	default:
		return DefaultRetryPolicy()
	}
}

// CompensationMode controls when saga compensation runs.
type CompensationMode string

const (
	CompensationAutomatic CompensationMode = "AUTOMATIC"
	CompensationManual    CompensationMode = "MANUAL"
	CompensationNone      CompensationMode = "NONE"
)

// CompensationPolicy is the definition-level compensation configuration.
type CompensationPolicy struct {
	Mode CompensationMode `json:"mode,omitempty"`
	// SkipFailedNodes excludes the failed node itself from compensation.
	SkipFailedNodes bool `json:"skip_failed_nodes,omitempty"`
}

// CompensationAction references the executor that undoes a node's effects.
type CompensationAction struct {
	ExecutorType string          `json:"executor_type"`
	Config       json.RawMessage `json:"config,omitempty"`
	Timeout      string          `json:"timeout,omitempty"`
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
