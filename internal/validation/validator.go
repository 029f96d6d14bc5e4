package validation

import "github.com/rendis/flowcore/pkg/schema"

// Validator checks workflow definitions before a run is created against them,
// and run inputs/outputs against the definition's JSON Schemas (Draft 2020-12).
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Issue codes reported in ValidationResult entries.
const (
	IssueStructure       = "INVALID_STRUCTURE"
	IssueDuplicateID     = "DUPLICATE_NODE_ID"
	IssueUnknownNode     = "UNKNOWN_NODE"
	IssueSelfReference   = "SELF_REFERENCE"
	IssueCycle           = "CYCLE_DETECTED"
	IssueUnreachable     = "UNREACHABLE_NODE"
	IssueTransition      = "INVALID_TRANSITION"
	IssueCondition       = "INVALID_CONDITION"
	IssueMapping         = "INVALID_MAPPING"
	IssueNodeConfig      = "INVALID_NODE_CONFIG"
	IssueRetry           = "INVALID_RETRY_POLICY"
	IssueUnknownExecutor = "UNKNOWN_EXECUTOR_TYPE"
)

// ExpressionChecker compiles conditions and mappings without evaluating them.
type ExpressionChecker interface {
	CheckCondition(language, expression string) error
	CheckMapping(expression string) error
}

// ExecutorLookup reports whether any executor is known for a type.
type ExecutorLookup interface {
	HasType(executorType string) bool
}
