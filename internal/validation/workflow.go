package validation

import (
	"github.com/rendis/flowcore/internal/planner"
	"github.com/rendis/flowcore/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (node kinds, configs, expressions, policies)
// 3. Graph (references, DEFAULT rules, cycles, reachability)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	exprs      ExpressionChecker
	executors  ExecutorLookup
}

// NewWorkflowValidator creates a WorkflowValidator. exprs and executors may be
// nil to skip expression compilation and executor existence checks.
func NewWorkflowValidator(exprs ExpressionChecker, executors ExecutorLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		exprs:      exprs,
		executors:  executors,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", IssueStructure, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	result.DefinitionID = def.ID
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.exprs, wv.executors, wv.jsonSchema))

	// Graph stage only on a semantically sound definition.
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", IssueStructure, err.Error())
		return result
	}

	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", IssueStructure, msg)
		}
		return result
	}
	result.AddError("/", IssueStructure, fe.Message)
	return result
}

// validateGraph compiles the definition into an execution graph and warns
// about nodes no run can ever reach.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	g, err := planner.Compile(def)
	if err != nil {
		code := IssueTransition
		if fe, ok := err.(*schema.FlowError); ok {
			if _, cyclic := fe.Details["nodes"]; cyclic {
				code = IssueCycle
			}
		}
		result.AddError("nodes", code, err.Error())
		return result
	}

	reachable := g.Reachable()
	for _, n := range def.Nodes {
		if !reachable[n.ID] {
			result.AddWarning("nodes["+n.ID+"]", IssueUnreachable,
				"node "+n.ID+" is unreachable from any start node")
		}
	}
	return result
}
