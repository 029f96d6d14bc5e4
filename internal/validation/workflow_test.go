package validation

import (
	"encoding/json"
	"testing"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutors map[string]bool

func (m mockExecutors) HasType(t string) bool { return m[t] }

func newValidator(t *testing.T, executors ExecutorLookup) *WorkflowValidator {
	t.Helper()
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	wv, err := NewWorkflowValidator(ev, executors)
	require.NoError(t, err)
	return wv
}

func validDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "orders",
		Nodes: []schema.NodeDefinition{
			{
				ID:           "reserve",
				ExecutorType: "inventory",
				Compensation: &schema.CompensationAction{ExecutorType: "inventory.release"},
				Transitions: []schema.Transition{
					{Target: "charge", Kind: schema.TransitionCondition, Condition: "total > 0"},
					{Target: "skip", Kind: schema.TransitionDefault},
				},
			},
			{ID: "charge", ExecutorType: "payments", Retry: &schema.RetryPolicy{MaxAttempts: 5, InitialDelay: "100ms"}},
			{ID: "skip", Kind: schema.NodeKindGateway},
		},
		Compensation: schema.CompensationPolicy{Mode: schema.CompensationAutomatic},
	}
}

func issueCodes(issues []schema.DefinitionIssue) []string {
	codes := make([]string, 0, len(issues))
	for _, i := range issues {
		codes = append(codes, i.Code)
	}
	return codes
}

func TestWorkflowValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*WorkflowValidator)(nil)
}

func TestWorkflowValidator_Valid(t *testing.T) {
	wv := newValidator(t, mockExecutors{"inventory": true, "payments": true})
	result := wv.Validate(validDef())
	assert.True(t, result.Valid(), "%v", result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, wv.ValidateDefinition(validDef()))
}

func TestWorkflowValidator_Nil(t *testing.T) {
	wv := newValidator(t, nil)
	result := wv.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv := newValidator(t, nil)
	def := validDef()
	def.Nodes[0].Kind = "LOOP"
	def.Nodes[1].DependsOn = []string{"ghost"}

	result := wv.Validate(def)
	assert.False(t, result.Valid())
	for _, code := range issueCodes(result.Errors) {
		assert.Equal(t, IssueStructure, code)
	}
}

func TestWorkflowValidator_UnknownExecutorIsWarning(t *testing.T) {
	wv := newValidator(t, mockExecutors{"inventory": true})
	result := wv.Validate(validDef())
	assert.True(t, result.Valid())
	assert.Equal(t, []string{IssueUnknownExecutor}, issueCodes(result.Warnings))
}

func TestWorkflowValidator_SemanticErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDefinition)
		code   string
	}{
		{"duplicate id", func(d *schema.WorkflowDefinition) { d.Nodes[2].ID = "charge" }, IssueDuplicateID},
		{"unknown dependency", func(d *schema.WorkflowDefinition) { d.Nodes[1].DependsOn = []string{"ghost"} }, IssueUnknownNode},
		{"self dependency", func(d *schema.WorkflowDefinition) { d.Nodes[1].DependsOn = []string{"charge"} }, IssueSelfReference},
		{"unknown target", func(d *schema.WorkflowDefinition) { d.Nodes[0].Transitions[0].Target = "ghost" }, IssueUnknownNode},
		{"bad condition", func(d *schema.WorkflowDefinition) { d.Nodes[0].Transitions[0].Condition = "total >" }, IssueCondition},
		{"default without condition", func(d *schema.WorkflowDefinition) {
			d.Nodes[0].Transitions = d.Nodes[0].Transitions[1:]
		}, IssueTransition},
		{"missing executor type", func(d *schema.WorkflowDefinition) { d.Nodes[1].ExecutorType = "" }, IssueNodeConfig},
		{"bad mapping", func(d *schema.WorkflowDefinition) { d.Nodes[1].InputMapping = "{a:" }, IssueMapping},
		{"timer without duration", func(d *schema.WorkflowDefinition) { d.Nodes[2].Kind = schema.NodeKindTimer }, IssueNodeConfig},
		{"recursive sub-workflow", func(d *schema.WorkflowDefinition) {
			d.Nodes[2].Kind = schema.NodeKindSubWorkflow
			d.Nodes[2].Config = json.RawMessage(`{"definition_id":"orders"}`)
		}, IssueNodeConfig},
		{"max delay below initial", func(d *schema.WorkflowDefinition) {
			d.Nodes[1].Retry = &schema.RetryPolicy{MaxAttempts: 3, InitialDelay: "10s", MaxDelay: "1s"}
		}, IssueRetry},
		{"bad input schema", func(d *schema.WorkflowDefinition) {
			d.InputSchema = json.RawMessage(`{"type": 12}`)
		}, IssueStructure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wv := newValidator(t, nil)
			def := validDef()
			tc.mutate(def)
			result := wv.Validate(def)
			assert.False(t, result.Valid())
			assert.Contains(t, issueCodes(result.Errors), tc.code)

			err := wv.ValidateDefinition(def)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestWorkflowValidator_CycleDetected(t *testing.T) {
	wv := newValidator(t, nil)
	def := &schema.WorkflowDefinition{
		ID: "loop",
		Nodes: []schema.NodeDefinition{
			{ID: "a", ExecutorType: "x", DependsOn: []string{"b"}},
			{ID: "b", ExecutorType: "x", DependsOn: []string{"a"}},
		},
	}
	result := wv.Validate(def)
	assert.Equal(t, []string{IssueCycle}, issueCodes(result.Errors))
}

func TestWorkflowValidator_HighRetryWarning(t *testing.T) {
	wv := newValidator(t, nil)
	def := validDef()
	def.Nodes[1].Retry = &schema.RetryPolicy{MaxAttempts: 20}
	result := wv.Validate(def)
	assert.True(t, result.Valid())
	assert.Contains(t, issueCodes(result.Warnings), IssueRetry)
}

func TestWorkflowValidator_AutomaticCompensationWithoutActions(t *testing.T) {
	wv := newValidator(t, nil)
	def := validDef()
	def.Nodes[0].Compensation = nil
	result := wv.Validate(def)
	assert.True(t, result.Valid())
	assert.Contains(t, issueCodes(result.Warnings), IssueNodeConfig)
}

func TestJSONSchemaValidator_ValidateInput(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	inputSchema := []byte(`{
		"type": "object",
		"required": ["order_id"],
		"properties": {
			"order_id": {"type": "string", "minLength": 1},
			"total": {"type": "number", "minimum": 0}
		}
	}`)

	assert.NoError(t, jsv.ValidateInput(map[string]any{"order_id": "o-1", "total": 10}, inputSchema))
	assert.NoError(t, jsv.ValidateInput(nil, nil), "no schema accepts anything")

	err = jsv.ValidateInput(map[string]any{"total": -1}, inputSchema)
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	violations, ok := fe.Details["violations"].([]string)
	require.True(t, ok)
	assert.Len(t, violations, 2)
}

func TestJSONSchemaValidator_CachesCompiledSchemas(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	s := []byte(`{"type":"object"}`)
	require.NoError(t, jsv.ValidateInput(map[string]any{}, s))
	require.NoError(t, jsv.ValidateInput(map[string]any{"a": 1}, s))

	jsv.mu.RLock()
	defer jsv.mu.RUnlock()
	assert.Len(t, jsv.cache, 1)
}
