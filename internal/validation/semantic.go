package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// validateSemantic checks what JSON Schema cannot express: unique ids,
// references, per-kind configuration, expressions and policies.
func validateSemantic(def *schema.WorkflowDefinition, exprs ExpressionChecker, executors ExecutorLookup, jsv *JSONSchemaValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		if ids[n.ID] {
			result.AddError(fmt.Sprintf("nodes[%d].id", i), IssueDuplicateID,
				fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = true
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		validateReferences(n, path, ids, result)
		validateNodeKind(def, n, path, executors, result)
		validateExpressions(n, path, exprs, result)
		if n.Retry != nil {
			validateRetry(*n.Retry, path+".retry", result)
		}
	}

	if def.DefaultRetry != nil {
		validateRetry(*def.DefaultRetry, "default_retry", result)
	}

	if len(def.InputSchema) > 0 {
		if _, err := jsv.getOrCompile(def.InputSchema); err != nil {
			result.AddError("input_schema", IssueStructure, err.Error())
		}
	}

	if def.Compensation.Mode == schema.CompensationAutomatic {
		withAction := false
		for _, n := range def.Nodes {
			withAction = withAction || n.Compensation != nil
		}
		if !withAction {
			result.AddWarning("compensation.mode", IssueNodeConfig,
				"automatic compensation configured but no node defines a compensation action")
		}
	}

	return result
}

func validateReferences(n *schema.NodeDefinition, path string, ids map[string]bool, result *schema.ValidationResult) {
	for j, dep := range n.DependsOn {
		switch {
		case dep == n.ID:
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j), IssueSelfReference,
				fmt.Sprintf("node %q depends on itself", n.ID))
		case !ids[dep]:
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j), IssueUnknownNode,
				fmt.Sprintf("references non-existent node %q", dep))
		}
	}
	if n.Start && len(n.DependsOn) > 0 {
		result.AddError(path+".start", IssueNodeConfig, "start node cannot have dependencies")
	}

	defaults, conditional := 0, 0
	for j, t := range n.Transitions {
		tpath := fmt.Sprintf("%s.transitions[%d]", path, j)
		switch {
		case t.Target == n.ID:
			result.AddError(tpath+".target", IssueSelfReference,
				fmt.Sprintf("node %q transitions to itself", n.ID))
		case !ids[t.Target]:
			result.AddError(tpath+".target", IssueUnknownNode,
				fmt.Sprintf("references non-existent node %q", t.Target))
		}
		switch t.EffectiveKind() {
		case schema.TransitionCondition:
			conditional++
			if t.Condition == "" {
				result.AddError(tpath+".condition", IssueTransition, "CONDITION transition requires a condition")
			}
		case schema.TransitionDefault:
			defaults++
			if t.Condition != "" {
				result.AddError(tpath+".condition", IssueTransition, "DEFAULT transition cannot carry a condition")
			}
		default:
			if t.Condition != "" {
				result.AddError(tpath+".condition", IssueTransition,
					fmt.Sprintf("%s transition cannot carry a condition", t.Kind))
			}
		}
	}
	if defaults > 1 {
		result.AddError(path+".transitions", IssueTransition,
			fmt.Sprintf("%d DEFAULT transitions, at most one allowed", defaults))
	}
	if defaults > 0 && conditional == 0 {
		result.AddError(path+".transitions", IssueTransition,
			"DEFAULT transition requires at least one CONDITION transition")
	}
}

func validateNodeKind(def *schema.WorkflowDefinition, n *schema.NodeDefinition, path string, executors ExecutorLookup, result *schema.ValidationResult) {
	switch n.EffectiveKind() {
	case schema.NodeKindExecutor:
		if n.ExecutorType == "" {
			result.AddError(path+".executor_type", IssueNodeConfig, "executor node requires an executor_type")
		} else if executors != nil && !executors.HasType(n.ExecutorType) {
			// Executors register at runtime; an unknown type is not fatal yet.
			result.AddWarning(path+".executor_type", IssueUnknownExecutor,
				fmt.Sprintf("no executor registered for type %q", n.ExecutorType))
		}

	case schema.NodeKindGateway:
		if n.ExecutorType != "" {
			result.AddWarning(path+".executor_type", IssueNodeConfig, "gateway nodes ignore executor_type")
		}

	case schema.NodeKindWait, schema.NodeKindTimer:
		var cfg schema.WaitConfig
		if len(n.Config) > 0 {
			if err := json.Unmarshal(n.Config, &cfg); err != nil {
				result.AddError(path+".config", IssueNodeConfig, fmt.Sprintf("invalid wait config: %v", err))
				return
			}
		}
		if n.EffectiveKind() == schema.NodeKindTimer {
			if d, err := time.ParseDuration(cfg.Duration); err != nil || d <= 0 {
				result.AddError(path+".config.duration", IssueNodeConfig, "timer node requires a positive duration")
			}
		}
		if cfg.TTL != "" {
			if d, err := time.ParseDuration(cfg.TTL); err != nil || d <= 0 {
				result.AddError(path+".config.ttl", IssueNodeConfig, fmt.Sprintf("invalid ttl %q", cfg.TTL))
			}
		}

	case schema.NodeKindSubWorkflow:
		var cfg schema.SubWorkflowConfig
		if err := json.Unmarshal(n.Config, &cfg); err != nil || cfg.DefinitionID == "" {
			result.AddError(path+".config.definition_id", IssueNodeConfig, "sub-workflow node requires config.definition_id")
			return
		}
		if cfg.DefinitionID == def.ID {
			result.AddError(path+".config.definition_id", IssueNodeConfig, "sub-workflow node cannot start its own definition")
		}
	}

	if n.Compensation != nil && n.Compensation.ExecutorType == "" {
		result.AddError(path+".compensation.executor_type", IssueNodeConfig, "compensation action requires an executor_type")
	}
}

func validateExpressions(n *schema.NodeDefinition, path string, exprs ExpressionChecker, result *schema.ValidationResult) {
	if exprs == nil {
		return
	}
	for j, t := range n.Transitions {
		if t.Condition == "" {
			continue
		}
		if err := exprs.CheckCondition(t.Language, t.Condition); err != nil {
			result.AddError(fmt.Sprintf("%s.transitions[%d].condition", path, j), IssueCondition, err.Error())
		}
	}
	if n.InputMapping != "" {
		if err := exprs.CheckMapping(n.InputMapping); err != nil {
			result.AddError(path+".input_mapping", IssueMapping, err.Error())
		}
	}
	if n.OutputMapping != "" {
		if err := exprs.CheckMapping(n.OutputMapping); err != nil {
			result.AddError(path+".output_mapping", IssueMapping, err.Error())
		}
	}
}

func validateRetry(p schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if p.MaxAttempts < 1 {
		result.AddError(path+".max_attempts", IssueRetry, "max_attempts must be at least 1")
	}
	if p.MaxAttempts > 10 {
		result.AddWarning(path+".max_attempts", IssueRetry,
			fmt.Sprintf("high attempt count (%d) may cause excessive delays", p.MaxAttempts))
	}
	initial, maxDelay := p.InitialDelayDuration(), p.MaxDelayDuration()
	if initial > 0 && maxDelay > 0 && maxDelay < initial {
		result.AddError(path+".max_delay", IssueRetry, "max_delay is shorter than initial_delay")
	}
}
