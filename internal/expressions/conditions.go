package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/flowcore/pkg/schema"
)

// Language identifiers accepted on transitions and mappings.
const (
	LanguageExpr = "expr"
	LanguageCEL  = "cel"
	LanguageJQ   = "jq"
)

type compiler interface {
	Engine
	Compile(expression string) error
}

// Evaluator resolves transition conditions and node mappings.
// Expr is the default condition language.
type Evaluator struct {
	conditions map[string]compiler
	jq         *GoJQEngine
}

// NewEvaluator builds an evaluator with all engines registered.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		conditions: map[string]compiler{
			LanguageExpr: NewExprEngine(),
			LanguageCEL:  celEngine,
		},
		jq: NewGoJQEngine(),
	}, nil
}

func (e *Evaluator) engine(language string) (compiler, error) {
	if language == "" {
		language = LanguageExpr
	}
	eng, ok := e.conditions[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition language %q", language)
	}
	return eng, nil
}

// CheckCondition compiles a condition without evaluating it.
func (e *Evaluator) CheckCondition(language, expression string) error {
	eng, err := e.engine(language)
	if err != nil {
		return err
	}
	return eng.Compile(expression)
}

// Condition evaluates a boolean condition. Variables are visible both at the
// top level and under "vars"; result holds the source node's output.
// A non-boolean result is an error.
func (e *Evaluator) Condition(ctx context.Context, language, expression string, vars, result map[string]any) (bool, error) {
	eng, err := e.engine(language)
	if err != nil {
		return false, err
	}

	data := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		data[k] = v
	}
	data["vars"] = nonNil(vars)
	data["result"] = nonNil(result)

	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewError(schema.ErrCodeValidation,
			fmt.Sprintf("condition %q returned %T, want bool", expression, out))
	}
	return b, nil
}

// CheckMapping compiles a jq mapping without evaluating it.
func (e *Evaluator) CheckMapping(expression string) error {
	return e.jq.Compile(expression)
}

// Map applies a jq mapping. An empty expression returns data unchanged.
func (e *Evaluator) Map(ctx context.Context, expression string, data map[string]any) (map[string]any, error) {
	if expression == "" {
		return data, nil
	}
	return e.jq.Transform(ctx, expression, data)
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
