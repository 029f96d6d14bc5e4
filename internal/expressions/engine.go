package expressions

import "context"

// Engine evaluates expressions against run data.
// Expr and CEL back transition conditions; GoJQ backs input/output mappings.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
