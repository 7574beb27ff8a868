package expressions

import "context"

// Engine evaluates one expression against a rendering context.
// Three implementations: Expr (default), CEL and GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any, strict bool) (any, error)
}
