package actions

import (
	"context"
	"maps"

	"github.com/rendis/dispatch/internal/expressions"
	"github.com/rendis/dispatch/pkg/schema"
)

// ExprAction evaluates an expr-lang expression (key expression or code)
// against the job context, the rendered with block (as args and at top
// level) and an optional data value.
type ExprAction struct {
	engine *expressions.ExprEngine
}

// NewExprAction creates the expr action.
func NewExprAction() *ExprAction {
	return &ExprAction{engine: expressions.NewExprEngine()}
}

func (a *ExprAction) Type() string { return "expr" }

func (a *ExprAction) Description() string { return "Evaluate an expr-lang expression" }

func (a *ExprAction) Validate(spec map[string]any) error {
	if exprSource(spec) == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr: missing expression")
	}
	return nil
}

func (a *ExprAction) Execute(ctx context.Context, input Input) (*Output, error) {
	if err := a.Validate(input.Spec); err != nil {
		return nil, err
	}
	scope := make(map[string]any, len(input.Context)+len(input.Args)+2)
	maps.Copy(scope, input.Context)
	maps.Copy(scope, input.Args)
	scope["args"] = input.Args
	if data, ok := input.Spec["data"]; ok {
		scope["data"] = data
	}

	v, err := a.engine.Evaluate(ctx, exprSource(input.Spec), scope, true)
	if err != nil {
		return nil, err
	}
	return &Output{Data: map[string]any{"result": v}}, nil
}

func exprSource(spec map[string]any) string {
	if s := stringParam(spec, "expression", ""); s != "" {
		return s
	}
	return stringParam(spec, "code", "")
}
