package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/dispatch/pkg/schema"
)

// jqVariables are bound on every run, in this order, next to the "." input.
var jqVariables = []string{"$workload", "$work"}

// GoJQEngine renders {{ jq: ... }} templates. The input is the whole
// rendering context; $workload and $work are shortcuts for its two
// top-level sections.
type GoJQEngine struct {
	programs sync.Map // expression -> *gojq.Code
}

func NewGoJQEngine() *GoJQEngine { return &GoJQEngine{} }

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate yields nil for no output, the value for one output and a slice
// for several. Unknown keys are null in jq, so strict only changes how
// run-time errors are reported.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any, strict bool) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeRender, "empty jq expression")
	}
	code, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	input, err := jqInput(data)
	if err != nil {
		return nil, jqError("jq input for %q", expression, err)
	}

	iter := code.RunWithContext(ctx, input, input["workload"], input["work"])
	var out []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if runErr, isErr := v.(error); isErr {
			if strict {
				return nil, jqError("jq evaluation of %q", expression, runErr)
			}
			return nil, nil
		}
		out = append(out, v)
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}

func (e *GoJQEngine) program(expression string) (*gojq.Code, error) {
	if code, ok := e.programs.Load(expression); ok {
		return code.(*gojq.Code), nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, jqError("jq parse of %q", expression, err)
	}
	code, err := gojq.Compile(query,
		gojq.WithVariables(jqVariables),
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, jqError("jq compile of %q", expression, err)
	}
	actual, _ := e.programs.LoadOrStore(expression, code)
	return actual.(*gojq.Code), nil
}

// jqInput turns the rendering context into plain JSON values. gojq rejects
// typed slices, structs and most numeric kinds, and event payloads arrive as
// json.RawMessage.
func jqInput(data map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jqError(format, expression string, cause error) error {
	return schema.NewErrorf(schema.ErrCodeRender, format+": %s", expression, cause.Error()).
		WithCause(cause).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*GoJQEngine)(nil)
