package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/dispatch/pkg/schema"
)

// Renderer evaluates {{ ... }} templates inside arbitrary values. The default
// engine is expr; a "cel:" or "jq:" prefix inside the braces selects another.
type Renderer struct {
	engines map[string]Engine
	def     Engine
}

// NewRenderer wires the three engines.
func NewRenderer() (*Renderer, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	exprEngine := NewExprEngine()
	return &Renderer{
		engines: map[string]Engine{
			"expr": exprEngine,
			"cel":  celEngine,
			"jq":   NewGoJQEngine(),
		},
		def: exprEngine,
	}, nil
}

// Render walks tpl and evaluates every template string against data. A string
// made of exactly one template yields the expression's native value; mixed
// strings are interpolated. Maps and slices are rendered recursively and a new
// value is returned.
func (r *Renderer) Render(ctx context.Context, tpl any, data map[string]any, strict bool) (any, error) {
	switch v := tpl.(type) {
	case string:
		return r.renderString(ctx, v, data, strict)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			rendered, err := r.Render(ctx, item, data, strict)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := r.Render(ctx, item, data, strict)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return tpl, nil
	}
}

// RenderMap renders a map template and returns a map.
func (r *Renderer) RenderMap(ctx context.Context, tpl map[string]any, data map[string]any, strict bool) (map[string]any, error) {
	out, err := r.Render(ctx, tpl, data, strict)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

// Condition renders a when clause and coerces the result to a boolean.
func (r *Renderer) Condition(ctx context.Context, when string, data map[string]any) (bool, error) {
	out, err := r.Render(ctx, when, data, false)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

func (r *Renderer) renderString(ctx context.Context, s string, data map[string]any, strict bool) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		return r.eval(ctx, trimmed[2:len(trimmed)-2], data, strict)
	}

	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + 2
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeRender, "unclosed template in %q", s)
		}
		end += start
		val, err := r.eval(ctx, s[start:end], data, strict)
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(val))
		i = end + 2
	}
	return b.String(), nil
}

func (r *Renderer) eval(ctx context.Context, raw string, data map[string]any, strict bool) (any, error) {
	expression := strings.TrimSpace(raw)
	engine := r.def
	if name, rest, ok := strings.Cut(expression, ":"); ok {
		if e, known := r.engines[strings.TrimSpace(name)]; known {
			engine = e
			expression = strings.TrimSpace(rest)
		}
	}
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeRender, "empty template expression")
	}
	return engine.Evaluate(ctx, expression, data, strict)
}

// Stringify formats a rendered value for interpolation into a larger string.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int, int64, int32, float32, float64, uint, uint64:
		return fmt.Sprint(t)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// Truthy coerces a rendered value to a boolean. Strings true/yes/y/on are
// true and false/no/n/off/none/null and "" are false; any other non-empty
// string is true. Numbers are true when non-zero, collections when non-empty.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "on", "1":
			return true
		case "false", "no", "n", "off", "none", "null", "", "0":
			return false
		}
		return true
	case int:
		return t != 0
	case int64:
		return t != 0
	case int32:
		return t != 0
	case uint:
		return t != 0
	case uint64:
		return t != 0
	case float64:
		return t != 0
	case float32:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return true
}
