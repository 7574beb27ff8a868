package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/dispatch/pkg/schema"
)

// ExprEngine is the default template engine, built on expr-lang/expr. It
// supports member access, comparisons, boolean logic, nil coalescing (??),
// optional chaining (?.) and the builtin array functions.
//
// Lenient programs are compiled without an environment so any identifier
// resolves at run time, and cached by expression. Strict programs are
// compiled against the actual context so unknown names fail at compile time.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs expression with data as the environment. In lenient mode a
// run-time failure (such as member access on a missing step) yields nil.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any, strict bool) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeRender, "empty expr expression")
	}
	env := data
	if env == nil {
		env = map[string]any{}
	}

	var (
		prg *vm.Program
		err error
	)
	if strict {
		prg, err = compileExpr(expression, expr.Env(env))
	} else {
		prg, err = e.getOrCompile(expression)
	}
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		if !strict {
			return nil, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeRender,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// getOrCompile returns a cached lenient program or compiles and caches a new one.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}
	prg, err := compileExpr(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = prg
	return prg, nil
}

func compileExpr(expression string, opts ...expr.Option) (*vm.Program, error) {
	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRender,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
