package actions

import (
	"context"
	"fmt"
	"math"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/rendis/dispatch/pkg/schema"
)

const defaultLuaTimeout = 10 * time.Second

// LuaConfig configures the lua action.
type LuaConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout"`
}

// LuaAction runs a Lua chunk (key code) in a sandbox without io, os or
// module loading. The chunk sees globals args, workload and context plus a
// log(msg) function; its return value, or else the global result, becomes
// the action output.
type LuaAction struct {
	cfg LuaConfig
}

// NewLuaAction creates the lua action.
func NewLuaAction(cfg LuaConfig) *LuaAction {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultLuaTimeout
	}
	return &LuaAction{cfg: cfg}
}

func (a *LuaAction) Type() string { return "lua" }

func (a *LuaAction) Description() string { return "Run a sandboxed Lua script" }

func (a *LuaAction) Validate(spec map[string]any) error {
	if stringParam(spec, "code", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "lua: missing code")
	}
	return nil
}

func (a *LuaAction) Execute(ctx context.Context, input Input) (*Output, error) {
	if err := a.Validate(input.Spec); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithTimeout(ctx, durationParam(input.Spec, "timeout", a.cfg.DefaultTimeout))
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(runCtx)
	openSandbox(L)

	var logs []string
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		logs = append(logs, L.CheckString(1))
		return 0
	}))
	L.SetGlobal("args", toLua(L, input.Args))
	L.SetGlobal("workload", toLua(L, input.Context["workload"]))
	L.SetGlobal("context", toLua(L, input.Context))

	fn, err := L.LoadString(stringParam(input.Spec, "code", ""))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "lua: %v", err).WithCause(err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		if runCtx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeTimeout, "lua: script timed out").WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "lua: %v", err).WithCause(err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if ret == lua.LNil {
		ret = L.GetGlobal("result")
	}

	out := map[string]any{"result": fromLua(ret)}
	if len(logs) > 0 {
		out["logs"] = logs
	}
	return &Output{Data: out}, nil
}

// openSandbox loads base, table, string and math without file or code loading.
func openSandbox(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, toLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// fromLua converts a Lua value to JSON-friendly Go. Tables with a contiguous
// 1..n integer key set become slices; other tables become maps.
func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 && n == tableLen(val) {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = fromLua(item)
		})
		return out
	default:
		return v.String()
	}
}

func tableLen(t *lua.LTable) int {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}
