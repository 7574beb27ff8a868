package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatch/pkg/schema"
)

func runLua(t *testing.T, code string, args map[string]any) (map[string]any, error) {
	t.Helper()
	out, err := NewLuaAction(LuaConfig{}).Execute(context.Background(), Input{
		Spec:    map[string]any{"code": code, "timeout": "500ms"},
		Args:    args,
		Context: map[string]any{"workload": map[string]any{"factor": 3.0}},
	})
	if err != nil {
		return nil, err
	}
	return out.Data.(map[string]any), nil
}

func TestLua_ReturnValue(t *testing.T) {
	res, err := runLua(t, `
local out = {}
for i, v in ipairs(args.items) do
  out[i] = v * workload.factor
end
log("done")
return out`, map[string]any{"items": []any{1.0, 2.0}})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3), int64(6)}, res["result"])
	assert.Equal(t, []string{"done"}, res["logs"])
}

func TestLua_GlobalResultTable(t *testing.T) {
	res, err := runLua(t, `result = { name = "x", ratio = 0.5, ok = true }`, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "x", "ratio": 0.5, "ok": true}, res["result"])
}

func TestLua_Sandbox(t *testing.T) {
	_, err := runLua(t, `return io.open("/etc/passwd")`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))

	_, err = runLua(t, `return dofile("/tmp/x.lua")`, nil)
	assert.Error(t, err)
}

func TestLua_SyntaxErrorAndTimeout(t *testing.T) {
	_, err := runLua(t, `return (`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = runLua(t, `while true do end`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}
