package actions

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatch/pkg/schema"
)

func runShell(t *testing.T, spec map[string]any) (map[string]any, error) {
	t.Helper()
	out, err := NewShellAction(ShellConfig{}).Execute(context.Background(), Input{Spec: spec})
	if err != nil {
		return nil, err
	}
	return out.Data.(map[string]any), nil
}

func TestShell_CommandString(t *testing.T) {
	res, err := runShell(t, map[string]any{"command": "echo hello && echo oops >&2"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res["stdout"])
	assert.Equal(t, "oops\n", res["stderr"])
	assert.Equal(t, 0, res["exit_code"])
}

func TestShell_ArgsAndJSONStdout(t *testing.T) {
	res, err := runShell(t, map[string]any{"command": "echo", "args": []any{`{"n":1}`}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(1)}, res["stdout"])
	assert.Equal(t, "{\"n\":1}\n", res["stdout_raw"])
}

func TestShell_EnvAndStdin(t *testing.T) {
	res, err := runShell(t, map[string]any{"command": `read x; echo "$GREETING $x"`, "env": map[string]any{"GREETING": "hi"}, "stdin": "bob\n"})
	require.NoError(t, err)
	assert.Equal(t, "hi bob\n", res["stdout"])
}

func TestShell_NonZeroExit(t *testing.T) {
	_, err := runShell(t, map[string]any{"command": "exit 3"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))

	res, err := runShell(t, map[string]any{"command": "exit 3", "allow_failure": true})
	require.NoError(t, err)
	assert.Equal(t, 3, res["exit_code"])
}

func TestShell_Timeout(t *testing.T) {
	_, err := runShell(t, map[string]any{"command": "sleep 5", "timeout": "50ms"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}

func TestShell_CommandNotFound(t *testing.T) {
	_, err := runShell(t, map[string]any{"command": "/definitely/not/here", "args": []any{"x"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestShell_Validate(t *testing.T) {
	assert.Error(t, NewShellAction(ShellConfig{}).Validate(map[string]any{"command": "  "}))
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 5}
	n, err := lw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = lw.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "abcde", buf.String())
}
