package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatch/pkg/schema"
)

type stubAction struct {
	typ string
}

func (s *stubAction) Type() string                   { return s.typ }
func (s *stubAction) Description() string            { return "stub " + s.typ }
func (s *stubAction) Validate(map[string]any) error { return nil }
func (s *stubAction) Execute(context.Context, Input) (*Output, error) {
	return &Output{Data: map[string]any{"ok": true}}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{typ: "Mail"}))

	got, err := reg.Get("mail")
	require.NoError(t, err)
	assert.Equal(t, "Mail", got.Type())
	assert.True(t, reg.Has("MAIL"))
}

func TestRegistry_Errors(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, schema.IsCode(reg.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(reg.Register(&stubAction{}), schema.ErrCodeValidation))

	require.NoError(t, reg.Register(&stubAction{typ: "dup"}))
	assert.True(t, schema.IsCode(reg.Register(&stubAction{typ: "dup"}), schema.ErrCodeConflict))

	_, err := reg.Get("missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionUnavailable))
}

func TestBuiltin(t *testing.T) {
	reg := Builtin(Config{})
	assert.Equal(t, []string{"expr", "http", "lua", "shell"}, reg.Types())

	list := reg.List()
	require.Len(t, list, 4)
	assert.Equal(t, "expr", list[0].Type)
	assert.NotEmpty(t, list[0].Description)
}
