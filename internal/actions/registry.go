package actions

import (
	"sort"
	"strings"
	"sync"

	"github.com/rendis/dispatch/pkg/schema"
)

// Registry maps step types to actions. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds action under its type. Types are case-insensitive.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	typ := strings.ToLower(action.Type())
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "action type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", typ)
	}
	r.actions[typ] = action
	return nil
}

// Get returns the action for typ or ACTION_UNAVAILABLE.
func (r *Registry) Get(typ string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[strings.ToLower(typ)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "no action registered for type %q", typ)
	}
	return a, nil
}

// Has reports whether typ is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[strings.ToLower(typ)]
	return ok
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for t := range r.actions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// List returns info for all registered actions, sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.actions))
	for t, a := range r.actions {
		infos = append(infos, Info{Type: t, Description: a.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// Config configures the built-in actions.
type Config struct {
	HTTP  HTTPConfig  `json:"http"`
	Shell ShellConfig `json:"shell"`
	Lua   LuaConfig   `json:"lua"`
}

// Builtin returns a registry holding http, shell, expr and lua.
func Builtin(cfg Config) *Registry {
	r := NewRegistry()
	for _, a := range []Action{
		NewHTTPAction(cfg.HTTP),
		NewShellAction(cfg.Shell),
		NewExprAction(),
		NewLuaAction(cfg.Lua),
	} {
		_ = r.Register(a)
	}
	return r
}
