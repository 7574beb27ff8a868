package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Reserved step names.
const (
	StepStart = "start"
	StepEnd   = "end"
)

// Step type constants. Types outside ActionTypes are control steps.
const (
	StepTypeWorkbook = "workbook"
	StepTypePlaybook = "playbook"
	StepTypeRouter   = "router"
)

// ActionTypes are the tool types a worker can execute. A step whose type is
// not listed here is finalized by the server without dispatch.
var ActionTypes = map[string]bool{
	"http":     true,
	"shell":    true,
	"lua":      true,
	"expr":     true,
	"python":   true,
	"postgres": true,
	"duckdb":   true,
	"save":     true,
	"secrets":  true,
	"workbook": true,
	"playbook": true,
}

// Loop modes.
const (
	LoopModeAsync      = "async"
	LoopModeSequential = "sequential"
)

// Playbook is a parsed declarative workflow definition.
type Playbook struct {
	APIVersion string          `yaml:"apiVersion,omitempty" json:"api_version,omitempty"`
	Kind       string          `yaml:"kind,omitempty" json:"kind,omitempty"`
	Metadata   PlaybookMeta    `yaml:"metadata" json:"metadata"`
	Workload   map[string]any  `yaml:"workload,omitempty" json:"workload,omitempty"`
	Workbook   []WorkbookEntry `yaml:"workbook,omitempty" json:"workbook,omitempty"`
	Workflow   []*Step         `yaml:"workflow" json:"workflow"`

	// WorkloadSchema optionally constrains the merged workload of a run.
	WorkloadSchema map[string]any `yaml:"workload_schema,omitempty" json:"workload_schema,omitempty"`

	index map[string]*Step
}

// PlaybookMeta identifies a playbook in the catalog.
type PlaybookMeta struct {
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Path        string `yaml:"path" json:"path"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// WorkbookEntry is a reusable named action referenced by workbook steps.
type WorkbookEntry struct {
	Name   string         `yaml:"name" json:"name"`
	Type   string         `yaml:"type" json:"type"`
	With   map[string]any `yaml:"with,omitempty" json:"with,omitempty"`
	Config map[string]any `yaml:",inline" json:"config,omitempty"`
}

// Step is one named node of the workflow.
type Step struct {
	Name   string         `yaml:"step" json:"step"`
	Desc   string         `yaml:"desc,omitempty" json:"desc,omitempty"`
	Type   string         `yaml:"type,omitempty" json:"type,omitempty"`
	Next   Transitions    `yaml:"next,omitempty" json:"next,omitempty"`
	Loop   *LoopConfig    `yaml:"loop,omitempty" json:"loop,omitempty"`
	With   map[string]any `yaml:"with,omitempty" json:"with,omitempty"`
	Data   map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
	Result any            `yaml:"result,omitempty" json:"result,omitempty"`
	Save   map[string]any `yaml:"save,omitempty" json:"save,omitempty"`
	Retry  any            `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Config carries the tool-specific keys (url, method, command, code, path, ...).
	Config map[string]any `yaml:",inline" json:"config,omitempty"`
}

// LoopConfig declares iteration over a rendered collection.
type LoopConfig struct {
	In       any    `yaml:"in" json:"in"`
	Iterator string `yaml:"iterator,omitempty" json:"iterator,omitempty"`
	Mode     string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// ItemName returns the iterator variable, defaulting to "item".
func (l *LoopConfig) ItemName() string {
	if l == nil || l.Iterator == "" {
		return "item"
	}
	return l.Iterator
}

// Sequential reports whether iterations must be dispatched in index order.
func (l *LoopConfig) Sequential() bool {
	return l != nil && strings.EqualFold(l.Mode, LoopModeSequential)
}

// Transition is one candidate in a step's next list.
type Transition struct {
	Step string         `yaml:"step" json:"step"`
	When string         `yaml:"when,omitempty" json:"when,omitempty"`
	Data map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
	With map[string]any `yaml:"with,omitempty" json:"with,omitempty"`
}

// Transitions accepts a single step name, a list of names or a list of
// transition objects.
type Transitions []Transition

func (t *Transitions) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*t = Transitions{{Step: node.Value}}
		return nil
	case yaml.SequenceNode:
		out := make(Transitions, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind == yaml.ScalarNode {
				out = append(out, Transition{Step: item.Value})
				continue
			}
			var tr Transition
			if err := item.Decode(&tr); err != nil {
				return err
			}
			out = append(out, tr)
		}
		*t = out
		return nil
	case yaml.MappingNode:
		var tr Transition
		if err := node.Decode(&tr); err != nil {
			return err
		}
		*t = Transitions{tr}
		return nil
	}
	return fmt.Errorf("next: unsupported yaml node kind %d", node.Kind)
}

// ParsePlaybook decodes YAML content and indexes its steps.
func ParsePlaybook(content []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(content, &pb); err != nil {
		return nil, NewError(ErrCodeValidation, "invalid playbook yaml").WithCause(err)
	}
	if err := pb.Index(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// Index builds the step lookup table and checks structural rules.
func (p *Playbook) Index() error {
	if p.Metadata.Path == "" {
		return NewError(ErrCodeValidation, "playbook metadata.path is required")
	}
	if len(p.Workflow) == 0 {
		return NewError(ErrCodeValidation, "playbook workflow is empty")
	}
	p.index = make(map[string]*Step, len(p.Workflow))
	for i, s := range p.Workflow {
		if s == nil || s.Name == "" {
			return NewErrorf(ErrCodeValidation, "workflow[%d] has no step name", i)
		}
		if _, dup := p.index[s.Name]; dup {
			return NewErrorf(ErrCodeValidation, "duplicate step %q", s.Name)
		}
		p.index[s.Name] = s
	}
	for _, s := range p.Workflow {
		for _, tr := range s.Next {
			if _, ok := p.index[tr.Step]; !ok {
				return NewErrorf(ErrCodeValidation, "step %q transitions to unknown step %q", s.Name, tr.Step).WithNode(s.Name)
			}
		}
	}
	return nil
}

// Step returns the named step, or nil.
func (p *Playbook) Step(name string) *Step {
	if p.index == nil {
		_ = p.Index()
	}
	return p.index[name]
}

// WorkbookAction returns the named workbook entry, or nil.
func (p *Playbook) WorkbookAction(name string) *WorkbookEntry {
	for i := range p.Workbook {
		if p.Workbook[i].Name == name {
			return &p.Workbook[i]
		}
	}
	return nil
}

// IsActionable reports whether the step dispatches to a worker.
func (s *Step) IsActionable() bool {
	if s == nil || s.Name == StepStart || s.Name == StepEnd {
		return false
	}
	return ActionTypes[strings.ToLower(s.Type)]
}

// IsDistributedLoop reports whether each iteration runs as a child execution.
func (s *Step) IsDistributedLoop() bool {
	return s != nil && s.Loop != nil && strings.EqualFold(s.Type, StepTypePlaybook)
}

// Action builds the self-contained task descriptor dispatched to workers.
func (s *Step) Action() map[string]any {
	action := make(map[string]any, len(s.Config)+4)
	for k, v := range s.Config {
		action[k] = v
	}
	action["type"] = s.Type
	action["name"] = s.Name
	if len(s.With) > 0 {
		action["with"] = copyMap(s.With)
	}
	if len(s.Data) > 0 {
		action["data"] = copyMap(s.Data)
	}
	if s.Save != nil {
		action["save"] = s.Save
	}
	return action
}

// ResolveWorkbook merges a workbook entry into the calling step's action. The
// entry's with sits under the step's with and data; the step wins on conflict.
func (s *Step) ResolveWorkbook(entry *WorkbookEntry) map[string]any {
	action := make(map[string]any, len(entry.Config)+4)
	for k, v := range entry.Config {
		action[k] = v
	}
	for k, v := range s.Config {
		if k == "name" {
			continue
		}
		action[k] = v
	}
	with := copyMap(entry.With)
	for k, v := range s.With {
		with[k] = v
	}
	for k, v := range s.Data {
		with[k] = v
	}
	action["type"] = entry.Type
	action["name"] = s.Name
	action["workbook"] = entry.Name
	if len(with) > 0 {
		action["with"] = with
	}
	return action
}

// RetrySpec is the normalized form of a step's retry declaration.
type RetrySpec struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     string
	MaxDelay    time.Duration
}

// DefaultMaxAttempts applies when a step declares no retry.
const DefaultMaxAttempts = 3

// ParseRetry interprets retry: true|false|N|{max_attempts, delay, backoff, max_delay}.
func ParseRetry(raw any) RetrySpec {
	spec := RetrySpec{MaxAttempts: DefaultMaxAttempts}
	switch v := raw.(type) {
	case nil:
	case bool:
		if !v {
			spec.MaxAttempts = 1
		}
	case int:
		spec.MaxAttempts = v
	case int64:
		spec.MaxAttempts = int(v)
	case float64:
		spec.MaxAttempts = int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			spec.MaxAttempts = n
		}
	case map[string]any:
		if n, ok := toInt(v["max_attempts"]); ok {
			spec.MaxAttempts = n
		}
		if d, ok := v["delay"].(string); ok {
			spec.Delay, _ = time.ParseDuration(d)
		}
		if d, ok := v["max_delay"].(string); ok {
			spec.MaxDelay, _ = time.ParseDuration(d)
		}
		if b, ok := v["backoff"].(string); ok {
			spec.Backoff = b
		}
	}
	if spec.MaxAttempts < 1 {
		spec.MaxAttempts = 1
	}
	return spec
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
