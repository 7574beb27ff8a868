// Package broker is the step transition engine. It is stateless: every
// evaluation rebuilds the execution's state from the event log, decides the
// next nodes and enqueues them, finalizing control steps in-process.
package broker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/dispatch/internal/eventlog"
	"github.com/rendis/dispatch/internal/expressions"
	"github.com/rendis/dispatch/internal/logging"
	"github.com/rendis/dispatch/internal/queue"
	"github.com/rendis/dispatch/pkg/schema"
)

// Playbooks serves parsed playbook definitions. Satisfied by *catalog.Catalog.
type Playbooks interface {
	Playbook(ctx context.Context, catalogID string) (*schema.Playbook, error)
}

// ChildSpec describes a child execution spawned for a playbook step or one
// iteration of a distributed loop.
type ChildSpec struct {
	ExecutionID       string
	ParentExecutionID string
	ParentEventID     string
	ParentStep        string
	Path              string
	Version           string
	Workload          map[string]any
	Index             *int
}

// Spawner starts child executions.
type Spawner interface {
	SpawnChild(ctx context.Context, spec ChildSpec) error
}

// Config tunes rendering of terminal results.
type Config struct {
	// StrictResults renders result and save mappings with strict key checks.
	StrictResults bool `json:"strict_results"`
}

// Broker decides which steps run next.
type Broker struct {
	events    *eventlog.Log
	queue     *queue.Queue
	playbooks Playbooks
	renderer  *expressions.Renderer
	spawner   Spawner
	cfg       Config
	logger    *slog.Logger
}

// New creates a Broker.
func New(events *eventlog.Log, q *queue.Queue, playbooks Playbooks, renderer *expressions.Renderer, cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		events:    events,
		queue:     q,
		playbooks: playbooks,
		renderer:  renderer,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetSpawner wires the child execution starter. Playbook steps fail with
// ACTION_UNAVAILABLE until one is set.
func (b *Broker) SetSpawner(s Spawner) {
	b.spawner = s
}

// Evaluate recomputes the execution's state and advances every step the
// trigger finished. An empty trigger re-advances all finished steps, which
// is how periodic sweeps recover stalled executions. Safe to repeat.
func (b *Broker) Evaluate(ctx context.Context, executionID, triggerEventID string) error {
	ctx = logging.WithExecutionID(ctx, executionID)
	st, err := b.load(ctx, executionID)
	if err != nil {
		return err
	}
	if st.done {
		return nil
	}
	if failed := st.terminalFailure(); failed != nil {
		return b.failExecution(ctx, st, failed)
	}

	var trigger *schema.Event
	if triggerEventID != "" {
		trigger = st.event(triggerEventID)
	}
	visited := make(map[string]bool)
	for _, f := range st.finishedNodes(trigger) {
		if err := b.advance(ctx, st, f.step, f.eventID, visited); err != nil {
			return err
		}
	}
	return nil
}

// advance evaluates the next list of a finished step and schedules the result.
func (b *Broker) advance(ctx context.Context, st *state, from, parentEventID string, visited map[string]bool) error {
	if visited[from] || st.done {
		return nil
	}
	visited[from] = true

	step := st.pb.Step(from)
	if step == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q not found in playbook %s", from, st.pb.Metadata.Path)
	}
	for _, tr := range b.selectTransitions(ctx, st, step) {
		if err := b.schedule(ctx, st, tr, parentEventID, visited); err != nil {
			return err
		}
	}
	return nil
}

// selectTransitions applies the fan-out rule: every candidate whose when is
// truthy; if none is, every candidate without a when.
func (b *Broker) selectTransitions(ctx context.Context, st *state, step *schema.Step) []schema.Transition {
	var matched, unconditional []schema.Transition
	for _, tr := range step.Next {
		if strings.TrimSpace(tr.When) == "" {
			unconditional = append(unconditional, tr)
			continue
		}
		ok, err := b.renderer.Condition(ctx, tr.When, st.data)
		if err != nil {
			b.logger.WarnContext(ctx, "transition condition failed",
				"step", step.Name, "target", tr.Step, "error", err)
			continue
		}
		if ok {
			matched = append(matched, tr)
		}
	}
	if len(matched) > 0 {
		return matched
	}
	return unconditional
}

// schedule routes one selected transition to its handler.
func (b *Broker) schedule(ctx context.Context, st *state, tr schema.Transition, parentEventID string, visited map[string]bool) error {
	target := st.pb.Step(tr.Step)
	if target == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "transition to unknown step %q", tr.Step)
	}
	ctx = logging.WithNodeName(ctx, target.Name)

	switch {
	case target.Name == schema.StepEnd:
		return b.complete(ctx, st, target, parentEventID)
	case target.Loop != nil && target.IsActionable():
		return b.fanOut(ctx, st, target, tr, parentEventID)
	case strings.EqualFold(target.Type, schema.StepTypePlaybook):
		return b.callPlaybook(ctx, st, target, tr, parentEventID)
	case target.IsActionable():
		return b.dispatch(ctx, st, target, tr, parentEventID)
	default:
		return b.finalizeControl(ctx, st, target, tr, parentEventID, visited)
	}
}

// finalizeControl completes a step that has no executable action and
// recurses into its own transitions.
func (b *Broker) finalizeControl(ctx context.Context, st *state, step *schema.Step, tr schema.Transition, parentEventID string, visited map[string]bool) error {
	eventID := parentEventID
	if existing := st.latest(schema.EventStepCompleted, step.Name); existing != nil {
		eventID = existing.EventID
	} else {
		res, err := b.emit(ctx, st, &schema.Event{
			EventType:     schema.EventStepCompleted,
			NodeName:      step.Name,
			ParentEventID: parentEventID,
			Context:       schema.MustJSON(map[string]any{"reason": "control_step", "data": tr.Data}),
		})
		if err != nil {
			return err
		}
		eventID = res.Event.EventID
	}
	return b.advance(ctx, st, step.Name, eventID, visited)
}

func (b *Broker) emit(ctx context.Context, st *state, ev *schema.Event) (*eventlog.EmitResult, error) {
	ev.ExecutionID = st.executionID
	if ev.CatalogID == "" {
		ev.CatalogID = st.start.CatalogID
	}
	if ev.ParentExecutionID == "" {
		ev.ParentExecutionID = st.start.ParentExecutionID
	}
	res, err := b.events.Emit(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !res.Deduped {
		st.events = append(st.events, res.Event)
	}
	return res, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func logWith(ctx context.Context, executionID, node string) context.Context {
	return logging.WithIDs(ctx, executionID, node, "")
}
