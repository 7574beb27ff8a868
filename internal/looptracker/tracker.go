// Package looptracker finalizes loop steps. It watches iteration results of
// local loops and the progress of child executions spawned by distributed
// loops and playbook steps, and hands aggregated results back to the broker.
package looptracker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"

	"github.com/rendis/dispatch/internal/eventlog"
	"github.com/rendis/dispatch/internal/logging"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

// Child result sources, tried in policy order.
const (
	SourceExecutionComplete = "execution_complete"
	SourceActionCompleted   = "action_completed"
	SourceDescendants       = "descendants"
)

// DefaultResultPolicy is the child result lookup order.
var DefaultResultPolicy = []string{SourceExecutionComplete, SourceActionCompleted, SourceDescendants}

// Config tunes the tracker.
type Config struct {
	// ResultPolicy lists where a child execution's result is looked up.
	ResultPolicy []string `json:"result_policy"`
}

// Loops is the broker surface the tracker drives. Satisfied by *broker.Broker.
type Loops interface {
	CompleteLoop(ctx context.Context, executionID, stepName string, results []any, parentEventID string) error
	DispatchIteration(ctx context.Context, executionID, stepName string, index int) error
}

// maxChildren bounds the children listed per execution when walking descendants.
const maxChildren = 1000

// Tracker aggregates loop results.
type Tracker struct {
	events *eventlog.Log
	loops  Loops
	cfg    Config
	logger *slog.Logger
}

// New creates a Tracker.
func New(events *eventlog.Log, loops Loops, cfg Config, logger *slog.Logger) *Tracker {
	if len(cfg.ResultPolicy) == 0 {
		cfg.ResultPolicy = DefaultResultPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{events: events, loops: loops, cfg: cfg, logger: logger}
}

// Observe reacts to one stored event. Events that do not concern a loop or a
// child execution are ignored.
func (t *Tracker) Observe(ctx context.Context, ev *schema.Event) error {
	switch {
	case iterationOutput(ev):
		return t.localIteration(logging.WithIDs(ctx, ev.ExecutionID, ev.NodeName, ""), ev)
	case ev.EventType == schema.EventLoopIteration && childOf(ev) != "":
		ctx = logging.WithIDs(ctx, ev.ExecutionID, ev.NodeName, "")
		events, err := t.events.ByExecution(ctx, ev.ExecutionID)
		if err != nil {
			return err
		}
		return t.distributedPass(ctx, ev.ExecutionID, events, ev.NodeName)
	case ev.ParentExecutionID == "":
		return nil
	case ev.EventType == schema.EventExecutionComplete,
		ev.EventType == schema.EventActionCompleted,
		ev.EventType == schema.EventResult:
		return t.childSignal(logging.WithIDs(ctx, ev.ParentExecutionID, "", ""), ev)
	}
	return nil
}

// Reconcile replays aggregation for one execution from its stored events.
// The maintenance sweep uses it to recover iterations whose notification was
// dropped by the bus. Every step it drives is idempotent.
func (t *Tracker) Reconcile(ctx context.Context, executionID string) error {
	ctx = logging.WithExecutionID(ctx, executionID)
	events, err := t.events.ByExecution(ctx, executionID)
	if err != nil {
		return err
	}

	lastOutput := make(map[string]*schema.Event)
	distributed := make(map[string]bool)
	var stepChildren []string
	for _, ev := range events {
		switch {
		case iterationOutput(ev):
			if !skipped(ev) {
				lastOutput[ev.NodeName] = ev
			}
		case ev.EventType == schema.EventLoopIteration && childOf(ev) != "":
			distributed[ev.NodeName] = true
		case ev.EventType == schema.EventStepStarted && childOf(ev) != "":
			stepChildren = append(stepChildren, childOf(ev))
		}
	}

	var errs []error
	for _, step := range sortedKeys(lastOutput) {
		errs = append(errs, t.localIteration(logging.WithNodeName(ctx, step), lastOutput[step]))
	}
	for _, step := range sortedKeys(distributed) {
		errs = append(errs, t.distributedPass(ctx, executionID, events, step))
	}

	if len(stepChildren) > 0 {
		done, err := t.events.Find(ctx, store.EventFilter{
			ExecutionIDs: stepChildren,
			Types:        []string{schema.EventExecutionComplete},
		})
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		for _, child := range done {
			errs = append(errs, t.childSignal(ctx, child))
		}
	}
	return errors.Join(errs...)
}

// loopView is what the tracker knows about one loop step.
type loopView struct {
	step       string
	started    *schema.Event
	total      int
	sequential bool
	completed  bool
	iterations map[int]*schema.Event
}

func newLoopView(events []*schema.Event, step string) *loopView {
	v := &loopView{step: step, iterations: make(map[int]*schema.Event)}
	for _, ev := range events {
		if ev.NodeName != step {
			continue
		}
		switch ev.EventType {
		case schema.EventStepStarted:
			v.started = ev
		case schema.EventLoopIteration:
			if ev.CurrentIndex != nil {
				v.iterations[*ev.CurrentIndex] = ev
			}
		case schema.EventActionCompleted:
			if ev.CurrentIndex == nil && ev.ContextMap()["loop_completed"] == true {
				v.completed = true
			}
		}
	}
	v.total = len(v.iterations)
	if v.started != nil {
		c := v.started.ContextMap()
		if n, ok := c["items_count"].(float64); ok {
			v.total = int(n)
		}
		v.sequential = c["mode"] == schema.LoopModeSequential
	}
	return v
}

// localIteration records one finished iteration of a local loop and
// finalizes the loop once every index has a result.
func (t *Tracker) localIteration(ctx context.Context, ev *schema.Event) error {
	if skipped(ev) {
		return nil
	}
	events, err := t.events.ByExecution(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	view := newLoopView(events, ev.NodeName)
	if view.completed || view.started == nil {
		return nil
	}

	results := make(map[int]any)
	for _, e := range events {
		if e.NodeName != view.step || !iterationOutput(e) || skipped(e) {
			continue
		}
		results[*e.CurrentIndex] = schema.UnwrapEnvelope(e.ResultValue())
	}

	if len(results) < view.total {
		if view.sequential {
			return t.dispatchNext(ctx, ev.ExecutionID, view, results)
		}
		return nil
	}
	t.logger.InfoContext(ctx, "local loop finished", "step", view.step, "count", view.total)
	return t.loops.CompleteLoop(ctx, ev.ExecutionID, view.step, ordered(results, view.total), ev.EventID)
}

// dispatchNext starts the lowest index that has no result yet.
func (t *Tracker) dispatchNext(ctx context.Context, executionID string, view *loopView, results map[int]any) error {
	for i := 0; i < view.total; i++ {
		if _, ok := results[i]; !ok {
			return t.loops.DispatchIteration(ctx, executionID, view.step, i)
		}
	}
	return nil
}

// childSignal routes progress of a child execution to the parent step that
// spawned it. Any result of a loop child can complete its iteration; a plain
// playbook step waits for the child's execution_complete.
func (t *Tracker) childSignal(ctx context.Context, child *schema.Event) error {
	parentEvents, err := t.events.ByExecution(ctx, child.ParentExecutionID)
	if err != nil {
		return err
	}
	for _, ev := range parentEvents {
		if childOf(ev) != child.ExecutionID {
			continue
		}
		switch ev.EventType {
		case schema.EventLoopIteration:
			return t.distributedPass(ctx, child.ParentExecutionID, parentEvents, ev.NodeName)
		case schema.EventStepStarted:
			if child.EventType != schema.EventExecutionComplete {
				return nil
			}
			return t.playbookStepDone(ctx, child.ParentExecutionID, parentEvents, ev, child)
		}
	}
	t.logger.DebugContext(ctx, "child execution has no tracking parent", "child_execution_id", child.ExecutionID)
	return nil
}

// playbookStepDone completes a non-loop playbook step with its child's outcome.
func (t *Tracker) playbookStepDone(ctx context.Context, parentID string, parentEvents []*schema.Event, started, child *schema.Event) error {
	for _, ev := range parentEvents {
		if ev.NodeName == started.NodeName && ev.CurrentIndex == nil &&
			(ev.EventType == schema.EventActionCompleted || ev.EventType == schema.EventActionFailed) {
			return nil
		}
	}

	out := &schema.Event{
		ExecutionID:       parentID,
		ParentExecutionID: started.ParentExecutionID,
		CatalogID:         started.CatalogID,
		NodeName:          started.NodeName,
		ParentEventID:     started.EventID,
		Context:           schema.MustJSON(map[string]any{"child_execution_id": child.ExecutionID}),
	}
	if child.Status == schema.StatusFailed {
		out.EventType = schema.EventActionFailed
		out.Error = child.Error
		out.Meta = schema.MustJSON(map[string]any{"will_retry": false})
	} else {
		result, err := t.childResult(ctx, child.ExecutionID, child)
		if err != nil {
			return err
		}
		out.EventType = schema.EventActionCompleted
		out.Result = schema.MustJSON(result)
	}
	_, err := t.events.Emit(ctx, out)
	return err
}

// distributedPass refreshes the end_loop tracking record of a distributed
// loop and finalizes the loop once every child has a result. Unfinished
// children are re-checked against their own logs on every pass, so
// concurrent passes converge on the same record.
func (t *Tracker) distributedPass(ctx context.Context, parentID string, parentEvents []*schema.Event, step string) error {
	ctx = logging.WithNodeName(ctx, step)
	view := newLoopView(parentEvents, step)
	if view.completed || view.started == nil {
		return nil
	}

	prev, state := trackedState(parentEvents, step)
	recorded := state.CompletedCount
	changed := state.merge(view)
	if len(state.ChildExecutions) == 0 {
		return nil
	}
	for _, child := range state.ChildExecutions {
		if child.Completed {
			continue
		}
		done, err := t.checkChild(ctx, child)
		if err != nil {
			return err
		}
		changed = changed || done
	}
	results := state.tally()
	changed = changed || recorded != state.CompletedCount

	endLoopID := ""
	if prev != nil {
		endLoopID = prev.EventID
	}
	if prev == nil || changed {
		ev, err := t.track(ctx, parentID, endLoopID, view, state)
		if err != nil {
			return err
		}
		endLoopID = ev.EventID
	}

	if state.CompletedCount < state.TotalIterations {
		if view.sequential {
			return t.dispatchNext(ctx, parentID, view, results)
		}
		return nil
	}
	t.logger.InfoContext(ctx, "distributed loop finished", "count", state.TotalIterations)
	return t.loops.CompleteLoop(ctx, parentID, step, ordered(results, state.TotalIterations), endLoopID)
}

// checkChild looks for a result of one unfinished child and reports whether
// the child is now complete. A recorded execution_complete always completes
// it; otherwise the first non-empty result found by the policy does.
func (t *Tracker) checkChild(ctx context.Context, child *childState) (bool, error) {
	found, err := t.events.Find(ctx, store.EventFilter{
		ExecutionID: child.ExecutionID,
		Types:       []string{schema.EventExecutionComplete},
		Desc:        true,
		Limit:       1,
	})
	if err != nil {
		return false, err
	}
	var complete *schema.Event
	if len(found) > 0 {
		complete = found[0]
	}
	if complete != nil && complete.Status == schema.StatusFailed {
		child.Completed = true
		child.Status = schema.StatusFailed
		child.Result = map[string]any{"status": "failed", "error": errorValue(complete)}
		return true, nil
	}

	result, err := t.childResult(ctx, child.ExecutionID, complete)
	if err != nil {
		return false, err
	}
	if complete == nil && schema.IsEmptyValue(result) {
		return false, nil
	}
	child.Completed = true
	child.Status = schema.StatusCompleted
	child.Result = result
	return true, nil
}

// track writes the end_loop record, rewriting endLoopID in place when set.
func (t *Tracker) track(ctx context.Context, parentID, endLoopID string, view *loopView, state *loopState) (*schema.Event, error) {
	res, err := t.events.Emit(ctx, &schema.Event{
		ExecutionID:   parentID,
		EventID:       endLoopID,
		EventType:     schema.EventEndLoop,
		NodeName:      view.step,
		Status:        "TRACKING",
		ParentEventID: view.started.EventID,
		Context:       schema.MustJSON(state),
	})
	if err != nil {
		return nil, err
	}
	return res.Event, nil
}

// childResult extracts a child's result following the policy. complete is
// the child's execution_complete event, nil while the child is running.
func (t *Tracker) childResult(ctx context.Context, childID string, complete *schema.Event) (any, error) {
	for _, source := range t.cfg.ResultPolicy {
		switch source {
		case SourceExecutionComplete:
			if complete != nil && complete.HasResult() {
				return complete.ResultValue(), nil
			}
		case SourceActionCompleted:
			v, err := t.latestStepResult(ctx, []string{childID})
			if err != nil || v != nil {
				return v, err
			}
		case SourceDescendants:
			ids, err := t.descendants(ctx, childID)
			if err != nil {
				return nil, err
			}
			if len(ids) == 0 {
				continue
			}
			v, err := t.latestStepResult(ctx, ids)
			if err != nil || v != nil {
				return v, err
			}
		default:
			t.logger.WarnContext(ctx, "unknown child result source", "source", source)
		}
	}
	return nil, nil
}

// latestStepResult returns the newest non-empty step result recorded by any
// of the executions. Per-iteration and skipped results are ignored.
func (t *Tracker) latestStepResult(ctx context.Context, executionIDs []string) (any, error) {
	events, err := t.events.Find(ctx, store.EventFilter{
		ExecutionIDs: executionIDs,
		Types:        []string{schema.EventActionCompleted},
		Desc:         true,
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.CurrentIndex != nil || skipped(ev) {
			continue
		}
		if v := schema.UnwrapEnvelope(ev.ResultValue()); !schema.IsEmptyValue(v) {
			return v, nil
		}
	}
	return nil, nil
}

// descendants lists every execution started below root, at any depth.
func (t *Tracker) descendants(ctx context.Context, root string) ([]string, error) {
	seen := map[string]bool{root: true}
	var out []string
	for frontier := []string{root}; len(frontier) > 0; {
		id := frontier[0]
		frontier = frontier[1:]
		children, err := t.events.Executions(ctx, store.ExecutionFilter{ParentExecutionID: id, Limit: maxChildren})
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if seen[c.ExecutionID] {
				continue
			}
			seen[c.ExecutionID] = true
			out = append(out, c.ExecutionID)
			frontier = append(frontier, c.ExecutionID)
		}
	}
	return out, nil
}

// iterationOutput reports per-iteration results of local loops.
func iterationOutput(ev *schema.Event) bool {
	return ev.CurrentIndex != nil &&
		(ev.EventType == schema.EventActionCompleted || ev.EventType == schema.EventResult)
}

func childOf(ev *schema.Event) string {
	id, _ := ev.ContextMap()["child_execution_id"].(string)
	return id
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// skipped reports results that do not count as iteration output.
func skipped(ev *schema.Event) bool {
	if ev.ContextMap()["reason"] == "control_step" {
		return true
	}
	if m, ok := ev.ResultValue().(map[string]any); ok && m["status"] == "skipped" {
		return true
	}
	return false
}

func ordered(results map[int]any, total int) []any {
	out := make([]any, total)
	for i := range out {
		out[i] = results[i]
	}
	return out
}

func errorValue(ev *schema.Event) any {
	if len(ev.Error) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(ev.Error, &v); err != nil {
		return string(ev.Error)
	}
	return v
}
