package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/dispatch/internal/queue"
	"github.com/rendis/dispatch/pkg/schema"
)

// fanOut expands a loop step into one loop_iteration event per item and
// dispatches them. Sequential loops dispatch only the first iteration; the
// loop tracker dispatches the next one as each finishes.
func (b *Broker) fanOut(ctx context.Context, st *state, step *schema.Step, tr schema.Transition, parentEventID string) error {
	if st.latest(schema.EventStepStarted, step.Name) != nil {
		return nil
	}
	items, err := b.loopItems(ctx, st, step.Loop.In)
	if err != nil {
		return err
	}
	distributed := step.IsDistributedLoop()
	mode := schema.LoopModeAsync
	if step.Loop.Sequential() {
		mode = schema.LoopModeSequential
	}

	started, err := b.emit(ctx, st, &schema.Event{
		EventType:     schema.EventStepStarted,
		NodeName:      step.Name,
		ParentEventID: parentEventID,
		Context: schema.MustJSON(map[string]any{
			"items_count": len(items),
			"mode":        mode,
			"distributed": distributed,
			"with":        tr.With,
			"data":        tr.Data,
		}),
	})
	if err != nil {
		return err
	}
	if started.Deduped {
		return nil
	}

	if len(items) == 0 {
		ev, err := b.completeLoop(ctx, st, step, []any{}, started.Event.EventID)
		if err != nil {
			return err
		}
		return b.advance(ctx, st, step.Name, ev.EventID, make(map[string]bool))
	}

	for i, item := range items {
		iterCtx := map[string]any{"items_count": len(items), "mode": mode}
		if distributed {
			iterCtx["child_execution_id"] = newID()
		}
		res, err := b.emit(ctx, st, &schema.Event{
			EventType:     schema.EventLoopIteration,
			NodeName:      step.Name,
			NodeID:        iterationNodeID(step.Name, i),
			ParentEventID: started.Event.EventID,
			CurrentIndex:  schema.IntPtr(i),
			CurrentItem:   schema.MustJSON(item),
			Iterator:      step.Loop.ItemName(),
			LoopName:      step.Name,
			LoopID:        loopID(st.executionID, step.Name),
			Context:       schema.MustJSON(iterCtx),
		})
		if err != nil {
			return err
		}
		if res.Deduped || (mode == schema.LoopModeSequential && i > 0) {
			continue
		}
		if err := b.runIteration(ctx, st, step, res.Event); err != nil {
			return err
		}
	}
	return nil
}

// runIteration dispatches one recorded loop_iteration: a child execution for
// distributed loops, a queue row otherwise.
func (b *Broker) runIteration(ctx context.Context, st *state, step *schema.Step, iter *schema.Event) error {
	index := *iter.CurrentIndex
	var item any
	if len(iter.CurrentItem) > 0 {
		_ = json.Unmarshal(iter.CurrentItem, &item)
	}
	iterCtx := iter.ContextMap()
	tr := st.overlay(step.Name)
	itemName := step.Loop.ItemName()

	if step.IsDistributedLoop() {
		childID, _ := iterCtx["child_execution_id"].(string)
		if childID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "iteration %d of %s has no child execution id", index, step.Name)
		}
		return b.spawn(ctx, st, step, tr, childID, iter.EventID, schema.IntPtr(index), map[string]any{itemName: item})
	}

	action, err := b.resolveAction(st, step, tr)
	if err != nil {
		return err
	}
	jobCtx := b.jobContext(st, step.Name, iter.EventID)
	jobCtx[itemName] = item
	jobCtx["_loop"] = map[string]any{
		"current_index": index,
		"current_item":  item,
		"iterator":      itemName,
		"loop_name":     step.Name,
		"loop_id":       loopID(st.executionID, step.Name),
		"items_count":   iterCtx["items_count"],
	}
	_, err = b.queue.Enqueue(ctx, queue.EnqueueRequest{
		ExecutionID: st.executionID,
		NodeID:      iterationNodeID(step.Name, index),
		NodeName:    step.Name,
		CatalogID:   st.start.CatalogID,
		Action:      action,
		Context:     jobCtx,
		Priority:    schema.DefaultPriority,
		MaxAttempts: schema.ParseRetry(step.Retry).MaxAttempts,
	})
	return err
}

// DispatchIteration dispatches an already recorded iteration of a loop step.
// Used to advance sequential loops.
func (b *Broker) DispatchIteration(ctx context.Context, executionID, stepName string, index int) error {
	st, err := b.load(ctx, executionID)
	if err != nil {
		return err
	}
	if st.done {
		return nil
	}
	step := st.pb.Step(stepName)
	if step == nil || step.Loop == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q is not a loop", stepName)
	}
	for _, ev := range st.events {
		if ev.EventType == schema.EventLoopIteration && ev.NodeName == stepName &&
			ev.CurrentIndex != nil && *ev.CurrentIndex == index {
			return b.runIteration(logWith(ctx, executionID, stepName), st, step, ev)
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "iteration %d of %s not found", index, stepName)
}

// CompleteLoop records the aggregated results of a loop step and advances
// past it. Repeated calls after the first are no-ops.
func (b *Broker) CompleteLoop(ctx context.Context, executionID, stepName string, results []any, parentEventID string) error {
	ctx = logWith(ctx, executionID, stepName)
	st, err := b.load(ctx, executionID)
	if err != nil {
		return err
	}
	if st.done || st.loopCompleted(stepName) != nil {
		return nil
	}
	step := st.pb.Step(stepName)
	if step == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q not found", stepName)
	}
	ev, err := b.completeLoop(ctx, st, step, results, parentEventID)
	if err != nil {
		return err
	}
	if _, err := b.queue.CompleteLeased(ctx, executionID, stepName); err != nil {
		b.logger.WarnContext(ctx, "release leased loop rows failed", "error", err)
	}
	return b.advance(ctx, st, stepName, ev.EventID, make(map[string]bool))
}

// completeLoop emits action_completed, result and step_completed for a loop
// step and returns the step_completed event.
func (b *Broker) completeLoop(ctx context.Context, st *state, step *schema.Step, results []any, parentEventID string) (*schema.Event, error) {
	if results == nil {
		results = []any{}
	}
	summary := map[string]any{"results": results, "result": results, "count": len(results)}
	done, err := b.emit(ctx, st, &schema.Event{
		EventType:     schema.EventActionCompleted,
		NodeName:      step.Name,
		ParentEventID: parentEventID,
		Context:       schema.MustJSON(map[string]any{"loop_completed": true, "count": len(results)}),
		Result:        schema.MustJSON(summary),
	})
	if err != nil {
		return nil, err
	}
	if _, err := b.emit(ctx, st, &schema.Event{
		EventType:     schema.EventResult,
		NodeName:      step.Name,
		ParentEventID: done.Event.EventID,
		Result:        schema.MustJSON(results),
	}); err != nil {
		return nil, err
	}
	res, err := b.emit(ctx, st, &schema.Event{
		EventType:     schema.EventStepCompleted,
		NodeName:      step.Name,
		ParentEventID: done.Event.EventID,
		Result:        schema.MustJSON(summary),
	})
	if err != nil {
		return nil, err
	}
	st.data[step.Name] = summary
	asMap(st.data["results"])[step.Name] = summary
	b.logger.InfoContext(ctx, "loop completed", "step", step.Name, "count", len(results))
	return res.Event, nil
}

// loopItems renders loop.in and normalizes it to a list. Maps iterate as
// sorted {key, value} pairs; JSON array strings are decoded; other scalars
// become a single item.
func (b *Broker) loopItems(ctx context.Context, st *state, in any) ([]any, error) {
	rendered, err := b.renderer.Render(ctx, in, st.data, false)
	if err != nil {
		return nil, err
	}
	switch v := rendered.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = map[string]any{"key": k, "value": v[k]}
		}
		return out, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return []any{}, nil
		}
		if strings.HasPrefix(s, "[") {
			var out []any
			if err := json.Unmarshal([]byte(s), &out); err == nil {
				return out, nil
			}
		}
		return []any{v}, nil
	default:
		return []any{v}, nil
	}
}

func iterationNodeID(step string, index int) string {
	return fmt.Sprintf("%s:%d", step, index)
}

func loopID(executionID, step string) string {
	return executionID + ":" + step
}
