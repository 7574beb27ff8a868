package broker

import (
	"context"
	"maps"

	"github.com/rendis/dispatch/internal/expressions"
	"github.com/rendis/dispatch/internal/queue"
	"github.com/rendis/dispatch/pkg/schema"
)

// resolveAction builds the task descriptor for step with the transition's
// overlay applied. Workbook steps inline the referenced library entry.
func (b *Broker) resolveAction(st *state, step *schema.Step, tr schema.Transition) (map[string]any, error) {
	var action map[string]any
	if step.Type == schema.StepTypeWorkbook {
		name, _ := step.Config["name"].(string)
		entry := st.pb.WorkbookAction(name)
		if entry == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "workbook action %q not found", name).WithNode(step.Name)
		}
		action = step.ResolveWorkbook(entry)
	} else {
		action = step.Action()
	}
	if step.Retry != nil {
		action["retry"] = step.Retry
	}
	if len(tr.With) > 0 {
		action["with"] = mergeMaps(asMap(action["with"]), tr.With)
	}
	if len(tr.Data) > 0 {
		action["data"] = mergeMaps(asMap(action["data"]), tr.Data)
	}
	return action, nil
}

// jobContext snapshots the evaluation context for a worker. _meta lets the
// worker link its events back to the step_started that scheduled it.
func (b *Broker) jobContext(st *state, step, parentEventID string) map[string]any {
	out := maps.Clone(st.data)
	out["_meta"] = map[string]any{
		"parent_event_id": parentEventID,
		"step":            step,
		"execution_id":    st.executionID,
		"catalog_id":      st.start.CatalogID,
	}
	return out
}

// dispatch enqueues an action step and records step_started when a new row
// was created.
func (b *Broker) dispatch(ctx context.Context, st *state, step *schema.Step, tr schema.Transition, parentEventID string) error {
	action, err := b.resolveAction(st, step, tr)
	if err != nil {
		return err
	}
	res, err := b.queue.Enqueue(ctx, queue.EnqueueRequest{
		ExecutionID: st.executionID,
		NodeID:      step.Name,
		NodeName:    step.Name,
		CatalogID:   st.start.CatalogID,
		Action:      action,
		Context:     b.jobContext(st, step.Name, parentEventID),
		Priority:    schema.DefaultPriority,
		MaxAttempts: schema.ParseRetry(step.Retry).MaxAttempts,
		Refresh:     step.Type == schema.StepTypeWorkbook,
	})
	if err != nil {
		return err
	}
	if res.Outcome != schema.Enqueued {
		b.logger.DebugContext(ctx, "step already scheduled", "step", step.Name, "outcome", res.Outcome)
		return nil
	}
	_, err = b.emit(ctx, st, &schema.Event{
		EventType:     schema.EventStepStarted,
		NodeName:      step.Name,
		ParentEventID: parentEventID,
		Context:       schema.MustJSON(map[string]any{"queue_id": res.Job.QueueID}),
	})
	return err
}

// callPlaybook starts a child execution for a non-loop playbook step. The
// parent step completes when the child's execution_complete is observed.
func (b *Broker) callPlaybook(ctx context.Context, st *state, step *schema.Step, tr schema.Transition, parentEventID string) error {
	if st.latest(schema.EventStepStarted, step.Name) != nil {
		return nil
	}
	childID := newID()
	res, err := b.emit(ctx, st, &schema.Event{
		EventType:     schema.EventStepStarted,
		NodeName:      step.Name,
		ParentEventID: parentEventID,
		Context: schema.MustJSON(map[string]any{
			"child_execution_id": childID,
			"with":               tr.With,
			"data":               tr.Data,
		}),
	})
	if err != nil {
		return err
	}
	if res.Deduped {
		return nil
	}
	return b.spawn(ctx, st, step, tr, childID, res.Event.EventID, nil, nil)
}

// spawn renders the child's workload and hands it to the Spawner. It is a
// no-op when the child already started.
func (b *Broker) spawn(ctx context.Context, st *state, step *schema.Step, tr schema.Transition, childID, parentEventID string, index *int, extra map[string]any) error {
	if b.spawner == nil {
		return schema.NewError(schema.ErrCodeActionUnavailable, "no child execution spawner configured").WithNode(step.Name)
	}
	if _, err := b.events.Start(ctx, childID); err == nil {
		return nil
	} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return err
	}

	path, _ := step.Config["path"].(string)
	version := ""
	if v, ok := step.Config["version"]; ok && v != nil {
		version = expressions.Stringify(v)
	}

	data := st.data
	if len(extra) > 0 {
		data = mergeMaps(st.data, extra)
	}
	tpl := mergeMaps(mergeMaps(step.With, step.Data), mergeMaps(tr.With, tr.Data))
	workload, err := b.renderer.RenderMap(ctx, tpl, data, false)
	if err != nil {
		return err
	}
	if workload == nil {
		workload = map[string]any{}
	}
	maps.Copy(workload, extra)

	b.logger.InfoContext(ctx, "spawning child execution",
		"step", step.Name, "child_execution_id", childID, "path", path)
	return b.spawner.SpawnChild(ctx, ChildSpec{
		ExecutionID:       childID,
		ParentExecutionID: st.executionID,
		ParentEventID:     parentEventID,
		ParentStep:        step.Name,
		Path:              path,
		Version:           version,
		Workload:          workload,
		Index:             index,
	})
}

// mergeMaps returns a new map with b's keys over a's.
func mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	maps.Copy(out, a)
	maps.Copy(out, b)
	return out
}
