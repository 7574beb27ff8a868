package broker

import (
	"context"

	"github.com/rendis/dispatch/pkg/schema"
)

// complete finalizes the end step and the execution.
func (b *Broker) complete(ctx context.Context, st *state, end *schema.Step, parentEventID string) error {
	if st.done {
		return nil
	}
	result, err := b.finalResult(ctx, st, end)
	if err != nil {
		return err
	}

	if st.latest(schema.EventStepCompleted, end.Name) == nil {
		res, err := b.emit(ctx, st, &schema.Event{
			EventType:     schema.EventStepCompleted,
			NodeName:      end.Name,
			ParentEventID: parentEventID,
			Result:        schema.MustJSON(result),
		})
		if err != nil {
			return err
		}
		parentEventID = res.Event.EventID
	}
	if _, err := b.emit(ctx, st, &schema.Event{
		EventType:     schema.EventExecutionComplete,
		NodeName:      st.pb.Metadata.Path,
		ParentEventID: parentEventID,
		Status:        schema.StatusCompleted,
		Result:        schema.MustJSON(result),
	}); err != nil {
		return err
	}
	st.done = true
	b.logger.InfoContext(ctx, "execution completed", "playbook", st.pb.Metadata.Path)
	return nil
}

// finalResult picks the execution's result: the end step's result mapping,
// then its save.data mapping, then the latest completion of end, then the
// latest non-iteration completion anywhere in the execution.
func (b *Broker) finalResult(ctx context.Context, st *state, end *schema.Step) (any, error) {
	if end.Result != nil {
		return b.renderer.Render(ctx, end.Result, st.data, b.cfg.StrictResults)
	}
	if data, ok := end.Save["data"]; ok && data != nil {
		return b.renderer.Render(ctx, data, st.data, b.cfg.StrictResults)
	}
	if ev := st.latest(schema.EventActionCompleted, end.Name); ev != nil && ev.HasResult() {
		return schema.UnwrapEnvelope(ev.ResultValue()), nil
	}
	for i := len(st.events) - 1; i >= 0; i-- {
		ev := st.events[i]
		if ev.EventType == schema.EventActionCompleted && ev.CurrentIndex == nil && ev.HasResult() {
			return schema.UnwrapEnvelope(ev.ResultValue()), nil
		}
	}
	return nil, nil
}

// failExecution closes the execution after an unrecoverable action failure.
func (b *Broker) failExecution(ctx context.Context, st *state, failed *schema.Event) error {
	errPayload := failed.Error
	if len(errPayload) == 0 {
		errPayload = schema.MustJSON(map[string]any{
			"code":    schema.ErrCodeExecution,
			"message": "step " + failed.NodeName + " failed",
		})
	}
	if _, err := b.emit(ctx, st, &schema.Event{
		EventType:     schema.EventExecutionComplete,
		NodeName:      st.pb.Metadata.Path,
		ParentEventID: failed.EventID,
		Status:        schema.StatusFailed,
		Error:         errPayload,
		Context:       schema.MustJSON(map[string]any{"failed_step": failed.NodeName, "failed_node": failed.NodeID}),
	}); err != nil {
		return err
	}
	st.done = true
	b.logger.WarnContext(ctx, "execution failed", "step", failed.NodeName)
	return nil
}
