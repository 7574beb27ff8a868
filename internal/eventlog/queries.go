package eventlog

import (
	"context"

	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

// resultEventTypes carry the outputs exposed to templates by node name.
var resultEventTypes = []string{schema.EventActionCompleted, schema.EventResult, schema.EventStepCompleted}

// ByExecution returns the events of an execution in causal order.
func (l *Log) ByExecution(ctx context.Context, executionID string) ([]*schema.Event, error) {
	return l.store.FindEvents(ctx, store.EventFilter{ExecutionID: executionID})
}

// ByID returns one event by id.
func (l *Log) ByID(ctx context.Context, eventID string) (*schema.Event, error) {
	return l.store.GetEventByID(ctx, eventID)
}

// Find exposes filtered queries to the broker and loop tracker.
func (l *Log) Find(ctx context.Context, filter store.EventFilter) ([]*schema.Event, error) {
	return l.store.FindEvents(ctx, filter)
}

// Start returns the execution_start event of an execution.
func (l *Log) Start(ctx context.Context, executionID string) (*schema.Event, error) {
	events, err := l.store.FindEvents(ctx, store.EventFilter{
		ExecutionID: executionID,
		Types:       []string{schema.EventExecutionStart},
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q has no execution_start event", executionID)
	}
	return events[0], nil
}

// EarliestContext returns the root rendering scope: the execution_start
// context, or the earliest event's context when no start was recorded.
func (l *Log) EarliestContext(ctx context.Context, executionID string) (map[string]any, error) {
	start, err := l.Start(ctx, executionID)
	if err == nil {
		return start.ContextMap(), nil
	}
	if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}
	events, err := l.store.FindEvents(ctx, store.EventFilter{ExecutionID: executionID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return map[string]any{}, nil
	}
	return events[0].ContextMap(), nil
}

// NodeResults returns the latest non-empty result per node name.
func (l *Log) NodeResults(ctx context.Context, executionID string) (map[string]any, error) {
	events, err := l.store.FindEvents(ctx, store.EventFilter{
		ExecutionID: executionID,
		Types:       resultEventTypes,
	})
	if err != nil {
		return nil, err
	}
	return LatestResults(events), nil
}

// LatestResults folds events (oldest first) into the latest non-empty result
// per node name. Per-iteration results (events carrying current_index) are
// left to the loop tracker.
func LatestResults(events []*schema.Event) map[string]any {
	out := make(map[string]any)
	for _, ev := range events {
		switch ev.EventType {
		case schema.EventActionCompleted, schema.EventResult, schema.EventStepCompleted:
		default:
			continue
		}
		if ev.NodeName == "" || ev.CurrentIndex != nil {
			continue
		}
		if v := ev.ResultValue(); !schema.IsEmptyValue(v) {
			out[ev.NodeName] = v
		}
	}
	return out
}

// Executions lists execution_start events, newest first.
func (l *Log) Executions(ctx context.Context, filter store.ExecutionFilter) ([]*schema.Event, error) {
	return l.store.ListExecutions(ctx, filter)
}

// Running returns ids of executions that have not emitted execution_complete.
func (l *Log) Running(ctx context.Context, limit int) ([]string, error) {
	return l.store.RunningExecutions(ctx, limit)
}
