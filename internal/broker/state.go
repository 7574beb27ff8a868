package broker

import (
	"context"

	"github.com/rendis/dispatch/internal/eventlog"
	"github.com/rendis/dispatch/pkg/schema"
)

// reservedKeys are evaluation context names step results never shadow.
var reservedKeys = map[string]bool{
	"workload": true, "work": true, "context": true, "results": true, "execution_id": true,
}

// state is one execution's view reconstructed from its events.
type state struct {
	executionID string
	start       *schema.Event
	pb          *schema.Playbook
	events      []*schema.Event
	data        map[string]any
	done        bool
}

type finished struct {
	step    string
	eventID string
}

func (b *Broker) load(ctx context.Context, executionID string) (*state, error) {
	start, err := b.events.Start(ctx, executionID)
	if err != nil {
		return nil, err
	}
	pb, err := b.playbooks.Playbook(ctx, start.CatalogID)
	if err != nil {
		return nil, err
	}
	events, err := b.events.ByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	st := &state{executionID: executionID, start: start, pb: pb, events: events}
	for _, ev := range events {
		if ev.EventType == schema.EventExecutionComplete {
			st.done = true
		}
	}
	st.data = buildContext(start, events)
	return st, nil
}

// buildContext assembles {workload, work, context} plus the latest result of
// every node, exposed both under results and by node name.
func buildContext(start *schema.Event, events []*schema.Event) map[string]any {
	root := start.ContextMap()
	data := map[string]any{
		"workload":     asMap(root["workload"]),
		"work":         asMap(root["work"]),
		"context":      root,
		"execution_id": start.ExecutionID,
	}
	results := make(map[string]any)
	for name, v := range eventlog.LatestResults(events) {
		results[name] = schema.UnwrapEnvelope(v)
	}
	data["results"] = results
	for name, v := range results {
		if !reservedKeys[name] {
			data[name] = v
		}
	}
	return data
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func (s *state) event(eventID string) *schema.Event {
	for _, ev := range s.events {
		if ev.EventID == eventID {
			return ev
		}
	}
	return nil
}

// latest returns the newest event of type for node (iteration events excluded).
func (s *state) latest(eventType, node string) *schema.Event {
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.EventType == eventType && ev.NodeName == node && ev.CurrentIndex == nil {
			return ev
		}
	}
	return nil
}

func (s *state) loopCompleted(node string) *schema.Event {
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.EventType == schema.EventActionCompleted && ev.NodeName == node && ev.CurrentIndex == nil &&
			ev.ContextMap()["loop_completed"] == true {
			return ev
		}
	}
	return nil
}

// finishEvent returns the event that marks step as finished, or nil.
func (s *state) finishEvent(step *schema.Step) *schema.Event {
	if ev := s.latest(schema.EventStepCompleted, step.Name); ev != nil {
		return ev
	}
	if step.Loop != nil {
		return s.loopCompleted(step.Name)
	}
	return s.latest(schema.EventActionCompleted, step.Name)
}

// finishedNodes lists the steps to advance. With a trigger only the step it
// finished is advanced; without one every finished step is, start first.
func (s *state) finishedNodes(trigger *schema.Event) []finished {
	if trigger != nil {
		if trigger.EventType == schema.EventExecutionStart {
			if s.pb.Step(schema.StepStart) != nil {
				return []finished{{step: schema.StepStart, eventID: trigger.EventID}}
			}
			return nil
		}
		if trigger.CurrentIndex != nil {
			return nil
		}
		step := s.pb.Step(trigger.NodeName)
		if step == nil {
			return nil
		}
		if fin := s.finishEvent(step); fin != nil && fin.EventID == trigger.EventID {
			return []finished{{step: step.Name, eventID: trigger.EventID}}
		}
		return nil
	}

	var out []finished
	if s.pb.Step(schema.StepStart) != nil {
		out = append(out, finished{step: schema.StepStart, eventID: s.start.EventID})
	}
	for _, step := range s.pb.Workflow {
		if step.Name == schema.StepStart || step.Name == schema.StepEnd {
			continue
		}
		if fin := s.finishEvent(step); fin != nil {
			out = append(out, finished{step: step.Name, eventID: fin.EventID})
		}
	}
	return out
}

// terminalFailure returns the newest action_failed that will not be retried
// and was not followed by a successful completion of the same node.
func (s *state) terminalFailure() *schema.Event {
	failed := make(map[string]*schema.Event)
	var order []string
	for _, ev := range s.events {
		key := ev.NodeID
		if key == "" {
			key = ev.NodeName
		}
		switch ev.EventType {
		case schema.EventActionFailed:
			if ev.MetaMap()["will_retry"] == true {
				continue
			}
			if _, seen := failed[key]; !seen {
				order = append(order, key)
			}
			failed[key] = ev
		case schema.EventActionCompleted:
			delete(failed, key)
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		if ev, ok := failed[order[i]]; ok {
			return ev
		}
	}
	return nil
}

// overlay returns the transition overlay recorded on a step's step_started event.
func (s *state) overlay(node string) schema.Transition {
	tr := schema.Transition{Step: node}
	ev := s.latest(schema.EventStepStarted, node)
	if ev == nil {
		return tr
	}
	c := ev.ContextMap()
	if m, ok := c["with"].(map[string]any); ok {
		tr.With = m
	}
	if m, ok := c["data"].(map[string]any); ok {
		tr.Data = m
	}
	return tr
}
