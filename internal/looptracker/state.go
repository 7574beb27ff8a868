package looptracker

import (
	"encoding/json"
	"sort"

	"github.com/rendis/dispatch/pkg/schema"
)

// loopState is the tracking record of a distributed loop, stored as the
// context of its end_loop event.
type loopState struct {
	TotalIterations   int           `json:"total_iterations"`
	CompletedCount    int           `json:"completed_count"`
	ChildExecutions   []*childState `json:"child_executions"`
	AggregatedResults []any         `json:"aggregated_results"`
}

// childState is one iteration of a distributed loop.
type childState struct {
	Index       int           `json:"index"`
	ExecutionID string        `json:"execution_id"`
	Completed   bool          `json:"completed"`
	Status      schema.Status `json:"status,omitempty"`
	Result      any           `json:"result,omitempty"`
}

// trackedState returns the latest end_loop event of step and its decoded
// state. Both are fresh when the loop is not tracked yet.
func trackedState(events []*schema.Event, step string) (*schema.Event, *loopState) {
	state := &loopState{}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.EventType != schema.EventEndLoop || ev.NodeName != step {
			continue
		}
		if len(ev.Context) > 0 {
			if err := json.Unmarshal(ev.Context, state); err != nil {
				state = &loopState{}
			}
		}
		return ev, state
	}
	return nil, state
}

// merge adds iterations not tracked yet, one entry per child execution id,
// and reports whether anything changed.
func (s *loopState) merge(view *loopView) bool {
	changed := s.TotalIterations != view.total
	s.TotalIterations = view.total

	known := make(map[string]bool, len(s.ChildExecutions))
	kept := s.ChildExecutions[:0]
	for _, c := range s.ChildExecutions {
		if c == nil || c.ExecutionID == "" || known[c.ExecutionID] {
			changed = true
			continue
		}
		known[c.ExecutionID] = true
		kept = append(kept, c)
	}
	s.ChildExecutions = kept

	for idx, it := range view.iterations {
		id := childOf(it)
		if id == "" || known[id] {
			continue
		}
		known[id] = true
		s.ChildExecutions = append(s.ChildExecutions, &childState{Index: idx, ExecutionID: id})
		changed = true
	}
	sort.SliceStable(s.ChildExecutions, func(i, j int) bool {
		return s.ChildExecutions[i].Index < s.ChildExecutions[j].Index
	})
	return changed
}

// tally recomputes the completion count and the aggregated results, ordered
// by iteration index, and returns the results keyed by index.
func (s *loopState) tally() map[int]any {
	results := make(map[int]any)
	s.AggregatedResults = []any{}
	for _, c := range s.ChildExecutions {
		if !c.Completed {
			continue
		}
		if _, dup := results[c.Index]; dup {
			continue
		}
		results[c.Index] = c.Result
		s.AggregatedResults = append(s.AggregatedResults, c.Result)
	}
	s.CompletedCount = len(results)
	return results
}
