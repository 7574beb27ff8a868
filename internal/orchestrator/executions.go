package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/dispatch/internal/eventlog"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

// Summary is the derived view of one execution.
type Summary struct {
	ExecutionID       string        `json:"execution_id"`
	ParentExecutionID string        `json:"parent_execution_id,omitempty"`
	CatalogID         string        `json:"catalog_id,omitempty"`
	PlaybookPath      string        `json:"playbook_path,omitempty"`
	PlaybookVersion   string        `json:"playbook_version,omitempty"`
	Status            schema.Status `json:"status"`
	Progress          int           `json:"progress"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           *time.Time    `json:"end_time,omitempty"`
	Duration          float64       `json:"duration"`
	Result            any           `json:"result,omitempty"`
	Error             any           `json:"error,omitempty"`
	Events            int           `json:"events"`
}

// Summarize derives a Summary from an execution's events in causal order.
//
// Status: an execution_complete decides; otherwise an action_failed that will
// not be retried and was not followed by a completion of its node means
// FAILED; otherwise the latest event's status, with a premature COMPLETED
// (a step, not the execution) reported as RUNNING.
func Summarize(events []*schema.Event) *Summary {
	if len(events) == 0 {
		return nil
	}
	first := events[0]
	s := &Summary{
		ExecutionID:       first.ExecutionID,
		ParentExecutionID: first.ParentExecutionID,
		CatalogID:         first.CatalogID,
		StartTime:         first.CreatedAt,
		Events:            len(events),
	}

	var complete *schema.Event
	finished := 0
	for _, ev := range events {
		switch ev.EventType {
		case schema.EventExecutionStart:
			meta := ev.MetaMap()
			s.PlaybookPath, _ = meta["path"].(string)
			s.PlaybookVersion, _ = meta["version"].(string)
			if s.PlaybookPath == "" {
				s.PlaybookPath = ev.NodeName
			}
			s.StartTime = ev.CreatedAt
			if s.CatalogID == "" {
				s.CatalogID = ev.CatalogID
			}
		case schema.EventExecutionComplete:
			complete = ev
		}
		if ev.Status.IsTerminal() {
			finished++
		}
	}

	last := events[len(events)-1]
	switch {
	case complete != nil:
		s.Status = complete.Status
		s.Result = complete.ResultValue()
		if len(complete.Error) > 0 {
			s.Error = decode(complete.Error)
		}
		end := complete.CreatedAt
		s.EndTime = &end
	default:
		if failed := terminalFailure(events); failed != nil {
			s.Status = schema.StatusFailed
			s.Error = decode(failed.Error)
			end := failed.CreatedAt
			s.EndTime = &end
		} else {
			s.Status = last.Status
			if s.Status == schema.StatusCompleted {
				s.Status = schema.StatusRunning
			}
		}
	}

	if s.Status.IsTerminal() {
		s.Progress = 100
		s.Duration = s.EndTime.Sub(s.StartTime).Seconds()
	} else {
		s.Progress = finished * 100 / len(events)
		s.Duration = last.CreatedAt.Sub(s.StartTime).Seconds()
	}
	return s
}

// terminalFailure mirrors the broker's failure rule for read-side summaries.
func terminalFailure(events []*schema.Event) *schema.Event {
	failed := make(map[string]*schema.Event)
	var latest *schema.Event
	for _, ev := range events {
		key := ev.NodeID
		if key == "" {
			key = ev.NodeName
		}
		switch ev.EventType {
		case schema.EventActionFailed:
			if ev.MetaMap()["will_retry"] == true {
				continue
			}
			failed[key] = ev
		case schema.EventActionCompleted:
			delete(failed, key)
		}
	}
	for _, ev := range failed {
		if latest == nil || ev.CreatedAt.After(latest.CreatedAt) {
			latest = ev
		}
	}
	return latest
}

func decode(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// ExecutionFilter narrows List.
type ExecutionFilter struct {
	Status            schema.Status
	ParentExecutionID string
	CatalogID         string
	Limit             int
}

// Executions answers execution queries from the event log.
type Executions struct {
	events *eventlog.Log
}

// NewExecutions creates an execution query service.
func NewExecutions(events *eventlog.Log) *Executions {
	return &Executions{events: events}
}

// Get summarizes one execution.
func (x *Executions) Get(ctx context.Context, executionID string) (*Summary, error) {
	events, err := x.events.ByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}
	return Summarize(events), nil
}

// List summarizes executions newest first. A status filter is applied after
// derivation, so the store is asked for more rows than Limit.
func (x *Executions) List(ctx context.Context, filter ExecutionFilter) ([]*Summary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	fetch := limit
	if filter.Status != "" {
		fetch = limit * 4
	}
	starts, err := x.events.Executions(ctx, store.ExecutionFilter{
		ParentExecutionID: filter.ParentExecutionID,
		CatalogID:         filter.CatalogID,
		Limit:             fetch,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Summary, 0, limit)
	for _, start := range starts {
		s, err := x.Get(ctx, start.ExecutionID)
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
