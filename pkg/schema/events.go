package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// Event type constants for the execution log.
const (
	EventExecutionStart    = "execution_start"
	EventStepStarted       = "step_started"
	EventStepCompleted     = "step_completed"
	EventActionStarted     = "action_started"
	EventActionCompleted   = "action_completed"
	EventActionFailed      = "action_failed"
	EventLoopIteration     = "loop_iteration"
	EventEndLoop           = "end_loop"
	EventResult            = "result"
	EventExecutionComplete = "execution_complete"
)

// Node type constants.
const (
	NodeTypePlaybook = "playbook"
	NodeTypeStep     = "step"
	NodeTypeTask     = "task"
	NodeTypeLoop     = "loop"
)

// Event is one immutable entry of an execution's log. Loop position fields are
// set only when the event belongs to a loop iteration.
type Event struct {
	EventID           string          `json:"event_id"`
	ExecutionID       string          `json:"execution_id"`
	ParentEventID     string          `json:"parent_event_id,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	CatalogID         string          `json:"catalog_id,omitempty"`
	EventType         string          `json:"event_type"`
	NodeID            string          `json:"node_id,omitempty"`
	NodeName          string          `json:"node_name,omitempty"`
	NodeType          string          `json:"node_type,omitempty"`
	Status            Status          `json:"status"`
	Context           json.RawMessage `json:"context,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Meta              json.RawMessage `json:"meta,omitempty"`
	Error             json.RawMessage `json:"error,omitempty"`
	CurrentIndex      *int            `json:"current_index,omitempty"`
	CurrentItem       json.RawMessage `json:"current_item,omitempty"`
	Iterator          string          `json:"iterator,omitempty"`
	LoopID            string          `json:"loop_id,omitempty"`
	LoopName          string          `json:"loop_name,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// variant describes the per-event-type contract.
type variant struct {
	status     Status
	nodeType   string
	needsNode  bool
	needsIndex bool
}

var variants = map[string]variant{
	EventExecutionStart:    {status: StatusStarted, nodeType: NodeTypePlaybook},
	EventStepStarted:       {status: StatusRunning, nodeType: NodeTypeStep, needsNode: true},
	EventStepCompleted:     {status: StatusCompleted, nodeType: NodeTypeStep, needsNode: true},
	EventActionStarted:     {status: StatusRunning, nodeType: NodeTypeTask, needsNode: true},
	EventActionCompleted:   {status: StatusCompleted, nodeType: NodeTypeTask, needsNode: true},
	EventActionFailed:      {status: StatusFailed, nodeType: NodeTypeTask, needsNode: true},
	EventLoopIteration:     {status: StatusRunning, nodeType: NodeTypeLoop, needsNode: true, needsIndex: true},
	EventEndLoop:           {status: StatusRunning, nodeType: NodeTypeLoop, needsNode: true},
	EventResult:            {status: StatusCompleted, nodeType: NodeTypeTask},
	EventExecutionComplete: {status: StatusCompleted, nodeType: NodeTypePlaybook},
}

// KnownEventType reports whether t belongs to the closed event type set.
func KnownEventType(t string) bool {
	_, ok := variants[t]
	return ok
}

// Prepare validates the event against its variant and normalizes status and
// node type in place. An empty status takes the variant default.
func (e *Event) Prepare() error {
	e.EventType = strings.ToLower(strings.TrimSpace(e.EventType))
	v, ok := variants[e.EventType]
	if !ok {
		return NewErrorf(ErrCodeValidation, "unknown event_type %q", e.EventType)
	}
	if e.ExecutionID == "" {
		return NewError(ErrCodeValidation, "execution_id is required")
	}

	if e.Status == "" {
		e.Status = v.status
	} else {
		s, err := NormalizeStatus(string(e.Status))
		if err != nil {
			return err
		}
		e.Status = s
	}

	if e.NodeName == "" {
		e.NodeName = e.inferNodeName()
	}
	if v.needsNode && e.NodeName == "" {
		return NewErrorf(ErrCodeValidation, "%s requires node_name", e.EventType)
	}
	if v.needsIndex && e.CurrentIndex == nil {
		return NewErrorf(ErrCodeValidation, "%s requires current_index", e.EventType).WithNode(e.NodeName)
	}
	if e.NodeType == "" || e.NodeType == "event" {
		e.NodeType = v.nodeType
	}
	if e.NodeID == "" {
		e.NodeID = e.NodeName
	}
	for _, raw := range []json.RawMessage{e.Context, e.Result, e.Meta, e.Error, e.CurrentItem} {
		if len(raw) > 0 && !json.Valid(raw) {
			return NewErrorf(ErrCodeValidation, "%s carries malformed JSON payload", e.EventType)
		}
	}
	return nil
}

// inferNodeName falls back to the step name recorded in the event context.
func (e *Event) inferNodeName() string {
	ctx := e.ContextMap()
	for _, key := range []string{"step_name", "step", "name"} {
		if s, ok := ctx[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ContextMap decodes Context as an object; non-object payloads yield an empty map.
func (e *Event) ContextMap() map[string]any {
	return decodeObject(e.Context)
}

// MetaMap decodes Meta as an object.
func (e *Event) MetaMap() map[string]any {
	return decodeObject(e.Meta)
}

// ResultValue decodes Result into a generic value. Empty results yield nil.
func (e *Event) ResultValue() any {
	if len(e.Result) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(e.Result, &v); err != nil {
		return nil
	}
	return v
}

// HasResult reports whether Result carries a non-empty value.
func (e *Event) HasResult() bool {
	return !IsEmptyValue(e.ResultValue())
}

func decodeObject(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// IsEmptyValue treats nil, empty strings, empty maps and empty slices as empty.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

// MustJSON marshals v, returning nil for nil input. Marshal failures yield nil.
func MustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }

// UnwrapEnvelope returns the data of a {status, data} action result and any
// other value unchanged.
func UnwrapEnvelope(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	data, hasData := m["data"]
	if _, hasStatus := m["status"]; hasStatus && hasData {
		return data
	}
	return v
}
