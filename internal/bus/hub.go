package bus

import (
	"context"

	"github.com/rendis/dispatch/pkg/schema"
)

// Notification announces that an event was written to the log.
type Notification struct {
	ExecutionID       string        `json:"execution_id"`
	EventID           string        `json:"event_id"`
	EventType         string        `json:"event_type"`
	NodeName          string        `json:"node_name,omitempty"`
	Status            schema.Status `json:"status"`
	ParentExecutionID string        `json:"parent_execution_id,omitempty"`
}

// FromEvent builds the notification for a stored event.
func FromEvent(ev *schema.Event) Notification {
	return Notification{
		ExecutionID:       ev.ExecutionID,
		EventID:           ev.EventID,
		EventType:         ev.EventType,
		NodeName:          ev.NodeName,
		Status:            ev.Status,
		ParentExecutionID: ev.ParentExecutionID,
	}
}

// Filter selects the notifications a subscriber receives.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
	// Buffer overrides the subscription channel size.
	Buffer int `json:"-"`
}

// Hub is the internal notification bus. Publish never blocks on slow
// subscribers: a full subscriber channel drops the notification.
type Hub interface {
	Publish(ctx context.Context, n Notification) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Notification, func(), error)
	Close() error
}

func (f Filter) match(n Notification) bool {
	if f.ExecutionID != "" && f.ExecutionID != n.ExecutionID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == n.EventType {
			return true
		}
	}
	return false
}
