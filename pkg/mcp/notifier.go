package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/dispatch/internal/bus"
	"github.com/rendis/dispatch/pkg/schema"
)

// notificationMethod is the MCP method used for execution notifications.
const notificationMethod = "notifications/message"

// Sender pushes a notification to one MCP session.
type Sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// Notifier forwards bus notifications to the sessions watching each execution.
type Notifier struct {
	sender   Sender
	watchers *WatchRegistry
	logger   *slog.Logger
}

// NewNotifier creates a notifier that pushes through sender.
func NewNotifier(sender Sender, watchers *WatchRegistry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, watchers: watchers, logger: logger}
}

// Forward delivers every notification from ch until ctx is done or ch closes.
func (n *Notifier) Forward(ctx context.Context, ch <-chan bus.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-ch:
			if !ok {
				return
			}
			n.Notify(note)
		}
	}
}

// Notify sends one notification to its execution's watchers. Best-effort: a
// session that went away is dropped from the registry. Watchers are released
// once the execution completes.
func (n *Notifier) Notify(note bus.Notification) {
	sessions := n.watchers.SessionsFor(note.ExecutionID)
	if len(sessions) == 0 {
		return
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "dispatch",
		"data":   note,
	}
	for _, sid := range sessions {
		err := n.sender.SendNotificationToSpecificClient(sid, notificationMethod, payload)
		switch {
		case err == nil:
		case errors.Is(err, server.ErrSessionNotFound):
			n.watchers.Remove(sid)
		default:
			n.logger.Warn("mcp: notify failed", "session_id", sid, "execution_id", note.ExecutionID, "error", err)
		}
	}
	if note.EventType == schema.EventExecutionComplete {
		n.watchers.Forget(note.ExecutionID)
	}
}
