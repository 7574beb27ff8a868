package schema

import "strings"

// Status is the canonical lifecycle status carried by every event.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusStarted   Status = "STARTED"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// CanonicalStatuses lists the six accepted values in lifecycle order.
var CanonicalStatuses = []Status{
	StatusPending, StatusStarted, StatusRunning, StatusPaused, StatusCompleted, StatusFailed,
}

var statusSynonyms = map[string]Status{
	"pending":     StatusPending,
	"created":     StatusPending,
	"queued":      StatusPending,
	"init":        StatusPending,
	"initialized": StatusPending,
	"new":         StatusPending,
	"waiting":     StatusPending,

	"started": StatusStarted,
	"start":   StatusStarted,
	"begin":   StatusStarted,

	"running":     StatusRunning,
	"run":         StatusRunning,
	"in_progress": StatusRunning,
	"in-progress": StatusRunning,
	"progress":    StatusRunning,
	"processing":  StatusRunning,
	"tracking":    StatusRunning,

	"paused":    StatusPaused,
	"pause":     StatusPaused,
	"suspended": StatusPaused,
	"on_hold":   StatusPaused,

	"completed": StatusCompleted,
	"complete":  StatusCompleted,
	"success":   StatusCompleted,
	"succeeded": StatusCompleted,
	"done":      StatusCompleted,
	"ok":        StatusCompleted,

	"failed":  StatusFailed,
	"failure": StatusFailed,
	"error":   StatusFailed,
	"errored": StatusFailed,
}

// NormalizeStatus maps a raw status (any case, any accepted synonym) to its
// canonical value. Unknown input is rejected with ErrCodeInvalidStatus.
func NormalizeStatus(raw string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if s, ok := statusSynonyms[key]; ok {
		return s, nil
	}
	return "", NewErrorf(ErrCodeInvalidStatus, "invalid status %q", raw).
		WithDetails(map[string]any{"accepted": CanonicalStatuses})
}

// IsTerminal reports whether the status ends a lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
