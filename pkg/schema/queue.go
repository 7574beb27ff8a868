package schema

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a queue row.
type JobStatus string

const (
	JobQueued JobStatus = "queued"
	JobLeased JobStatus = "leased"
	JobDone   JobStatus = "done"
	JobFailed JobStatus = "failed"
)

// Live reports whether the row still occupies its (execution_id, node_id) slot.
func (s JobStatus) Live() bool {
	return s == JobQueued || s == JobLeased
}

// QueueJob is one dispatchable unit of work for one (execution_id, node_id).
type QueueJob struct {
	QueueID     string          `json:"queue_id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	NodeName    string          `json:"node_name,omitempty"`
	CatalogID   string          `json:"catalog_id,omitempty"`
	Status      JobStatus       `json:"status"`
	LeaseUntil  *time.Time      `json:"lease_until,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	AvailableAt time.Time       `json:"available_at"`
	Priority    int             `json:"priority"`
	Action      json.RawMessage `json:"action"`
	Context     json.RawMessage `json:"context,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ActionMap decodes the task descriptor.
func (j *QueueJob) ActionMap() map[string]any {
	return decodeObject(j.Action)
}

// ContextMap decodes the rendering context.
func (j *QueueJob) ContextMap() map[string]any {
	return decodeObject(j.Context)
}

// EnqueueOutcome reports what an enqueue request did.
type EnqueueOutcome string

const (
	Enqueued       EnqueueOutcome = "enqueued"
	AlreadyPending EnqueueOutcome = "already_pending"
	Refreshed      EnqueueOutcome = "refreshed"
)

// Default queue priorities.
const (
	DefaultPriority = 5
)
