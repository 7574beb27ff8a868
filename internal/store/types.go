package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/dispatch/pkg/schema"
)

// AppendOptions controls the bookkeeping written in the same transaction as an event.
type AppendOptions struct {
	// Workload is snapshotted into the workloads table (execution_start only).
	Workload json.RawMessage
	// MirrorError writes an error_log row alongside the event.
	MirrorError bool
}

// ErrorEntry mirrors a failed event into the error log.
type ErrorEntry struct {
	ErrorID     string          `json:"error_id"`
	ExecutionID string          `json:"execution_id"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	NodeName    string          `json:"node_name,omitempty"`
	Message     string          `json:"message,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CatalogEntry is one registered playbook version.
type CatalogEntry struct {
	CatalogID string    `json:"catalog_id"`
	Path      string    `json:"path"`
	Version   string    `json:"version"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkerPool is a registered worker runtime.
type WorkerPool struct {
	Name         string            `json:"name"`
	Runtime      string            `json:"runtime,omitempty"`
	Status       string            `json:"status"`
	Capacity     int               `json:"capacity"`
	Labels       map[string]string `json:"labels,omitempty"`
	PID          int               `json:"pid,omitempty"`
	Hostname     string            `json:"hostname,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	HeartbeatAt  time.Time         `json:"heartbeat_at"`
}

// Worker pool statuses.
const (
	PoolReady   = "ready"
	PoolOffline = "offline"
)

// --- Filter types ---

// EventFilter specifies criteria for querying events. Zero fields do not filter.
type EventFilter struct {
	ExecutionID       string
	ExecutionIDs      []string
	ParentExecutionID string
	Types             []string
	NodeName          string
	NodeID            string
	CurrentIndex      *int
	Status            schema.Status
	Limit             int
	// Desc orders newest first.
	Desc bool
}

// ExecutionFilter specifies criteria for listing execution_start events.
type ExecutionFilter struct {
	ParentExecutionID string
	CatalogID         string
	Limit             int
	Offset            int
}

// JobFilter specifies criteria for listing queue rows.
type JobFilter struct {
	ExecutionID string
	Status      schema.JobStatus
	Limit       int
}

// CatalogFilter specifies criteria for listing catalog entries.
type CatalogFilter struct {
	Path  string
	Limit int
}
