package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/dispatch/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Event log
	AppendEvent(ctx context.Context, ev *schema.Event, opts AppendOptions) (*schema.Event, error)
	GetEvent(ctx context.Context, executionID, eventID string) (*schema.Event, error)
	GetEventByID(ctx context.Context, eventID string) (*schema.Event, error)
	FindEvents(ctx context.Context, filter EventFilter) ([]*schema.Event, error)
	CountEvents(ctx context.Context, filter EventFilter) (int, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Event, error)
	RunningExecutions(ctx context.Context, limit int) ([]string, error)
	GetWorkload(ctx context.Context, executionID string) (json.RawMessage, error)
	ListErrors(ctx context.Context, executionID string) ([]*ErrorEntry, error)

	// Queue
	InsertJob(ctx context.Context, job *schema.QueueJob) (bool, error)
	LiveJob(ctx context.Context, executionID, nodeID string) (*schema.QueueJob, error)
	GetJob(ctx context.Context, queueID string) (*schema.QueueJob, error)
	RefreshJob(ctx context.Context, queueID string, action, jobCtx json.RawMessage) error
	LeaseJob(ctx context.Context, workerID string, now time.Time, leaseFor time.Duration) (*schema.QueueJob, error)
	CompleteJob(ctx context.Context, queueID, workerID string) error
	FailJob(ctx context.Context, queueID, workerID string, retry bool, availableAt time.Time, lastError string) (*schema.QueueJob, error)
	ReapJobs(ctx context.Context, now time.Time) (int, error)
	CompleteLeasedNode(ctx context.Context, executionID, nodeName string) (int, error)
	CountJobs(ctx context.Context, status schema.JobStatus) (int, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*schema.QueueJob, error)

	// Catalog
	PutCatalog(ctx context.Context, entry *CatalogEntry) error
	GetCatalog(ctx context.Context, catalogID string) (*CatalogEntry, error)
	FindCatalog(ctx context.Context, path, version string) (*CatalogEntry, error)
	ListCatalog(ctx context.Context, filter CatalogFilter) ([]*CatalogEntry, error)

	// Worker pools
	UpsertPool(ctx context.Context, pool *WorkerPool) error
	TouchPool(ctx context.Context, name string, at time.Time) error
	SetPoolStatus(ctx context.Context, name, status string) error
	ListPools(ctx context.Context) ([]*WorkerPool, error)
	MarkStalePools(ctx context.Context, seenBefore time.Time) (int, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
