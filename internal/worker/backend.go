package worker

import (
	"context"
	"time"

	"github.com/rendis/dispatch/internal/eventlog"
	"github.com/rendis/dispatch/internal/identity"
	"github.com/rendis/dispatch/internal/queue"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

// Backend is the server surface a worker needs. The HTTP client implements
// it for remote workers; Local serves workers embedded in the server.
type Backend interface {
	RegisterPool(ctx context.Context, pool *store.WorkerPool) error
	Heartbeat(ctx context.Context, name string, registration *store.WorkerPool) error
	DeregisterPool(ctx context.Context, name string) error

	Lease(ctx context.Context, workerID string, leaseFor time.Duration) (*schema.QueueJob, error)
	Complete(ctx context.Context, queueID, workerID string) error
	Fail(ctx context.Context, queueID, workerID string, retry bool, retryDelay time.Duration, lastError string) (*schema.QueueJob, error)

	Emit(ctx context.Context, ev *schema.Event) (*schema.Event, error)
}

// Local is a Backend backed directly by the server components.
type Local struct {
	queue  *queue.Queue
	events *eventlog.Log
	pools  *identity.Registry
}

// NewLocal creates an in-process backend.
func NewLocal(q *queue.Queue, events *eventlog.Log, pools *identity.Registry) *Local {
	return &Local{queue: q, events: events, pools: pools}
}

func (l *Local) RegisterPool(ctx context.Context, pool *store.WorkerPool) error {
	_, err := l.pools.Register(ctx, pool)
	return err
}

func (l *Local) Heartbeat(ctx context.Context, name string, registration *store.WorkerPool) error {
	return l.pools.Heartbeat(ctx, name, registration)
}

func (l *Local) DeregisterPool(ctx context.Context, name string) error {
	return l.pools.Deregister(ctx, name)
}

func (l *Local) Lease(ctx context.Context, workerID string, leaseFor time.Duration) (*schema.QueueJob, error) {
	return l.queue.Lease(ctx, workerID, leaseFor)
}

func (l *Local) Complete(ctx context.Context, queueID, workerID string) error {
	return l.queue.Complete(ctx, queueID, workerID)
}

func (l *Local) Fail(ctx context.Context, queueID, workerID string, retry bool, retryDelay time.Duration, lastError string) (*schema.QueueJob, error) {
	return l.queue.Fail(ctx, queueID, workerID, retry, retryDelay, lastError)
}

func (l *Local) Emit(ctx context.Context, ev *schema.Event) (*schema.Event, error) {
	res, err := l.events.Emit(ctx, ev)
	if err != nil {
		return nil, err
	}
	return res.Event, nil
}

var _ Backend = (*Local)(nil)
