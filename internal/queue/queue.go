package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/dispatch/internal/logging"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

// Config holds queue defaults.
type Config struct {
	LeaseDuration time.Duration `json:"lease_duration"`
	MaxAttempts   int           `json:"max_attempts"`
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{LeaseDuration: 60 * time.Second, MaxAttempts: schema.DefaultMaxAttempts}
}

// EnqueueRequest describes one dispatchable node.
type EnqueueRequest struct {
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	NodeName    string         `json:"node_name,omitempty"`
	CatalogID   string         `json:"catalog_id,omitempty"`
	Action      map[string]any `json:"action"`
	Context     map[string]any `json:"context,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	AvailableAt time.Time      `json:"available_at,omitempty"`
	// Refresh rewrites the action of a still-queued row instead of skipping it.
	Refresh bool `json:"refresh,omitempty"`
}

// EnqueueResult reports the outcome and the row it concerns.
type EnqueueResult struct {
	Outcome schema.EnqueueOutcome `json:"outcome"`
	Job     *schema.QueueJob      `json:"job,omitempty"`
}

// Queue leases jobs to workers with at-least-once delivery and bounded retries.
type Queue struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Queue.
func New(st store.Store, cfg Config, logger *slog.Logger) *Queue {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultConfig().LeaseDuration
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = schema.DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: st, cfg: cfg, logger: logger, now: time.Now}
}

// LeaseDuration returns the default lease length.
func (q *Queue) LeaseDuration() time.Duration { return q.cfg.LeaseDuration }

// Enqueue adds a job unless the node already has a live row or has already
// started. The existence checks run immediately before the insert; the
// partial unique index on live rows closes the remaining race.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if req.ExecutionID == "" || req.NodeID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution_id and node_id are required")
	}
	if req.NodeName == "" {
		req.NodeName = req.NodeID
	}
	action, err := json.Marshal(req.Action)
	if err != nil || len(req.Action) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "action must be a non-empty object").WithNode(req.NodeName)
	}
	var jobCtx json.RawMessage
	if req.Context != nil {
		if jobCtx, err = json.Marshal(req.Context); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "context is not serializable").WithCause(err)
		}
	}
	log := logging.LogWith(logging.WithIDs(ctx, req.ExecutionID, req.NodeName, ""), q.logger)

	live, err := q.store.LiveJob(ctx, req.ExecutionID, req.NodeID)
	if err != nil {
		return nil, err
	}
	if live != nil {
		if req.Refresh && live.Status == schema.JobQueued {
			err := q.store.RefreshJob(ctx, live.QueueID, action, jobCtx)
			if err == nil {
				live.Action, live.Context = action, jobCtx
				log.DebugContext(ctx, "queue row refreshed", "queue_id", live.QueueID)
				return &EnqueueResult{Outcome: schema.Refreshed, Job: live}, nil
			}
			// lost to a lease: the row keeps its original action
			if !schema.IsCode(err, schema.ErrCodeConflict) {
				return nil, err
			}
		}
		return &EnqueueResult{Outcome: schema.AlreadyPending, Job: live}, nil
	}

	started, err := q.store.CountEvents(ctx, store.EventFilter{
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		Types:       []string{schema.EventActionStarted, schema.EventActionCompleted},
	})
	if err != nil {
		return nil, err
	}
	if started > 0 {
		return &EnqueueResult{Outcome: schema.AlreadyPending}, nil
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	priority := req.Priority
	if priority == 0 {
		priority = schema.DefaultPriority
	}
	job := &schema.QueueJob{
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		NodeName:    req.NodeName,
		CatalogID:   req.CatalogID,
		MaxAttempts: maxAttempts,
		AvailableAt: req.AvailableAt,
		Priority:    priority,
		Action:      action,
		Context:     jobCtx,
	}
	inserted, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return nil, err
	}
	if !inserted {
		live, err := q.store.LiveJob(ctx, req.ExecutionID, req.NodeID)
		if err != nil {
			return nil, err
		}
		return &EnqueueResult{Outcome: schema.AlreadyPending, Job: live}, nil
	}
	log.InfoContext(ctx, "job enqueued", "queue_id", job.QueueID, "priority", job.Priority)
	return &EnqueueResult{Outcome: schema.Enqueued, Job: job}, nil
}

// Lease claims the oldest eligible job. A nil job means none was available
// or another worker won the race; callers back off either way.
func (q *Queue) Lease(ctx context.Context, workerID string, leaseFor time.Duration) (*schema.QueueJob, error) {
	if workerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "worker_id is required")
	}
	if leaseFor <= 0 {
		leaseFor = q.cfg.LeaseDuration
	}
	job, err := q.store.LeaseJob(ctx, workerID, q.now().UTC(), leaseFor)
	if err != nil {
		return nil, err
	}
	if job != nil {
		q.logger.DebugContext(logging.WithIDs(ctx, job.ExecutionID, job.NodeName, workerID), "job leased",
			"queue_id", job.QueueID, "attempts", job.Attempts)
	}
	return job, nil
}

// Complete marks a leased job done. workerID, when set, must hold the lease;
// otherwise the call fails with a conflict and the row is left alone.
func (q *Queue) Complete(ctx context.Context, queueID, workerID string) error {
	return q.store.CompleteJob(ctx, queueID, workerID)
}

// Fail records a failed attempt. With shouldRetry the job becomes eligible
// again after retryDelay while attempts stay below max_attempts; otherwise
// it is left failed for operator inspection. Only the current lease can be
// failed, so a stale report never requeues a done or failed job.
func (q *Queue) Fail(ctx context.Context, queueID, workerID string, shouldRetry bool, retryDelay time.Duration, lastError string) (*schema.QueueJob, error) {
	job, err := q.store.FailJob(ctx, queueID, workerID, shouldRetry, q.now().Add(retryDelay), lastError)
	if err != nil {
		return nil, err
	}
	log := q.logger.With("queue_id", queueID, "attempts", job.Attempts, "max_attempts", job.MaxAttempts)
	switch {
	case job.Status == schema.JobQueued:
		log.InfoContext(ctx, "job requeued", "available_at", job.AvailableAt)
	case shouldRetry:
		log.WarnContext(ctx, "job retries exhausted", "error_code", schema.ErrCodeRetryExhausted)
	default:
		log.WarnContext(ctx, "job failed")
	}
	return job, nil
}

// Reap returns expired leases to the queue.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	n, err := q.store.ReapJobs(ctx, q.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.InfoContext(ctx, "expired leases reaped", "count", n)
	}
	return n, nil
}

// CompleteLeased marks any leased row of a step done.
func (q *Queue) CompleteLeased(ctx context.Context, executionID, nodeName string) (int, error) {
	return q.store.CompleteLeasedNode(ctx, executionID, nodeName)
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, queueID string) (*schema.QueueJob, error) {
	return q.store.GetJob(ctx, queueID)
}

// Size counts jobs, optionally by status.
func (q *Queue) Size(ctx context.Context, status schema.JobStatus) (int, error) {
	return q.store.CountJobs(ctx, status)
}

// List returns jobs for operator inspection.
func (q *Queue) List(ctx context.Context, filter store.JobFilter) ([]*schema.QueueJob, error) {
	return q.store.ListJobs(ctx, filter)
}
