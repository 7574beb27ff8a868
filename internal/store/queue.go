package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/dispatch/pkg/schema"
)

const jobColumns = `queue_id, execution_id, node_id, node_name, catalog_id, status, lease_until, worker_id,
	attempts, max_attempts, available_at, priority, action, context, last_error, created_at, updated_at`

// InsertJob adds a queued row. It reports false when a live row already
// occupies (execution_id, node_id).
func (s *SQLStore) InsertJob(ctx context.Context, job *schema.QueueJob) (bool, error) {
	if job.QueueID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return false, fmt.Errorf("queue id: %w", err)
		}
		job.QueueID = id.String()
	}
	now := time.Now().UTC()
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = schema.DefaultMaxAttempts
	}
	job.Status = schema.JobQueued
	job.CreatedAt, job.UpdatedAt = now, now

	res, err := s.conn().exec(ctx,
		`INSERT INTO queue (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		 ON CONFLICT (execution_id, node_id) WHERE status IN ('queued', 'leased') DO NOTHING`,
		job.QueueID, job.ExecutionID, job.NodeID, nullStr(job.NodeName), nullStr(job.CatalogID),
		string(job.Status), job.Attempts, job.MaxAttempts, millis(job.AvailableAt), job.Priority,
		string(job.Action), nullRaw(job.Context), millis(now), millis(now),
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LiveJob returns the queued or leased row for a node, or nil.
func (s *SQLStore) LiveJob(ctx context.Context, executionID, nodeID string) (*schema.QueueJob, error) {
	rows, err := s.conn().query(ctx,
		`SELECT `+jobColumns+` FROM queue
		 WHERE execution_id = ? AND node_id = ? AND status IN ('queued', 'leased') LIMIT 1`,
		executionID, nodeID)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// GetJob returns one queue row.
func (s *SQLStore) GetJob(ctx context.Context, queueID string) (*schema.QueueJob, error) {
	return getJob(ctx, s.conn(), queueID)
}

func getJob(ctx context.Context, c conn, queueID string) (*schema.QueueJob, error) {
	rows, err := c.query(ctx, `SELECT `+jobColumns+` FROM queue WHERE queue_id = ?`, queueID)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, storeNotFound("queue job", queueID)
	}
	return jobs[0], nil
}

// RefreshJob rewrites the action and context of a still-queued row.
func (s *SQLStore) RefreshJob(ctx context.Context, queueID string, action, jobCtx json.RawMessage) error {
	res, err := s.conn().exec(ctx,
		`UPDATE queue SET action = ?, context = COALESCE(?, context), updated_at = ?
		 WHERE queue_id = ? AND status = 'queued'`,
		string(action), nullRaw(jobCtx), time.Now().UnixMilli(), queueID)
	if err != nil {
		return fmt.Errorf("refresh job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "queue job %q is no longer queued", queueID)
	}
	return nil
}

// LeaseJob claims the highest-priority eligible row for workerID. A nil job
// means nothing was eligible or another worker won the race.
func (s *SQLStore) LeaseJob(ctx context.Context, workerID string, now time.Time, leaseFor time.Duration) (*schema.QueueJob, error) {
	var leased *schema.QueueJob
	err := s.inTx(ctx, func(c conn) error {
		var queueID string
		err := c.queryRow(ctx,
			`SELECT queue_id FROM queue WHERE status = 'queued' AND available_at <= ?
			 ORDER BY priority DESC, queue_id ASC LIMIT 1`+c.d.lockSuffix,
			now.UnixMilli(),
		).Scan(&queueID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select lease candidate: %w", err)
		}

		res, err := c.exec(ctx,
			`UPDATE queue SET status = 'leased', worker_id = ?, lease_until = ?, updated_at = ?
			 WHERE queue_id = ? AND status = 'queued'`,
			workerID, now.Add(leaseFor).UnixMilli(), now.UnixMilli(), queueID)
		if err != nil {
			return fmt.Errorf("lease job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		leased, err = getJob(ctx, c, queueID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// CompleteJob marks a leased row done. A non-empty workerID must match the
// lease holder. Rows that are not leased, or leased by someone else, are a
// conflict: their lease was reaped and the job belongs to another attempt.
func (s *SQLStore) CompleteJob(ctx context.Context, queueID, workerID string) error {
	return s.inTx(ctx, func(c conn) error {
		if _, err := leasedJob(ctx, c, queueID, workerID); err != nil {
			return err
		}
		res, err := c.exec(ctx,
			`UPDATE queue SET status = 'done', lease_until = NULL, updated_at = ?
			 WHERE queue_id = ? AND status = 'leased'`,
			time.Now().UnixMilli(), queueID)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return checkLeasedUpdate(res, queueID)
	})
}

// FailJob records a failed attempt of a leased row. The row returns to
// queued at availableAt while retry is requested and attempts stay below
// max_attempts; otherwise it becomes failed. Ownership is checked as in
// CompleteJob, so a late report never revives a done or failed row.
func (s *SQLStore) FailJob(ctx context.Context, queueID, workerID string, retry bool, availableAt time.Time, lastError string) (*schema.QueueJob, error) {
	var out *schema.QueueJob
	err := s.inTx(ctx, func(c conn) error {
		job, err := leasedJob(ctx, c, queueID, workerID)
		if err != nil {
			return err
		}
		job.Attempts++
		job.Status = schema.JobFailed
		if retry && job.Attempts < job.MaxAttempts {
			job.Status = schema.JobQueued
			job.AvailableAt = availableAt.UTC()
		}
		job.LastError = lastError
		job.UpdatedAt = time.Now().UTC()
		job.LeaseUntil = nil
		job.WorkerID = ""

		res, err := c.exec(ctx,
			`UPDATE queue SET status = ?, attempts = ?, available_at = ?, last_error = ?,
			 lease_until = NULL, worker_id = NULL, updated_at = ? WHERE queue_id = ? AND status = 'leased'`,
			string(job.Status), job.Attempts, millis(job.AvailableAt), nullStr(lastError),
			millis(job.UpdatedAt), queueID,
		)
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		if err := checkLeasedUpdate(res, queueID); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

// leasedJob loads queueID and checks that it is leased, by workerID when set.
func leasedJob(ctx context.Context, c conn, queueID, workerID string) (*schema.QueueJob, error) {
	job, err := getJob(ctx, c, queueID)
	if err != nil {
		return nil, err
	}
	if job.Status != schema.JobLeased {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "queue job %q is %s, not leased", queueID, job.Status).
			WithDetails(map[string]any{"queue_id": queueID, "status": job.Status})
	}
	if workerID != "" && job.WorkerID != workerID {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "queue job %q is leased by another worker", queueID).
			WithDetails(map[string]any{"queue_id": queueID, "worker_id": workerID, "lease_holder": job.WorkerID})
	}
	return job, nil
}

func checkLeasedUpdate(res sql.Result, queueID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "queue job %q is no longer leased", queueID)
	}
	return nil
}

// ReapJobs returns expired leases to the queue. Each reap counts as an
// attempt; rows that reach max_attempts become failed.
func (s *SQLStore) ReapJobs(ctx context.Context, now time.Time) (int, error) {
	var total int64
	err := s.inTx(ctx, func(c conn) error {
		ms := now.UnixMilli()
		res, err := c.exec(ctx,
			`UPDATE queue SET status = 'failed', attempts = attempts + 1, lease_until = NULL,
			 last_error = 'lease expired', updated_at = ?
			 WHERE status = 'leased' AND lease_until < ? AND attempts + 1 >= max_attempts`,
			ms, ms)
		if err != nil {
			return fmt.Errorf("reap exhausted: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = c.exec(ctx,
			`UPDATE queue SET status = 'queued', attempts = attempts + 1, lease_until = NULL,
			 worker_id = NULL, available_at = ?, last_error = 'lease expired', updated_at = ?
			 WHERE status = 'leased' AND lease_until < ?`,
			ms, ms, ms)
		if err != nil {
			return fmt.Errorf("reap expired: %w", err)
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	return int(total), err
}

// CompleteLeasedNode marks every leased row of a step done (loop finalization).
func (s *SQLStore) CompleteLeasedNode(ctx context.Context, executionID, nodeName string) (int, error) {
	res, err := s.conn().exec(ctx,
		`UPDATE queue SET status = 'done', lease_until = NULL, updated_at = ?
		 WHERE execution_id = ? AND status = 'leased' AND (node_id = ? OR node_name = ?)`,
		time.Now().UnixMilli(), executionID, nodeName, nodeName)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountJobs counts rows, optionally by status.
func (s *SQLStore) CountJobs(ctx context.Context, status schema.JobStatus) (int, error) {
	q := `SELECT COUNT(*) FROM queue`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	var n int
	err := s.conn().queryRow(ctx, q, args...).Scan(&n)
	return n, err
}

// ListJobs returns queue rows, newest first.
func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*schema.QueueJob, error) {
	var conds []string
	var args []any
	if filter.ExecutionID != "" {
		conds = append(conds, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	q := `SELECT ` + jobColumns + ` FROM queue`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY queue_id DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn().query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*schema.QueueJob, error) {
	defer rows.Close()
	var jobs []*schema.QueueJob
	for rows.Next() {
		j := &schema.QueueJob{}
		var (
			nodeName, catalogID, workerID sql.NullString
			jobCtx, lastError             sql.NullString
			status, action                string
			leaseUntil                    sql.NullInt64
			available, created, updated   int64
		)
		if err := rows.Scan(&j.QueueID, &j.ExecutionID, &j.NodeID, &nodeName, &catalogID, &status,
			&leaseUntil, &workerID, &j.Attempts, &j.MaxAttempts, &available, &j.Priority,
			&action, &jobCtx, &lastError, &created, &updated); err != nil {
			return nil, err
		}
		j.NodeName = nodeName.String
		j.CatalogID = catalogID.String
		j.WorkerID = workerID.String
		j.Status = schema.JobStatus(status)
		j.LeaseUntil = nullMillis(leaseUntil)
		j.AvailableAt = fromMillis(available)
		j.Action = json.RawMessage(action)
		j.Context = rawOrNil(jobCtx)
		j.LastError = lastError.String
		j.CreatedAt = fromMillis(created)
		j.UpdatedAt = fromMillis(updated)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
