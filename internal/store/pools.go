package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertPool registers a pool, or refreshes it when the name already exists.
func (s *SQLStore) UpsertPool(ctx context.Context, pool *WorkerPool) error {
	labels, err := json.Marshal(pool.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	now := time.Now().UTC()
	if pool.Status == "" {
		pool.Status = PoolReady
	}
	pool.RegisteredAt, pool.HeartbeatAt = now, now
	_, err = s.conn().exec(ctx,
		`INSERT INTO worker_pools (name, runtime, status, capacity, labels, pid, hostname, registered_at, heartbeat_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET runtime = excluded.runtime, status = excluded.status,
		   capacity = excluded.capacity, labels = excluded.labels, pid = excluded.pid,
		   hostname = excluded.hostname, heartbeat_at = excluded.heartbeat_at`,
		pool.Name, nullStr(pool.Runtime), pool.Status, pool.Capacity, string(labels),
		pool.PID, nullStr(pool.Hostname), now.UnixMilli(), now.UnixMilli(),
	)
	return err
}

// TouchPool records a heartbeat. Unknown pools return NOT_FOUND.
func (s *SQLStore) TouchPool(ctx context.Context, name string, at time.Time) error {
	res, err := s.conn().exec(ctx,
		`UPDATE worker_pools SET heartbeat_at = ?, status = ? WHERE name = ?`,
		millis(at), PoolReady, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "worker pool", name)
}

// SetPoolStatus changes a pool status.
func (s *SQLStore) SetPoolStatus(ctx context.Context, name, status string) error {
	res, err := s.conn().exec(ctx, `UPDATE worker_pools SET status = ? WHERE name = ?`, status, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "worker pool", name)
}

// ListPools returns all pools ordered by name.
func (s *SQLStore) ListPools(ctx context.Context) ([]*WorkerPool, error) {
	rows, err := s.conn().query(ctx,
		`SELECT name, runtime, status, capacity, labels, pid, hostname, registered_at, heartbeat_at
		 FROM worker_pools ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkerPool
	for rows.Next() {
		p := &WorkerPool{}
		var runtime, labels, hostname sql.NullString
		var pid sql.NullInt64
		var registered, heartbeat int64
		if err := rows.Scan(&p.Name, &runtime, &p.Status, &p.Capacity, &labels, &pid, &hostname,
			&registered, &heartbeat); err != nil {
			return nil, err
		}
		p.Runtime = runtime.String
		p.Hostname = hostname.String
		p.PID = int(pid.Int64)
		if labels.Valid && labels.String != "" {
			_ = json.Unmarshal([]byte(labels.String), &p.Labels)
		}
		p.RegisteredAt = fromMillis(registered)
		p.HeartbeatAt = fromMillis(heartbeat)
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkStalePools flags ready pools whose last heartbeat precedes seenBefore as offline.
func (s *SQLStore) MarkStalePools(ctx context.Context, seenBefore time.Time) (int, error) {
	res, err := s.conn().exec(ctx,
		`UPDATE worker_pools SET status = ? WHERE status = ? AND heartbeat_at < ?`,
		PoolOffline, PoolReady, seenBefore.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
