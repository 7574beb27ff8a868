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

const eventColumns = `execution_id, event_id, parent_event_id, parent_execution_id, catalog_id, event_type,
	node_id, node_name, node_type, status, context, result, meta, error,
	current_index, current_item, iterator, loop_id, loop_name, created_at`

// AppendEvent writes ev in one transaction. Re-writing an existing
// (execution_id, event_id) updates the row in place and keeps its created_at.
// A missing parent_event_id defaults to the latest event of the execution.
// Errors are mirrored into error_log only when the row is first inserted.
func (s *SQLStore) AppendEvent(ctx context.Context, ev *schema.Event, opts AppendOptions) (*schema.Event, error) {
	if ev.EventID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("event id: %w", err)
		}
		ev.EventID = id.String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	err := s.inTx(ctx, func(c conn) error {
		var existing int64
		err := c.queryRow(ctx,
			`SELECT created_at FROM events WHERE execution_id = ? AND event_id = ?`,
			ev.ExecutionID, ev.EventID,
		).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if ev.ParentEventID == "" {
				var parent sql.NullString
				err := c.queryRow(ctx,
					`SELECT event_id FROM events WHERE execution_id = ? ORDER BY created_at DESC, event_id DESC LIMIT 1`,
					ev.ExecutionID,
				).Scan(&parent)
				if err != nil && !errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("latest event: %w", err)
				}
				ev.ParentEventID = parent.String
			}
			if err := insertEvent(ctx, c, ev); err != nil {
				return err
			}
			if opts.MirrorError {
				if err := insertErrorEntry(ctx, c, ev); err != nil {
					return err
				}
			}
		case err != nil:
			return fmt.Errorf("lookup event: %w", err)
		default:
			ev.CreatedAt = fromMillis(existing)
			if err := updateEvent(ctx, c, ev); err != nil {
				return err
			}
		}

		if len(opts.Workload) > 0 {
			if _, err := c.exec(ctx,
				`INSERT INTO workloads (execution_id, data, created_at) VALUES (?, ?, ?)
				 ON CONFLICT(execution_id) DO UPDATE SET data = excluded.data`,
				ev.ExecutionID, string(opts.Workload), millis(ev.CreatedAt),
			); err != nil {
				return fmt.Errorf("snapshot workload: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func insertEvent(ctx context.Context, c conn, ev *schema.Event) error {
	_, err := c.exec(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ExecutionID, ev.EventID, nullStr(ev.ParentEventID), nullStr(ev.ParentExecutionID),
		nullStr(ev.CatalogID), ev.EventType, nullStr(ev.NodeID), nullStr(ev.NodeName), nullStr(ev.NodeType),
		string(ev.Status), nullRaw(ev.Context), nullRaw(ev.Result), nullRaw(ev.Meta), nullRaw(ev.Error),
		nullInt(ev.CurrentIndex), nullRaw(ev.CurrentItem), nullStr(ev.Iterator), nullStr(ev.LoopID),
		nullStr(ev.LoopName), millis(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func updateEvent(ctx context.Context, c conn, ev *schema.Event) error {
	_, err := c.exec(ctx,
		`UPDATE events SET parent_event_id = COALESCE(?, parent_event_id), parent_execution_id = ?,
		 catalog_id = ?, event_type = ?, node_id = ?, node_name = ?, node_type = ?, status = ?,
		 context = ?, result = ?, meta = ?, error = ?, current_index = ?, current_item = ?,
		 iterator = ?, loop_id = ?, loop_name = ?
		 WHERE execution_id = ? AND event_id = ?`,
		nullStr(ev.ParentEventID), nullStr(ev.ParentExecutionID), nullStr(ev.CatalogID), ev.EventType,
		nullStr(ev.NodeID), nullStr(ev.NodeName), nullStr(ev.NodeType), string(ev.Status),
		nullRaw(ev.Context), nullRaw(ev.Result), nullRaw(ev.Meta), nullRaw(ev.Error),
		nullInt(ev.CurrentIndex), nullRaw(ev.CurrentItem), nullStr(ev.Iterator), nullStr(ev.LoopID),
		nullStr(ev.LoopName), ev.ExecutionID, ev.EventID,
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

func insertErrorEntry(ctx context.Context, c conn, ev *schema.Event) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("error id: %w", err)
	}
	_, err = c.exec(ctx,
		`INSERT INTO error_log (error_id, execution_id, event_id, event_type, node_name, message, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), ev.ExecutionID, ev.EventID, ev.EventType, nullStr(ev.NodeName),
		nullStr(errorMessage(ev.Error)), nullRaw(ev.Error), millis(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("mirror error: %w", err)
	}
	return nil
}

// errorMessage extracts a readable message from a string or {message} payload.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj map[string]any
	if json.Unmarshal(raw, &obj) == nil {
		for _, k := range []string{"message", "error", "detail"} {
			if m, ok := obj[k].(string); ok {
				return m
			}
		}
	}
	return string(raw)
}

// GetEvent returns one event of an execution.
func (s *SQLStore) GetEvent(ctx context.Context, executionID, eventID string) (*schema.Event, error) {
	rows, err := s.conn().query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE execution_id = ? AND event_id = ?`,
		executionID, eventID)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, storeNotFound("event", eventID)
	}
	return events[0], nil
}

// GetEventByID looks an event up by id alone.
func (s *SQLStore) GetEventByID(ctx context.Context, eventID string) (*schema.Event, error) {
	rows, err := s.conn().query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = ? LIMIT 1`, eventID)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, storeNotFound("event", eventID)
	}
	return events[0], nil
}

// FindEvents returns events matching filter, oldest first unless Desc is set.
func (s *SQLStore) FindEvents(ctx context.Context, filter EventFilter) ([]*schema.Event, error) {
	where, args := filter.where()
	q := `SELECT ` + eventColumns + ` FROM events` + where
	if filter.Desc {
		q += ` ORDER BY created_at DESC, event_id DESC`
	} else {
		q += ` ORDER BY created_at ASC, event_id ASC`
	}
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.conn().query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// CountEvents counts events matching filter.
func (s *SQLStore) CountEvents(ctx context.Context, filter EventFilter) (int, error) {
	where, args := filter.where()
	var n int
	err := s.conn().queryRow(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&n)
	return n, err
}

func (f EventFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.ExecutionID != "" {
		conds = append(conds, "execution_id = ?")
		args = append(args, f.ExecutionID)
	}
	if len(f.ExecutionIDs) > 0 {
		conds = append(conds, "execution_id IN ("+placeholders(len(f.ExecutionIDs))+")")
		for _, id := range f.ExecutionIDs {
			args = append(args, id)
		}
	}
	if f.ParentExecutionID != "" {
		conds = append(conds, "parent_execution_id = ?")
		args = append(args, f.ParentExecutionID)
	}
	if len(f.Types) > 0 {
		conds = append(conds, "event_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.NodeName != "" {
		conds = append(conds, "node_name = ?")
		args = append(args, f.NodeName)
	}
	if f.NodeID != "" {
		conds = append(conds, "node_id = ?")
		args = append(args, f.NodeID)
	}
	if f.CurrentIndex != nil {
		conds = append(conds, "current_index = ?")
		args = append(args, int64(*f.CurrentIndex))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListExecutions returns execution_start events, newest first.
func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE event_type = ?`
	args := []any{schema.EventExecutionStart}
	if filter.ParentExecutionID != "" {
		q += ` AND parent_execution_id = ?`
		args = append(args, filter.ParentExecutionID)
	}
	if filter.CatalogID != "" {
		q += ` AND catalog_id = ?`
		args = append(args, filter.CatalogID)
	}
	q += ` ORDER BY created_at DESC, event_id DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.conn().query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// RunningExecutions returns ids of executions without an execution_complete event.
func (s *SQLStore) RunningExecutions(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.conn().query(ctx,
		`SELECT s.execution_id FROM events s
		 WHERE s.event_type = ?
		   AND NOT EXISTS (SELECT 1 FROM events c WHERE c.execution_id = s.execution_id AND c.event_type = ?)
		 ORDER BY s.created_at DESC LIMIT ?`,
		schema.EventExecutionStart, schema.EventExecutionComplete, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetWorkload returns the workload snapshot written on execution_start.
func (s *SQLStore) GetWorkload(ctx context.Context, executionID string) (json.RawMessage, error) {
	var data sql.NullString
	err := s.conn().queryRow(ctx,
		`SELECT data FROM workloads WHERE execution_id = ?`, executionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workload", executionID)
	}
	if err != nil {
		return nil, err
	}
	return rawOrNil(data), nil
}

// ListErrors returns the mirrored failures of an execution, oldest first.
func (s *SQLStore) ListErrors(ctx context.Context, executionID string) ([]*ErrorEntry, error) {
	rows, err := s.conn().query(ctx,
		`SELECT error_id, execution_id, event_id, event_type, node_name, message, payload, created_at
		 FROM error_log WHERE execution_id = ? ORDER BY created_at ASC, error_id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ErrorEntry
	for rows.Next() {
		e := &ErrorEntry{}
		var node, msg, payload sql.NullString
		var created int64
		if err := rows.Scan(&e.ErrorID, &e.ExecutionID, &e.EventID, &e.EventType, &node, &msg, &payload, &created); err != nil {
			return nil, err
		}
		e.NodeName = node.String
		e.Message = msg.String
		e.Payload = rawOrNil(payload)
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	defer rows.Close()
	var events []*schema.Event
	for rows.Next() {
		ev := &schema.Event{}
		var (
			parentEvent, parentExec, catalogID sql.NullString
			nodeID, nodeName, nodeType         sql.NullString
			evCtx, result, meta, evErr, item   sql.NullString
			iterator, loopID, loopName         sql.NullString
			status                             string
			index                              sql.NullInt64
			created                            int64
		)
		if err := rows.Scan(&ev.ExecutionID, &ev.EventID, &parentEvent, &parentExec, &catalogID, &ev.EventType,
			&nodeID, &nodeName, &nodeType, &status, &evCtx, &result, &meta, &evErr,
			&index, &item, &iterator, &loopID, &loopName, &created); err != nil {
			return nil, err
		}
		ev.ParentEventID = parentEvent.String
		ev.ParentExecutionID = parentExec.String
		ev.CatalogID = catalogID.String
		ev.NodeID = nodeID.String
		ev.NodeName = nodeName.String
		ev.NodeType = nodeType.String
		ev.Status = schema.Status(status)
		ev.Context = rawOrNil(evCtx)
		ev.Result = rawOrNil(result)
		ev.Meta = rawOrNil(meta)
		ev.Error = rawOrNil(evErr)
		ev.CurrentIndex = intOrNil(index)
		ev.CurrentItem = rawOrNil(item)
		ev.Iterator = iterator.String
		ev.LoopID = loopID.String
		ev.LoopName = loopName.String
		ev.CreatedAt = fromMillis(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}
