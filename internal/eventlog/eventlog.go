// Package eventlog is the write path of the execution log: validation,
// catalog resolution, dedupe guards, transactional bookkeeping and the
// post-commit notification that drives the broker and loop tracker.
package eventlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"github.com/rendis/dispatch/internal/bus"
	"github.com/rendis/dispatch/internal/logging"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

// CatalogResolver looks up playbook versions. Satisfied by *catalog.Catalog.
type CatalogResolver interface {
	FetchEntry(ctx context.Context, path, version string) (*store.CatalogEntry, error)
}

// EmitResult is the outcome of Emit. Deduped events were not written and
// produced no notification.
type EmitResult struct {
	Event   *schema.Event `json:"event"`
	Deduped bool          `json:"deduped"`
}

// Log is the execution event log. It is safe for concurrent use.
type Log struct {
	store   store.Store
	catalog CatalogResolver
	hub     bus.Hub
	logger  *slog.Logger

	wg sync.WaitGroup
}

// New creates a Log. hub may be nil, in which case nothing is published.
func New(st store.Store, catalog CatalogResolver, hub bus.Hub, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: st, catalog: catalog, hub: hub, logger: logger}
}

// Emit validates, resolves and stores ev, then publishes a notification
// without blocking the caller.
func (l *Log) Emit(ctx context.Context, ev *schema.Event) (*EmitResult, error) {
	liftLoopMetadata(ev)
	if err := ev.Prepare(); err != nil {
		return nil, err
	}
	if err := l.resolveCatalog(ctx, ev); err != nil {
		return nil, err
	}
	if err := l.inheritParent(ctx, ev); err != nil {
		return nil, err
	}

	existing, err := l.duplicate(ctx, ev)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logging.LogWith(logging.WithIDs(ctx, ev.ExecutionID, ev.NodeName, ""), l.logger).
			DebugContext(ctx, "event deduplicated", "event_type", ev.EventType, "event_id", existing.EventID)
		return &EmitResult{Event: existing, Deduped: true}, nil
	}

	opts := store.AppendOptions{MirrorError: ev.Status == schema.StatusFailed}
	if ev.EventType == schema.EventExecutionStart {
		opts.Workload = workloadOf(ev)
	}
	stored, err := l.store.AppendEvent(ctx, ev, opts)
	if err != nil {
		return nil, err
	}

	l.publish(ctx, stored)
	return &EmitResult{Event: stored}, nil
}

func (l *Log) publish(ctx context.Context, ev *schema.Event) {
	if l.hub == nil {
		return
	}
	n := bus.FromEvent(ev)
	pubCtx := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.hub.Publish(pubCtx, n); err != nil {
			l.logger.WarnContext(pubCtx, "publish notification failed",
				"execution_id", n.ExecutionID, "event_id", n.EventID, "error", err)
		}
	}()
}

// Wait blocks until every in-flight notification has been handed to the hub.
func (l *Log) Wait() {
	l.wg.Wait()
}

// duplicate applies the dedupe guards: one step_started per node and one
// loop_iteration per (node, current_index). Re-emitting the same event id is
// an update, not a duplicate.
func (l *Log) duplicate(ctx context.Context, ev *schema.Event) (*schema.Event, error) {
	filter := store.EventFilter{
		ExecutionID: ev.ExecutionID,
		Types:       []string{ev.EventType},
		NodeName:    ev.NodeName,
		Limit:       1,
	}
	switch ev.EventType {
	case schema.EventStepStarted:
	case schema.EventLoopIteration:
		filter.CurrentIndex = ev.CurrentIndex
	default:
		return nil, nil
	}
	found, err := l.store.FindEvents(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 || found[0].EventID == ev.EventID {
		return nil, nil
	}
	return found[0], nil
}

// resolveCatalog ties ev to a playbook version. Order: explicit catalog_id,
// meta.catalog_id, path and version from meta or context, then the
// execution's earliest event.
func (l *Log) resolveCatalog(ctx context.Context, ev *schema.Event) error {
	if ev.CatalogID != "" {
		return nil
	}
	meta := ev.MetaMap()
	if id, ok := meta["catalog_id"].(string); ok && id != "" {
		ev.CatalogID = id
		return nil
	}

	if path, version := playbookRef(meta, ev.ContextMap()); path != "" {
		if l.catalog == nil {
			return schema.NewErrorf(schema.ErrCodeCatalogResolution, "no catalog to resolve %q", path)
		}
		entry, err := l.catalog.FetchEntry(ctx, path, version)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeCatalogResolution, "cannot resolve playbook %s@%s", path, version).
				WithCause(err).
				WithDetails(map[string]any{"path": path, "version": version})
		}
		ev.CatalogID = entry.CatalogID
		return nil
	}

	first, err := l.first(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	if first != nil && first.CatalogID != "" {
		ev.CatalogID = first.CatalogID
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeCatalogResolution,
		"event %s of execution %s carries no catalog reference", ev.EventType, ev.ExecutionID)
}

// inheritParent stamps events of a child execution with the parent recorded
// on the child's first event. Workers report child steps without it, and the
// loop tracker routes child progress by it.
func (l *Log) inheritParent(ctx context.Context, ev *schema.Event) error {
	if ev.ParentExecutionID != "" || ev.EventType == schema.EventExecutionStart {
		return nil
	}
	first, err := l.first(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	if first != nil && first.EventID != ev.EventID {
		ev.ParentExecutionID = first.ParentExecutionID
	}
	return nil
}

func (l *Log) first(ctx context.Context, executionID string) (*schema.Event, error) {
	found, err := l.store.FindEvents(ctx, store.EventFilter{ExecutionID: executionID, Limit: 1})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

func playbookRef(sources ...map[string]any) (path, version string) {
	for _, src := range sources {
		for _, key := range []string{"path", "playbook_path"} {
			if p, ok := src[key].(string); ok && p != "" {
				path = p
				break
			}
		}
		if path == "" {
			continue
		}
		switch v := src["version"].(type) {
		case string:
			version = v
		case float64:
			version = strconv.FormatFloat(v, 'f', -1, 64)
		}
		return path, version
	}
	return "", ""
}

// workloadOf extracts the workload snapshot of an execution_start event.
func workloadOf(ev *schema.Event) json.RawMessage {
	ctx := ev.ContextMap()
	if w, ok := ctx["workload"]; ok && w != nil {
		return schema.MustJSON(w)
	}
	return nil
}

// liftLoopMetadata copies loop position from a "_loop" block in the context
// (top level, or under workload or work) onto the event fields.
func liftLoopMetadata(ev *schema.Event) {
	ctx := ev.ContextMap()
	var loop map[string]any
	for _, holder := range []map[string]any{ctx, asMap(ctx["workload"]), asMap(ctx["work"])} {
		if m := asMap(holder["_loop"]); len(m) > 0 {
			loop = m
			break
		}
	}
	if loop == nil {
		return
	}
	if ev.CurrentIndex == nil {
		if f, ok := loop["current_index"].(float64); ok {
			ev.CurrentIndex = schema.IntPtr(int(f))
		}
	}
	if len(ev.CurrentItem) == 0 {
		if item, ok := loop["current_item"]; ok {
			ev.CurrentItem = schema.MustJSON(item)
		}
	}
	setIfEmpty(&ev.Iterator, loop["iterator"])
	setIfEmpty(&ev.LoopID, loop["loop_id"])
	setIfEmpty(&ev.LoopName, loop["loop_name"])
}

func setIfEmpty(dst *string, v any) {
	if *dst != "" {
		return
	}
	if s, ok := v.(string); ok {
		*dst = s
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
