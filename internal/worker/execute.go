package worker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/rendis/dispatch/internal/actions"
	"github.com/rendis/dispatch/internal/engine"
	"github.com/rendis/dispatch/internal/logging"
	"github.com/rendis/dispatch/pkg/schema"
)

// unrenderedKeys are action keys the worker passes through untouched.
var unrenderedKeys = map[string]bool{
	"type": true, "name": true, "with": true, "retry": true,
	"save": true, "result": true, "workbook": true,
}

// Process runs one leased job to its outcome: the attempt is reported on the
// event log and the queue row is completed or failed. A returned error means
// the outcome could not be recorded; the lease then expires and the reaper
// requeues the job.
func (w *Worker) Process(ctx context.Context, job *schema.QueueJob) error {
	ctx = logging.WithIDs(ctx, job.ExecutionID, job.NodeName, w.id)
	action := job.ActionMap()
	jobCtx := job.ContextMap()
	typ := strings.ToLower(stringOf(action["type"]))
	attempt := job.Attempts + 1

	started := w.event(job, jobCtx, schema.EventActionStarted)
	started.Context = schema.MustJSON(w.attemptContext(job, jobCtx, typ, attempt, nil))
	if _, err := w.backend.Emit(ctx, started); err != nil {
		return fmt.Errorf("emit action_started: %w", err)
	}

	begin := time.Now()
	data, err := w.execute(ctx, typ, action, jobCtx)
	elapsed := time.Since(begin)
	if err != nil {
		return w.fail(ctx, job, jobCtx, action, typ, attempt, elapsed, err)
	}

	done := w.event(job, jobCtx, schema.EventActionCompleted)
	done.Context = schema.MustJSON(w.attemptContext(job, jobCtx, typ, attempt, &elapsed))
	done.Result = schema.MustJSON(map[string]any{"status": "ok", "data": data})
	if _, err := w.backend.Emit(ctx, done); err != nil {
		return fmt.Errorf("emit action_completed: %w", err)
	}
	if err := w.backend.Complete(ctx, job.QueueID, w.id); err != nil {
		return fmt.Errorf("complete job %s: %w", job.QueueID, err)
	}
	w.logger.InfoContext(ctx, "action completed",
		"queue_id", job.QueueID, "type", typ, "attempt", attempt, "duration_ms", elapsed.Milliseconds())
	return nil
}

// execute renders and runs the action. Breaker bookkeeping covers only the
// action call itself.
func (w *Worker) execute(ctx context.Context, typ string, action, jobCtx map[string]any) (any, error) {
	act, err := w.registry.Get(typ)
	if err != nil {
		return nil, err
	}
	args, spec, err := w.render(ctx, action, jobCtx)
	if err != nil {
		return nil, err
	}
	if err := w.breakers.Allow(typ); err != nil {
		return nil, err
	}

	out, err := act.Execute(ctx, actions.Input{Spec: spec, Args: args, Context: jobCtx})
	if err != nil {
		if engine.IsRetryableError(err) {
			if state := w.breakers.Failure(typ); state == engine.CircuitOpen {
				w.logger.WarnContext(ctx, "circuit opened", "type", typ)
			}
		} else {
			w.breakers.Success(typ)
		}
		return nil, err
	}
	w.breakers.Success(typ)
	if out == nil {
		return nil, nil
	}
	return out.Data, nil
}

// render evaluates the with block against the job context, then the rest of
// the action against the context extended with the rendered arguments.
func (w *Worker) render(ctx context.Context, action, jobCtx map[string]any) (map[string]any, map[string]any, error) {
	withTpl, _ := action["with"].(map[string]any)
	args, err := w.renderer.RenderMap(ctx, withTpl, jobCtx, w.cfg.StrictRender)
	if err != nil {
		return nil, nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	scope := maps.Clone(jobCtx)
	if scope == nil {
		scope = map[string]any{}
	}
	maps.Copy(scope, args)

	tpl := make(map[string]any, len(action))
	for k, v := range action {
		if !unrenderedKeys[k] {
			tpl[k] = v
		}
	}
	spec, err := w.renderer.RenderMap(ctx, tpl, scope, w.cfg.StrictRender)
	if err != nil {
		return nil, nil, err
	}
	return args, spec, nil
}

// fail reports a failed attempt and hands the row back to the queue. The
// queue decides between requeue and failed from the attempt count.
func (w *Worker) fail(ctx context.Context, job *schema.QueueJob, jobCtx, action map[string]any, typ string, attempt int, elapsed time.Duration, cause error) error {
	retryable := engine.IsRetryableError(cause)
	willRetry := retryable && attempt < job.MaxAttempts
	delay := engine.ComputeBackoff(schema.ParseRetry(action["retry"]), attempt)

	ev := w.event(job, jobCtx, schema.EventActionFailed)
	ev.Context = schema.MustJSON(w.attemptContext(job, jobCtx, typ, attempt, &elapsed))
	ev.Error = schema.MustJSON(errorPayload(cause))
	ev.Meta = schema.MustJSON(map[string]any{
		"will_retry":   willRetry,
		"retryable":    retryable,
		"attempt":      attempt,
		"max_attempts": job.MaxAttempts,
	})
	if _, err := w.backend.Emit(ctx, ev); err != nil {
		return fmt.Errorf("emit action_failed: %w", err)
	}
	if _, err := w.backend.Fail(ctx, job.QueueID, w.id, retryable, delay, cause.Error()); err != nil {
		return fmt.Errorf("fail job %s: %w", job.QueueID, err)
	}

	if willRetry {
		w.logger.WarnContext(ctx, "action failed, will retry",
			"queue_id", job.QueueID, "type", typ, "attempt", attempt, "retry_in", delay, "error", cause)
	} else {
		w.logger.ErrorContext(ctx, "action failed",
			"queue_id", job.QueueID, "type", typ, "attempt", attempt, "error", cause)
	}
	return nil
}

// event builds an action event linked to the step_started or loop_iteration
// that scheduled the job.
func (w *Worker) event(job *schema.QueueJob, jobCtx map[string]any, eventType string) *schema.Event {
	meta, _ := jobCtx["_meta"].(map[string]any)
	ev := &schema.Event{
		ExecutionID:   job.ExecutionID,
		CatalogID:     job.CatalogID,
		EventType:     eventType,
		NodeID:        job.NodeID,
		NodeName:      job.NodeName,
		ParentEventID: stringOf(meta["parent_event_id"]),
	}
	loop, _ := jobCtx["_loop"].(map[string]any)
	if len(loop) == 0 {
		return ev
	}
	if f, ok := loop["current_index"].(float64); ok {
		ev.CurrentIndex = schema.IntPtr(int(f))
	}
	if item, ok := loop["current_item"]; ok {
		ev.CurrentItem = schema.MustJSON(item)
	}
	ev.Iterator = stringOf(loop["iterator"])
	ev.LoopID = stringOf(loop["loop_id"])
	ev.LoopName = stringOf(loop["loop_name"])
	return ev
}

func (w *Worker) attemptContext(job *schema.QueueJob, jobCtx map[string]any, typ string, attempt int, elapsed *time.Duration) map[string]any {
	out := map[string]any{
		"queue_id":    job.QueueID,
		"worker_id":   w.id,
		"action_type": typ,
		"attempt":     attempt,
	}
	if elapsed != nil {
		out["duration_ms"] = elapsed.Milliseconds()
	}
	if loop, ok := jobCtx["_loop"]; ok {
		out["_loop"] = loop
	}
	return out
}

func errorPayload(err error) map[string]any {
	var de *schema.DispatchError
	if errors.As(err, &de) {
		out := map[string]any{"code": de.Code, "message": de.Message}
		if len(de.Details) > 0 {
			out["details"] = de.Details
		}
		return out
	}
	return map[string]any{"code": schema.ErrCodeExecution, "message": err.Error()}
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
