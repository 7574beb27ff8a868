package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatch/internal/actions"
	"github.com/rendis/dispatch/internal/engine"
	"github.com/rendis/dispatch/internal/eventlog"
	"github.com/rendis/dispatch/internal/expressions"
	"github.com/rendis/dispatch/internal/identity"
	"github.com/rendis/dispatch/internal/queue"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/internal/testutil"
	"github.com/rendis/dispatch/pkg/schema"
)

// flakyAction fails with err until calls exceeds failures.
type flakyAction struct {
	failures int
	err      error
	calls    atomic.Int32
}

func (a *flakyAction) Type() string                   { return "flaky" }
func (a *flakyAction) Description() string            { return "fails a fixed number of times" }
func (a *flakyAction) Validate(map[string]any) error { return nil }
func (a *flakyAction) Execute(_ context.Context, in actions.Input) (*actions.Output, error) {
	if int(a.calls.Add(1)) <= a.failures {
		return nil, a.err
	}
	return &actions.Output{Data: in.Args}, nil
}

type fixture struct {
	store  *store.SQLStore
	queue  *queue.Queue
	flaky  *flakyAction
	worker *Worker
}

func newFixture(t *testing.T, cfg Config, flaky *flakyAction) *fixture {
	t.Helper()
	st := testutil.NewStore(t)
	logger := testutil.Logger()
	q := queue.New(st, queue.DefaultConfig(), logger)
	events := eventlog.New(st, nil, nil, logger)
	renderer, err := expressions.NewRenderer()
	require.NoError(t, err)

	reg := actions.Builtin(actions.Config{})
	if flaky == nil {
		flaky = &flakyAction{}
	}
	require.NoError(t, reg.Register(flaky))

	backend := NewLocal(q, events, identity.NewRegistry(st, logger))
	return &fixture{store: st, queue: q, flaky: flaky, worker: New(backend, reg, renderer, cfg, logger)}
}

func (f *fixture) enqueue(t *testing.T, node string, action, jobCtx map[string]any, maxAttempts int) *schema.QueueJob {
	t.Helper()
	if jobCtx == nil {
		jobCtx = map[string]any{}
	}
	jobCtx["_meta"] = map[string]any{"parent_event_id": "evt-scheduler"}
	res, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		ExecutionID: "ex-1",
		NodeID:      node,
		NodeName:    node,
		CatalogID:   "cat-1",
		Action:      action,
		Context:     jobCtx,
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	require.Equal(t, schema.Enqueued, res.Outcome)
	return res.Job
}

func (f *fixture) events(t *testing.T, types ...string) []*schema.Event {
	t.Helper()
	evs, err := f.store.FindEvents(context.Background(), store.EventFilter{ExecutionID: "ex-1", Types: types})
	require.NoError(t, err)
	return evs
}

func TestProcess_RendersAndCompletes(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	job := f.enqueue(t, "double", map[string]any{
		"type":       "expr",
		"name":       "double",
		"expression": "x * 2",
		"with":       map[string]any{"x": "{{ workload.n }}"},
	}, map[string]any{"workload": map[string]any{"n": 21}}, 0)

	n, err := f.worker.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	started := f.events(t, schema.EventActionStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "evt-scheduler", started[0].ParentEventID)
	assert.Equal(t, float64(1), started[0].ContextMap()["attempt"])

	done := f.events(t, schema.EventActionCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, "double", done[0].NodeName)
	assert.Equal(t, map[string]any{"status": "ok", "data": map[string]any{"result": float64(42)}}, done[0].ResultValue())

	stored, err := f.queue.Get(context.Background(), job.QueueID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobDone, stored.Status)
}

func TestProcess_LoopIterationCarriesIndex(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.enqueue(t, "each:1", map[string]any{
		"type":       "expr",
		"name":       "each",
		"expression": "upper(city)",
	}, map[string]any{
		"city": "rome",
		"_loop": map[string]any{
			"current_index": 1, "current_item": "rome", "iterator": "city",
			"loop_name": "each", "loop_id": "ex-1:each",
		},
	}, 0)

	_, err := f.worker.Drain(context.Background())
	require.NoError(t, err)

	done := f.events(t, schema.EventActionCompleted)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].CurrentIndex)
	assert.Equal(t, 1, *done[0].CurrentIndex)
	assert.Equal(t, "each:1", done[0].NodeID)
	assert.Equal(t, "city", done[0].Iterator)
	assert.Equal(t, "ex-1:each", done[0].LoopID)
	assert.Equal(t, map[string]any{"status": "ok", "data": map[string]any{"result": "ROME"}}, done[0].ResultValue())
}

func TestProcess_RetryThenExhaust(t *testing.T) {
	flaky := &flakyAction{failures: 5, err: schema.NewError(schema.ErrCodeExecution, "upstream down")}
	f := newFixture(t, Config{}, flaky)
	job := f.enqueue(t, "call", map[string]any{"type": "flaky", "name": "call"}, nil, 2)

	n, err := f.worker.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	failed := f.events(t, schema.EventActionFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, true, failed[0].MetaMap()["will_retry"])
	assert.Equal(t, false, failed[1].MetaMap()["will_retry"])
	assert.Contains(t, string(failed[1].Error), "upstream down")

	stored, err := f.queue.Get(context.Background(), job.QueueID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobFailed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}

func TestProcess_RetrySucceeds(t *testing.T) {
	flaky := &flakyAction{failures: 1, err: schema.NewError(schema.ErrCodeTimeout, "slow")}
	f := newFixture(t, Config{}, flaky)
	job := f.enqueue(t, "call", map[string]any{"type": "flaky", "name": "call", "with": map[string]any{"k": "v"}}, nil, 3)

	_, err := f.worker.Drain(context.Background())
	require.NoError(t, err)

	assert.Len(t, f.events(t, schema.EventActionFailed), 1)
	done := f.events(t, schema.EventActionCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, float64(2), done[0].ContextMap()["attempt"])
	assert.Equal(t, map[string]any{"status": "ok", "data": map[string]any{"k": "v"}}, done[0].ResultValue())

	stored, err := f.queue.Get(context.Background(), job.QueueID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobDone, stored.Status)
}

func TestProcess_NonRetryableFailsOnce(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	job := f.enqueue(t, "mystery", map[string]any{"type": "teleport", "name": "mystery"}, nil, 3)

	_, err := f.worker.Drain(context.Background())
	require.NoError(t, err)

	failed := f.events(t, schema.EventActionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, false, failed[0].MetaMap()["will_retry"])
	assert.Contains(t, string(failed[0].Error), schema.ErrCodeActionUnavailable)

	stored, err := f.queue.Get(context.Background(), job.QueueID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestProcess_StrictRenderFailure(t *testing.T) {
	f := newFixture(t, Config{StrictRender: true}, nil)
	f.enqueue(t, "calc", map[string]any{
		"type": "expr", "name": "calc", "expression": "x",
		"with": map[string]any{"x": "{{ nowhere.value }}"},
	}, nil, 3)

	_, err := f.worker.Drain(context.Background())
	require.NoError(t, err)

	failed := f.events(t, schema.EventActionFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, string(failed[0].Error), schema.ErrCodeRender)
	assert.Equal(t, false, failed[0].MetaMap()["will_retry"])
}

func TestProcess_CircuitOpens(t *testing.T) {
	flaky := &flakyAction{failures: 10, err: schema.NewError(schema.ErrCodeExecution, "boom")}
	cfg := Config{Breaker: engine.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour, HalfOpenMax: 1}}
	f := newFixture(t, cfg, flaky)
	f.enqueue(t, "a", map[string]any{"type": "flaky", "name": "a", "retry": false}, nil, 1)
	f.enqueue(t, "b", map[string]any{"type": "flaky", "name": "b", "retry": false}, nil, 1)

	_, err := f.worker.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), flaky.calls.Load())
	assert.Equal(t, engine.CircuitOpen, f.worker.Breakers().State("flaky"))
	failed := f.events(t, schema.EventActionFailed)
	require.Len(t, failed, 2)
	assert.Contains(t, string(failed[1].Error), schema.ErrCodeCircuitOpen)
}

func TestRun_RegistersProcessesAndDeregisters(t *testing.T) {
	f := newFixture(t, Config{Pool: "cpu", Capacity: 2, PollInterval: 10 * time.Millisecond}, nil)
	job := f.enqueue(t, "calc", map[string]any{"type": "expr", "name": "calc", "expression": "1 + 1"}, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		stored, err := f.queue.Get(context.Background(), job.QueueID)
		return err == nil && stored.Status == schema.JobDone
	}, 5*time.Second, 10*time.Millisecond)

	pools, err := f.store.ListPools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "cpu", pools[0].Name)
	assert.Equal(t, 2, pools[0].Capacity)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	pools, err = f.store.ListPools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.PoolOffline, pools[0].Status)
}
