package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatch/internal/catalog"
	"github.com/rendis/dispatch/internal/eventlog"
	"github.com/rendis/dispatch/internal/expressions"
	"github.com/rendis/dispatch/internal/queue"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/internal/testutil"
	"github.com/rendis/dispatch/pkg/schema"
)

type fakeSpawner struct {
	mu    sync.Mutex
	specs []ChildSpec
}

func (f *fakeSpawner) SpawnChild(_ context.Context, spec ChildSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return nil
}

type fixture struct {
	broker  *Broker
	log     *eventlog.Log
	queue   *queue.Queue
	catalog *catalog.Catalog
	spawner *fakeSpawner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewStore(t)
	cat := catalog.New(st, nil, testutil.Logger())
	log := eventlog.New(st, cat, nil, testutil.Logger())
	q := queue.New(st, queue.DefaultConfig(), testutil.Logger())
	r, err := expressions.NewRenderer()
	require.NoError(t, err)
	b := New(log, q, cat, r, Config{}, testutil.Logger())
	sp := &fakeSpawner{}
	b.SetSpawner(sp)
	return &fixture{broker: b, log: log, queue: q, catalog: cat, spawner: sp}
}

// run registers the playbook, records execution_start and evaluates it.
func (f *fixture) run(t *testing.T, playbook string, workload map[string]any) string {
	t.Helper()
	ctx := context.Background()
	entry, _, err := f.catalog.Register(ctx, []byte(playbook))
	require.NoError(t, err)

	exec := newID()
	res, err := f.log.Emit(ctx, &schema.Event{
		ExecutionID: exec,
		EventType:   schema.EventExecutionStart,
		CatalogID:   entry.CatalogID,
		Context:     schema.MustJSON(map[string]any{"workload": workload}),
	})
	require.NoError(t, err)
	require.NoError(t, f.broker.Evaluate(ctx, exec, res.Event.EventID))
	return exec
}

func (f *fixture) emit(t *testing.T, ev *schema.Event) *schema.Event {
	t.Helper()
	res, err := f.log.Emit(context.Background(), ev)
	require.NoError(t, err)
	return res.Event
}

func (f *fixture) jobs(t *testing.T, exec string) map[string]*schema.QueueJob {
	t.Helper()
	list, err := f.queue.List(context.Background(), store.JobFilter{ExecutionID: exec})
	require.NoError(t, err)
	out := make(map[string]*schema.QueueJob, len(list))
	for _, j := range list {
		out[j.NodeID] = j
	}
	return out
}

func (f *fixture) events(t *testing.T, exec, eventType string) []*schema.Event {
	t.Helper()
	all, err := f.log.ByExecution(context.Background(), exec)
	require.NoError(t, err)
	var out []*schema.Event
	for _, ev := range all {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fixture) completion(t *testing.T, exec string) *schema.Event {
	t.Helper()
	done := f.events(t, exec, schema.EventExecutionComplete)
	require.Len(t, done, 1)
	return done[0]
}

const fanoutPlaybook = `
metadata:
  path: test/fanout
  version: "1"
workflow:
  - step: start
    next:
      - step: a
        when: "{{ workload.go_a }}"
      - step: b
        when: "{{ workload.go_b }}"
      - c
  - step: a
    type: http
    url: https://a.test
    next: end
  - step: b
    type: http
    url: https://b.test
    next: end
  - step: c
    type: http
    url: https://c.test
    next: end
  - step: end
`

func TestEvaluate_FanOutTakesTruthyConditions(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, fanoutPlaybook, map[string]any{"go_a": true, "go_b": false})

	jobs := f.jobs(t, exec)
	require.Len(t, jobs, 1)
	require.Contains(t, jobs, "a")
	assert.Equal(t, "https://a.test", jobs["a"].ActionMap()["url"])
	assert.Len(t, f.events(t, exec, schema.EventStepStarted), 1)
}

func TestEvaluate_UnconditionalWhenNoConditionHolds(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, fanoutPlaybook, map[string]any{"go_a": false})

	jobs := f.jobs(t, exec)
	require.Len(t, jobs, 1)
	assert.Contains(t, jobs, "c")
}

func TestEvaluate_Idempotent(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, fanoutPlaybook, map[string]any{"go_a": true})

	require.NoError(t, f.broker.Evaluate(context.Background(), exec, ""))
	require.NoError(t, f.broker.Evaluate(context.Background(), exec, ""))

	assert.Len(t, f.jobs(t, exec), 1)
	assert.Len(t, f.events(t, exec, schema.EventStepStarted), 1)
}

func TestEvaluate_ParallelTargets(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, `
metadata:
  path: test/parallel
  version: "1"
workflow:
  - step: start
    next: [left, right]
  - step: left
    type: shell
    command: echo left
    next: end
  - step: right
    type: shell
    command: echo right
    next: end
  - step: end
`, nil)

	jobs := f.jobs(t, exec)
	assert.Len(t, jobs, 2)
	assert.Contains(t, jobs, "left")
	assert.Contains(t, jobs, "right")
}

func TestEvaluate_JobContextCarriesMeta(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, fanoutPlaybook, map[string]any{"go_a": true})

	job := f.jobs(t, exec)["a"]
	require.NotNil(t, job)
	jobCtx := job.ContextMap()
	meta, ok := jobCtx["_meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, exec, meta["execution_id"])
	assert.Equal(t, "a", meta["step"])
	assert.Equal(t, map[string]any{"go_a": true}, jobCtx["workload"])
}

func TestEvaluate_ControlStepsAndResult(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, `
metadata:
  path: test/control
  version: "1"
workflow:
  - step: start
    next: route
  - step: route
    type: router
    next: end
  - step: end
    result:
      greeting: "hello {{ workload.name }}"
`, map[string]any{"name": "ada"})

	completed := f.events(t, exec, schema.EventStepCompleted)
	require.Len(t, completed, 2)
	assert.Equal(t, "route", completed[0].NodeName)
	assert.Equal(t, "end", completed[1].NodeName)

	done := f.completion(t, exec)
	assert.Equal(t, schema.StatusCompleted, done.Status)
	assert.Equal(t, map[string]any{"greeting": "hello ada"}, done.ResultValue())
	assert.Empty(t, f.jobs(t, exec))
}

const chainPlaybook = `
metadata:
  path: test/chain
  version: "1"
workflow:
  - step: start
    next: fetch
  - step: fetch
    type: http
    url: https://api.test
    next:
      - step: end
        when: "{{ fetch.n > 0 }}"
  - step: end
    result: "{{ fetch.n }}"
`

func TestEvaluate_ActionCompletionAdvances(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, chainPlaybook, nil)
	require.Contains(t, f.jobs(t, exec), "fetch")

	done := f.emit(t, &schema.Event{
		ExecutionID: exec,
		EventType:   schema.EventActionCompleted,
		NodeName:    "fetch",
		Result:      json.RawMessage(`{"status":"ok","data":{"n":2}}`),
	})
	require.NoError(t, f.broker.Evaluate(context.Background(), exec, done.EventID))

	complete := f.completion(t, exec)
	assert.Equal(t, schema.StatusCompleted, complete.Status)
	assert.Equal(t, float64(2), complete.ResultValue())
}

func (f *fixture) finishFetch(t *testing.T, exec, result string) {
	t.Helper()
	done := f.emit(t, &schema.Event{
		ExecutionID: exec,
		EventType:   schema.EventActionCompleted,
		NodeName:    "fetch",
		Result:      json.RawMessage(result),
	})
	require.NoError(t, f.broker.Evaluate(context.Background(), exec, done.EventID))
}

func TestEvaluate_EndSaveDataIsResult(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, `
metadata:
  path: test/save
  version: "1"
workflow:
  - step: start
    next: fetch
  - step: fetch
    type: http
    url: https://api.test
    next: end
  - step: end
    save:
      data:
        total: "{{ fetch.n }}"
        source: fetch
`, nil)
	f.finishFetch(t, exec, `{"status":"ok","data":{"n":2}}`)

	done := f.completion(t, exec)
	assert.Equal(t, map[string]any{"total": float64(2), "source": "fetch"}, done.ResultValue())
}

func TestEvaluate_LastCompletionIsFallbackResult(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, `
metadata:
  path: test/fallback
  version: "1"
workflow:
  - step: start
    next: fetch
  - step: fetch
    type: http
    url: https://api.test
    next: end
  - step: end
`, nil)
	f.finishFetch(t, exec, `{"status":"ok","data":{"n":3}}`)

	done := f.completion(t, exec)
	assert.Equal(t, schema.StatusCompleted, done.Status)
	assert.Equal(t, map[string]any{"n": float64(3)}, done.ResultValue())

	completed := f.events(t, exec, schema.EventStepCompleted)
	require.NotEmpty(t, completed)
	assert.Equal(t, map[string]any{"n": float64(3)}, completed[len(completed)-1].ResultValue())
}

func TestEvaluate_TransitionDataOverridesStepData(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, `
metadata:
  path: test/overlay
  version: "1"
workflow:
  - step: start
    next:
      - step: fetch
        data:
          mode: fast
          extra: from-transition
  - step: fetch
    type: http
    url: https://api.test
    data:
      mode: slow
      keep: from-step
    next: end
  - step: end
`, nil)

	job := f.jobs(t, exec)["fetch"]
	require.NotNil(t, job)
	assert.Equal(t, map[string]any{
		"mode":  "fast",
		"keep":  "from-step",
		"extra": "from-transition",
	}, job.ActionMap()["data"])
}

func TestEvaluate_TerminalFailureFailsExecution(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, chainPlaybook, nil)

	f.emit(t, &schema.Event{
		ExecutionID: exec,
		EventType:   schema.EventActionFailed,
		NodeName:    "fetch",
		Meta:        json.RawMessage(`{"will_retry":true}`),
		Error:       json.RawMessage(`{"message":"timeout"}`),
	})
	require.NoError(t, f.broker.Evaluate(context.Background(), exec, ""))
	assert.Empty(t, f.events(t, exec, schema.EventExecutionComplete), "retryable failure must not end the run")

	failed := f.emit(t, &schema.Event{
		ExecutionID: exec,
		EventType:   schema.EventActionFailed,
		NodeName:    "fetch",
		Error:       json.RawMessage(`{"message":"boom"}`),
	})
	require.NoError(t, f.broker.Evaluate(context.Background(), exec, failed.EventID))

	done := f.completion(t, exec)
	assert.Equal(t, schema.StatusFailed, done.Status)
	assert.Equal(t, "fetch", done.ContextMap()["failed_step"])
	assert.JSONEq(t, `{"message":"boom"}`, string(done.Error))
}

func TestEvaluate_WorkbookResolution(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, `
metadata:
  path: test/workbook
  version: "1"
workbook:
  - name: ping
    type: http
    url: https://ping.test
    with:
      timeout: 5
workflow:
  - step: start
    next:
      - step: call
        with:
          region: eu
  - step: call
    type: workbook
    name: ping
    with:
      retries: 1
    next: end
  - step: end
`, nil)

	job := f.jobs(t, exec)["call"]
	require.NotNil(t, job)
	action := job.ActionMap()
	assert.Equal(t, "http", action["type"])
	assert.Equal(t, "https://ping.test", action["url"])
	assert.Equal(t, "ping", action["workbook"])
	assert.Equal(t, map[string]any{"timeout": float64(5), "retries": float64(1), "region": "eu"}, action["with"])
}

const loopPlaybook = `
metadata:
  path: test/loop
  version: "1"
workflow:
  - step: start
    next: each
  - step: each
    type: shell
    command: "echo {{ city }}"
    loop:
      in: "{{ workload.cities }}"
      iterator: city
      mode: sequential
    next: end
  - step: end
    result: "{{ each.count }}"
`

func TestLoop_SequentialDispatchesOneAtATime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := f.run(t, loopPlaybook, map[string]any{"cities": []any{"paris", "rome", "oslo"}})

	iterations := f.events(t, exec, schema.EventLoopIteration)
	require.Len(t, iterations, 3)
	assert.Equal(t, "city", iterations[0].Iterator)
	assert.Equal(t, exec+":each", iterations[0].LoopID)

	jobs := f.jobs(t, exec)
	require.Len(t, jobs, 1)
	job := jobs["each:0"]
	require.NotNil(t, job)
	assert.Equal(t, "paris", job.ContextMap()["city"])
	loopMeta, ok := job.ContextMap()["_loop"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0), loopMeta["current_index"])

	require.NoError(t, f.broker.DispatchIteration(ctx, exec, "each", 1))
	jobs = f.jobs(t, exec)
	require.Contains(t, jobs, "each:1")
	assert.Equal(t, "rome", jobs["each:1"].ContextMap()["city"])

	require.NoError(t, f.broker.CompleteLoop(ctx, exec, "each", []any{"a", "b", "c"}, ""))
	require.NoError(t, f.broker.CompleteLoop(ctx, exec, "each", []any{"a"}, ""))

	done := f.completion(t, exec)
	assert.Equal(t, float64(3), done.ResultValue())
}

func TestLoop_EmptyCollectionCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, loopPlaybook, map[string]any{"cities": []any{}})

	assert.Empty(t, f.jobs(t, exec))
	assert.Empty(t, f.events(t, exec, schema.EventLoopIteration))
	assert.Equal(t, float64(0), f.completion(t, exec).ResultValue())
}

func TestLoop_DistributedSpawnsChildren(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, `
metadata:
  path: test/distributed
  version: "1"
workflow:
  - step: start
    next: each
  - step: each
    type: playbook
    path: test/child
    version: 2
    with:
      region: "{{ workload.region }}"
    loop:
      in: "{{ workload.ids }}"
      iterator: id
    next: end
  - step: end
`, map[string]any{"ids": []any{"x", "y"}, "region": "eu"})

	require.Len(t, f.spawner.specs, 2)
	for i, spec := range f.spawner.specs {
		assert.Equal(t, exec, spec.ParentExecutionID)
		assert.Equal(t, "each", spec.ParentStep)
		assert.Equal(t, "test/child", spec.Path)
		assert.Equal(t, "2", spec.Version)
		require.NotNil(t, spec.Index)
		assert.Equal(t, i, *spec.Index)
		assert.Equal(t, "eu", spec.Workload["region"])
	}
	assert.Equal(t, "x", f.spawner.specs[0].Workload["id"])
	assert.Equal(t, "y", f.spawner.specs[1].Workload["id"])

	iterations := f.events(t, exec, schema.EventLoopIteration)
	require.Len(t, iterations, 2)
	assert.Equal(t, f.spawner.specs[0].ExecutionID, iterations[0].ContextMap()["child_execution_id"])
	assert.Empty(t, f.jobs(t, exec))
}

func TestPlaybookStep_SpawnsOnce(t *testing.T) {
	f := newFixture(t)
	exec := f.run(t, `
metadata:
  path: test/parent
  version: "1"
workflow:
  - step: start
    next: child
  - step: child
    type: playbook
    path: test/child
    data:
      who: "{{ workload.who }}"
    next: end
  - step: end
`, map[string]any{"who": "ada"})

	require.NoError(t, f.broker.Evaluate(context.Background(), exec, ""))

	require.Len(t, f.spawner.specs, 1)
	spec := f.spawner.specs[0]
	assert.Equal(t, map[string]any{"who": "ada"}, spec.Workload)
	assert.Nil(t, spec.Index)

	started := f.events(t, exec, schema.EventStepStarted)
	require.Len(t, started, 1)
	assert.Equal(t, spec.ExecutionID, started[0].ContextMap()["child_execution_id"])
	assert.Equal(t, started[0].EventID, spec.ParentEventID)
}

func TestPlaybookStep_NoSpawner(t *testing.T) {
	f := newFixture(t)
	f.broker.SetSpawner(nil)
	ctx := context.Background()
	entry, _, err := f.catalog.Register(ctx, []byte(`
metadata:
  path: test/nospawn
  version: "1"
workflow:
  - step: start
    next: child
  - step: child
    type: playbook
    path: test/child
    next: end
  - step: end
`))
	require.NoError(t, err)
	start := f.emit(t, &schema.Event{ExecutionID: "ex-nospawn", EventType: schema.EventExecutionStart, CatalogID: entry.CatalogID})

	err = f.broker.Evaluate(ctx, "ex-nospawn", start.EventID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionUnavailable))
}

func TestLoopItems(t *testing.T) {
	f := newFixture(t)
	st := &state{data: map[string]any{
		"workload": map[string]any{"m": map[string]any{"b": 2, "a": 1}, "s": `["x","y"]`, "one": "solo"},
	}}
	ctx := context.Background()

	items, err := f.broker.loopItems(ctx, st, "{{ workload.m }}")
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"key": "a", "value": 1},
		map[string]any{"key": "b", "value": 2},
	}, items)

	items, err = f.broker.loopItems(ctx, st, "{{ workload.s }}")
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, items)

	items, err = f.broker.loopItems(ctx, st, "{{ workload.one }}")
	require.NoError(t, err)
	assert.Equal(t, []any{"solo"}, items)

	items, err = f.broker.loopItems(ctx, st, "{{ workload.missing }}")
	require.NoError(t, err)
	assert.Empty(t, items)
}
