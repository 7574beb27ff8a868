package eventlog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatch/internal/bus"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/internal/testutil"
	"github.com/rendis/dispatch/pkg/schema"
)

type fakeCatalog map[string]string

func (f fakeCatalog) FetchEntry(_ context.Context, path, version string) (*store.CatalogEntry, error) {
	id, ok := f[path+"@"+version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "playbook %q not found", path)
	}
	return &store.CatalogEntry{CatalogID: id, Path: path, Version: version}, nil
}

type fixture struct {
	log   *Log
	store *store.SQLStore
	hub   *bus.MemoryHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewStore(t)
	hub := bus.NewMemoryHub()
	t.Cleanup(func() { _ = hub.Close() })
	cat := fakeCatalog{"demo/hello@1": "cat-1", "demo/hello@": "cat-latest"}
	return &fixture{log: New(st, cat, hub, testutil.Logger()), store: st, hub: hub}
}

func (f *fixture) start(t *testing.T, exec string) *schema.Event {
	t.Helper()
	res, err := f.log.Emit(context.Background(), &schema.Event{
		ExecutionID: exec,
		EventType:   schema.EventExecutionStart,
		Meta:        json.RawMessage(`{"path":"demo/hello","version":"1"}`),
		Context:     json.RawMessage(`{"workload":{"city":"paris"}}`),
	})
	require.NoError(t, err)
	return res.Event
}

func TestEmit_ExecutionStartResolvesCatalog(t *testing.T) {
	f := newFixture(t)
	ev := f.start(t, "ex-1")

	assert.Equal(t, "cat-1", ev.CatalogID)
	assert.Equal(t, schema.StatusStarted, ev.Status)
	assert.Equal(t, schema.NodeTypePlaybook, ev.NodeType)

	workload, err := f.store.GetWorkload(context.Background(), "ex-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"city":"paris"}`, string(workload))
}

func TestEmit_LaterEventsInheritCatalog(t *testing.T) {
	f := newFixture(t)
	f.start(t, "ex-1")

	res, err := f.log.Emit(context.Background(), &schema.Event{
		ExecutionID: "ex-1", EventType: schema.EventActionStarted, NodeName: "fetch",
	})
	require.NoError(t, err)
	assert.Equal(t, "cat-1", res.Event.CatalogID)
}

func TestEmit_ChildEventsInheritParentExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.log.Emit(ctx, &schema.Event{
		ExecutionID:       "child-1",
		ParentExecutionID: "ex-parent",
		EventType:         schema.EventExecutionStart,
		CatalogID:         "cat-1",
	})
	require.NoError(t, err)

	res, err := f.log.Emit(ctx, &schema.Event{
		ExecutionID: "child-1", EventType: schema.EventActionCompleted, NodeName: "work",
		Result: json.RawMessage(`{"v":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "ex-parent", res.Event.ParentExecutionID)
	assert.Equal(t, "cat-1", res.Event.CatalogID)

	top := f.start(t, "ex-top")
	assert.Empty(t, top.ParentExecutionID)
	res, err = f.log.Emit(ctx, &schema.Event{
		ExecutionID: "ex-top", EventType: schema.EventActionStarted, NodeName: "fetch",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Event.ParentExecutionID)
}

func TestEmit_LatestVersionWhenUnset(t *testing.T) {
	f := newFixture(t)
	res, err := f.log.Emit(context.Background(), &schema.Event{
		ExecutionID: "ex-2", EventType: schema.EventExecutionStart,
		Context: json.RawMessage(`{"playbook_path":"demo/hello"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "cat-latest", res.Event.CatalogID)
}

func TestEmit_CatalogResolutionFailsWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.log.Emit(ctx, &schema.Event{
		ExecutionID: "ex-1", EventType: schema.EventExecutionStart,
		Meta: json.RawMessage(`{"path":"demo/unknown","version":"9"}`),
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCatalogResolution))

	_, err = f.log.Emit(ctx, &schema.Event{ExecutionID: "ex-orphan", EventType: schema.EventResult})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCatalogResolution))

	n, err := f.store.CountEvents(ctx, store.EventFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEmit_InvalidStatusRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.log.Emit(context.Background(), &schema.Event{
		ExecutionID: "ex-1", EventType: schema.EventExecutionStart, Status: "exploded", CatalogID: "cat-1",
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidStatus))
}

func TestEmit_StatusSynonymNormalized(t *testing.T) {
	f := newFixture(t)
	f.start(t, "ex-1")
	res, err := f.log.Emit(context.Background(), &schema.Event{
		ExecutionID: "ex-1", EventType: schema.EventActionCompleted, NodeName: "fetch", Status: "success",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, res.Event.Status)
}

func TestEmit_StepStartedDeduped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ex-1")
	f.log.Wait()

	ch, cancel, err := f.hub.Subscribe(ctx, bus.Filter{EventTypes: []string{schema.EventStepStarted}})
	require.NoError(t, err)
	defer cancel()

	first, err := f.log.Emit(ctx, &schema.Event{ExecutionID: "ex-1", EventType: schema.EventStepStarted, NodeName: "fetch"})
	require.NoError(t, err)
	assert.False(t, first.Deduped)

	second, err := f.log.Emit(ctx, &schema.Event{ExecutionID: "ex-1", EventType: schema.EventStepStarted, NodeName: "fetch"})
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.Event.EventID, second.Event.EventID)
	f.log.Wait()

	assert.Len(t, ch, 1)
	n, err := f.store.CountEvents(ctx, store.EventFilter{ExecutionID: "ex-1", Types: []string{schema.EventStepStarted}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEmit_LoopIterationDedupedPerIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ex-1")

	emit := func(idx int) *EmitResult {
		res, err := f.log.Emit(ctx, &schema.Event{
			ExecutionID: "ex-1", EventType: schema.EventLoopIteration, NodeName: "each", CurrentIndex: schema.IntPtr(idx),
		})
		require.NoError(t, err)
		return res
	}
	assert.False(t, emit(0).Deduped)
	assert.False(t, emit(1).Deduped)
	assert.True(t, emit(0).Deduped)

	n, err := f.store.CountEvents(ctx, store.EventFilter{ExecutionID: "ex-1", Types: []string{schema.EventLoopIteration}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEmit_SameEventIDIsUpdateInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ex-1")

	ev := &schema.Event{EventID: "evt-fixed", ExecutionID: "ex-1", EventType: schema.EventActionStarted, NodeName: "fetch"}
	_, err := f.log.Emit(ctx, ev)
	require.NoError(t, err)

	again := &schema.Event{EventID: "evt-fixed", ExecutionID: "ex-1", EventType: schema.EventActionStarted,
		NodeName: "fetch", Status: "paused"}
	_, err = f.log.Emit(ctx, again)
	require.NoError(t, err)

	events, err := f.log.ByExecution(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.StatusPaused, events[1].Status)
}

func TestEmit_FailureMirroredToErrorLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ex-1")

	_, err := f.log.Emit(ctx, &schema.Event{
		ExecutionID: "ex-1", EventType: schema.EventActionFailed, NodeName: "fetch",
		Error: json.RawMessage(`{"message":"boom"}`),
	})
	require.NoError(t, err)

	entries, err := f.store.ListErrors(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Message)
}

func TestEmit_PublishesNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, cancel, err := f.hub.Subscribe(ctx, bus.Filter{ExecutionID: "ex-9"})
	require.NoError(t, err)
	defer cancel()

	ev := f.start(t, "ex-9")
	select {
	case n := <-ch:
		assert.Equal(t, ev.EventID, n.EventID)
		assert.Equal(t, schema.EventExecutionStart, n.EventType)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}

func TestEmit_LiftsLoopMetadata(t *testing.T) {
	f := newFixture(t)
	f.start(t, "ex-1")
	res, err := f.log.Emit(context.Background(), &schema.Event{
		ExecutionID: "ex-1", EventType: schema.EventLoopIteration, NodeName: "each",
		Context: json.RawMessage(`{"workload":{"_loop":{"current_index":2,"current_item":"rome","iterator":"city","loop_name":"each"}}}`),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Event.CurrentIndex)
	assert.Equal(t, 2, *res.Event.CurrentIndex)
	assert.JSONEq(t, `"rome"`, string(res.Event.CurrentItem))
	assert.Equal(t, "city", res.Event.Iterator)
	assert.Equal(t, "each", res.Event.LoopName)
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ex-1")

	emit := func(ev *schema.Event) {
		_, err := f.log.Emit(ctx, ev)
		require.NoError(t, err)
	}
	emit(&schema.Event{ExecutionID: "ex-1", EventType: schema.EventActionCompleted, NodeName: "fetch",
		Result: json.RawMessage(`{"n":1}`)})
	emit(&schema.Event{ExecutionID: "ex-1", EventType: schema.EventActionCompleted, NodeName: "fetch",
		Result: json.RawMessage(`{"n":2}`)})
	emit(&schema.Event{ExecutionID: "ex-1", EventType: schema.EventActionCompleted, NodeName: "fetch",
		Result: json.RawMessage(`{}`)})
	emit(&schema.Event{ExecutionID: "ex-1", EventType: schema.EventActionCompleted, NodeName: "each",
		CurrentIndex: schema.IntPtr(0), Result: json.RawMessage(`"iteration"`)})

	results, err := f.log.NodeResults(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"fetch": map[string]any{"n": float64(2)}}, results)

	root, err := f.log.EarliestContext(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "paris"}, root["workload"])

	start, err := f.log.Start(ctx, "ex-1")
	require.NoError(t, err)
	byID, err := f.log.ByID(ctx, start.EventID)
	require.NoError(t, err)
	assert.Equal(t, schema.EventExecutionStart, byID.EventType)

	_, err = f.log.Start(ctx, "ex-missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
