package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter satisfies Reaper, Sweeper and PoolMarker.
type counter struct {
	calls   atomic.Int32
	n       int
	err     error
	silence time.Duration
	mu      sync.Mutex
}

func (c *counter) Reap(context.Context) (int, error) {
	c.calls.Add(1)
	return c.n, c.err
}

func (c *counter) Sweep(context.Context) (int, error) {
	c.calls.Add(1)
	return c.n, c.err
}

func (c *counter) MarkStale(_ context.Context, maxSilence time.Duration) (int, error) {
	c.mu.Lock()
	c.silence = maxSilence
	c.mu.Unlock()
	c.calls.Add(1)
	return c.n, c.err
}

func newTestScheduler(tasks ...Task) *Scheduler {
	return NewScheduler(tasks, slog.Default())
}

func countingTask(name, spec string, c *counter) Task {
	return Task{Name: name, Spec: spec, Run: c.Reap}
}

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler()
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@every 15s", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(15*time.Second), next)

	next, err = sched.CalculateNextRun("@every 1m", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Minute), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTasks_BuildsConfiguredTasks(t *testing.T) {
	reaper, sweeper, pools := &counter{}, &counter{}, &counter{}

	tasks := Tasks(DefaultConfig(), reaper, sweeper, pools)
	require.Len(t, tasks, 3)
	assert.Equal(t, TaskReap, tasks[0].Name)
	assert.Equal(t, "@every 15s", tasks[0].Spec)
	assert.Equal(t, TaskSweep, tasks[1].Name)
	assert.Equal(t, "@every 30s", tasks[1].Spec)
	assert.Equal(t, TaskStalePools, tasks[2].Name)

	_, err := tasks[2].Run(context.Background())
	require.NoError(t, err)
	pools.mu.Lock()
	assert.Equal(t, 2*time.Minute, pools.silence)
	pools.mu.Unlock()

	cfg := DefaultConfig()
	cfg.SweepSpec = ""
	tasks = Tasks(cfg, reaper, sweeper, nil)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskReap, tasks[0].Name)
}

func TestRunAll_RunsEveryTaskOnce(t *testing.T) {
	reaper, sweeper, pools := &counter{n: 2}, &counter{}, &counter{}
	sched := newTestScheduler(Tasks(DefaultConfig(), reaper, sweeper, pools)...)

	sched.RunAll(context.Background())

	assert.EqualValues(t, 1, reaper.calls.Load())
	assert.EqualValues(t, 1, sweeper.calls.Load())
	assert.EqualValues(t, 1, pools.calls.Load())
}

func TestRunTask_FailureDoesNotStopOthers(t *testing.T) {
	failing := &counter{err: errors.New("store down")}
	healthy := &counter{}
	sched := newTestScheduler(countingTask("a", "@every 1m", failing), countingTask("b", "@every 1m", healthy))

	sched.RunAll(context.Background())
	sched.RunAll(context.Background())

	assert.EqualValues(t, 2, failing.calls.Load())
	assert.EqualValues(t, 2, healthy.calls.Load())
}

func TestRunTask_SkipsCancelledContext(t *testing.T) {
	c := &counter{}
	sched := newTestScheduler(countingTask("a", "@every 1m", c))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sched.RunAll(ctx)
	assert.EqualValues(t, 0, c.calls.Load())
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(countingTask("a", "@every 1m", &counter{}))
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())

	// A stopped scheduler can start again.
	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.Stop())
}

func TestStart_RejectsInvalidSpec(t *testing.T) {
	sched := newTestScheduler(countingTask("bad", "every now and then", &counter{}))
	err := sched.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestStart_RunsOnSchedule(t *testing.T) {
	c := &counter{n: 1}
	sched := newTestScheduler(countingTask("tick", "@every 1s", c))
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Stop() })

	require.Eventually(t, func() bool { return c.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	c := &counter{}
	sched := newTestScheduler(countingTask("reap", "@every 1m", c))
	ctx := context.Background()

	assert.True(t, sched.tryAcquire("reap"))
	assert.False(t, sched.tryAcquire("reap"))

	sched.RunAll(ctx)
	assert.EqualValues(t, 0, c.calls.Load())

	sched.releaseTask("reap")
	sched.RunAll(ctx)
	assert.EqualValues(t, 1, c.calls.Load())
}

func TestDedupReleasedAfterRun(t *testing.T) {
	c := &counter{}
	sched := newTestScheduler(countingTask("reap", "@every 1m", c))

	sched.RunAll(context.Background())
	assert.True(t, sched.tryAcquire("reap"), "task must be released after it finishes")
}
