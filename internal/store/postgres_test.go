package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rendis/dispatch/pkg/schema"
)

// newPostgresStore starts a throwaway postgres:16 container. It only runs when
// DISPATCH_IT is set, since it needs a Docker daemon.
func newPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	if testing.Short() || os.Getenv("DISPATCH_IT") == "" {
		t.Skip("set DISPATCH_IT=1 to run container-backed tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "dispatch",
			"POSTGRES_PASSWORD": "dispatch",
			"POSTGRES_DB":       "dispatch_test",
		}),
	)
	testcontainers.CleanupContainer(t, pg)
	require.NoError(t, err)

	endpoint, err := pg.Endpoint(ctx, "")
	require.NoError(t, err)

	s, err := NewPostgresStore(fmt.Sprintf("postgres://dispatch:dispatch@%s/dispatch_test?sslmode=disable", endpoint))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgres_EventAndQueueRoundTrip(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	exec := uuid.NewString()

	start := newEvent(exec, schema.EventExecutionStart, "")
	_, err := s.AppendEvent(ctx, start, AppendOptions{Workload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)

	iter := newEvent(exec, schema.EventLoopIteration, "each")
	iter.CurrentIndex = schema.IntPtr(3)
	_, err = s.AppendEvent(ctx, iter, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, start.EventID, iter.ParentEventID)

	found, err := s.FindEvents(ctx, EventFilter{ExecutionID: exec, CurrentIndex: schema.IntPtr(3)})
	require.NoError(t, err)
	require.Len(t, found, 1)

	ok, err := s.InsertJob(ctx, newJob(exec, "each:3"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.InsertJob(ctx, newJob(exec, "each:3"))
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := s.LeaseJob(ctx, "w1", time.Now(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "each:3", job.NodeID)

	failed, err := s.FailJob(ctx, job.QueueID, "w1", true, time.Now(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, schema.JobQueued, failed.Status)
}
