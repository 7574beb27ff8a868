package mcp

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatch/internal/bus"
	"github.com/rendis/dispatch/pkg/schema"
)

type sent struct {
	session string
	method  string
	params  map[string]any
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sent
	gone  map[string]bool
	errOn map[string]error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[sessionID] {
		return server.ErrSessionNotFound
	}
	if err := f.errOn[sessionID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{session: sessionID, method: method, params: params})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestWatchRegistry(t *testing.T) {
	r := NewWatchRegistry()
	r.Watch("ex-1", "s1")
	r.Watch("ex-1", "s2")
	r.Watch("ex-1", "s1")
	r.Watch("ex-2", "s1")

	got := r.SessionsFor("ex-1")
	sort.Strings(got)
	assert.Equal(t, []string{"s1", "s2"}, got)
	assert.Empty(t, r.SessionsFor("unknown"))

	r.Remove("s1")
	assert.Equal(t, []string{"s2"}, r.SessionsFor("ex-1"))
	assert.Empty(t, r.SessionsFor("ex-2"))

	r.Forget("ex-1")
	assert.Empty(t, r.SessionsFor("ex-1"))
}

func TestNotifier_DeliversToWatchers(t *testing.T) {
	sender := &fakeSender{}
	watchers := NewWatchRegistry()
	watchers.Watch("ex-1", "s1")
	n := NewNotifier(sender, watchers, nil)

	n.Notify(bus.Notification{ExecutionID: "ex-other", EventType: schema.EventActionCompleted})
	assert.Equal(t, 0, sender.count())

	note := bus.Notification{ExecutionID: "ex-1", EventID: "e1", EventType: schema.EventActionCompleted, Status: schema.StatusCompleted}
	n.Notify(note)
	require.Equal(t, 1, sender.count())
	assert.Equal(t, "s1", sender.sent[0].session)
	assert.Equal(t, notificationMethod, sender.sent[0].method)
	assert.Equal(t, note, sender.sent[0].params["data"])
}

func TestNotifier_ForgetsCompletedExecutions(t *testing.T) {
	sender := &fakeSender{}
	watchers := NewWatchRegistry()
	watchers.Watch("ex-1", "s1")
	n := NewNotifier(sender, watchers, nil)

	n.Notify(bus.Notification{ExecutionID: "ex-1", EventType: schema.EventExecutionComplete})
	assert.Equal(t, 1, sender.count())
	assert.Empty(t, watchers.SessionsFor("ex-1"))
}

func TestNotifier_DropsMissingSessions(t *testing.T) {
	sender := &fakeSender{
		gone:  map[string]bool{"s-gone": true},
		errOn: map[string]error{"s-flaky": errors.New("broken pipe")},
	}
	watchers := NewWatchRegistry()
	watchers.Watch("ex-1", "s-gone")
	watchers.Watch("ex-1", "s-flaky")
	n := NewNotifier(sender, watchers, nil)

	n.Notify(bus.Notification{ExecutionID: "ex-1", EventType: schema.EventStepStarted})
	assert.Equal(t, []string{"s-flaky"}, watchers.SessionsFor("ex-1"))
}

func TestNotifier_ForwardStopsWhenChannelCloses(t *testing.T) {
	sender := &fakeSender{}
	watchers := NewWatchRegistry()
	watchers.Watch("ex-1", "s1")
	n := NewNotifier(sender, watchers, nil)

	ch := make(chan bus.Notification, 2)
	ch <- bus.Notification{ExecutionID: "ex-1", EventType: schema.EventStepStarted}
	ch <- bus.Notification{ExecutionID: "ex-1", EventType: schema.EventStepCompleted}
	close(ch)

	done := make(chan struct{})
	go func() {
		n.Forward(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward did not return")
	}
	assert.Equal(t, 2, sender.count())
}
