package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatch/internal/bus"
	"github.com/rendis/dispatch/internal/orchestrator"
	"github.com/rendis/dispatch/pkg/schema"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "3m5s", formatDuration(3*time.Minute+5*time.Second))
	assert.Equal(t, "2h7m", formatDuration(2*time.Hour+7*time.Minute))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestPlaybookLabel(t *testing.T) {
	assert.Equal(t, "cat-1", playbookLabel(&orchestrator.Summary{CatalogID: "cat-1"}))
	assert.Equal(t, "demo/a", playbookLabel(&orchestrator.Summary{PlaybookPath: "demo/a"}))
	assert.Equal(t, "demo/a@2", playbookLabel(&orchestrator.Summary{PlaybookPath: "demo/a", PlaybookVersion: "2"}))
}

func TestRenderTables(t *testing.T) {
	assert.Contains(t, renderExecutions(nil), "no executions")
	out := renderExecutions([]*orchestrator.Summary{{
		ExecutionID:  "ex-42",
		PlaybookPath: "demo/a",
		Status:       schema.StatusRunning,
		Progress:     50,
		StartTime:    time.Now(),
		Duration:     1.5,
	}})
	assert.Contains(t, out, "ex-42")
	assert.Contains(t, out, "50%")
	assert.Contains(t, out, "EXECUTION")

	events := renderEvents([]*schema.Event{{EventID: "e1", EventType: schema.EventStepStarted, NodeName: "fetch", CreatedAt: time.Now()}})
	assert.Contains(t, events, "step_started")
	assert.Contains(t, events, "fetch")

	jobs := renderJobs([]*schema.QueueJob{{QueueID: "q1", Status: schema.JobFailed, Attempts: 3, MaxAttempts: 3, LastError: "boom"}})
	assert.Contains(t, jobs, "3/3")
	assert.Contains(t, jobs, "boom")
}

func TestRenderSummary(t *testing.T) {
	end := time.Now()
	out := renderSummary(&orchestrator.Summary{
		ExecutionID: "ex-1",
		CatalogID:   "cat-1",
		Status:      schema.StatusCompleted,
		Progress:    100,
		Events:      7,
		StartTime:   end.Add(-2 * time.Second),
		EndTime:     &end,
		Duration:    2,
		Result:      map[string]any{"total": 6},
	})
	assert.Contains(t, out, "ex-1")
	assert.Contains(t, out, "100% (7 events)")
	assert.Contains(t, out, `{"total":6}`)
	assert.Contains(t, out, "2s")
}

func TestReadWorkload(t *testing.T) {
	w, err := readWorkload(`{"a": 1, "b": [1, 2]}`, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": []any{1, 2}}, w)

	path := filepath.Join(t.TempDir(), "workload.yaml")
	require.NoError(t, os.WriteFile(path, []byte("city: paris\nlimit: 2\n"), 0o600))
	w, err = readWorkload("", path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "paris", "limit": 2}, w)

	w, err = readWorkload("", "")
	require.NoError(t, err)
	assert.Nil(t, w)

	_, err = readWorkload("{}", path)
	assert.Error(t, err)
	_, err = readWorkload("[1, 2]", "")
	assert.Error(t, err)
}

// --- watch model ---

type fakeSummaries struct {
	summary *orchestrator.Summary
	err     error
}

func (f *fakeSummaries) Execution(context.Context, string) (*orchestrator.Summary, error) {
	return f.summary, f.err
}

func TestWatchModel_NotesAndCompletion(t *testing.T) {
	src := &fakeSummaries{summary: &orchestrator.Summary{ExecutionID: "ex-1", Status: schema.StatusRunning, Progress: 40}}
	ch := make(chan bus.Notification, 1)
	m := newWatchModel(context.Background(), src, "ex-1", ch)
	require.NotNil(t, m.Init())

	_, cmd := m.Update(noteMsg{ExecutionID: "ex-1", EventType: schema.EventStepStarted, NodeName: "fetch"})
	require.NotNil(t, cmd)
	require.Len(t, m.notes, 1)

	_, cmd = m.Update(m.loadSummary())
	assert.Nil(t, cmd)
	assert.False(t, m.done)
	assert.Contains(t, m.View(), "40%")
	assert.Contains(t, m.View(), "fetch")

	src.summary = &orchestrator.Summary{ExecutionID: "ex-1", Status: schema.StatusCompleted, Progress: 100}
	_, cmd = m.Update(m.loadSummary())
	require.NotNil(t, cmd)
	assert.True(t, m.done)
	assert.Equal(t, tea.Quit(), cmd())
	assert.NoError(t, m.err)
}

func TestWatchModel_KeepsLastLines(t *testing.T) {
	m := newWatchModel(context.Background(), &fakeSummaries{}, "", make(chan bus.Notification))
	for i := 0; i < maxWatchLines+5; i++ {
		m.Update(noteMsg{ExecutionID: "ex", EventType: schema.EventStepCompleted})
	}
	assert.Len(t, m.notes, maxWatchLines)
	assert.Contains(t, m.View(), "Watching all executions")
}

func TestWatchModel_StreamClosedEarly(t *testing.T) {
	ch := make(chan bus.Notification)
	close(ch)
	m := newWatchModel(context.Background(), &fakeSummaries{}, "ex-1", ch)

	msg := m.waitForNote()
	assert.Equal(t, streamClosedMsg{}, msg)
	_, cmd := m.Update(msg)
	require.NotNil(t, cmd)
	assert.Error(t, m.err)
}

func TestWatchModel_SummaryErrors(t *testing.T) {
	src := &fakeSummaries{err: schema.NewError(schema.ErrCodeNotFound, "not yet")}
	m := newWatchModel(context.Background(), src, "ex-1", make(chan bus.Notification))

	_, cmd := m.Update(m.loadSummary())
	assert.Nil(t, cmd, "not found is tolerated until the start event lands")
	assert.NoError(t, m.err)

	src.err = errors.New("connection refused")
	_, cmd = m.Update(m.loadSummary())
	require.NotNil(t, cmd)
	assert.Error(t, m.err)

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
}
