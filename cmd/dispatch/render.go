package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/rendis/dispatch/internal/orchestrator"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	cellStyle      = lipgloss.NewStyle().Padding(0, 1)
	labelStyle     = lipgloss.NewStyle().Bold(true).Width(12)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		}).
		Headers(headers...)
}

func styleStatus(s schema.Status) string {
	switch s {
	case schema.StatusCompleted:
		return statusComplete.Render(string(s))
	case schema.StatusFailed:
		return statusFailed.Render(string(s))
	case schema.StatusRunning, schema.StatusStarted:
		return statusRunning.Render(string(s))
	}
	return string(s)
}

func renderExecutions(list []*orchestrator.Summary) string {
	if len(list) == 0 {
		return dimStyle.Render("(no executions)")
	}
	t := newTable("EXECUTION", "PLAYBOOK", "STATUS", "PROGRESS", "STARTED", "DURATION")
	for _, s := range list {
		t.Row(
			s.ExecutionID,
			playbookLabel(s),
			styleStatus(s.Status),
			strconv.Itoa(s.Progress)+"%",
			s.StartTime.Local().Format(time.DateTime),
			formatDuration(time.Duration(s.Duration*float64(time.Second))),
		)
	}
	return t.String()
}

func renderSummary(s *orchestrator.Summary) string {
	line := func(label, value string) string {
		return labelStyle.Render(label) + value + "\n"
	}
	out := line("Execution", s.ExecutionID)
	out += line("Playbook", playbookLabel(s))
	if s.ParentExecutionID != "" {
		out += line("Parent", s.ParentExecutionID)
	}
	out += line("Status", styleStatus(s.Status))
	out += line("Progress", fmt.Sprintf("%d%% (%d events)", s.Progress, s.Events))
	out += line("Started", s.StartTime.Local().Format(time.DateTime))
	if s.EndTime != nil {
		out += line("Ended", s.EndTime.Local().Format(time.DateTime))
	}
	out += line("Duration", formatDuration(time.Duration(s.Duration*float64(time.Second))))
	if s.Result != nil {
		out += line("Result", compactJSON(s.Result))
	}
	if s.Error != nil {
		out += line("Error", statusFailed.Render(compactJSON(s.Error)))
	}
	return out
}

func renderEvents(events []*schema.Event) string {
	if len(events) == 0 {
		return dimStyle.Render("(no events)")
	}
	t := newTable("TIME", "TYPE", "NODE", "STATUS", "EVENT")
	for _, ev := range events {
		t.Row(
			ev.CreatedAt.Local().Format("15:04:05.000"),
			ev.EventType,
			ev.NodeName,
			styleStatus(ev.Status),
			ev.EventID,
		)
	}
	return t.String()
}

func renderCatalog(entries []*store.CatalogEntry) string {
	if len(entries) == 0 {
		return dimStyle.Render("(catalog is empty)")
	}
	t := newTable("PATH", "VERSION", "CATALOG ID", "REGISTERED")
	for _, e := range entries {
		t.Row(e.Path, e.Version, e.CatalogID, e.CreatedAt.Local().Format(time.DateTime))
	}
	return t.String()
}

func renderJobs(jobs []*schema.QueueJob) string {
	if len(jobs) == 0 {
		return dimStyle.Render("(no jobs)")
	}
	t := newTable("QUEUE ID", "EXECUTION", "NODE", "STATUS", "ATTEMPTS", "ERROR")
	for _, j := range jobs {
		t.Row(
			j.QueueID,
			j.ExecutionID,
			j.NodeName,
			string(j.Status),
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
			truncate(j.LastError, 48),
		)
	}
	return t.String()
}

func playbookLabel(s *orchestrator.Summary) string {
	if s.PlaybookPath == "" {
		return s.CatalogID
	}
	if s.PlaybookVersion == "" {
		return s.PlaybookPath
	}
	return s.PlaybookPath + "@" + s.PlaybookVersion
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return truncate(string(b), 200)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
