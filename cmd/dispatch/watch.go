package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/rendis/dispatch/internal/bus"
	"github.com/rendis/dispatch/internal/orchestrator"
	"github.com/rendis/dispatch/pkg/schema"
)

const maxWatchLines = 20

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
)

func newWatchCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [execution-id]",
		Short: "Follow live notifications, of one execution or of all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			executionID := ""
			if len(args) == 1 {
				executionID = args[0]
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			c := newClient(cfg)
			ch, err := c.Stream(ctx, bus.Filter{ExecutionID: executionID})
			if err != nil {
				return err
			}

			p := tea.NewProgram(newWatchModel(ctx, c, executionID, ch))
			final, err := p.Run()
			if err != nil {
				return err
			}
			if m, ok := final.(*watchModel); ok && m.err != nil {
				return m.err
			}
			return nil
		},
	}
}

// summarySource loads execution summaries. Satisfied by *client.Client.
type summarySource interface {
	Execution(ctx context.Context, executionID string) (*orchestrator.Summary, error)
}

// watchModel renders the notification stream. With an execution id it also
// tracks that execution's summary and exits once it is terminal.
type watchModel struct {
	ctx         context.Context
	source      summarySource
	executionID string
	ch          <-chan bus.Notification

	spinner spinner.Model
	notes   []bus.Notification
	summary *orchestrator.Summary
	done    bool
	err     error
}

func newWatchModel(ctx context.Context, source summarySource, executionID string, ch <-chan bus.Notification) *watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = statusRunning
	return &watchModel{ctx: ctx, source: source, executionID: executionID, ch: ch, spinner: s}
}

// Messages

type noteMsg bus.Notification

type streamClosedMsg struct{}

type summaryMsg struct {
	summary *orchestrator.Summary
	err     error
}

// Commands

func (m *watchModel) waitForNote() tea.Msg {
	n, ok := <-m.ch
	if !ok {
		return streamClosedMsg{}
	}
	return noteMsg(n)
}

func (m *watchModel) loadSummary() tea.Msg {
	s, err := m.source.Execution(m.ctx, m.executionID)
	return summaryMsg{summary: s, err: err}
}

func (m *watchModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, m.waitForNote}
	if m.executionID != "" {
		cmds = append(cmds, m.loadSummary)
	}
	return tea.Batch(cmds...)
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil

	case noteMsg:
		m.notes = append(m.notes, bus.Notification(msg))
		if len(m.notes) > maxWatchLines {
			m.notes = m.notes[len(m.notes)-maxWatchLines:]
		}
		if m.executionID != "" && msg.ExecutionID == m.executionID {
			return m, tea.Batch(m.waitForNote, m.loadSummary)
		}
		return m, m.waitForNote

	case streamClosedMsg:
		m.done = true
		if m.summary == nil || !m.summary.Status.IsTerminal() {
			m.err = fmt.Errorf("event stream closed")
		}
		return m, tea.Quit

	case summaryMsg:
		if msg.err != nil {
			if schema.IsCode(msg.err, schema.ErrCodeNotFound) {
				return m, nil
			}
			m.err = msg.err
			return m, tea.Quit
		}
		m.summary = msg.summary
		if m.summary.Status.IsTerminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *watchModel) View() string {
	var b strings.Builder
	title := "Watching all executions"
	if m.executionID != "" {
		title = "Watching " + m.executionID
	}
	b.WriteString(titleStyle.Render(title) + "\n")

	if m.summary != nil {
		fmt.Fprintf(&b, "%s %s  %d%%  %s\n\n",
			m.indicator(), styleStatus(m.summary.Status), m.summary.Progress, playbookLabel(m.summary))
	} else if !m.done {
		b.WriteString(m.spinner.View() + " waiting for events\n\n")
	}

	if len(m.notes) == 0 {
		b.WriteString(dimStyle.Render("(no notifications yet)") + "\n")
	}
	for _, n := range m.notes {
		line := fmt.Sprintf("%-20s %-18s %s", n.EventType, n.NodeName, styleStatus(n.Status))
		if m.executionID == "" {
			line = dimStyle.Render(n.ExecutionID) + "  " + line
		}
		b.WriteString(line + "\n")
	}

	if m.summary != nil && m.summary.Status.IsTerminal() {
		b.WriteString("\n" + renderSummary(m.summary))
	}
	if m.err != nil {
		b.WriteString("\n" + statusFailed.Render("error: "+m.err.Error()) + "\n")
	}
	b.WriteString(helpStyle.Render("[q] quit"))
	return b.String()
}

func (m *watchModel) indicator() string {
	switch {
	case m.summary.Status == schema.StatusCompleted:
		return statusComplete.Render("✓")
	case m.summary.Status == schema.StatusFailed:
		return statusFailed.Render("✗")
	}
	return m.spinner.View()
}
