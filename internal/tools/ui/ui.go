// Package ui renders a long-running operator task as a small terminal view.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingLeft(2)
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type Task func(ctx context.Context) ([]string, error)

type tickMsg time.Time

type doneMsg struct {
	details []string
	err     error
}

type model struct {
	title   string
	task    Task
	ctx     context.Context
	cancel  context.CancelFunc
	frame   int
	started time.Time
	done    bool
	details []string
	err     error
}

func newModel(title string, task Task, timeout time.Duration) *model {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &model{title: title, task: task, ctx: ctx, cancel: cancel, started: time.Now()}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) Init() tea.Cmd {
	run := func() tea.Msg {
		details, err := m.task(m.ctx)
		return doneMsg{details: details, err: err}
	}
	return tea.Batch(tick(), run)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.String() == "q" {
			m.cancel()
			m.err = context.Canceled
			m.done = true
			return m, tea.Quit
		}
	case tickMsg:
		if m.done {
			return m, nil
		}
		m.frame = (m.frame + 1) % len(spinnerFrames)
		return m, tick()
	case doneMsg:
		m.done = true
		m.details = msg.details
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m *model) View() string {
	var b strings.Builder
	elapsed := time.Since(m.started).Round(100 * time.Millisecond)
	switch {
	case !m.done:
		fmt.Fprintf(&b, "%s %s %s\n", spinnerFrames[m.frame], titleStyle.Render(m.title), detailStyle.Render(elapsed.String()))
	case m.err != nil:
		fmt.Fprintf(&b, "%s %s\n", failStyle.Render("✗"), titleStyle.Render(m.title))
	default:
		fmt.Fprintf(&b, "%s %s %s\n", okStyle.Render("✓"), titleStyle.Render(m.title), detailStyle.Render(elapsed.String()))
	}
	for _, d := range m.details {
		b.WriteString(detailStyle.Render(d))
		b.WriteByte('\n')
	}
	if m.done && m.err != nil {
		b.WriteString(failStyle.Render("error: " + m.err.Error()))
		b.WriteByte('\n')
	}
	return b.String()
}

// Run executes task behind a spinner and returns its details once it ends.
func Run(title string, task Task) ([]string, error) {
	return RunWithTimeout(title, 3*time.Minute, task)
}

func RunWithTimeout(title string, timeout time.Duration, task Task) ([]string, error) {
	m := newModel(title, task, timeout)
	defer m.cancel()
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return nil, err
	}
	fm := final.(*model)
	return fm.details, fm.err
}
