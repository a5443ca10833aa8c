package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/events"
)

// ProgressPaneModel shows per-status task counts for the current run.
type ProgressPaneModel struct {
	total     int
	completed int
	running   int
	waiting   int
	failed    int
	cancelled int
	pending   int
	batches   int
	lastBatch int
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	if msg, ok := msg.(tea.WindowSizeMsg); ok {
		m.width = msg.Width
		m.height = msg.Height
	}
	return m, nil
}

// HandleEvent folds run.progress and batch.formed events into the pane.
func (m ProgressPaneModel) HandleEvent(env events.Envelope) ProgressPaneModel {
	switch ev := env.Event.(type) {
	case events.RunProgressEvent:
		m.total = ev.Total
		m.completed = ev.Completed
		m.running = ev.Running
		m.waiting = ev.Waiting
		m.failed = ev.Failed
		m.cancelled = ev.Cancelled
		m.pending = ev.Pending
	case events.BatchFormedEvent:
		m.batches++
		m.lastBatch = len(ev.TaskIDs)
	}
	return m
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Run Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", m.total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(m.completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(m.running)))
	fmt.Fprintf(&b, "Waiting:   %s\n", StyleStatusWaiting.Render(fmt.Sprint(m.waiting)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(m.failed)))
	fmt.Fprintf(&b, "Cancelled: %s\n", StyleStatusPending.Render(fmt.Sprint(m.cancelled)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(m.pending)))
	fmt.Fprintf(&b, "Batches:   %d (last: %d tasks)\n", m.batches, m.lastBatch)
	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := ((m.failed + m.cancelled) * barWidth) / m.total
		runningWidth := ((m.running + m.waiting) * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, m.completed, m.total)
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// Counts returns completed and total as last reported.
func (m ProgressPaneModel) Counts() (completed, total int) {
	return m.completed, m.total
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
