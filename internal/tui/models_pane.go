package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/events"
)

const maxModelLog = 200

// ModelsPaneModel lists resident models and the cache's load history.
type ModelsPaneModel struct {
	resident map[string]float64
	log      []string
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewModelsPaneModel creates an empty models pane.
func NewModelsPaneModel() ModelsPaneModel {
	return ModelsPaneModel{
		resident: make(map[string]float64),
		viewport: viewport.New(0, 0),
	}
}

// Update scrolls the history when focused.
func (m ModelsPaneModel) Update(msg tea.Msg) (ModelsPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	if _, ok := msg.(tea.KeyMsg); ok && m.focused {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

// HandleEvent folds model cache events into the pane.
func (m ModelsPaneModel) HandleEvent(env events.Envelope) ModelsPaneModel {
	ts := env.Timestamp.Format("15:04:05")
	switch ev := env.Event.(type) {
	case events.ModelLoadedEvent:
		m.resident[ev.Model] = ev.VRAMGB
		m.appendLog(fmt.Sprintf("%s loaded  %s (%.1fGB, %v)", ts, ev.Model, ev.VRAMGB, ev.LoadTime))
	case events.ModelEvictedEvent:
		delete(m.resident, ev.Model)
		m.appendLog(fmt.Sprintf("%s evicted %s (used %d times)", ts, ev.Model, ev.UseCount))
	case events.ModelLoadFailedEvent:
		m.appendLog(fmt.Sprintf("%s FAILED  %s: %s", ts, ev.Model, ev.Err))
	default:
		return m
	}
	m.viewport.SetContent(strings.Join(m.log, "\n"))
	m.viewport.GotoBottom()
	return m
}

func (m *ModelsPaneModel) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxModelLog {
		m.log = m.log[len(m.log)-maxModelLog:]
	}
}

// Resident returns the loaded model names, sorted.
func (m ModelsPaneModel) Resident() []string {
	names := make([]string, 0, len(m.resident))
	for name := range m.resident {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// View renders the models pane.
func (m ModelsPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Models")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n")

	var used float64
	for _, name := range m.Resident() {
		used += m.resident[name]
		fmt.Fprintf(&b, "%s %s %.1fGB\n", StyleStatusComplete.Render("●"), name, m.resident[name])
	}
	if len(m.resident) == 0 {
		b.WriteString(StyleStatusPending.Render("none loaded"))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "in use: %.1fGB\n\n", used)
	b.WriteString(m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ModelsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-len(m.resident)-8, 3)
}

// SetFocused updates the focus state.
func (m *ModelsPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
