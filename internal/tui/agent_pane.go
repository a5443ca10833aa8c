package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/events"
)

// Task display states.
const (
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// AgentState is the display state of one task's control loop.
type AgentState struct {
	TaskID      string
	Description string
	AgentRole   string
	Model       string
	Status      string
	Iteration   int
	Output      []string
	StartTime   time.Time
	Duration    time.Duration
}

// Label is the list entry for the task.
func (a *AgentState) Label() string {
	return fmt.Sprintf("%s %s", a.AgentRole, shortID(a.TaskID))
}

// AgentPaneModel represents the agent list and output viewport pane.
type AgentPaneModel struct {
	agents      map[string]*AgentState // taskID -> state
	agentOrder  []string               // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewAgentPaneModel creates a new agent pane model.
func NewAgentPaneModel() AgentPaneModel {
	return AgentPaneModel{
		agents:   make(map[string]*AgentState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles key and tick messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.agentOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// HandleEvent folds one task event into the pane.
func (m AgentPaneModel) HandleEvent(env events.Envelope) (AgentPaneModel, tea.Cmd) {
	id := env.Event.TaskID()

	if ev, ok := env.Event.(events.TaskStartedEvent); ok {
		if a, exists := m.agents[id]; exists {
			// Resumed after delegation.
			a.Status = StatusRunning
			a.Output = append(a.Output, "[resumed]")
		} else {
			m.agents[id] = &AgentState{
				TaskID:      id,
				Description: ev.Description,
				AgentRole:   ev.AgentRole,
				Model:       ev.Model,
				Status:      StatusRunning,
				Output:      []string{"Task: " + ev.Description},
				StartTime:   env.Timestamp,
			}
			m.agentOrder = append(m.agentOrder, id)
			if len(m.agentOrder) == 1 {
				m.selectedIdx = 0
			}
		}
		return m.refresh(id)
	}

	a, exists := m.agents[id]
	if !exists {
		return m, nil
	}

	switch ev := env.Event.(type) {
	case events.TaskOutputEvent:
		a.Iteration = ev.Iteration
		a.Output = append(a.Output, fmt.Sprintf("--- iteration %d ---", ev.Iteration))
		if ev.Content != "" {
			a.Output = append(a.Output, ev.Content)
		}
		if m.getSelectedTaskID() == id {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}
		return m, nil

	case events.ToolCallEvent:
		result := "ok"
		if !ev.Success {
			result = "failed"
		}
		a.Output = append(a.Output, fmt.Sprintf("[tool %s %s] %s", ev.Tool, result, firstLine(ev.Output)))

	case events.TaskStuckEvent:
		a.Output = append(a.Output, fmt.Sprintf("[stuck: %s, nudge %d]", ev.Reason, ev.Nudge))

	case events.TaskDelegatedEvent:
		a.Output = append(a.Output, fmt.Sprintf("[delegated to %s as %s]", ev.TargetAgent, shortID(ev.ChildID)))

	case events.TaskWaitingEvent:
		a.Status = StatusWaiting

	case events.TaskCompletedEvent:
		a.Status = StatusCompleted
		a.Duration = ev.Duration
		a.Output = append(a.Output, fmt.Sprintf("\n[Completed in %v after %d iterations]", ev.Duration.Round(time.Millisecond), ev.Iterations))

	case events.TaskFailedEvent:
		a.Status = StatusFailed
		a.Duration = ev.Duration
		a.Output = append(a.Output, fmt.Sprintf("\n[Failed (%s): %s]", ev.Reason, ev.Err))

	case events.TaskCancelledEvent:
		a.Status = StatusCancelled
		a.Output = append(a.Output, "\n[Cancelled]")
	}
	return m.refresh(id)
}

func (m AgentPaneModel) refresh(id string) (AgentPaneModel, tea.Cmd) {
	if m.getSelectedTaskID() == id {
		m.updateViewportContent()
	}
	return m, nil
}

// Agent returns the display state of a task.
func (m AgentPaneModel) Agent(taskID string) (*AgentState, bool) {
	a, ok := m.agents[taskID]
	return a, ok
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderAgentList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m AgentPaneModel) renderAgentList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Agents")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.agentOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		for i, taskID := range m.agentOrder {
			agent := m.agents[taskID]
			name := agent.Label()
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}

			line := fmt.Sprintf("%s %s", StatusIcon(agent.Status), name)
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleStatusRunning.Render("●")
	case StatusWaiting:
		return StyleStatusWaiting.Render("◐")
	case StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case StatusFailed:
		return StyleStatusFailed.Render("✗")
	case StatusCancelled:
		return StyleStatusPending.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m AgentPaneModel) getSelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.agentOrder) {
		return m.agentOrder[m.selectedIdx]
	}
	return ""
}

func (m *AgentPaneModel) updateViewportContent() {
	agent, exists := m.agents[m.getSelectedTaskID()]
	if !exists {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s on %s (%s)", agent.AgentRole, agent.Model, agent.Status)
	m.viewport.SetContent(header + "\n\n" + strings.Join(agent.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *AgentPaneModel) resizeViewport() {
	listWidth := 25
	viewportWidth := m.width - listWidth - 4
	viewportHeight := m.height - 4

	m.viewport.Width = max(viewportWidth, 10)
	m.viewport.Height = max(viewportHeight, 5)
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
