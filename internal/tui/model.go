// Package tui renders a running orchestration from its event stream.
package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneAgents PaneID = iota
	PaneModels
	PaneProgress
)

const paneCount = 3

// RunFinishedMsg reports the end of the run to the TUI.
type RunFinishedMsg struct {
	Status string
	Output string
	Err    string
}

// eventMsg carries one bus envelope into the update loop.
type eventMsg events.Envelope

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	agentPane    AgentPaneModel
	modelsPane   ModelsPaneModel
	progressPane ProgressPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Envelope
	finished     *RunFinishedMsg
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// New creates a TUI model subscribed to every event on bus.
func New(bus *events.Bus, cfg *config.OrchestratorConfig, globalPath, projectPath string) Model {
	sub, _ := bus.SubscribeChannel(events.AllEvents, 1024)
	return NewWithChannel(sub, cfg, globalPath, projectPath)
}

// NewWithChannel creates a TUI model reading envelopes from sub.
func NewWithChannel(sub <-chan events.Envelope, cfg *config.OrchestratorConfig, globalPath, projectPath string) Model {
	return Model{
		agentPane:    NewAgentPaneModel(),
		modelsPane:   NewModelsPaneModel(),
		progressPane: NewProgressPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneAgents,
		eventSub:     sub,
	}
}

// Init starts listening for events.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next envelope.
func waitForEvent(sub <-chan events.Envelope) tea.Cmd {
	return func() tea.Msg {
		env, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return eventMsg(env)
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.showSettings {
			switch msg.String() {
			case KeySettings, "esc":
				m.showSettings = false
				m.settingsPane.SetVisible(false)
			default:
				var cmd tea.Cmd
				m.settingsPane, cmd = m.settingsPane.Update(msg)
				cmds = append(cmds, cmd)
				if !m.settingsPane.IsVisible() {
					m.showSettings = false
				}
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneAgents
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneModels
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneAgents:
				m.agentPane, cmd = m.agentPane.Update(msg)
			case PaneModels:
				m.modelsPane, cmd = m.modelsPane.Update(msg)
			case PaneProgress:
				m.progressPane, cmd = m.progressPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case tickMsg:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)

	case eventMsg:
		cmds = append(cmds, m.route(events.Envelope(msg)), waitForEvent(m.eventSub))

	case RunFinishedMsg:
		m.finished = &msg
	}

	return m, tea.Batch(cmds...)
}

// route hands an envelope to the pane that displays it.
func (m *Model) route(env events.Envelope) tea.Cmd {
	switch env.Event.(type) {
	case events.ModelLoadedEvent, events.ModelEvictedEvent, events.ModelLoadFailedEvent:
		m.modelsPane = m.modelsPane.HandleEvent(env)
	case events.RunProgressEvent, events.BatchFormedEvent:
		m.progressPane = m.progressPane.HandleEvent(env)
	case events.TaskAdmittedEvent:
		// Shown once the task starts.
	default:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.HandleEvent(env)
		return cmd
	}
	return nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.modelsPane.View(), m.progressPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.agentPane.View(), rightPane)
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, m.statusLine())
}

func (m Model) statusLine() string {
	if m.finished == nil {
		return HelpView()
	}
	line := fmt.Sprintf("Run %s", m.finished.Status)
	style := StyleStatusComplete
	if m.finished.Err != "" {
		line += ": " + firstLine(m.finished.Err)
		style = StyleStatusFailed
	}
	return style.Render(line) + "  " + StyleHelp.Render("q: quit")
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 55) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar
	rightTopHeight := (availableHeight * 55) / 100

	m.agentPane.SetSize(leftWidth, availableHeight)
	m.modelsPane.SetSize(rightWidth, rightTopHeight)
	m.progressPane.SetSize(rightWidth, availableHeight-rightTopHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.agentPane.SetFocused(m.focusedPane == PaneAgents)
	m.modelsPane.SetFocused(m.focusedPane == PaneModels)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
