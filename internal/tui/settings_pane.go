package tui

import (
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/config"
)

// SettingsPaneModel manages the settings form overlay.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.OrchestratorConfig
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings (strings for Huh)
	saveTarget    string
	rootAgent     string
	coderModel    string
	reviewModel   string
	totalVRAM     string
	failurePolicy string
	ollamaHost    string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.OrchestratorConfig, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFromConfig()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFromConfig() {
	m.saveTarget = "global"
	m.rootAgent = m.config.Run.RootAgent
	m.coderModel = m.config.Agents["coder"].Model
	m.reviewModel = m.config.Agents["reviewer"].Model
	m.totalVRAM = strconv.FormatFloat(m.config.ModelCache.TotalVRAMGB, 'f', -1, 64)
	m.failurePolicy = m.config.Run.FailurePolicy
	if m.failurePolicy == "" {
		m.failurePolicy = "fail_fast"
	}
	m.ollamaHost = m.config.Ollama.Host
}

func validateVRAM(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number")
	}
	if v <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.taskforge/config.json)", "global"),
					huh.NewOption("Project (.taskforge/config.json)", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("rootAgent").
				Title("Root Agent").
				Value(&m.rootAgent).
				Placeholder("orchestrator"),

			huh.NewInput().
				Key("coderModel").
				Title("Coder Model").
				Value(&m.coderModel).
				Placeholder("qwen2.5-coder:7b"),

			huh.NewInput().
				Key("reviewModel").
				Title("Reviewer Model").
				Value(&m.reviewModel).
				Placeholder("llama3.1:8b"),
		).Title("Agents"),

		huh.NewGroup(
			huh.NewInput().
				Key("totalVRAM").
				Title("Total VRAM (GB)").
				Value(&m.totalVRAM).
				Validate(validateVRAM),

			huh.NewSelect[string]().
				Key("failurePolicy").
				Title("Child Failure Policy").
				Options(
					huh.NewOption("Fail fast", "fail_fast"),
					huh.NewOption("Wait for all subtasks", "wait_all"),
				).
				Value(&m.failurePolicy),

			huh.NewInput().
				Key("ollamaHost").
				Title("Ollama Host").
				Value(&m.ollamaHost).
				Placeholder("http://localhost:11434"),
		).Title("Runtime"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.applyFormToConfig()

		targetPath := m.globalPath
		if m.saveTarget == "project" {
			targetPath = m.projectPath
		}

		if err := config.Save(m.config, targetPath); err != nil {
			m.err = err
			m.saved = false
		} else {
			m.saved = true
			m.err = nil
			m.visible = false
		}
	}

	return m, cmd
}

// applyFormToConfig copies form field values back to the config struct.
func (m *SettingsPaneModel) applyFormToConfig() {
	if m.rootAgent != "" {
		m.config.Run.RootAgent = m.rootAgent
	}
	if coder, ok := m.config.Agents["coder"]; ok && m.coderModel != "" {
		coder.Model = m.coderModel
		m.config.Agents["coder"] = coder
	}
	if reviewer, ok := m.config.Agents["reviewer"]; ok && m.reviewModel != "" {
		reviewer.Model = m.reviewModel
		m.config.Agents["reviewer"] = reviewer
	}
	if v, err := strconv.ParseFloat(m.totalVRAM, 64); err == nil && v > 0 {
		m.config.ModelCache.TotalVRAMGB = v
	}
	m.config.Run.FailurePolicy = m.failurePolicy
	m.config.Ollama.Host = m.ollamaHost
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.saved && m.form.State == huh.StateCompleted:
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true).
			Render("✓ Settings saved")
	case m.err != nil:
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (applies to the next run)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil

	// Rebuild so a reopened form starts from the current config.
	if v {
		m.loadFromConfig()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}
