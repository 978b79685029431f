package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-render-supervisor/internal/progress"
	"github.com/randomizedcoder/go-render-supervisor/internal/stats"
	"github.com/randomizedcoder/go-render-supervisor/internal/timeseries"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// ViewMsg carries an updated task view.
type ViewMsg struct {
	View TaskView
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// TaskView is what the dashboard shows about the running task.
type TaskView struct {
	State     string
	Pid       int
	Progress  progress.Snapshot
	Frames    stats.FrameStats
	Output    timeseries.RateStats
	Err       string
	LastLines []string
}

// Source provides the current task view.
type Source interface {
	TaskView() TaskView
}

// Config holds TUI configuration.
type Config struct {
	TaskID      string
	Renderer    string
	Mode        string
	Scene       string
	MetricsAddr string
	Source      Source

	// TailLines is how many renderer lines the output panel shows.
	TailLines int
}

// Model represents the TUI state.
type Model struct {
	taskID      string
	renderer    string
	mode        string
	scene       string
	metricsAddr string
	tailLines   int

	view       TaskView
	hasView    bool
	startTime  time.Time
	lastUpdate time.Time
	showOutput bool

	width  int
	height int

	source Source

	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	tail := cfg.TailLines
	if tail <= 0 {
		tail = 8
	}
	return Model{
		taskID:      cfg.TaskID,
		renderer:    cfg.Renderer,
		mode:        cfg.Mode,
		scene:       cfg.Scene,
		metricsAddr: cfg.MetricsAddr,
		tailLines:   tail,
		source:      cfg.Source,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		showOutput:  true,
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "o":
			m.showOutput = !m.showOutput
			return m, nil
		case "r":
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.source != nil {
			m.view = m.source.TaskView()
			m.hasView = true
		}
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case ViewMsg:
		m.view = msg.View
		m.hasView = true
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the task started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Percent returns the last reported task progress.
func (m Model) Percent() int {
	return m.view.Progress.Percent
}

// State returns the last seen task state.
func (m Model) State() string {
	if !m.hasView {
		return "not_started"
	}
	return m.view.State
}

// Remaining estimates the time left, zero when unknown.
func (m Model) Remaining() time.Duration {
	return m.view.Frames.Remaining(m.view.Progress.FrameCount)
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendView sends a view update to the TUI.
func SendView(p *tea.Program, v TaskView) {
	if p != nil {
		p.Send(ViewMsg{View: v})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}
