package tui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-render-supervisor/internal/stats"
	"github.com/randomizedcoder/go-render-supervisor/internal/timeseries"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderDashboard renders the task dashboard.
func (m Model) renderDashboard() string {
	sections := []string{
		m.renderHeader(),
		m.renderProgress(),
		m.renderFrames(),
	}
	if m.view.Err != "" {
		sections = append(sections, m.renderFailure())
	}
	if m.showOutput && len(m.view.LastLines) > 0 {
		sections = append(sections, m.renderOutput())
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" go-render-supervisor │ %s │ %s │ Elapsed: %s ",
		m.taskID,
		GetStateLabel(m.State()),
		stats.FormatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}

	status := m.view.Progress.Status
	if status == "" {
		status = "Waiting for renderer output"
	}

	rows := []string{
		sectionHeaderStyle.Render("Progress"),
		RenderProgressBar(m.view.Progress.Percent, barWidth),
		mutedStyle.Render(status),
		RenderKeyValue("Renderer", fmt.Sprintf("%s (%s)", m.renderer, m.mode)),
	}
	if m.scene != "" {
		rows = append(rows, RenderKeyValue("Scene", m.scene))
	}
	if m.view.Pid > 0 {
		rows = append(rows, RenderKeyValue("PID", strconv.Itoa(m.view.Pid)))
	}
	if out := m.view.Output; out.Total > 0 {
		rows = append(rows, RenderKeyValue("Output", formatOutputRate(out)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Frame Statistics
// =============================================================================

func (m Model) renderFrames() string {
	p := m.view.Progress
	f := m.view.Frames

	current := "-"
	if p.HasFrame {
		current = strconv.Itoa(p.Frame)
	}
	phase := "-"
	if name := p.Phase.String(); name != "" {
		phase = name
	}

	rows := []string{
		sectionHeaderStyle.Render("Frames"),
		RenderKeyValue("Current Frame", current),
		RenderKeyValue("Phase", phase),
		RenderKeyValue("Finished", fmt.Sprintf("%d / %d", f.FramesFinished, p.FrameCount)),
	}
	if f.FramesFinished > 0 {
		rows = append(rows,
			RenderKeyValue("Last Frame", stats.FormatSeconds(f.Last)),
			RenderKeyValue("P50 (median)", stats.FormatSeconds(f.P50)),
			RenderKeyValue("P95", stats.FormatSeconds(f.P95)),
		)
	}
	if rem := m.Remaining(); rem > 0 {
		rows = append(rows, RenderKeyValue("Est. Remaining", stats.FormatDuration(rem)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Failure and Output
// =============================================================================

func (m Model) renderFailure() string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Failure"),
		statusError.Render(m.view.Err),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderOutput() string {
	lines := m.view.LastLines
	if len(lines) > m.tailLines {
		lines = lines[len(lines)-m.tailLines:]
	}

	rows := []string{sectionHeaderStyle.Render("Renderer Output")}
	for _, l := range lines {
		rows = append(rows, dimStyle.Render(truncate(l, m.width-6)))
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	footer := "q: quit (stops the render) │ o: toggle output │ r: refresh"
	if m.metricsAddr != "" {
		footer += " │ metrics: http://" + m.metricsAddr + "/metrics"
	}
	return footerStyle.Render(footer)
}

// formatOutputRate renders the line count, the one minute rate and, after
// a few seconds of silence, how long the renderer has been quiet.
func formatOutputRate(out timeseries.RateStats) string {
	s := fmt.Sprintf("%s lines (%.1f/s)", stats.FormatNumber(out.Total), out.Avg60s)
	if out.Idle >= 5*time.Second {
		s += ", quiet for " + stats.FormatDuration(out.Idle)
	}
	return s
}

// truncate shortens s to width runes, marking the cut with "…".
func truncate(s string, width int) string {
	if width <= 1 {
		return s
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
