package stats

import (
	"fmt"
	"strings"
	"time"
)

// TaskSummary is everything the exit summary shows about one task.
type TaskSummary struct {
	TaskID   string
	Renderer string
	Mode     string
	Scene    string

	StartFrame int
	EndFrame   int

	// State is the task outcome ("completed", "failed", ...).
	State string

	// Kind and Error are set on failure.
	Kind  string
	Error string

	Percent  int
	ExitCode int
	Duration time.Duration
	Frames   FrameStats

	// LastLines is the renderer output tail, shown on failure only.
	LastLines []string

	MetricsAddr string
}

const (
	rule  = "═══════════════════════════════════════════════════════════════════════════════\n"
	thin  = "───────────────────────────────────────────────────────────────────────────────\n"
	title = "                        go-render-supervisor Task Summary\n"
)

// FormatTaskSummary formats a task for display at program exit.
func FormatTaskSummary(s TaskSummary) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(rule)
	b.WriteString(title)
	b.WriteString(rule + "\n")

	fmt.Fprintf(&b, "Task:                   %s\n", s.TaskID)
	fmt.Fprintf(&b, "Renderer:               %s (%s mode)\n", s.Renderer, s.Mode)
	if s.Scene != "" {
		fmt.Fprintf(&b, "Scene:                  %s\n", s.Scene)
	}
	fmt.Fprintf(&b, "Frames:                 %d-%d\n", s.StartFrame, s.EndFrame)
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(s.Duration))
	fmt.Fprintf(&b, "Outcome:                %s\n", strings.ToUpper(s.State))
	fmt.Fprintf(&b, "Progress:               %d%%\n", s.Percent)
	fmt.Fprintf(&b, "Renderer Exit Code:     %d %s\n\n", s.ExitCode, exitCodeLabel(s.ExitCode))

	if s.Frames.FramesFinished > 0 || s.Frames.FramesStarted > 0 {
		b.WriteString(thin)
		b.WriteString("                                Frame Times\n")
		b.WriteString(thin + "\n")
		fmt.Fprintf(&b, "  Frames Started:       %d\n", s.Frames.FramesStarted)
		fmt.Fprintf(&b, "  Frames Finished:      %d\n", s.Frames.FramesFinished)
		if s.Frames.FramesFinished > 0 {
			fmt.Fprintf(&b, "  Mean:                 %s\n", FormatSeconds(s.Frames.Mean))
			fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatSeconds(s.Frames.P50))
			fmt.Fprintf(&b, "  P95:                  %s\n", FormatSeconds(s.Frames.P95))
			fmt.Fprintf(&b, "  Max:                  %s\n", FormatSeconds(s.Frames.Max))
		}
		b.WriteString("\n")
	}

	if s.Error != "" {
		b.WriteString(thin)
		b.WriteString("                                  Failure\n")
		b.WriteString(thin + "\n")
		if s.Kind != "" {
			fmt.Fprintf(&b, "  Kind:                 %s\n", s.Kind)
		}
		for i, line := range strings.Split(s.Error, "\n") {
			if i == 0 {
				fmt.Fprintf(&b, "  Reason:               %s\n", line)
				continue
			}
			fmt.Fprintf(&b, "                        %s\n", line)
		}
		if len(s.LastLines) > 0 {
			fmt.Fprintf(&b, "\n  Last %d renderer lines:\n", len(s.LastLines))
			for _, line := range s.LastLines {
				fmt.Fprintf(&b, "    | %s\n", line)
			}
		}
		b.WriteString("\n")
	}

	if s.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", s.MetricsAddr)
	}
	b.WriteString(rule)
	return b.String()
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case -1:
		return "(not started)"
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatSeconds formats a frame time with one decimal, e.g. "12.5s".
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}
