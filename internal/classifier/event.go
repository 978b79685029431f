// Package classifier turns single lines of renderer output into typed events.
//
// Classification is driven by an ordered rule table. Rules are evaluated in
// declaration order and the first match wins, so a specific pattern must be
// registered before any generic pattern it overlaps with (for example the
// "Rendering Phase: Main Render" marker before the generic "Progress: N%").
package classifier

// EventKind identifies what a classified line means to the supervisor.
type EventKind int

const (
	// EventNone is the zero value; no rule matched.
	EventNone EventKind = iota

	// EventFatal is a terminal renderer error. The task fails without retry.
	EventFatal

	// EventPhaseChange announces a new render phase (Setup, Main Render).
	EventPhaseChange

	// EventFrameStarted carries the frame number the renderer started.
	EventFrameStarted

	// EventSubProgress carries the percent complete of the current frame.
	// The raw value may exceed 100 and must be clamped by the consumer.
	EventSubProgress

	// EventTaskComplete means the renderer finished the whole task.
	EventTaskComplete

	// EventFrameFinalized means the current frame entered its finalize phase.
	EventFrameFinalized

	// EventBlockProgress carries completed/total compute blocks of a frame.
	EventBlockProgress

	// EventFrameOrdinal carries the 1-based ordinal of a newly started frame
	// for engines that report block progress.
	EventFrameOrdinal

	// EventEngineDetected means a block-reporting render engine is active.
	EventEngineDetected

	// EventWarning is a non-fatal warning worth surfacing.
	EventWarning

	// EventInfo is a recognized, purely informational line.
	EventInfo
)

// String returns the rule-file name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventFatal:
		return "fatal"
	case EventPhaseChange:
		return "phase"
	case EventFrameStarted:
		return "frame_started"
	case EventSubProgress:
		return "sub_progress"
	case EventTaskComplete:
		return "task_complete"
	case EventFrameFinalized:
		return "frame_finalized"
	case EventBlockProgress:
		return "block_progress"
	case EventFrameOrdinal:
		return "frame_ordinal"
	case EventEngineDetected:
		return "engine_detected"
	case EventWarning:
		return "warning"
	case EventInfo:
		return "info"
	default:
		return "unknown"
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, bool) {
	for k := EventFatal; k <= EventInfo; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return EventNone, false
}

// Phase is a named stage of the renderer pipeline.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseSetup
	PhaseMainRender
	PhaseFinalize
)

// String returns the phase as the renderer prints it.
func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "Setup"
	case PhaseMainRender:
		return "Main Render"
	case PhaseFinalize:
		return "Finalize"
	default:
		return ""
	}
}

// ParsePhase accepts the renderer spelling ("Main Render") and the rule-file
// spelling ("main_render").
func ParsePhase(s string) (Phase, bool) {
	switch s {
	case "Setup", "setup":
		return PhaseSetup, true
	case "Main Render", "main_render":
		return PhaseMainRender, true
	case "Finalize", "finalize":
		return PhaseFinalize, true
	default:
		return PhaseNone, false
	}
}

// Event is the typed result of classifying one line.
type Event struct {
	Kind EventKind

	// Rule is the name of the rule that matched.
	Rule string

	// Line is the full input line.
	Line string

	// Message is set for fatal, warning and info events.
	Message string

	Phase Phase

	// Frame is the frame number (EventFrameStarted) or the 1-based frame
	// ordinal (EventFrameOrdinal).
	Frame int

	// Percent is the raw, unclamped sub-progress value.
	Percent int

	// Completed and Total are block counts (EventBlockProgress).
	Completed int
	Total     int
}

// IsTerminal reports whether the event ends the task on its own.
func (e Event) IsTerminal() bool {
	return e.Kind == EventFatal
}
