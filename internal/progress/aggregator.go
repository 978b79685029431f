// Package progress converts classified renderer events into one task-level
// percent-complete value and a status line.
//
// The Aggregator owns a single task's State and is not safe for concurrent
// use; the supervisor applies events from its monitor loop only.
package progress

import (
	"fmt"
	"math"

	"github.com/randomizedcoder/go-render-supervisor/internal/classifier"
)

// FinalizePolicy decides whether sub-progress reporting stays trusted after
// a frame is finalized.
type FinalizePolicy string

const (
	// FinalizeDisable stops trusting sub-progress until the next
	// "Main Render" phase marker.
	FinalizeDisable FinalizePolicy = "disable"

	// FinalizeBlockEngine keeps trusting sub-progress only when a
	// block-reporting engine has been detected in the output.
	FinalizeBlockEngine FinalizePolicy = "block-engine"
)

// Valid reports whether p is a known policy.
func (p FinalizePolicy) Valid() bool {
	return p == FinalizeDisable || p == FinalizeBlockEngine
}

// Config is the per-task input of an Aggregator.
type Config struct {
	StartFrame int
	EndFrame   int
	Finalize   FinalizePolicy
}

// State is the mutable progress state of one task.
type State struct {
	// CurrentFrame is nil until a frame start marker is seen.
	CurrentFrame *int
	Phase        classifier.Phase

	FinishedFrameCount float64
	PreviousFrame      int
	CheckSubProgress   bool

	// BlockEngine is set once a block-reporting engine is seen.
	BlockEngine bool

	LastReportedPercent int
	Status              string

	// previousSet is false until the first frame start; PreviousFrame then
	// starts at that frame instead of the task start frame.
	previousSet bool
}

// Snapshot is a read-only copy of the reportable state.
type Snapshot struct {
	Percent        int
	Status         string
	Phase          classifier.Phase
	Frame          int
	HasFrame       bool
	FinishedFrames float64
	FrameCount     int
}

// Aggregator applies events to State one at a time.
type Aggregator struct {
	cfg        Config
	frameCount int
	state      State
}

// New creates an aggregator for one task. An unknown finalize policy falls
// back to FinalizeDisable.
func New(cfg Config) *Aggregator {
	if !cfg.Finalize.Valid() {
		cfg.Finalize = FinalizeDisable
	}
	return &Aggregator{
		cfg:        cfg,
		frameCount: FrameCount(cfg.StartFrame, cfg.EndFrame),
		state: State{
			PreviousFrame: cfg.StartFrame,
		},
	}
}

// FrameCount is |end-start|+1, which is never zero.
func FrameCount(start, end int) int {
	d := end - start
	if d < 0 {
		d = -d
	}
	return d + 1
}

// FrameCount returns the task's frame count.
func (a *Aggregator) FrameCount() int {
	return a.frameCount
}

// Apply folds one event into the state and returns the reported percent
// (always within [0,100]) and the current status line.
func (a *Aggregator) Apply(ev classifier.Event) (percent int, status string) {
	s := &a.state

	switch ev.Kind {
	case classifier.EventPhaseChange:
		s.Phase = ev.Phase
		if ev.Phase == classifier.PhaseMainRender {
			s.CheckSubProgress = true
		}

	case classifier.EventFrameStarted:
		frame := ev.Frame
		s.CurrentFrame = &frame
		if !s.previousSet {
			s.PreviousFrame = frame
			s.previousSet = true
		}
		s.Status = ev.Line

	case classifier.EventSubProgress:
		// Sub-progress is kept in hundredths of a frame so the comparison
		// and the floor below are exact.
		sub := clamp(ev.Percent, 0, 100)
		if s.CurrentFrame != nil && s.CheckSubProgress {
			cur := *s.CurrentFrame
			if 100*s.PreviousFrame+sub < 100*cur {
				// The frame counter moved past what sub-progress implied.
				s.PreviousFrame = cur
				a.report(floorDiv(100*(cur-a.cfg.StartFrame), a.frameCount))
			} else {
				a.report(floorDiv(100*(cur-a.cfg.StartFrame)+sub, a.frameCount))
			}
		}
		s.Status = a.phaseLabelPrefix() + fmt.Sprintf("Progress: %d%%", ev.Percent)

	case classifier.EventTaskComplete:
		a.report(100)
		s.Status = ev.Line

	case classifier.EventFrameFinalized:
		s.FinishedFrameCount++
		s.Phase = classifier.PhaseFinalize
		s.CheckSubProgress = a.cfg.Finalize == FinalizeBlockEngine && s.BlockEngine
		// Frame-boundary recompute: taken as is, not max'ed with the
		// fine-grained channel.
		s.LastReportedPercent = clamp(floorPercent(s.FinishedFrameCount, a.frameCount), 0, 100)

	case classifier.EventFrameOrdinal:
		s.BlockEngine = true
		s.FinishedFrameCount = float64(ev.Frame - 1)
		if s.FinishedFrameCount < 0 {
			s.FinishedFrameCount = 0
		}
		a.report(floorPercent(s.FinishedFrameCount, a.frameCount))

	case classifier.EventBlockProgress:
		s.BlockEngine = true
		if ev.Total > 0 {
			finished := int(s.FinishedFrameCount)
			a.report(floorDiv(100*(finished*ev.Total+ev.Completed), ev.Total*a.frameCount))
		}

	case classifier.EventEngineDetected:
		s.BlockEngine = true
	}

	return s.LastReportedPercent, s.Status
}

// report raises the reported percent; it never lowers it.
func (a *Aggregator) report(p int) {
	p = clamp(p, 0, 100)
	if p > a.state.LastReportedPercent {
		a.state.LastReportedPercent = p
	}
}

// PhaseLabel is the phase part of the status line, e.g.
// "Frame: 3,  Rendering Phase: Main Render".
func (a *Aggregator) PhaseLabel() string {
	s := &a.state
	if s.Phase == classifier.PhaseNone {
		return ""
	}
	if s.CurrentFrame != nil {
		return fmt.Sprintf("Frame: %d,  Rendering Phase: %s", *s.CurrentFrame, s.Phase)
	}
	return "Rendering Phase: " + s.Phase.String()
}

func (a *Aggregator) phaseLabelPrefix() string {
	if l := a.PhaseLabel(); l != "" {
		return l + " - "
	}
	return ""
}

// State returns a copy of the internal state.
func (a *Aggregator) State() State {
	s := a.state
	if s.CurrentFrame != nil {
		f := *s.CurrentFrame
		s.CurrentFrame = &f
	}
	return s
}

// Snapshot returns the reportable values.
func (a *Aggregator) Snapshot() Snapshot {
	s := &a.state
	snap := Snapshot{
		Percent:        s.LastReportedPercent,
		Status:         s.Status,
		Phase:          s.Phase,
		FinishedFrames: s.FinishedFrameCount,
		FrameCount:     a.frameCount,
	}
	if s.CurrentFrame != nil {
		snap.Frame = *s.CurrentFrame
		snap.HasFrame = true
	}
	return snap
}

func floorPercent(frames float64, frameCount int) int {
	return int(math.Floor(100 * frames / float64(frameCount)))
}

// floorDiv rounds toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
