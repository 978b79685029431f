package supervisor

import (
	"time"

	"github.com/randomizedcoder/go-render-supervisor/internal/classifier"
	"github.com/randomizedcoder/go-render-supervisor/internal/progress"
)

// TaskSpec is the immutable input of one render task.
type TaskSpec struct {
	// ID tags logs and metrics.
	ID string

	StartFrame int
	EndFrame   int
	FrameStep  int

	// StartupTimeout bounds the control-channel handshake, measured from
	// launch.
	StartupTimeout time.Duration

	// IdleTimeout is the longest allowed silence between recognized
	// output events (batch) or control messages (interactive).
	IdleTimeout time.Duration

	// ShutdownGrace is how long the renderer may take to exit after it
	// was asked to stop, before it is killed.
	ShutdownGrace time.Duration

	// PollInterval bounds each wait in the monitor loop.
	PollInterval time.Duration

	Finalize progress.FinalizePolicy

	// TempDir is the task's private scratch directory. It holds the
	// cancellation sentinel and the failed-import report.
	TempDir string

	Interactive InteractiveSpec
}

// InteractiveSpec holds the control-channel command inputs.
type InteractiveSpec struct {
	// Scene is sent with DeadlineStartup.
	Scene string

	// Script is the render script sent with RunScript.
	Script string

	// Pathmap, when set, is sent as Pathmap:<dir>;<file>.
	Pathmap []string

	// Verbose asks the renderer-side plugin for chatty output.
	Verbose bool

	// EndJobWindow bounds the wait for the EndJob reply.
	EndJobWindow time.Duration
}

// DefaultTaskSpec returns the production timeouts.
func DefaultTaskSpec() TaskSpec {
	return TaskSpec{
		FrameStep:      1,
		StartupTimeout: 1000 * time.Second,
		IdleTimeout:    8000 * time.Second,
		ShutdownGrace:  10 * time.Second,
		PollInterval:   500 * time.Millisecond,
		Finalize:       progress.FinalizeDisable,
		Interactive: InteractiveSpec{
			EndJobWindow: 5 * time.Second,
		},
	}
}

// withDefaults fills zero durations from DefaultTaskSpec.
func (t TaskSpec) withDefaults() TaskSpec {
	d := DefaultTaskSpec()
	if t.FrameStep <= 0 {
		t.FrameStep = d.FrameStep
	}
	if t.StartupTimeout <= 0 {
		t.StartupTimeout = d.StartupTimeout
	}
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = d.IdleTimeout
	}
	if t.ShutdownGrace <= 0 {
		t.ShutdownGrace = d.ShutdownGrace
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if !t.Finalize.Valid() {
		t.Finalize = d.Finalize
	}
	if t.Interactive.EndJobWindow <= 0 {
		t.Interactive.EndJobWindow = d.Interactive.EndJobWindow
	}
	return t
}

// Scheduler is the host job system the supervisor reports to.
type Scheduler interface {
	ReportProgress(percent int)
	ReportStatus(text string)

	// IsCanceled is polled once per monitor iteration.
	IsCanceled() bool
}

type nopScheduler struct{}

func (nopScheduler) ReportProgress(int)  {}
func (nopScheduler) ReportStatus(string) {}
func (nopScheduler) IsCanceled() bool    { return false }

// Callbacks contains optional callback functions for supervisor events.
// They run on the monitor goroutine and must not block.
type Callbacks struct {
	// OnStateChange is called after every transition.
	OnStateChange func(oldState, newState State)

	// OnStart is called when the renderer process starts.
	OnStart func(pid int)

	// OnOutput is called with every renderer output line.
	OnOutput func(line string)

	// OnEvent is called with every classified event and the progress
	// after it was applied.
	OnEvent func(ev classifier.Event, snap progress.Snapshot)

	// OnExit is called once the renderer process is gone.
	OnExit func(exitCode int, uptime time.Duration)
}
