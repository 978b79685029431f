package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-render-supervisor/internal/classifier"
	"github.com/randomizedcoder/go-render-supervisor/internal/control"
	"github.com/randomizedcoder/go-render-supervisor/internal/process"
	"github.com/randomizedcoder/go-render-supervisor/internal/progress"
	"github.com/randomizedcoder/go-render-supervisor/internal/watchdog"
)

// exitDrainTimeout bounds how long output is still read after the renderer
// exited. Grandchildren may keep the pipe open.
const exitDrainTimeout = time.Second

// ErrAlreadyRun is returned when Run is called twice.
var ErrAlreadyRun = errors.New("supervisor already ran")

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Task   TaskSpec
	Runner process.Runner

	// Classifier defaults to classifier.DefaultClassifier().
	Classifier *classifier.Classifier

	// Watchdog may be nil to disable popup detection.
	Watchdog *watchdog.Watchdog

	// Scheduler may be nil.
	Scheduler Scheduler
	Logger    *slog.Logger
	Callbacks Callbacks

	// BufferSize is the output line channel capacity.
	BufferSize int
}

// Supervisor drives one renderer process through one task.
// It is single-use: Run or RunInteractive may be called once.
type Supervisor struct {
	task       TaskSpec
	runner     process.Runner
	classifier *classifier.Classifier
	watchdog   *watchdog.Watchdog
	scheduler  Scheduler
	logger     *slog.Logger
	callbacks  Callbacks
	bufferSize int
	cancel     CancelToken

	stateMu sync.RWMutex
	state   State
	outcome State
	err     error

	progressMu sync.Mutex
	aggregator *progress.Aggregator

	handleMu sync.Mutex
	handle   *process.Handle

	// Loop-owned.
	lastEvent      time.Time
	lastPopupCheck time.Time
	reported       int
	reportedStatus string
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	task := cfg.Task.withDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if task.ID != "" {
		logger = logger.With("task_id", task.ID)
	}
	cls := cfg.Classifier
	if cls == nil {
		cls = classifier.DefaultClassifier()
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = nopScheduler{}
	}

	return &Supervisor{
		task:       task,
		runner:     cfg.Runner,
		classifier: cls,
		watchdog:   cfg.Watchdog,
		scheduler:  sched,
		logger:     logger,
		callbacks:  cfg.Callbacks,
		bufferSize: cfg.BufferSize,
		cancel:     NewCancelToken(task.TempDir),
		state:      StateNotStarted,
		aggregator: progress.New(progress.Config{
			StartFrame: task.StartFrame,
			EndFrame:   task.EndFrame,
			Finalize:   task.Finalize,
		}),
		reported: -1,
	}
}

// Run renders in batch mode: the renderer renders from its command line
// and its output is the only progress signal. It returns nil when the
// renderer exits cleanly, else an *Error.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.transition(StateLaunching) {
		return ErrAlreadyRun
	}
	if s.runner == nil {
		return s.finish(StateFailed, newError(KindLaunch, "no renderer configured", nil), nil, nil)
	}
	spec, err := s.runner.BuildSpec()
	if err != nil {
		return s.finish(StateFailed, newError(KindLaunch, "building "+s.runner.Name()+" command line", err), nil, nil)
	}
	h, err := s.start(spec)
	if err != nil {
		return s.finish(StateFailed, err, nil, nil)
	}

	state, err := s.monitor(ctx, h)
	return s.finish(state, err, h, nil)
}

// monitor is the batch loop. Each iteration waits at most one poll
// interval for output, then re-checks liveness, cancellation, popups and
// the idle window.
func (s *Supervisor) monitor(ctx context.Context, h *process.Handle) (State, error) {
	ticker := time.NewTicker(s.task.PollInterval)
	defer ticker.Stop()

	lines := h.Lines()
	exited := h.Exited()
	var exitSeen time.Time
	s.lastEvent = time.Now()

	for {
		select {
		case <-ctx.Done():
			return StateTerminated, newError(KindCanceled, "shutdown requested", ctx.Err())
		case line, ok := <-lines:
			if !ok {
				lines = nil
				break
			}
			if err := s.handleLine(line); err != nil {
				return StateFailed, err
			}
		case <-exited:
			exited = nil
			exitSeen = time.Now()
		case <-ticker.C:
		}

		if s.State() == StateLaunching && h.Alive() {
			s.transition(StateRunning)
		}

		if !exitSeen.IsZero() {
			if lines == nil || time.Since(exitSeen) >= exitDrainTimeout {
				return s.exitOutcome(h)
			}
			continue
		}

		if err := s.periodicChecks(ctx, h); err != nil {
			return stateFor(err), err
		}
		if silence := time.Since(s.lastEvent); silence >= s.task.IdleTimeout {
			s.logger.Warn("idle_timeout",
				"silence", silence.String(),
				"idle_timeout", s.task.IdleTimeout.String(),
			)
			return StateTimedOut, s.idleTimeoutError()
		}
	}
}

// exitOutcome decides the result of a renderer that exited on its own.
func (s *Supervisor) exitOutcome(h *process.Handle) (State, error) {
	code := h.ExitCode()
	if code == 0 {
		return StateCompleted, nil
	}
	msg := fmt.Sprintf("%s exited unexpectedly with exit code %d", s.runner.Name(), code)
	return StateFailed, newError(KindProcessExited, msg, nil)
}

// handleLine classifies one output line and applies the event. A fatal
// marker is returned as an error.
func (s *Supervisor) handleLine(line string) error {
	if s.callbacks.OnOutput != nil {
		s.callbacks.OnOutput(line)
	}

	ev, ok := s.classifier.Classify(line)
	if !ok {
		return nil
	}
	s.lastEvent = time.Now()

	switch ev.Kind {
	case classifier.EventFatal:
		s.logger.Error("renderer_fatal", "rule", ev.Rule, "message", ev.Message)
		return newError(KindFatalRender, ev.Message, nil)
	case classifier.EventWarning:
		s.logger.Warn("renderer_warning", "rule", ev.Rule, "message", ev.Message)
	case classifier.EventInfo:
		s.logger.Info("renderer_notice", "rule", ev.Rule, "message", ev.Message)
	default:
		s.logger.Debug("renderer_event", "kind", ev.Kind.String(), "rule", ev.Rule)
	}

	s.progressMu.Lock()
	percent, status := s.aggregator.Apply(ev)
	snap := s.aggregator.Snapshot()
	s.progressMu.Unlock()

	s.report(percent, status)
	if ev.Kind == classifier.EventFrameFinalized {
		s.logger.Info("task_overall_progress",
			"percent", percent,
			"finished_frames", snap.FinishedFrames,
			"frame_count", snap.FrameCount,
		)
	}
	if s.callbacks.OnEvent != nil {
		s.callbacks.OnEvent(ev, snap)
	}
	return nil
}

// report forwards changed values to the scheduler.
func (s *Supervisor) report(percent int, status string) {
	if percent != s.reported {
		s.reported = percent
		s.scheduler.ReportProgress(percent)
	}
	if status != "" && status != s.reportedStatus {
		s.reportedStatus = status
		s.scheduler.ReportStatus(status)
	}
}

// periodicChecks polls cancellation every call and popups at most once per
// poll interval. Only dialogs owned by h's process group count.
func (s *Supervisor) periodicChecks(ctx context.Context, h *process.Handle) error {
	if s.scheduler.IsCanceled() {
		s.logger.Info("task_cancel_requested")
		return newError(KindCanceled, "task canceled by the scheduler", nil)
	}
	if s.watchdog != nil && time.Since(s.lastPopupCheck) >= s.task.PollInterval {
		s.lastPopupCheck = time.Now()
		if msg, found := s.watchdog.Check(ctx, h.Owns); found {
			s.logger.Error("popup_blocked", "message", msg)
			return newError(KindPopupBlocked, msg, nil)
		}
	}
	return nil
}

func (s *Supervisor) idleTimeoutError() error {
	return newError(KindTimeout, fmt.Sprintf(
		"Timed out waiting for the next progress update. The -idle-timeout setting (currently %s) controls how long to wait between updates", s.task.IdleTimeout), nil)
}

// start launches spec and records the handle.
func (s *Supervisor) start(spec process.Spec) (*process.Handle, error) {
	s.logger.Info("renderer_launching",
		"renderer", s.runner.Name(),
		"command", spec.CommandString(),
	)
	h, err := process.Start(spec, process.Options{
		BufferSize: s.bufferSize,
		Logger:     s.logger,
	})
	if err != nil {
		s.logger.Error("renderer_launch_failed", "error", err)
		return nil, newError(KindLaunch, "launching "+s.runner.Name(), err)
	}

	s.handleMu.Lock()
	s.handle = h
	s.handleMu.Unlock()

	s.logger.Info("task_started",
		"pid", h.Pid(),
		"start_frame", s.task.StartFrame,
		"end_frame", s.task.EndFrame,
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(h.Pid())
	}
	return h, nil
}

// finish records the outcome, shuts the renderer down and moves to
// Terminated. It returns err unchanged.
func (s *Supervisor) finish(state State, err error, h *process.Handle, sess *control.Session) error {
	if state != StateTerminated {
		s.transition(state)
	}
	s.stateMu.Lock()
	s.outcome = state
	s.err = err
	s.stateMu.Unlock()

	if state == StateCompleted {
		s.logger.Info("task_completed", "percent", s.Progress().Percent)
	} else if err != nil {
		s.logger.Error("task_failed",
			"state", state.String(),
			"kind", KindOf(err).String(),
			"error", err,
		)
		s.scheduler.ReportStatus(err.Error())
	}

	if h != nil {
		if sess != nil {
			s.shutdownInteractive(h, sess)
		} else {
			s.shutdownBatch(h)
		}
		if cerr := h.Close(); cerr != nil {
			s.logger.Debug("renderer_close_failed", "error", cerr)
		}
		s.logger.Info("renderer_exited",
			"pid", h.Pid(),
			"exit_code", h.ExitCode(),
			"status", h.Status().String(),
			"uptime", h.Uptime().String(),
		)
		if s.callbacks.OnExit != nil {
			s.callbacks.OnExit(h.ExitCode(), h.Uptime())
		}
	}

	s.transition(StateTerminated)
	return err
}

// shutdownBatch asks the process group to stop and kills it after the
// grace period. Failures are logged, not returned.
func (s *Supervisor) shutdownBatch(h *process.Handle) {
	if !h.Alive() {
		return
	}
	s.logger.Info("renderer_stopping", "pid", h.Pid(), "grace", s.task.ShutdownGrace.String())
	if err := h.Terminate(s.task.ShutdownGrace); err != nil {
		s.logger.Warn("renderer_force_killed", "pid", h.Pid(), "error", err)
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Outcome returns the state the task ended in before Terminated:
// Completed, Failed, TimedOut or Canceled, or Terminated itself after a
// shutdown request. It is NotStarted while the task runs.
func (s *Supervisor) Outcome() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.outcome
}

// Err returns the task error once Terminated.
func (s *Supervisor) Err() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.err
}

// Progress returns the current progress snapshot. Safe for concurrent use.
func (s *Supervisor) Progress() progress.Snapshot {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	return s.aggregator.Snapshot()
}

// Pid returns the renderer pid, or 0 before launch.
func (s *Supervisor) Pid() int {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.Pid()
}

// Task returns the task spec with defaults applied.
func (s *Supervisor) Task() TaskSpec {
	return s.task
}

// transition moves forward to next. Backward or repeated moves are
// refused and reported as false.
func (s *Supervisor) transition(next State) bool {
	s.stateMu.Lock()
	prev := s.state
	if !CanTransition(prev, next) {
		s.stateMu.Unlock()
		return false
	}
	s.state = next
	s.stateMu.Unlock()

	s.logger.Debug("task_state", "from", prev.String(), "to", next.String())
	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(prev, next)
	}
	return true
}

// stateFor maps a failure to its outcome state.
func stateFor(err error) State {
	switch KindOf(err) {
	case KindNone:
		if err == nil {
			return StateCompleted
		}
		return StateFailed
	case KindTimeout:
		return StateTimedOut
	case KindCanceled:
		return StateCanceled
	default:
		return StateFailed
	}
}
