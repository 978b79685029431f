package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-render-supervisor/internal/control"
	"github.com/randomizedcoder/go-render-supervisor/internal/process"
)

// ImportCheckName is the file the renderer-side plugin writes failed
// module imports to.
const ImportCheckName = "importCheck.txt"

// RunInteractive renders over the control channel: the renderer dials back,
// authenticates with a single-use token, and is driven by commands. Its
// process output is still classified for fatal markers and progress.
func (s *Supervisor) RunInteractive(ctx context.Context) error {
	if !s.transition(StateLaunching) {
		return ErrAlreadyRun
	}
	cr, ok := s.runner.(process.ConnectRunner)
	if !ok {
		return s.finish(StateFailed, newError(KindLaunch, "renderer does not support interactive mode", nil), nil, nil)
	}
	if s.task.Interactive.Script == "" {
		return s.finish(StateFailed, newError(KindLaunch, "interactive mode needs a render script", nil), nil, nil)
	}

	if err := s.cancel.Clear(); err != nil {
		s.logger.Warn("cancel_token_clear_failed", "path", s.cancel.Path(), "error", err)
	}
	importFile := ""
	if s.task.TempDir != "" {
		importFile = filepath.Join(s.task.TempDir, ImportCheckName)
	}

	sess, err := control.NewSession(control.SessionConfig{
		PollInterval: s.task.PollInterval,
		ImportFile:   importFile,
		Logger:       s.logger,
	})
	if err != nil {
		return s.finish(StateFailed, newError(KindLaunch, "opening control channel", err), nil, nil)
	}
	defer sess.Close()

	token := uuid.NewString()
	spec, err := cr.BuildConnectSpec(process.ConnectArgs{
		Port:       sess.Port(),
		Token:      token,
		ImportFile: importFile,
	})
	if err != nil {
		return s.finish(StateFailed, newError(KindLaunch, "building "+s.runner.Name()+" command line", err), nil, nil)
	}
	h, err := s.start(spec)
	if err != nil {
		return s.finish(StateFailed, err, nil, nil)
	}

	state, err := s.interact(ctx, sess, h, token)
	return s.finish(state, err, h, sess)
}

// command is one startup command and its payload parts.
type command struct {
	name    string
	payload []string
}

// interact runs the handshake, the startup commands and the render.
func (s *Supervisor) interact(ctx context.Context, sess *control.Session, h *process.Handle, token string) (State, error) {
	s.lastEvent = time.Now()
	lines := h.Lines()

	s.logger.Info("waiting_for_renderer", "port", sess.Port(), "timeout", s.task.StartupTimeout.String())
	startupCheck := s.processCheck(ctx, h, &lines, true)
	if err := sess.Handshake(ctx, token, s.task.StartupTimeout, startupCheck); err != nil {
		return s.controlOutcome(err, h)
	}
	s.transition(StateRunning)
	s.logger.Info("renderer_connected", "port", sess.Port())

	check := s.processCheck(ctx, h, &lines, false)
	spec := s.task.Interactive

	commands := []command{
		{"Verbose", []string{pyBool(spec.Verbose)}},
		{"DeadlineStartup", []string{spec.Scene}},
	}
	if len(spec.Pathmap) > 0 {
		commands = append(commands, command{"Pathmap", spec.Pathmap})
	}
	for _, c := range commands {
		if err := sess.Send(c.name, c.payload...); err != nil {
			return s.controlOutcome(err, h)
		}
		reply, err := sess.Poll(ctx, control.PollOptions{}, check)
		if err != nil {
			return s.controlOutcome(err, h)
		}
		s.logger.Debug("renderer_command_done", "command", c.name, "reply", reply)
	}

	s.scheduler.ReportStatus("Rendering")
	if err := sess.Send("RunScript", spec.Script); err != nil {
		return s.controlOutcome(err, h)
	}
	reply, err := sess.Poll(ctx, control.PollOptions{
		Idle:           s.task.IdleTimeout,
		TimeoutEnabled: true,
	}, check)
	if err != nil {
		return s.controlOutcome(err, h)
	}

	s.logger.Info("renderer_script_done", "reply", reply)
	s.report(100, reply)
	return StateCompleted, nil
}

// processCheck returns the per-iteration check used while waiting on the
// control channel: it drains and classifies process output, then checks
// liveness, cancellation and popups.
func (s *Supervisor) processCheck(ctx context.Context, h *process.Handle, lines *<-chan string, startup bool) control.CheckFunc {
	return func() error {
		if err := s.drainAvailable(lines); err != nil {
			return err
		}
		if !h.Alive() {
			if err := s.drainAfterExit(lines); err != nil {
				return err
			}
			if startup {
				return newError(KindProcessExited, fmt.Sprintf(
					"%s exited unexpectedly - check that it starts up with no dialog messages (exit code %d)", s.runner.Name(), h.ExitCode()), nil)
			}
			return newError(KindProcessExited, fmt.Sprintf(
				"%s exited unexpectedly with exit code %d", s.runner.Name(), h.ExitCode()), nil)
		}
		return s.periodicChecks(ctx, h)
	}
}

// drainAvailable handles every line already queued without blocking.
func (s *Supervisor) drainAvailable(lines *<-chan string) error {
	for *lines != nil {
		select {
		case line, ok := <-*lines:
			if !ok {
				*lines = nil
				return nil
			}
			if err := s.handleLine(line); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// drainAfterExit reads the output tail of an exited renderer, so a fatal
// marker printed just before exit wins over the generic exit error.
func (s *Supervisor) drainAfterExit(lines *<-chan string) error {
	timer := time.NewTimer(exitDrainTimeout)
	defer timer.Stop()
	for *lines != nil {
		select {
		case line, ok := <-*lines:
			if !ok {
				*lines = nil
				return nil
			}
			if err := s.handleLine(line); err != nil {
				return err
			}
		case <-timer.C:
			return nil
		}
	}
	return nil
}

// controlOutcome maps a control-channel error to the task outcome.
func (s *Supervisor) controlOutcome(err error, h *process.Handle) (State, error) {
	var (
		supErr   *Error
		mismatch *control.TokenMismatchError
		importEr *control.ImportError
		remote   *control.RemoteError
	)
	switch {
	case errors.As(err, &supErr):
		return stateFor(supErr), supErr

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StateTerminated, newError(KindCanceled, "shutdown requested", err)

	case errors.As(err, &mismatch):
		s.logger.Error("handshake_token_mismatch", "expected", mismatch.Expected, "got", mismatch.Got)
		return StateFailed, newError(KindProtocol, "control channel handshake failed", err)

	case errors.As(err, &importEr):
		return StateFailed, newError(KindFatalRender, fmt.Sprintf(
			"Failed to import the following modules: %s. Please ensure that your environment is set correctly or that you are allowing the render environment to be set",
			strings.Join(importEr.Modules, ", ")), nil)

	case errors.Is(err, control.ErrStartupTimeout):
		return StateTimedOut, newError(KindTimeout, fmt.Sprintf(
			"Timed out waiting for %s to start - consider increasing -startup-timeout (currently %s)", s.runner.Name(), s.task.StartupTimeout), err)

	case errors.Is(err, control.ErrIdleTimeout):
		s.logger.Warn("idle_timeout", "idle_timeout", s.task.IdleTimeout.String())
		return StateTimedOut, s.idleTimeoutError()

	case errors.Is(err, control.ErrCanceled):
		return StateCanceled, newError(KindCanceled, "render canceled by the renderer", err)

	case errors.As(err, &remote):
		return StateFailed, newError(KindFatalRender, remote.Message, nil)

	case errors.Is(err, control.ErrDisconnected):
		// The renderer usually drops the socket because it is dying.
		if h.WaitExit(s.task.PollInterval) {
			return StateFailed, newError(KindProcessExited, fmt.Sprintf(
				"%s exited unexpectedly with exit code %d", s.runner.Name(), h.ExitCode()), err)
		}
		return StateFailed, newError(KindProtocol, "control channel lost", err)

	default:
		return StateFailed, newError(KindProtocol, "control channel", err)
	}
}

// shutdownInteractive writes the cancellation sentinel, sends EndJob, and
// waits the grace period for the renderer to exit before killing it.
func (s *Supervisor) shutdownInteractive(h *process.Handle, sess *control.Session) {
	if !h.Alive() {
		return
	}
	if err := s.cancel.Signal(); err != nil {
		s.logger.Warn("cancel_token_failed", "error", err)
	}

	if sess.Connected() {
		res := sess.Shutdown(s.task.Interactive.EndJobWindow)
		switch {
		case res.SendErr != nil:
			s.logger.Warn("end_job_send_failed", "error", res.SendErr)
		case !res.Replied:
			s.logger.Warn("end_job_no_reply", "window", s.task.Interactive.EndJobWindow.String())
		default:
			s.logger.Info("end_job_reply",
				"kind", res.Reply.Kind.String(),
				"text", res.Reply.Text,
				"took_ms", res.Elapsed.Milliseconds(),
			)
		}
	}

	start := time.Now()
	if h.WaitExit(s.task.ShutdownGrace) {
		s.logger.Info("renderer_stopped", "took_ms", time.Since(start).Milliseconds())
		return
	}
	s.logger.Warn("renderer_force_killed", "pid", h.Pid(), "grace", s.task.ShutdownGrace.String())
	h.Kill()
}

// pyBool spells a bool the way the renderer-side plugin parses it.
func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
