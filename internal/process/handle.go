package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-render-supervisor/internal/parser"
)

// Status is the lifecycle of a Handle. It only moves forward.
type Status int32

const (
	// StatusRunning: the child has been started and not yet reaped.
	StatusRunning Status = iota

	// StatusExited: the child exited on its own or after SIGTERM.
	StatusExited

	// StatusKilled: the child was force-killed.
	StatusKilled
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// ErrNotExited is returned by Terminate when SIGKILL was needed.
var ErrNotExited = errors.New("process did not exit gracefully")

// Options tune a launch.
type Options struct {
	// BufferSize is the output line channel capacity.
	BufferSize int
	Logger     *slog.Logger
}

// Handle owns exactly one spawned child. No other component may signal or
// reap it. stdout and stderr are merged into one line stream, in the order
// the child wrote them.
type Handle struct {
	cmd    *exec.Cmd
	pid    int
	logger *slog.Logger

	output     *os.File
	pipeline   *parser.Pipeline
	reader     *parser.PipeReader
	readerDone chan struct{}

	exited   chan struct{}
	exitCode int

	mu     sync.Mutex
	status Status

	startTime time.Time
	endTime   time.Time
	closeOnce sync.Once
}

// Start spawns the process described by spec in its own process group.
func Start(spec Spec, opts Options) (*Handle, error) {
	if spec.Executable == "" {
		return nil, errors.New("no executable")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = MergeEnv(os.Environ(), spec.Env)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	// One pipe for both streams keeps interleaving intact.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("starting %s: %w", spec.Executable, err)
	}
	// Parent's write end must be closed so EOF arrives when the child exits.
	w.Close()

	pipeline := parser.NewPipeline("output", opts.BufferSize)
	h := &Handle{
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		logger:     logger,
		output:     r,
		pipeline:   pipeline,
		reader:     parser.NewPipeReader(r, pipeline),
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
		status:     StatusRunning,
		startTime:  time.Now(),
	}

	go func() {
		defer close(h.readerDone)
		h.reader.Run()
	}()
	go h.wait()

	logger.Debug("process_started",
		"pid", h.pid,
		"executable", spec.Executable,
	)
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitCode = extractExitCode(err)
	h.endTime = time.Now()
	if h.status == StatusRunning {
		h.status = StatusExited
	}
	h.mu.Unlock()
	close(h.exited)
}

// Pid returns the child's process ID.
func (h *Handle) Pid() int {
	return h.pid
}

// Owns reports whether pid is in the child's process group, which takes in
// any helper processes the renderer spawned.
func (h *Handle) Owns(pid int) bool {
	if pid <= 0 {
		return false
	}
	pgid, err := syscall.Getpgid(pid)
	return err == nil && pgid == h.pid
}

// Lines returns the merged output stream. It is closed at EOF, which may
// come after Exited if grandchildren still hold the pipe.
func (h *Handle) Lines() <-chan string {
	return h.pipeline.Lines()
}

// Pipeline exposes the output pipeline for stats.
func (h *Handle) Pipeline() *parser.Pipeline {
	return h.pipeline
}

// Exited is closed once the child has been reaped.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// Alive reports whether the child has not been reaped yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code, or -1 while still running. A child killed
// by a signal reports 128+signal.
func (h *Handle) ExitCode() int {
	if h.Alive() {
		return -1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Status returns the lifecycle status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Uptime returns time since start, frozen at exit.
func (h *Handle) Uptime() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.endTime.IsZero() {
		return h.endTime.Sub(h.startTime)
	}
	return time.Since(h.startTime)
}

// WaitExit waits up to timeout for the child to exit on its own.
func (h *Handle) WaitExit(timeout time.Duration) bool {
	if timeout <= 0 {
		return !h.Alive()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.exited:
		return true
	case <-t.C:
		return false
	}
}

// Terminate sends SIGTERM to the process group, waits up to grace, then
// sends SIGKILL. It returns ErrNotExited if the kill was needed.
func (h *Handle) Terminate(grace time.Duration) error {
	if !h.Alive() {
		return nil
	}
	h.signalGroup(syscall.SIGTERM)
	if h.WaitExit(grace) {
		return nil
	}
	h.logger.Warn("force_killing_process", "pid", h.pid, "grace", grace.String())
	h.Kill()
	return ErrNotExited
}

// Kill sends SIGKILL to the process group and waits for the reap.
func (h *Handle) Kill() {
	if !h.Alive() {
		return
	}
	h.mu.Lock()
	if h.status == StatusRunning {
		h.status = StatusKilled
	}
	h.mu.Unlock()

	h.signalGroup(syscall.SIGKILL)
	if !h.WaitExit(5 * time.Second) {
		h.logger.Error("process_not_reaped", "pid", h.pid)
	}
}

func (h *Handle) signalGroup(sig syscall.Signal) {
	if pgid, err := syscall.Getpgid(h.pid); err == nil {
		if err := syscall.Kill(-pgid, sig); err != nil {
			h.logger.Debug("signal_failed", "pid", h.pid, "signal", sig.String(), "error", err)
		}
		return
	}
	_ = h.cmd.Process.Signal(sig)
}

// Close kills the child if still alive and releases the output pipe.
// Safe to call multiple times.
func (h *Handle) Close() error {
	h.Kill()
	var err error
	h.closeOnce.Do(func() {
		h.reader.Close()
		err = h.output.Close()
		// Lines still queued are not wanted any more.
		go h.pipeline.DrainChannel()
	})
	return err
}

// ReaderDone is closed when the output reader has stopped.
func (h *Handle) ReaderDone() <-chan struct{} {
	return h.readerDone
}

// MergeEnv overlays "KEY=VALUE" entries onto base. Later entries win.
func MergeEnv(base, overlay []string) []string {
	index := make(map[string]int, len(base))
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range append(append([]string{}, base...), overlay...) {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := index[key]; ok {
			out[i] = kv
			continue
		}
		index[key] = len(out)
		out = append(out, kv)
	}
	return out
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}
