package process

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bashSpec(script string) Spec {
	return Spec{Executable: "bash", Args: []string{"-c", script}}
}

func startBash(t *testing.T, script string) *Handle {
	t.Helper()
	h, err := Start(bashSpec(script), Options{BufferSize: 16, Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func readAll(t *testing.T, h *Handle) []string {
	t.Helper()
	var lines []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-h.Lines():
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-timeout:
			t.Fatalf("timed out reading output, got %q", lines)
		}
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusRunning, "running"},
		{StatusExited, "exited"},
		{StatusKilled, "killed"},
		{Status(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestStart_MergesStdoutAndStderr(t *testing.T) {
	h := startBash(t, `echo one; echo two >&2; echo three`)
	lines := readAll(t, h)

	want := []string{"one", "two", "three"}
	if strings.Join(lines, ",") != strings.Join(want, ",") {
		t.Errorf("lines = %q, want %q", lines, want)
	}

	<-h.Exited()
	if h.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d, want 0", h.ExitCode())
	}
	if h.Status() != StatusExited {
		t.Errorf("Status() = %v, want exited", h.Status())
	}
}

func TestStart_ExitCode(t *testing.T) {
	tests := []struct {
		name string
		code int
	}{
		{"zero", 0},
		{"one", 1},
		{"forty-two", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startBash(t, "exit "+strconv.Itoa(tt.code))
			if !h.WaitExit(5 * time.Second) {
				t.Fatal("process did not exit")
			}
			if h.ExitCode() != tt.code {
				t.Errorf("ExitCode() = %d, want %d", h.ExitCode(), tt.code)
			}
			if h.Alive() {
				t.Error("Alive() after exit")
			}
		})
	}
}

func TestStart_NoExecutable(t *testing.T) {
	if _, err := Start(Spec{}, Options{}); err == nil {
		t.Fatal("expected error for empty executable")
	}
	if _, err := Start(Spec{Executable: "/nonexistent/binary"}, Options{Logger: newTestLogger()}); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestHandle_ExitCodeWhileRunning(t *testing.T) {
	h := startBash(t, "sleep 5")
	if !h.Alive() {
		t.Fatal("expected alive")
	}
	if h.ExitCode() != -1 {
		t.Errorf("ExitCode() = %d, want -1 while running", h.ExitCode())
	}
	if h.Pid() <= 0 {
		t.Errorf("Pid() = %d", h.Pid())
	}
}

func TestHandle_Owns(t *testing.T) {
	h := startBash(t, "sleep 30 & echo $!; wait")

	var helper int
	select {
	case line := <-h.Lines():
		pid, err := strconv.Atoi(line)
		if err != nil {
			t.Fatalf("helper pid line %q: %v", line, err)
		}
		helper = pid
	case <-time.After(5 * time.Second):
		t.Fatal("no helper pid printed")
	}

	tests := []struct {
		name string
		pid  int
		want bool
	}{
		{"renderer", h.Pid(), true},
		{"helper spawned by the renderer", helper, true},
		{"supervisor itself", os.Getpid(), false},
		{"no pid", 0, false},
		{"negative", -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.Owns(tt.pid); got != tt.want {
				t.Errorf("Owns(%d) = %v, want %v", tt.pid, got, tt.want)
			}
		})
	}
}

func TestHandle_TerminateGraceful(t *testing.T) {
	h := startBash(t, "sleep 30")

	start := time.Now()
	if err := h.Terminate(2 * time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("SIGTERM exit took %v", time.Since(start))
	}
	if h.Alive() {
		t.Error("still alive after Terminate")
	}
	if h.Status() != StatusExited {
		t.Errorf("Status() = %v, want exited", h.Status())
	}
}

func TestHandle_TerminateForcesKill(t *testing.T) {
	// The shell ignores SIGTERM; only SIGKILL works.
	h := startBash(t, `trap '' TERM; echo ready; while true; do sleep 0.05; done`)
	if line := <-h.Lines(); line != "ready" {
		t.Fatalf("first line = %q", line)
	}

	err := h.Terminate(200 * time.Millisecond)
	if !errors.Is(err, ErrNotExited) {
		t.Fatalf("Terminate err = %v, want ErrNotExited", err)
	}
	if h.Alive() {
		t.Error("still alive after forced kill")
	}
	if h.Status() != StatusKilled {
		t.Errorf("Status() = %v, want killed", h.Status())
	}
	if h.ExitCode() != 128+9 {
		t.Errorf("ExitCode() = %d, want 137", h.ExitCode())
	}
}

func TestHandle_StatusForwardOnly(t *testing.T) {
	h := startBash(t, "exit 0")
	<-h.Exited()
	h.Kill()
	if h.Status() != StatusExited {
		t.Errorf("Status() = %v, Kill after exit must not change it", h.Status())
	}
	if err := h.Terminate(time.Second); err != nil {
		t.Errorf("Terminate after exit: %v", err)
	}
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	h := startBash(t, "sleep 30")
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	h.Close()
	if h.Alive() {
		t.Error("Close must kill the child")
	}
	select {
	case <-h.ReaderDone():
	case <-time.After(2 * time.Second):
		t.Error("reader did not stop after Close")
	}
}

func TestHandle_EnvOverlay(t *testing.T) {
	spec := bashSpec(`echo "$RENDER_TEST_VAR"`)
	spec.Env = []string{"RENDER_TEST_VAR=hello"}
	h, err := Start(spec, Options{Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close()

	lines := readAll(t, h)
	if len(lines) != 1 || lines[0] != "hello" {
		t.Errorf("lines = %q", lines)
	}
}

func TestMergeEnv(t *testing.T) {
	got := MergeEnv(
		[]string{"A=1", "B=2", "PATH=/bin"},
		[]string{"B=3", "C=4", "PATH=/bin:/opt"},
	)
	want := []string{"A=1", "B=3", "PATH=/bin:/opt", "C=4"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("MergeEnv = %q, want %q", got, want)
	}
}

func TestSpec_CommandString(t *testing.T) {
	spec := Spec{
		Executable: "/opt/c4d/Commandline",
		Args:       []string{"-render", "/jobs/my scene.c4d", "-frame", "1", "10"},
	}
	want := `/opt/c4d/Commandline -render "/jobs/my scene.c4d" -frame 1 10`
	if got := spec.CommandString(); got != want {
		t.Errorf("CommandString() = %q, want %q", got, want)
	}
}
