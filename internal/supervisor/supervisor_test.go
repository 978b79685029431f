package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randomizedcoder/go-render-supervisor/internal/classifier"
	"github.com/randomizedcoder/go-render-supervisor/internal/process"
	"github.com/randomizedcoder/go-render-supervisor/internal/progress"
	"github.com/randomizedcoder/go-render-supervisor/internal/watchdog"
)

// =============================================================================
// Mock Runner and Scheduler for testing
// =============================================================================

// bashRunner runs a bash script as the "renderer".
type bashRunner struct {
	script   string
	args     []string
	buildErr error

	// connect receives the control-channel args in interactive mode.
	connect chan process.ConnectArgs
}

func newBashRunner(script string, args ...string) *bashRunner {
	return &bashRunner{
		script:  script,
		args:    args,
		connect: make(chan process.ConnectArgs, 1),
	}
}

func (r *bashRunner) Name() string {
	return "mock"
}

func (r *bashRunner) BuildSpec() (process.Spec, error) {
	if r.buildErr != nil {
		return process.Spec{}, r.buildErr
	}
	return process.Spec{
		Executable: "bash",
		Args:       append([]string{"-c", r.script, "bash"}, r.args...),
	}, nil
}

func (r *bashRunner) BuildConnectSpec(args process.ConnectArgs) (process.Spec, error) {
	r.connect <- args
	return r.BuildSpec()
}

// recordingScheduler records everything the supervisor reports.
type recordingScheduler struct {
	mu       sync.Mutex
	percents []int
	statuses []string
	canceled atomic.Bool
}

func (s *recordingScheduler) ReportProgress(p int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.percents = append(s.percents, p)
}

func (s *recordingScheduler) ReportStatus(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, text)
}

func (s *recordingScheduler) IsCanceled() bool {
	return s.canceled.Load()
}

func (s *recordingScheduler) Percents() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.percents)
}

func (s *recordingScheduler) Statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.statuses)
}

// stateRecorder records transitions and when they happened.
type stateRecorder struct {
	mu     sync.Mutex
	start  time.Time
	states []State
	at     map[State]time.Duration
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{start: time.Now(), at: make(map[State]time.Duration)}
}

func (r *stateRecorder) record(_, next State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, next)
	r.at[next] = time.Since(r.start)
}

func (r *stateRecorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

func (r *stateRecorder) At(s State) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.at[s]
	return d, ok
}

// =============================================================================
// Test Helpers
// =============================================================================

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTask() TaskSpec {
	return TaskSpec{
		ID:             "test",
		StartFrame:     1,
		EndFrame:       1,
		StartupTimeout: 5 * time.Second,
		IdleTimeout:    10 * time.Second,
		ShutdownGrace:  time.Second,
		PollInterval:   100 * time.Millisecond,
	}
}

type harness struct {
	sup    *Supervisor
	sched  *recordingScheduler
	states *stateRecorder
	pid    atomic.Int64

	mu        sync.Mutex
	exitCodes []int
	events    []classifier.Event
}

func newHarness(task TaskSpec, runner process.Runner, wd *watchdog.Watchdog) *harness {
	h := &harness{
		sched:  &recordingScheduler{},
		states: newStateRecorder(),
	}
	h.sup = New(Config{
		Task:      task,
		Runner:    runner,
		Watchdog:  wd,
		Scheduler: h.sched,
		Logger:    newTestLogger(),
		Callbacks: Callbacks{
			OnStateChange: h.states.record,
			OnStart:       func(pid int) { h.pid.Store(int64(pid)) },
			OnExit: func(code int, _ time.Duration) {
				h.mu.Lock()
				h.exitCodes = append(h.exitCodes, code)
				h.mu.Unlock()
			},
			OnEvent: func(ev classifier.Event, _ progress.Snapshot) {
				h.mu.Lock()
				h.events = append(h.events, ev)
				h.mu.Unlock()
			},
		},
	})
	return h
}

func (h *harness) ExitCodes() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.exitCodes)
}

func runWithTimeout(t *testing.T, h *harness, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.sup.Run(ctx)
}

func assertFinal(t *testing.T, h *harness, outcome State) {
	t.Helper()
	states := h.states.States()
	if len(states) == 0 || states[len(states)-1] != StateTerminated {
		t.Fatalf("states = %v, want to end in terminated", states)
	}
	if outcome != StateTerminated && !slices.Contains(states, outcome) {
		t.Errorf("states = %v, want %v", states, outcome)
	}
	if h.sup.State() != StateTerminated {
		t.Errorf("State() = %v", h.sup.State())
	}
	if got := h.sup.Outcome(); got != outcome {
		t.Errorf("Outcome() = %v, want %v", got, outcome)
	}
}

// =============================================================================
// Tests: Batch outcomes
// =============================================================================

func TestRun_Completed(t *testing.T) {
	script := `
echo "Rendering frame 1 at 12:00:00"
echo "Rendering Phase: Main Render"
echo "Progress: 50%"
echo "Rendering Phase: Finalize"
echo "Rendering successful"
sleep 0.3
`
	h := newHarness(testTask(), newBashRunner(script), nil)

	if err := runWithTimeout(t, h, 10*time.Second); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	assertFinal(t, h, StateCompleted)

	states := h.states.States()
	want := []State{StateLaunching, StateRunning, StateCompleted, StateTerminated}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}

	percents := h.sched.Percents()
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Errorf("percents = %v, want to end at 100", percents)
	}
	if got := h.sup.Progress().Percent; got != 100 {
		t.Errorf("Progress().Percent = %d", got)
	}
	if codes := h.ExitCodes(); !slices.Equal(codes, []int{0}) {
		t.Errorf("exit codes = %v", codes)
	}
	if h.sup.Err() != nil {
		t.Errorf("Err() = %v", h.sup.Err())
	}
}

func TestRun_ProgressScenario(t *testing.T) {
	task := testTask()
	task.StartFrame, task.EndFrame = 1, 10

	script := `
echo "Rendering Phase: Main Render"
echo "Rendering frame 3 at 12:00:00"
echo "Progress: 50%"
sleep 0.3
`
	h := newHarness(task, newBashRunner(script), nil)
	if err := runWithTimeout(t, h, 10*time.Second); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if percents := h.sched.Percents(); !slices.Contains(percents, 25) {
		t.Errorf("percents = %v, want 25", percents)
	}
	wantStatus := "Frame: 3,  Rendering Phase: Main Render - Progress: 50%"
	if statuses := h.sched.Statuses(); !slices.Contains(statuses, wantStatus) {
		t.Errorf("statuses = %q, want %q", statuses, wantStatus)
	}
}

func TestRun_PercentsAreMonotonicAndBounded(t *testing.T) {
	task := testTask()
	task.StartFrame, task.EndFrame = 0, 3

	script := `
for f in 0 1 2 3; do
  echo "Rendering Phase: Setup"
  echo "Rendering frame $f at 12:00:00"
  echo "Rendering Phase: Main Render"
  echo "Progress: 40%"
  echo "Progress: 150%"
  echo "Rendering Phase: Finalize"
done
sleep 0.2
`
	h := newHarness(task, newBashRunner(script), nil)
	if err := runWithTimeout(t, h, 10*time.Second); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	percents := h.sched.Percents()
	for i, p := range percents {
		if p < 0 || p > 100 {
			t.Errorf("percent %d out of range", p)
		}
		if i > 0 && p < percents[i-1] {
			t.Errorf("percents decreased: %v", percents)
			break
		}
	}
	if percents[len(percents)-1] != 100 {
		t.Errorf("final percent = %d", percents[len(percents)-1])
	}
}

func TestRun_FatalMarkerFailsImmediately(t *testing.T) {
	script := `
echo "Rendering frame 1 at 12:00:00"
echo "Asset missing: foo.tif"
sleep 30
`
	h := newHarness(testTask(), newBashRunner(script), nil)

	start := time.Now()
	err := runWithTimeout(t, h, 20*time.Second)
	elapsed := time.Since(start)

	if KindOf(err) != KindFatalRender {
		t.Fatalf("Run() = %v (kind %v), want fatal render", err, KindOf(err))
	}
	if !strings.Contains(err.Error(), "Asset missing: foo.tif") {
		t.Errorf("error %q does not carry the marker line", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("took %v, want failure without waiting for a timeout", elapsed)
	}
	assertFinal(t, h, StateFailed)
	if slices.Contains(h.states.States(), StateTimedOut) {
		t.Error("fatal marker must not go through TimedOut")
	}
	if len(h.ExitCodes()) != 1 {
		t.Error("renderer was not reaped")
	}
}

func TestRun_FatalMarkerAfterOverlongLine(t *testing.T) {
	script := `
head -c 2000000 /dev/zero | tr '\0' x
echo
echo "Asset missing: foo.tif"
sleep 30
`
	task := testTask()
	task.IdleTimeout = 3 * time.Second

	h := newHarness(task, newBashRunner(script), nil)
	err := runWithTimeout(t, h, 20*time.Second)

	if KindOf(err) != KindFatalRender {
		t.Fatalf("Run() = %v (kind %v), want fatal render", err, KindOf(err))
	}
	if !strings.Contains(err.Error(), "Asset missing: foo.tif") {
		t.Errorf("error %q does not carry the marker line", err)
	}
	assertFinal(t, h, StateFailed)
}

func TestRun_IdleTimeout(t *testing.T) {
	task := testTask()
	task.IdleTimeout = 2000 * time.Millisecond

	h := newHarness(task, newBashRunner("sleep 30"), nil)
	err := runWithTimeout(t, h, 20*time.Second)

	if KindOf(err) != KindTimeout {
		t.Fatalf("Run() = %v, want timeout", err)
	}
	if !strings.Contains(err.Error(), "-idle-timeout") {
		t.Errorf("error %q should name the option", err)
	}
	at, ok := h.states.At(StateTimedOut)
	if !ok {
		t.Fatalf("never timed out: %v", h.states.States())
	}
	if at < 2000*time.Millisecond || at > 3000*time.Millisecond {
		t.Errorf("timed out after %v, want 2000-3000ms", at)
	}
	assertFinal(t, h, StateTimedOut)
}

func TestRun_UnrecognizedOutputDoesNotResetIdle(t *testing.T) {
	task := testTask()
	task.IdleTimeout = 500 * time.Millisecond

	script := `while true; do echo "loading plugin"; sleep 0.05; done`
	h := newHarness(task, newBashRunner(script), nil)

	err := runWithTimeout(t, h, 10*time.Second)
	if KindOf(err) != KindTimeout {
		t.Fatalf("Run() = %v, want timeout", err)
	}
}

func TestRun_RecognizedOutputResetsIdle(t *testing.T) {
	task := testTask()
	task.StartFrame, task.EndFrame = 1, 100
	task.IdleTimeout = 500 * time.Millisecond

	script := `
for i in $(seq 1 10); do echo "Rendering frame $i at 12:00:00"; sleep 0.2; done
`
	h := newHarness(task, newBashRunner(script), nil)
	if err := runWithTimeout(t, h, 10*time.Second); err != nil {
		t.Fatalf("Run() = %v, want completion", err)
	}
}

func TestRun_ExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		wantKind Kind
		wantText string
	}{
		{"clean exit", "sleep 0.2; exit 0", KindNone, ""},
		{"nonzero exit", "echo hello; sleep 0.2; exit 3", KindProcessExited, "exit code 3"},
		{"fatal before exit", `echo "Rendering failed"; exit 1`, KindFatalRender, "Rendering failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(testTask(), newBashRunner(tt.script), nil)
			err := runWithTimeout(t, h, 10*time.Second)
			if KindOf(err) != tt.wantKind {
				t.Fatalf("Run() = %v (kind %v), want %v", err, KindOf(err), tt.wantKind)
			}
			if tt.wantText != "" && !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("error %q does not contain %q", err, tt.wantText)
			}
		})
	}
}

func TestRun_SchedulerCancel(t *testing.T) {
	h := newHarness(testTask(), newBashRunner("sleep 30"), nil)
	time.AfterFunc(200*time.Millisecond, func() { h.sched.canceled.Store(true) })

	start := time.Now()
	err := runWithTimeout(t, h, 10*time.Second)
	if KindOf(err) != KindCanceled {
		t.Fatalf("Run() = %v, want canceled", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("cancellation took %v", time.Since(start))
	}
	assertFinal(t, h, StateCanceled)
}

func TestRun_ContextShutdown(t *testing.T) {
	h := newHarness(testTask(), newBashRunner("sleep 30"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	err := h.sup.Run(ctx)
	if KindOf(err) != KindCanceled || !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want shutdown", err)
	}
	states := h.states.States()
	want := []State{StateLaunching, StateRunning, StateTerminated}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestRun_PopupBlocked(t *testing.T) {
	src := &watchdog.StaticSource{}
	wd := watchdog.New(src, newTestLogger(), watchdog.DefaultHandlers()...)

	h := newHarness(testTask(), newBashRunner("sleep 30"), wd)
	time.AfterFunc(200*time.Millisecond, func() {
		src.SetWindows(watchdog.Window{PID: int(h.pid.Load()), Title: "Unsupported Display"})
	})
	err := runWithTimeout(t, h, 10*time.Second)

	if KindOf(err) != KindPopupBlocked {
		t.Fatalf("Run() = %v, want popup blocked", err)
	}
	if !KindOf(err).IsFatal() {
		t.Error("a popup must be treated as fatal")
	}
	assertFinal(t, h, StateFailed)
}

func TestRun_ForeignPopupIgnored(t *testing.T) {
	// Another renderer on the same host has a dialog up, and an unrelated
	// window of unknown owner carries a matching title.
	src := &watchdog.StaticSource{}
	src.SetWindows(
		watchdog.Window{PID: os.Getpid(), Title: "Change Render history settings now?"},
		watchdog.Window{Title: "Nicht gespeichert"},
	)
	wd := watchdog.New(src, newTestLogger(), watchdog.DefaultHandlers()...)

	script := `
sleep 0.5
echo "Rendering frame 1 at 12:00:00"
echo "Rendering successful"
sleep 0.3
`
	h := newHarness(testTask(), newBashRunner(script), wd)
	if err := runWithTimeout(t, h, 10*time.Second); err != nil {
		t.Fatalf("Run() = %v, want success", err)
	}
	assertFinal(t, h, StateCompleted)
}

func TestRun_ForceKillAfterGrace(t *testing.T) {
	task := testTask()
	task.ShutdownGrace = 300 * time.Millisecond

	script := `
trap '' TERM
echo "Asset missing: bar.tif"
while true; do sleep 0.1; done
`
	h := newHarness(task, newBashRunner(script), nil)
	err := runWithTimeout(t, h, 10*time.Second)
	if KindOf(err) != KindFatalRender {
		t.Fatalf("Run() = %v", err)
	}
	if codes := h.ExitCodes(); !slices.Equal(codes, []int{137}) {
		t.Errorf("exit codes = %v, want SIGKILL (137)", codes)
	}
}

func TestRun_LaunchErrors(t *testing.T) {
	tests := []struct {
		name   string
		runner process.Runner
	}{
		{"no runner", nil},
		{"build error", &bashRunner{buildErr: errors.New("scene file is required")}},
		{"missing executable", process.NewCinema4DRunner(&process.Cinema4DConfig{
			Executable: "/nonexistent/Commandline",
			Scene:      "/jobs/a.c4d",
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(testTask(), tt.runner, nil)
			err := runWithTimeout(t, h, 5*time.Second)
			if KindOf(err) != KindLaunch {
				t.Fatalf("Run() = %v, want launch error", err)
			}
			assertFinal(t, h, StateFailed)
			if h.sup.Pid() != 0 {
				t.Errorf("Pid() = %d", h.sup.Pid())
			}
		})
	}
}

func TestRun_Twice(t *testing.T) {
	h := newHarness(testTask(), newBashRunner("exit 0"), nil)
	_ = runWithTimeout(t, h, 5*time.Second)
	if err := runWithTimeout(t, h, 5*time.Second); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second Run() = %v", err)
	}
}

func TestRun_Callbacks(t *testing.T) {
	var (
		mu      sync.Mutex
		pids    []int
		outputs []string
	)
	sup := New(Config{
		Task:   testTask(),
		Runner: newBashRunner(`echo "Rendering Phase: Setup"; echo plain; echo oops >&2; sleep 0.2`),
		Logger: newTestLogger(),
		Callbacks: Callbacks{
			OnStart: func(pid int) {
				mu.Lock()
				pids = append(pids, pid)
				mu.Unlock()
			},
			OnOutput: func(line string) {
				mu.Lock()
				outputs = append(outputs, line)
				mu.Unlock()
			},
		},
	})
	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(pids) != 1 || pids[0] <= 0 {
		t.Errorf("OnStart pids = %v", pids)
	}
	want := []string{"Rendering Phase: Setup", "plain", "oops"}
	if !slices.Equal(outputs, want) {
		t.Errorf("outputs = %q, want %q", outputs, want)
	}
}

func TestRun_ConcurrentStateAccess(t *testing.T) {
	h := newHarness(testTask(), newBashRunner(`for i in 1 2 3 4 5; do echo "Rendering frame 1 at x"; sleep 0.05; done`), nil)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = h.sup.State()
					_ = h.sup.Progress()
					_ = h.sup.Pid()
				}
			}
		}()
	}
	_ = runWithTimeout(t, h, 10*time.Second)
	close(done)
	wg.Wait()
}

func TestNew_Defaults(t *testing.T) {
	sup := New(Config{Runner: newBashRunner("true")})
	task := sup.Task()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"StartupTimeout", task.StartupTimeout, 1000 * time.Second},
		{"IdleTimeout", task.IdleTimeout, 8000 * time.Second},
		{"ShutdownGrace", task.ShutdownGrace, 10 * time.Second},
		{"PollInterval", task.PollInterval, 500 * time.Millisecond},
		{"EndJobWindow", task.Interactive.EndJobWindow, 5 * time.Second},
		{"Finalize", task.Finalize, progress.FinalizeDisable},
		{"State", sup.State(), StateNotStarted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}
