package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	oklogrun "github.com/oklog/run"

	"github.com/randomizedcoder/go-render-supervisor/internal/classifier"
	"github.com/randomizedcoder/go-render-supervisor/internal/config"
	"github.com/randomizedcoder/go-render-supervisor/internal/logging"
	"github.com/randomizedcoder/go-render-supervisor/internal/metrics"
	"github.com/randomizedcoder/go-render-supervisor/internal/process"
	"github.com/randomizedcoder/go-render-supervisor/internal/progress"
	"github.com/randomizedcoder/go-render-supervisor/internal/stats"
	"github.com/randomizedcoder/go-render-supervisor/internal/supervisor"
	"github.com/randomizedcoder/go-render-supervisor/internal/timeseries"
	"github.com/randomizedcoder/go-render-supervisor/internal/tui"
)

const (
	statsInterval   = time.Second
	shutdownTimeout = 5 * time.Second

	// summaryLines is the renderer output tail printed on failure.
	summaryLines = 20
	tuiTailLines = 8
)

// scheduler is the local stand-in for a render farm scheduler: progress
// goes to metrics, cancellation comes from the dashboard.
type scheduler struct {
	logger    *slog.Logger
	collector *metrics.Collector
	canceled  atomic.Bool
}

func (s *scheduler) ReportProgress(percent int) {
	s.collector.SetProgress(percent)
}

func (s *scheduler) ReportStatus(text string) {
	s.logger.Debug("task_status", "status", text)
}

func (s *scheduler) IsCanceled() bool {
	return s.canceled.Load()
}

// Cancel asks the supervisor to stop the render gracefully.
func (s *scheduler) Cancel() {
	s.canceled.Store(true)
}

// task wires one supervisor run to metrics, frame timing, the renderer
// output buffer and the dashboard.
type task struct {
	cfg    *config.Config
	id     string
	logger *slog.Logger

	sup       *supervisor.Supervisor
	sched     *scheduler
	collector *metrics.Collector
	frames    *stats.FrameTimer
	output    *logging.OutputHandler
	lineRate  *timeseries.RateTracker

	frameCount int
	exitCode   atomic.Int64
	started    time.Time
	elapsed    time.Duration

	done chan struct{}
}

func newTask(cfg *config.Config, id, tempDir string, logger *slog.Logger) (*task, error) {
	cls, err := cfg.Classifier()
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	wd, err := cfg.Watchdog(logger)
	if err != nil {
		return nil, fmt.Errorf("watchdog: %w", err)
	}

	t := &task{
		cfg:        cfg,
		id:         id,
		logger:     logger,
		frames:     stats.NewFrameTimer(),
		lineRate:   timeseries.NewRateTracker(),
		output:     logging.NewOutputHandler(logger.With("task_id", id), cfg.Verbose),
		frameCount: progress.FrameCount(cfg.StartFrame, cfg.EndFrame),
		done:       make(chan struct{}),
	}
	t.exitCode.Store(-1)
	t.collector = metrics.NewCollector(metrics.CollectorConfig{
		TaskID:     id,
		Renderer:   "cinema4d",
		Mode:       cfg.Mode,
		FrameCount: t.frameCount,
	})
	t.sched = &scheduler{logger: logger, collector: t.collector}

	spec := cfg.TaskSpec(id)
	spec.TempDir = tempDir
	t.sup = supervisor.New(supervisor.Config{
		Task:       spec,
		Runner:     process.NewCinema4DRunner(cfg.Cinema4D()),
		Classifier: cls,
		Watchdog:   wd,
		Scheduler:  t.sched,
		Logger:     logger,
		Callbacks: supervisor.Callbacks{
			OnStateChange: func(_, newState supervisor.State) {
				t.collector.SetState(newState.String())
			},
			OnOutput: func(line string) {
				t.output.HandleLine(line)
				t.lineRate.Add(1)
				t.collector.RecordLine()
			},
			OnEvent: t.onEvent,
			OnExit: func(code int, uptime time.Duration) {
				t.exitCode.Store(int64(code))
				t.collector.RecordExit(code, uptime)
			},
		},
	})
	return t, nil
}

func (t *task) onEvent(ev classifier.Event, _ progress.Snapshot) {
	t.collector.RecordEvent(ev.Kind.String())

	switch ev.Kind {
	case classifier.EventFrameStarted, classifier.EventFrameOrdinal,
		classifier.EventFrameFinalized, classifier.EventTaskComplete:
	default:
		return
	}

	before := t.frames.Snapshot().FramesFinished
	t.frames.Observe(ev, time.Now())
	after := t.frames.Snapshot()
	if after.FramesFinished > before {
		t.collector.RecordFrame(after.Last)
	}
	if after.InFrame {
		t.collector.SetCurrentFrame(after.CurrentFrame)
	}
}

// tick refreshes the time based metrics.
func (t *task) tick() {
	t.collector.Tick()
	fs := t.frames.Snapshot()
	t.collector.SetFrameQuantiles(fs.P50, fs.P95, fs.Remaining(t.frameCount))

	t.lineRate.RecordSample()
	out := t.lineRate.Stats()
	t.collector.SetOutputRate(out.Avg10s, out.Avg60s, out.Avg300s, out.Idle)
}

// Run runs the task with its metrics server, stats ticker and optional
// dashboard until the task ends or a termination signal arrives.
func (t *task) Run(ctx context.Context) error {
	t.started = time.Now()
	defer func() { t.elapsed = time.Since(t.started) }()

	var g oklogrun.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Render task.
	{
		taskCtx, taskCancel := context.WithCancel(ctx)
		defer taskCancel()

		g.Add(
			func() error {
				defer close(t.done)
				if t.cfg.Interactive() {
					t.sup.RunInteractive(taskCtx)
				} else {
					t.sup.Run(taskCtx)
				}
				return nil
			},
			func(_ error) {
				taskCancel()
			},
		)
	}

	// Metrics server. A bind failure is logged and the task keeps running.
	if t.cfg.MetricsAddr != "" {
		srv := metrics.NewServer(t.cfg.MetricsAddr, t.logger)
		stop := make(chan struct{})

		g.Add(
			func() error {
				if err := srv.Serve(); err != nil {
					t.logger.Error("metrics_server_failed", "addr", t.cfg.MetricsAddr, "error", err)
					<-stop
				}
				return nil
			},
			func(_ error) {
				close(stop)
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				srv.Shutdown(ctx)
			},
		)
	}

	// Stats ticker.
	{
		stop := make(chan struct{})

		g.Add(
			func() error {
				ticker := time.NewTicker(statsInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						t.tick()
					case <-stop:
						t.tick()
						return nil
					}
				}
			},
			func(_ error) {
				close(stop)
			},
		)
	}

	// Dashboard. Quitting it cancels the render gracefully.
	if t.cfg.TUIEnabled {
		model := tui.New(tui.Config{
			TaskID:      t.id,
			Renderer:    "cinema4d",
			Mode:        t.cfg.Mode,
			Scene:       t.cfg.Scene,
			MetricsAddr: t.cfg.MetricsAddr,
			Source:      t,
			TailLines:   tuiTailLines,
		})
		p := tea.NewProgram(model, tea.WithAltScreen())

		g.Add(
			func() error {
				_, err := p.Run()
				select {
				case <-t.done:
				default:
					t.logger.Info("tui_quit")
					t.sched.Cancel()
					<-t.done
				}
				if err != nil {
					return fmt.Errorf("tui: %w", err)
				}
				return nil
			},
			func(_ error) {
				tui.SendQuit(p)
			},
		)
	}

	return g.Run()
}

// TaskView implements tui.Source.
func (t *task) TaskView() tui.TaskView {
	v := tui.TaskView{
		State:     t.sup.State().String(),
		Pid:       t.sup.Pid(),
		Progress:  t.sup.Progress(),
		Frames:    t.frames.Snapshot(),
		Output:    t.lineRate.Stats(),
		LastLines: t.output.RecentLines(tuiTailLines),
	}
	if err := t.sup.Err(); err != nil {
		v.Err = err.Error()
	}
	return v
}

// Outcome returns the task outcome once Run returned.
func (t *task) Outcome() supervisor.State {
	return t.sup.Outcome()
}

// Summary renders the exit report.
func (t *task) Summary() string {
	s := stats.TaskSummary{
		TaskID:      t.id,
		Renderer:    "cinema4d",
		Mode:        t.cfg.Mode,
		Scene:       t.cfg.Scene,
		StartFrame:  t.cfg.StartFrame,
		EndFrame:    t.cfg.EndFrame,
		State:       t.Outcome().String(),
		Percent:     t.sup.Progress().Percent,
		ExitCode:    int(t.exitCode.Load()),
		Duration:    t.elapsed,
		Frames:      t.frames.Snapshot(),
		MetricsAddr: t.cfg.MetricsAddr,
	}
	if err := t.sup.Err(); err != nil {
		s.Kind = supervisor.KindOf(err).String()
		s.Error = strings.TrimSpace(err.Error())
		s.LastLines = t.output.RecentLines(summaryLines)
	}
	return stats.FormatTaskSummary(s)
}
