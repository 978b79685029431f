// Package main provides the go-render-supervisor CLI entry point.
//
// go-render-supervisor runs one Cinema4D render task: it launches the
// renderer in batch or interactive mode, turns its output into progress,
// and reports a single outcome through its exit code.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/oklog/ulid/v2"

	"github.com/randomizedcoder/go-render-supervisor/internal/config"
	"github.com/randomizedcoder/go-render-supervisor/internal/logging"
	"github.com/randomizedcoder/go-render-supervisor/internal/preflight"
	"github.com/randomizedcoder/go-render-supervisor/internal/process"
	"github.com/randomizedcoder/go-render-supervisor/internal/supervisor"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-render-supervisor
var version = "dev"

// Exit codes, one per task outcome.
const (
	exitCompleted  = 0
	exitFailed     = 1
	exitTimedOut   = 2
	exitCanceled   = 3
	exitTerminated = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-render-supervisor %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return exitFailed
	}

	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	}
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return exitFailed
	}

	if cfg.PrintCmd {
		printRendererCommand(cfg)
		return 0
	}

	if !cfg.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			Executable:   cfg.C4DPath,
			Scene:        cfg.Scene,
			TempDir:      cfg.TempDir,
			PopupCommand: cfg.PopupCommand,
		})
		if !cfg.TUIEnabled || !result.Passed {
			preflight.PrintResults(os.Stdout, result)
		}
		if !result.Passed {
			fmt.Fprintln(os.Stderr, "Preflight checks failed (use -skip-preflight to override)")
			return exitFailed
		}
	}

	taskID := ulid.Make().String()

	tempDir, cleanup, err := taskTempDir(cfg.TempDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Temp dir: %v\n", err)
		return exitFailed
	}
	defer cleanup()

	t, err := newTask(cfg, taskID, tempDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Task setup: %v\n", err)
		return exitFailed
	}

	logger.Info("starting",
		"version", version,
		"task_id", taskID,
		"mode", cfg.Mode,
		"scene", cfg.Scene,
		"start", cfg.StartFrame,
		"end", cfg.EndFrame,
		"metrics_addr", cfg.MetricsAddr,
	)
	if !cfg.TUIEnabled {
		printBanner(cfg, taskID)
	}

	if err := t.Run(context.Background()); err != nil {
		logger.Error("task_run_failed", "error", err)
	}

	fmt.Print(t.Summary())
	return exitCode(t.Outcome())
}

// exitCode maps the task outcome to the process exit status.
func exitCode(outcome supervisor.State) int {
	switch outcome {
	case supervisor.StateCompleted:
		return exitCompleted
	case supervisor.StateTimedOut:
		return exitTimedOut
	case supervisor.StateCanceled:
		return exitCanceled
	case supervisor.StateTerminated:
		return exitTerminated
	default:
		return exitFailed
	}
}

// taskTempDir returns the task directory and its cleanup. A configured
// directory is kept; a generated one is removed.
func taskTempDir(dir string) (string, func(), error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", nil, err
		}
		return dir, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "go-render-supervisor-")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config, taskID string) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     go-render-supervisor                          ║")
	fmt.Println("║        Cinema4D Render Supervision and Progress Reporting         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Task:        %s\n", taskID)
	fmt.Printf("  Mode:        %s\n", cfg.Mode)
	fmt.Printf("  Scene:       %s\n", cfg.Scene)
	fmt.Printf("  Frames:      %d-%d (step %d)\n", cfg.StartFrame, cfg.EndFrame, cfg.FrameStep)
	if cfg.Interactive() {
		fmt.Printf("  Script:      %s\n", cfg.Script)
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.PopupCommand == "" {
		fmt.Println("  Popups:      detection disabled")
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

// printRendererCommand prints the renderer command that would be run.
func printRendererCommand(cfg *config.Config) {
	runner := process.NewCinema4DRunner(cfg.Cinema4D())

	if !cfg.Interactive() {
		fmt.Println("# Cinema4D command that would be run:")
		fmt.Println()
		fmt.Println(runner.CommandString())
		return
	}

	fmt.Println("# Cinema4D command that would be run (port and token are chosen at launch):")
	fmt.Println()
	spec, err := runner.BuildConnectSpec(process.ConnectArgs{
		Port:       0,
		Token:      "<token>",
		ImportFile: "<temp-dir>/" + supervisor.ImportCheckName,
	})
	if err != nil {
		fmt.Println(cfg.C4DPath)
		return
	}
	fmt.Println(spec.CommandString())
}
