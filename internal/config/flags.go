package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// stringList is a repeatable string flag. The first Set replaces values
// loaded from the config file.
type stringList struct {
	values *[]string
	set    bool
}

func (l *stringList) String() string {
	if l.values == nil {
		return ""
	}
	return strings.Join(*l.values, ", ")
}

func (l *stringList) Set(value string) error {
	if !l.set {
		*l.values = nil
		l.set = true
	}
	*l.values = append(*l.values, value)
	return nil
}

// ParseFlags parses the process command line and returns a Config.
func ParseFlags() (*Config, error) {
	cfg, err := ParseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	return cfg, err
}

// ParseArgs parses args. Precedence is defaults, then the -config file,
// then flags given on the command line.
func ParseArgs(args []string, output io.Writer) (*Config, error) {
	// First pass only finds -config.
	firstPass := DefaultConfig()
	fs := newFlagSet(firstPass, io.Discard)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			newFlagSet(DefaultConfig(), output).Usage()
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if firstPass.ConfigFile != "" {
		if err := LoadFile(firstPass.ConfigFile, cfg); err != nil {
			return nil, err
		}
	}

	fs = newFlagSet(cfg, output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 && cfg.Scene == "" {
		cfg.Scene = rest[0]
	}
	return cfg, nil
}

func newFlagSet(cfg *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("go-render-supervisor", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.Usage = func() {
		fmt.Fprintf(output, `go-render-supervisor - supervise one Cinema4D render task

Usage:
  go-render-supervisor [flags] [scene.c4d]

Renderer Flags:
`)
		printFlagCategory(fs, output, []string{"c4d", "c4d-version", "scene", "start", "end", "step", "threads", "take", "output", "multipass-output", "no-opengl", "linux-env", "redshift-log"})

		fmt.Fprintf(output, "\nMode:\n")
		printFlagCategory(fs, output, []string{"mode", "script", "verbose-renderer", "pathmap"})

		fmt.Fprintf(output, "\nTimeouts:\n")
		printFlagCategory(fs, output, []string{"startup-timeout", "idle-timeout", "shutdown-grace", "end-job-window", "poll-interval"})

		fmt.Fprintf(output, "\nProgress & Popups:\n")
		printFlagCategory(fs, output, []string{"finalize-policy", "popup-command", "temp-dir"})

		fmt.Fprintf(output, "\nObservability:\n")
		printFlagCategory(fs, output, []string{"metrics", "v", "log-format", "tui"})

		fmt.Fprintf(output, "\nDiagnostics:\n")
		printFlagCategory(fs, output, []string{"print-cmd", "skip-preflight", "config"})

		fmt.Fprintf(output, `
Examples:
  # Batch render frames 1-100
  go-render-supervisor -c4d /opt/maxon/bin/Commandline -start 1 -end 100 /jobs/shot.c4d

  # Interactive render through the control channel
  go-render-supervisor -mode interactive -script /jobs/render.py /jobs/shot.c4d

  # Show the renderer command line only
  go-render-supervisor -print-cmd -start 1 -end 10 /jobs/shot.c4d

`)
	}

	// Renderer
	fs.StringVar(&cfg.C4DPath, "c4d", cfg.C4DPath, "Path to the Cinema4D Commandline executable")
	fs.IntVar(&cfg.C4DVersion, "c4d-version", cfg.C4DVersion, "Cinema4D major release (plugin path variable differs below R20)")
	fs.StringVar(&cfg.Scene, "scene", cfg.Scene, "Scene file to render")
	fs.IntVar(&cfg.StartFrame, "start", cfg.StartFrame, "First frame")
	fs.IntVar(&cfg.EndFrame, "end", cfg.EndFrame, "Last frame (inclusive)")
	fs.IntVar(&cfg.FrameStep, "step", cfg.FrameStep, "Frame step")
	fs.IntVar(&cfg.Threads, "threads", cfg.Threads, "Render threads (0 = renderer default)")
	fs.StringVar(&cfg.Take, "take", cfg.Take, "Take to render")
	fs.StringVar(&cfg.Output, "output", cfg.Output, "Output image path prefix")
	fs.StringVar(&cfg.MultipassOutput, "multipass-output", cfg.MultipassOutput, "Multipass output path prefix")
	fs.BoolVar(&cfg.NoOpenGL, "no-opengl", cfg.NoOpenGL, "Pass -noopengl to the renderer")
	fs.BoolVar(&cfg.LinuxEnv, "linux-env", cfg.LinuxEnv, "Set LD_LIBRARY_PATH, PYTHONPATH and PATH from the executable directory")
	fs.StringVar(&cfg.RedshiftLogging, "redshift-log", cfg.RedshiftLogging, `Redshift console log level ("None" disables)`)

	// Mode
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, `Render mode: "batch" or "interactive"`)
	fs.StringVar(&cfg.Script, "script", cfg.Script, "Render script sent with RunScript (interactive mode)")
	fs.BoolVar(&cfg.VerboseRenderer, "verbose-renderer", cfg.VerboseRenderer, "Ask the renderer-side plugin for verbose output")
	fs.Var(&stringList{values: &cfg.Pathmap}, "pathmap", "Path mapping entry sent with Pathmap (can repeat)")

	// Timeouts
	fs.DurationVar(&cfg.StartupTimeout, "startup-timeout", cfg.StartupTimeout, "Time allowed for the renderer to connect back (interactive)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Fail when no progress update arrives for this long")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Wait after asking the renderer to exit before killing it")
	fs.DurationVar(&cfg.EndJobWindow, "end-job-window", cfg.EndJobWindow, "Wait for the EndJob reply (interactive)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Liveness, cancellation and popup check interval")

	// Progress & popups
	fs.StringVar(&cfg.FinalizePolicy, "finalize-policy", cfg.FinalizePolicy, `Frame finalize handling: "disable" or "block-engine"`)
	fs.StringVar(&cfg.PopupCommand, "popup-command", cfg.PopupCommand, "Command listing open windows with their pids (empty disables popup detection)")
	fs.StringVar(&cfg.TempDir, "temp-dir", cfg.TempDir, "Task temp directory (default: a fresh directory)")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty disables)")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	// Diagnostics
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the renderer command and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file (flags override it)")

	return fs
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
