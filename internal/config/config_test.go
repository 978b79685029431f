package config

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-render-supervisor/internal/classifier"
	"github.com/randomizedcoder/go-render-supervisor/internal/progress"
)

// =============================================================================
// Test Helpers
// =============================================================================

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Scene = "/jobs/shot.c4d"
	cfg.StartFrame = 1
	cfg.EndFrame = 10
	return cfg
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// fieldErrors returns the Field of every ValidationError in err.
func fieldErrors(err error) []string {
	var fields []string
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			var ve ValidationError
			if errors.As(e, &ve) {
				fields = append(fields, ve.Field)
			}
		}
	}
	return fields
}

// =============================================================================
// Tests: Defaults
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"c4d", cfg.C4DPath, "Commandline"},
		{"mode", cfg.Mode, ModeBatch},
		{"step", cfg.FrameStep, 1},
		{"startup timeout", cfg.StartupTimeout, 1000 * time.Second},
		{"idle timeout", cfg.IdleTimeout, 8000 * time.Second},
		{"shutdown grace", cfg.ShutdownGrace, 10 * time.Second},
		{"end job window", cfg.EndJobWindow, 5 * time.Second},
		{"poll interval", cfg.PollInterval, 500 * time.Millisecond},
		{"finalize policy", cfg.FinalizePolicy, "disable"},
		{"popup command", cfg.PopupCommand, "wmctrl -lp"},
		{"metrics", cfg.MetricsAddr, "0.0.0.0:17091"},
		{"log format", cfg.LogFormat, "json"},
		{"linux env", cfg.LinuxEnv, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

// =============================================================================
// Tests: Flags
// =============================================================================

func TestParseArgs(t *testing.T) {
	cfg, err := ParseArgs([]string{
		"-c4d", "/opt/c4d/Commandline",
		"-start", "5", "-end", "20", "-step", "5",
		"-threads", "8",
		"-take", "Main",
		"-mode", "interactive",
		"-script", "/jobs/render.py",
		"-pathmap", "/map", "-pathmap", "tex.txt",
		"-idle-timeout", "2h",
		"-finalize-policy", "block-engine",
		"-popup-command", "",
		"-tui",
		"/jobs/shot.c4d",
	}, io.Discard)
	if err != nil {
		t.Fatalf("ParseArgs() = %v", err)
	}

	if cfg.C4DPath != "/opt/c4d/Commandline" || cfg.StartFrame != 5 || cfg.EndFrame != 20 || cfg.FrameStep != 5 {
		t.Errorf("renderer flags not applied: %+v", cfg)
	}
	if cfg.Scene != "/jobs/shot.c4d" {
		t.Errorf("scene from positional arg = %q", cfg.Scene)
	}
	if !cfg.Interactive() || cfg.Script != "/jobs/render.py" {
		t.Errorf("mode/script = %s/%s", cfg.Mode, cfg.Script)
	}
	if !slices.Equal(cfg.Pathmap, []string{"/map", "tex.txt"}) {
		t.Errorf("pathmap = %v", cfg.Pathmap)
	}
	if cfg.IdleTimeout != 2*time.Hour || cfg.FinalizePolicy != "block-engine" {
		t.Errorf("idle/finalize = %v/%s", cfg.IdleTimeout, cfg.FinalizePolicy)
	}
	if cfg.PopupCommand != "" || !cfg.TUIEnabled {
		t.Errorf("popup/tui = %q/%v", cfg.PopupCommand, cfg.TUIEnabled)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestParseArgs_SceneFlagWins(t *testing.T) {
	cfg, err := ParseArgs([]string{"-scene", "/a.c4d", "/b.c4d"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scene != "/a.c4d" {
		t.Errorf("scene = %q", cfg.Scene)
	}
}

func TestParseArgs_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-nope"}},
		{"bad int", []string{"-start", "x"}},
		{"bad duration", []string{"-idle-timeout", "soon"}},
		{"missing config file", []string{"-config", "/does/not/exist.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseArgs(tt.args, io.Discard); err == nil {
				t.Error("ParseArgs() should fail")
			}
		})
	}
}

func TestParseArgs_Help(t *testing.T) {
	var out bytes.Buffer
	_, err := ParseArgs([]string{"-h"}, &out)
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("ParseArgs(-h) = %v, want flag.ErrHelp", err)
	}
	for _, want := range []string{"Renderer Flags:", "-startup-timeout duration", "-finalize-policy", "Examples:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("usage missing %q", want)
		}
	}
}

func TestParseArgs_ConfigFilePrecedence(t *testing.T) {
	path := writeFile(t, `
c4d: /from/file/Commandline
start: 1
end: 50
idle_timeout: 30m
pathmap: [/file/map, file.txt]
rules:
  - name: octane_oom
    kind: fatal
    pattern: 'OUT OF MEMORY'
popups:
  - name: bug_report
    pattern: 'Bug Report.*'
    action: Close
`)

	cfg, err := ParseArgs([]string{"-config", path, "-end", "60", "-pathmap", "/flag/map", "/jobs/a.c4d"}, io.Discard)
	if err != nil {
		t.Fatalf("ParseArgs() = %v", err)
	}

	if cfg.C4DPath != "/from/file/Commandline" {
		t.Errorf("c4d = %q, want file value", cfg.C4DPath)
	}
	if cfg.StartFrame != 1 || cfg.EndFrame != 60 {
		t.Errorf("frames = %d-%d, want 1-60 (flag overrides file)", cfg.StartFrame, cfg.EndFrame)
	}
	if cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("idle = %v", cfg.IdleTimeout)
	}
	if !slices.Equal(cfg.Pathmap, []string{"/flag/map"}) {
		t.Errorf("pathmap = %v, want the flag to replace the file list", cfg.Pathmap)
	}
	if cfg.ShutdownGrace != 10*time.Second {
		t.Errorf("unset keys must keep defaults, grace = %v", cfg.ShutdownGrace)
	}
	if len(cfg.Rules) != 1 || len(cfg.Popups) != 1 {
		t.Fatalf("rules/popups = %d/%d", len(cfg.Rules), len(cfg.Popups))
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"empty", "", false},
		{"unknown key", "nope: 1\n", true},
		{"bad duration", "idle_timeout: soon\n", true},
		{"bad yaml", "start: [\n", true},
		{"ok", "threads: 4\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := LoadFile(writeFile(t, tt.content), cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadFile() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Tests: Validate
// =============================================================================

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"missing executable", func(c *Config) { c.C4DPath = "" }, "c4d"},
		{"missing scene", func(c *Config) { c.Scene = "" }, "scene"},
		{"bad mode", func(c *Config) { c.Mode = "gui" }, "mode"},
		{"interactive without script", func(c *Config) { c.Mode = ModeInteractive }, "script"},
		{"reversed frames", func(c *Config) { c.StartFrame, c.EndFrame = 10, 1 }, "end"},
		{"zero step", func(c *Config) { c.FrameStep = 0 }, "step"},
		{"negative threads", func(c *Config) { c.Threads = -1 }, "threads"},
		{"zero startup timeout", func(c *Config) { c.StartupTimeout = 0 }, "startup_timeout"},
		{"zero idle timeout", func(c *Config) { c.IdleTimeout = 0 }, "idle_timeout"},
		{"zero grace", func(c *Config) { c.ShutdownGrace = 0 }, "shutdown_grace"},
		{"zero end job window", func(c *Config) { c.EndJobWindow = 0 }, "end_job_window"},
		{"poll above idle", func(c *Config) { c.PollInterval = time.Hour; c.IdleTimeout = time.Minute }, "poll_interval"},
		{"bad finalize policy", func(c *Config) { c.FinalizePolicy = "always" }, "finalize_policy"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"tui with print-cmd", func(c *Config) { c.TUIEnabled = true; c.PrintCmd = true }, "tui"},
		{"bad rule", func(c *Config) {
			c.Rules = []classifier.RuleSpec{{Name: "x", Kind: "nope", Pattern: "a"}}
		}, "rules"},
		{"bad popup pattern", func(c *Config) { c.Popups = []PopupSpec{{Name: "x", Pattern: "(", Action: "OK"}} }, "popups[0]"},
		{"popup without name", func(c *Config) { c.Popups = []PopupSpec{{Pattern: "x"}} }, "popups[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if fields := fieldErrors(err); !slices.Contains(fields, tt.field) {
				t.Errorf("fields = %v, want %s", fields, tt.field)
			}
		})
	}
}

func TestValidate_InteractivePrintCmdNeedsNoScript(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = ModeInteractive
	cfg.PrintCmd = true
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.C4DPath = ""
	cfg.FrameStep = 0
	cfg.LogFormat = "xml"

	fields := fieldErrors(Validate(cfg))
	if len(fields) != 3 {
		t.Errorf("fields = %v, want 3 errors", fields)
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{Field: "step", Message: "must be at least 1"}
	if err.Error() != "step: must be at least 1" {
		t.Errorf("Error() = %q", err.Error())
	}
}

// =============================================================================
// Tests: Component builders
// =============================================================================

func TestConfig_Cinema4D(t *testing.T) {
	cfg := validConfig()
	cfg.Threads = 4
	cfg.NoOpenGL = true

	r := cfg.Cinema4D()
	if r.Executable != "Commandline" || r.Scene != "/jobs/shot.c4d" || r.StartFrame != 1 || r.EndFrame != 10 {
		t.Errorf("Cinema4D() = %+v", r)
	}
	if r.Threads != 4 || !r.NoOpenGL || r.Connect != nil {
		t.Errorf("Cinema4D() = %+v", r)
	}
}

func TestConfig_TaskSpec(t *testing.T) {
	cfg := validConfig()
	cfg.Script = "/jobs/render.py"
	cfg.Pathmap = []string{"/map", "f.txt"}
	cfg.FinalizePolicy = "block-engine"

	task := cfg.TaskSpec("01HX")
	if task.ID != "01HX" || task.StartFrame != 1 || task.EndFrame != 10 {
		t.Errorf("TaskSpec() = %+v", task)
	}
	if task.Finalize != progress.FinalizeBlockEngine {
		t.Errorf("finalize = %v", task.Finalize)
	}
	if task.Interactive.Scene != cfg.Scene || task.Interactive.Script != cfg.Script || task.Interactive.EndJobWindow != 5*time.Second {
		t.Errorf("interactive = %+v", task.Interactive)
	}
	cfg.Pathmap[0] = "changed"
	if task.Interactive.Pathmap[0] != "/map" {
		t.Error("TaskSpec must copy the pathmap")
	}
}

func TestConfig_Classifier(t *testing.T) {
	cfg := validConfig()
	cfg.Rules = []classifier.RuleSpec{{Name: "octane_oom", Kind: "fatal", Pattern: "OUT OF MEMORY"}}

	c, err := cfg.Classifier()
	if err != nil {
		t.Fatal(err)
	}
	if c.Rules()[0].Name != "octane_oom" {
		t.Errorf("file rules must come first, got %s", c.Rules()[0].Name)
	}
	if ev, ok := c.Classify("GPU: OUT OF MEMORY"); !ok || ev.Kind != classifier.EventFatal {
		t.Errorf("Classify() = %+v, %v", ev, ok)
	}
	if _, ok := c.Classify("Invalid License"); !ok {
		t.Error("built-in rules must still apply")
	}
}

func TestConfig_ClassifierNoOpenGL(t *testing.T) {
	const line = "The output resolution is too high for the selected render engine"

	for _, noOpenGL := range []bool{false, true} {
		cfg := validConfig()
		cfg.NoOpenGL = noOpenGL

		c, err := cfg.Classifier()
		if err != nil {
			t.Fatal(err)
		}
		ev, _ := c.Classify(line)
		if got := strings.Contains(ev.Message, "-no-opengl"); got != noOpenGL {
			t.Errorf("NoOpenGL=%v: message %q", noOpenGL, ev.Message)
		}
	}
}

func TestConfig_Watchdog(t *testing.T) {
	cfg := validConfig()
	cfg.PopupCommand = ""
	cfg.Popups = []PopupSpec{{Name: "bug_report", Pattern: "Bug Report.*", Action: "Close"}}

	w, err := cfg.Watchdog(nil)
	if err != nil {
		t.Fatal(err)
	}
	handlers := w.Handlers()
	if len(handlers) != 4 || handlers[3].Name != "bug_report" {
		t.Errorf("handlers = %d, last %s", len(handlers), handlers[len(handlers)-1].Name)
	}
	if msg, found := w.Check(context.Background(), nil); found {
		t.Errorf("disabled source detected %q", msg)
	}
}
