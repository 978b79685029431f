// Package config provides configuration management for go-render-supervisor.
package config

import (
	"time"

	"github.com/randomizedcoder/go-render-supervisor/internal/classifier"
	"github.com/randomizedcoder/go-render-supervisor/internal/watchdog"
)

// Render modes.
const (
	ModeBatch       = "batch"
	ModeInteractive = "interactive"
)

// Config holds all configuration options for one render task.
type Config struct {
	// Renderer
	C4DPath         string   `yaml:"c4d"`
	C4DVersion      int      `yaml:"c4d_version"`
	Scene           string   `yaml:"scene"`
	StartFrame      int      `yaml:"start"`
	EndFrame        int      `yaml:"end"`
	FrameStep       int      `yaml:"step"`
	Threads         int      `yaml:"threads"`
	Take            string   `yaml:"take"`
	Output          string   `yaml:"output"`
	MultipassOutput string   `yaml:"multipass_output"`
	Width           int      `yaml:"width"`
	Height          int      `yaml:"height"`
	GPUs            []int    `yaml:"gpus"`
	NoOpenGL        bool     `yaml:"no_opengl"`
	LinuxEnv        bool     `yaml:"linux_env"`
	RedshiftLogging string   `yaml:"redshift_logging"`
	PluginDirs      []string `yaml:"plugin_dirs"`

	// Mode
	Mode            string   `yaml:"mode"` // batch, interactive
	Script          string   `yaml:"script"`
	VerboseRenderer bool     `yaml:"verbose_renderer"`
	Pathmap         []string `yaml:"pathmap"`

	// Timeouts
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	EndJobWindow   time.Duration `yaml:"end_job_window"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	// Progress
	FinalizePolicy string `yaml:"finalize_policy"` // disable, block-engine

	// Popups
	PopupCommand string `yaml:"popup_command"` // empty disables

	// TempDir holds the cancellation sentinel and the import check file.
	// Empty means a fresh directory under os.TempDir.
	TempDir string `yaml:"temp_dir"`

	// Observability
	MetricsAddr string `yaml:"metrics"`
	Verbose     bool   `yaml:"verbose"`
	LogFormat   string `yaml:"log_format"` // json, text
	TUIEnabled  bool   `yaml:"tui"`

	// Diagnostic modes
	PrintCmd      bool `yaml:"-"`
	SkipPreflight bool `yaml:"skip_preflight"`

	// ConfigFile is the YAML overlay, if any.
	ConfigFile string `yaml:"-"`

	// Rules and Popups come from the YAML file only. Rules are evaluated
	// before the built-in table.
	Rules  []classifier.RuleSpec `yaml:"rules"`
	Popups []PopupSpec           `yaml:"popups"`
}

// PopupSpec is the YAML form of a dialog handler.
type PopupSpec struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Action  string `yaml:"action"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Renderer
		C4DPath:         "Commandline",
		C4DVersion:      2024,
		FrameStep:       1,
		LinuxEnv:        true,
		RedshiftLogging: "Debug",

		// Mode
		Mode: ModeBatch,

		// Timeouts
		StartupTimeout: 1000 * time.Second,
		IdleTimeout:    8000 * time.Second,
		ShutdownGrace:  10 * time.Second,
		EndJobWindow:   5 * time.Second,
		PollInterval:   500 * time.Millisecond,

		FinalizePolicy: "disable",
		PopupCommand:   watchdog.DefaultCommand,

		// Observability
		MetricsAddr: "0.0.0.0:17091",
		LogFormat:   "json",
		TUIEnabled:  false,
	}
}

// Interactive reports whether the task runs over the control channel.
func (c *Config) Interactive() bool {
	return c.Mode == ModeInteractive
}
