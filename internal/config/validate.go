package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/randomizedcoder/go-render-supervisor/internal/classifier"
	"github.com/randomizedcoder/go-render-supervisor/internal/progress"
	"github.com/randomizedcoder/go-render-supervisor/internal/watchdog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem joined with errors.Join.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.C4DPath == "" {
		add("c4d", "renderer executable is required")
	}

	switch cfg.Mode {
	case ModeBatch:
		if cfg.Scene == "" {
			add("scene", "scene file is required")
		}
	case ModeInteractive:
		if cfg.Script == "" && !cfg.PrintCmd {
			add("script", "interactive mode needs a render script (-script)")
		}
	default:
		add("mode", "must be 'batch' or 'interactive' (got %q)", cfg.Mode)
	}

	if cfg.EndFrame < cfg.StartFrame {
		add("end", "must be >= start (got %d < %d)", cfg.EndFrame, cfg.StartFrame)
	}
	if cfg.FrameStep < 1 {
		add("step", "must be at least 1")
	}
	if cfg.Threads < 0 {
		add("threads", "must not be negative")
	}

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"startup_timeout", cfg.StartupTimeout},
		{"idle_timeout", cfg.IdleTimeout},
		{"shutdown_grace", cfg.ShutdownGrace},
		{"end_job_window", cfg.EndJobWindow},
		{"poll_interval", cfg.PollInterval},
	} {
		if d.value <= 0 {
			add(d.field, "must be positive")
		}
	}
	if cfg.PollInterval > 0 && cfg.IdleTimeout > 0 && cfg.PollInterval > cfg.IdleTimeout {
		add("poll_interval", "must not exceed idle_timeout (%v > %v)", cfg.PollInterval, cfg.IdleTimeout)
	}

	if !progress.FinalizePolicy(cfg.FinalizePolicy).Valid() {
		add("finalize_policy", "must be 'disable' or 'block-engine' (got %q)", cfg.FinalizePolicy)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		add("log_format", "must be 'json' or 'text' (got %q)", cfg.LogFormat)
	}

	if cfg.TUIEnabled && cfg.PrintCmd {
		add("tui", "cannot be combined with -print-cmd")
	}

	if _, err := classifier.CompileSpecs(cfg.Rules); err != nil {
		add("rules", "%v", err)
	}
	for i, p := range cfg.Popups {
		if p.Name == "" || p.Pattern == "" {
			add(fmt.Sprintf("popups[%d]", i), "name and pattern are required")
			continue
		}
		if _, err := watchdog.NewHandler(p.Name, p.Pattern, p.Action); err != nil {
			add(fmt.Sprintf("popups[%d]", i), "%v", err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
