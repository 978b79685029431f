package config

import (
	"log/slog"

	"github.com/randomizedcoder/go-render-supervisor/internal/classifier"
	"github.com/randomizedcoder/go-render-supervisor/internal/process"
	"github.com/randomizedcoder/go-render-supervisor/internal/progress"
	"github.com/randomizedcoder/go-render-supervisor/internal/supervisor"
	"github.com/randomizedcoder/go-render-supervisor/internal/watchdog"
)

// Cinema4D returns the renderer command-line inputs.
func (c *Config) Cinema4D() *process.Cinema4DConfig {
	r := process.DefaultCinema4DConfig()
	r.Executable = c.C4DPath
	r.Version = c.C4DVersion
	r.Scene = c.Scene
	r.StartFrame = c.StartFrame
	r.EndFrame = c.EndFrame
	r.FrameStep = c.FrameStep
	r.Threads = c.Threads
	r.Take = c.Take
	r.Output = c.Output
	r.MultipassOutput = c.MultipassOutput
	r.Width = c.Width
	r.Height = c.Height
	r.GPUs = append([]int(nil), c.GPUs...)
	r.NoOpenGL = c.NoOpenGL
	r.LinuxEnv = c.LinuxEnv
	r.RedshiftLogging = c.RedshiftLogging
	r.PluginDirs = append([]string(nil), c.PluginDirs...)
	return r
}

// TaskSpec returns the supervisor input for task id.
func (c *Config) TaskSpec(id string) supervisor.TaskSpec {
	return supervisor.TaskSpec{
		ID:             id,
		StartFrame:     c.StartFrame,
		EndFrame:       c.EndFrame,
		FrameStep:      c.FrameStep,
		StartupTimeout: c.StartupTimeout,
		IdleTimeout:    c.IdleTimeout,
		ShutdownGrace:  c.ShutdownGrace,
		PollInterval:   c.PollInterval,
		Finalize:       progress.FinalizePolicy(c.FinalizePolicy),
		TempDir:        c.TempDir,
		Interactive: supervisor.InteractiveSpec{
			Scene:        c.Scene,
			Script:       c.Script,
			Pathmap:      append([]string(nil), c.Pathmap...),
			Verbose:      c.VerboseRenderer,
			EndJobWindow: c.EndJobWindow,
		},
	}
}

// Classifier returns the built-in Cinema4D classifier with the file's
// rules evaluated first.
func (c *Config) Classifier() (*classifier.Classifier, error) {
	base := classifier.NewCinema4DClassifier(classifier.RuleOptions{
		OpenGLDisabled: !c.Cinema4D().LoadsOpenGL(),
	})
	if len(c.Rules) == 0 {
		return base, nil
	}
	extra, err := classifier.CompileSpecs(c.Rules)
	if err != nil {
		return nil, err
	}
	return base.Prepend(extra...), nil
}

// Watchdog returns the popup watchdog: default handlers plus the file's.
// An empty popup command disables detection.
func (c *Config) Watchdog(logger *slog.Logger) (*watchdog.Watchdog, error) {
	handlers := watchdog.DefaultHandlers()
	for _, p := range c.Popups {
		h, err := watchdog.NewHandler(p.Name, p.Pattern, p.Action)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}

	var source watchdog.DialogSource
	if cs := watchdog.NewCommandSource(c.PopupCommand); cs != nil {
		source = cs
	}
	return watchdog.New(source, logger, handlers...), nil
}
