package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
)

// Cinema4DConfig holds the inputs for a Cinema4D command line render.
type Cinema4DConfig struct {
	// Executable is the Commandline binary.
	Executable string

	// Version is the major release (e.g. 2024). Releases below 20 load
	// plugins from C4D_PLUGINS_DIR instead of g_additionalModulePath.
	Version int

	Scene      string
	StartFrame int
	EndFrame   int

	// FrameStep is appended to -frame when greater than 1.
	FrameStep int

	// Threads is passed as -threads when greater than 0.
	Threads int

	Take string

	// Output and MultipassOutput are full path prefixes (-oimage, -omultipass).
	Output          string
	MultipassOutput string

	Width, Height int

	// Renderer is the scene's render engine id, if known. A renderer other
	// than hardware OpenGL implies -noopengl.
	Renderer string
	NoOpenGL bool

	GPUs []int

	// RedshiftLogging is the -redshift-log-console level. "None" disables.
	RedshiftLogging string

	// LinuxEnv sets LD_LIBRARY_PATH, PYTHONPATH and PATH from the
	// executable's directory.
	LinuxEnv bool

	// PluginDirs are prepended to the renderer's plugin search path.
	PluginDirs []string

	// Connect switches the launch to interactive mode: no -render, the
	// renderer-side plugin dials back to the supervisor instead.
	Connect *ConnectArgs
}

// ConnectArgs are the control-channel launch parameters.
type ConnectArgs struct {
	Port  int
	Token string

	// ImportFile is where the renderer-side plugin reports a failed import.
	ImportFile string
}

// DefaultCinema4DConfig returns a Cinema4DConfig with sensible defaults.
func DefaultCinema4DConfig() *Cinema4DConfig {
	return &Cinema4DConfig{
		Executable:      "Commandline",
		Version:         2024,
		FrameStep:       1,
		RedshiftLogging: "Debug",
		LinuxEnv:        true,
	}
}

// LoadsOpenGL reports whether the renderer is started with OpenGL. Any
// renderer other than hardware OpenGL implies -noopengl.
func (c *Cinema4DConfig) LoadsOpenGL() bool {
	return !c.NoOpenGL && (c.Renderer == "" || c.Renderer == "ogl_hardware")
}

// Cinema4DRunner implements Runner for Cinema4D.
type Cinema4DRunner struct {
	config *Cinema4DConfig
	getenv func(string) string
	goos   string
}

// NewCinema4DRunner creates a runner with the given configuration.
func NewCinema4DRunner(cfg *Cinema4DConfig) *Cinema4DRunner {
	return &Cinema4DRunner{
		config: cfg,
		getenv: os.Getenv,
		goos:   runtime.GOOS,
	}
}

// Name returns "cinema4d".
func (r *Cinema4DRunner) Name() string {
	return "cinema4d"
}

// Config returns the runner configuration.
func (r *Cinema4DRunner) Config() *Cinema4DConfig {
	return r.config
}

// BuildSpec builds the launch spec. The working directory is the
// executable's directory.
func (r *Cinema4DRunner) BuildSpec() (Spec, error) {
	c := r.config
	if c.Executable == "" {
		return Spec{}, errors.New("cinema4d executable is required")
	}
	if c.Connect == nil && c.Scene == "" {
		return Spec{}, errors.New("scene file is required for batch render")
	}
	return Spec{
		Executable: c.Executable,
		Args:       r.buildArgs(),
		Dir:        filepath.Dir(c.Executable),
		Env:        r.buildEnv(),
	}, nil
}

// BuildConnectSpec builds the interactive launch spec. The runner's own
// configuration is left unchanged.
func (r *Cinema4DRunner) BuildConnectSpec(args ConnectArgs) (Spec, error) {
	c := *r.config
	c.Connect = &args
	return (&Cinema4DRunner{config: &c, getenv: r.getenv, goos: r.goos}).BuildSpec()
}

// CommandString returns the command that would be executed (for debugging).
func (r *Cinema4DRunner) CommandString() string {
	spec, err := r.BuildSpec()
	if err != nil {
		return r.config.Executable
	}
	return spec.CommandString()
}

func (r *Cinema4DRunner) buildArgs() []string {
	c := r.config
	args := []string{"-nogui"}

	if !c.LoadsOpenGL() {
		args = append(args, "-noopengl")
	}

	// Cinema4D grabs a floating Redshift license at startup even when the
	// scene renders with something else.
	if r.getenv("REDSHIFT_LICENSE_MAXON_DISABLE") == "True" || (c.Renderer != "" && c.Renderer != "redshift") {
		args = append(args, "-redshift-license-maxon-disable")
	}

	if c.Connect == nil {
		args = append(args, "-arnoldAbortOnLicenseFail", "true")
		args = append(args, "-render", c.Scene)
		args = append(args, "-frame", strconv.Itoa(c.StartFrame), strconv.Itoa(c.EndFrame))
		if c.FrameStep > 1 {
			args = append(args, strconv.Itoa(c.FrameStep))
		}
		if c.Take != "" {
			args = append(args, "-take", c.Take)
		}
	}

	if c.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(c.Threads))
	}

	if c.Connect == nil {
		if c.Width > 0 && c.Height > 0 {
			args = append(args, "-oresolution", strconv.Itoa(c.Width), strconv.Itoa(c.Height))
		}
	}

	for _, gpu := range c.GPUs {
		args = append(args, "-redshift-gpu", strconv.Itoa(gpu))
	}

	if c.Connect == nil {
		if c.Output != "" {
			args = append(args, "-oimage", c.Output)
		}
		if c.MultipassOutput != "" {
			args = append(args, "-omultipass", c.MultipassOutput)
		}
	}

	if c.RedshiftLogging != "" && c.RedshiftLogging != "None" {
		args = append(args, "-redshift-log-console", c.RedshiftLogging)
	}

	if c.Connect != nil {
		// The renderer-side plugin reads this as a single argument.
		args = append(args, fmt.Sprintf("-DeadlineConnect %d %s '%s'",
			c.Connect.Port, c.Connect.Token, c.Connect.ImportFile))
	}

	return args
}

func (r *Cinema4DRunner) buildEnv() []string {
	c := r.config
	var env []string

	if r.goos == "linux" && c.LinuxEnv {
		env = append(env, LinuxEnv(filepath.Dir(c.Executable), r.getenv)...)
	}

	if len(c.PluginDirs) > 0 {
		key := "g_additionalModulePath"
		if c.Version > 0 && c.Version < 20 {
			key = "C4D_PLUGINS_DIR"
		}
		dirs := append([]string{}, c.PluginDirs...)
		if existing := r.getenv(key); existing != "" {
			for _, d := range strings.Split(existing, ";") {
				if d != "" && !slices.Contains(dirs, d) {
					dirs = append(dirs, d)
				}
			}
		}
		env = append(env, key+"="+strings.Join(dirs, ";"))
	}

	return env
}

// LinuxEnv returns the library, python and binary search paths the
// Cinema4D Linux build needs, derived from its install directory.
func LinuxEnv(c4dDir string, getenv func(string) string) []string {
	py := c4dDir + "/resource/modules/python/Python.linux64.framework"
	ld := strings.Join([]string{
		c4dDir + "/../lib64",
		py + "/lib64",
		c4dDir + "/resource/modules/embree.module/libs/linux64",
		getenv("LD_LIBRARY_PATH"),
	}, ":")
	pyPath := strings.Join([]string{
		py + "/lib/python2.7",
		py + "/lib64/python2.7/lib-dynload",
		getenv("PYTHONPATH"),
	}, ":")
	path := getenv("PATH") + ":" + c4dDir

	return []string{
		"LD_LIBRARY_PATH=" + ld,
		"PYTHONPATH=" + pyPath,
		"PATH=" + path,
	}
}
