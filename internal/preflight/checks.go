// Package preflight checks the host before a render task is launched.
package preflight

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// rendererFDs is the open-file headroom a render wants: textures, caches,
// plugin libraries and the output pipes.
const rendererFDs = 4096

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options are the task inputs the checks look at.
type Options struct {
	// Executable is the renderer binary, a path or a name on PATH.
	Executable string

	// Scene is checked for readability when set.
	Scene string

	// TempDir must be writable. Empty means os.TempDir().
	TempDir string

	// PopupCommand is the window listing command. Empty skips the check.
	PopupCommand string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}

	result.add(checkRenderer(opts.Executable))
	if opts.Scene != "" {
		result.add(checkScene(opts.Scene))
	}
	result.add(checkTempDir(opts.TempDir))
	result.add(checkFileDescriptors())
	if opts.PopupCommand != "" {
		result.add(checkPopupCommand(opts.PopupCommand))
	}

	return result
}

// checkRenderer verifies the renderer binary resolves to an executable file.
func checkRenderer(path string) Check {
	if path == "" {
		return Check{Name: "renderer", Passed: false, Message: "no executable configured"}
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{
			Name:    "renderer",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}
	return Check{
		Name:    "renderer",
		Passed:  true,
		Message: "found at " + resolved,
	}
}

// checkScene verifies the scene file can be opened.
func checkScene(path string) Check {
	f, err := os.Open(path)
	if err != nil {
		return Check{Name: "scene", Passed: false, Message: err.Error()}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Check{Name: "scene", Passed: false, Message: err.Error()}
	}
	if info.IsDir() {
		return Check{Name: "scene", Passed: false, Message: path + " is a directory"}
	}
	return Check{
		Name:    "scene",
		Passed:  true,
		Message: fmt.Sprintf("%s (%d bytes)", path, info.Size()),
	}
}

// checkTempDir verifies the task directory accepts the cancellation
// sentinel and the import report.
func checkTempDir(dir string) Check {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: "temp_dir", Passed: false, Message: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return Check{Name: "temp_dir", Passed: false, Message: fmt.Sprintf("%s not writable: %v", dir, err)}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return Check{Name: "temp_dir", Passed: true, Message: abs + " writable"}
}

// checkFileDescriptors warns when the open-file limit is low for a render.
func checkFileDescriptors() Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: "unable to check: " + err.Error(),
		}
	}

	actual := int(limit.Cur)
	if limit.Cur > uint64(1<<31-1) {
		actual = 1<<31 - 1
	}
	return Check{
		Name:     "file_descriptors",
		Required: rendererFDs,
		Actual:   actual,
		Passed:   true,
		Warning:  actual < rendererFDs,
		Message:  fmt.Sprintf("ulimit -n %d (recommend %d)", actual, rendererFDs),
	}
}

// checkPopupCommand warns when the window listing tool is missing; the
// render still runs, but blocking dialogs go unnoticed until the idle
// timeout.
func checkPopupCommand(command string) Check {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return Check{Name: "popup_command", Passed: true, Message: "disabled"}
	}
	resolved, err := exec.LookPath(fields[0])
	if err != nil {
		return Check{
			Name:    "popup_command",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s not found, popup detection will fail", fields[0]),
		}
	}
	return Check{Name: "popup_command", Passed: true, Message: "found at " + resolved}
}

// PrintResults prints the preflight check results.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed || check.Warning {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "renderer":
		return "set -c4d to the Cinema4D Commandline executable"
	case "scene":
		return "check the scene path and its permissions"
	case "temp_dir":
		return "set -temp-dir to a writable directory"
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "popup_command":
		return "install wmctrl, or pass -popup-command \"\" to disable popup detection"
	default:
		return "see -help"
	}
}
