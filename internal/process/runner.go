// Package process launches and owns renderer child processes.
package process

import (
	"strings"
)

// Spec describes one process launch.
type Spec struct {
	Executable string
	Args       []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env entries ("KEY=VALUE") override the inherited environment.
	Env []string
}

// CommandString returns the command line for logs and -print-cmd.
// Arguments containing spaces are quoted.
func (s Spec) CommandString() string {
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, quoteArg(s.Executable))
	for _, a := range s.Args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(a string) string {
	if a == "" || strings.ContainsAny(a, " \t\"") {
		return `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
	}
	return a
}

// Runner builds launch specs for a renderer.
// This interface keeps the supervisor renderer-agnostic.
type Runner interface {
	// BuildSpec returns the launch spec. The process is not started.
	BuildSpec() (Spec, error)

	// Name returns a human-readable name for this renderer.
	Name() string
}

// ConnectRunner is a Runner whose renderer can dial back to a control
// channel instead of rendering from its command line.
type ConnectRunner interface {
	Runner

	// BuildConnectSpec returns the launch spec for interactive mode.
	BuildConnectSpec(args ConnectArgs) (Spec, error)
}
