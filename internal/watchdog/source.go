package watchdog

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultCommand lists top-level X11 windows with their owning pid.
const DefaultCommand = "wmctrl -lp"

var (
	// wmctrlPIDLine matches "0x03a00007  0 4242 hostname Window Title".
	wmctrlPIDLine = regexp.MustCompile(`^0x[0-9a-fA-F]+\s+-?\d+\s+(\d+)\s+\S+\s+(.*)$`)

	// wmctrlLine matches "0x03a00007  0 hostname Window Title".
	wmctrlLine = regexp.MustCompile(`^0x[0-9a-fA-F]+\s+-?\d+\s+\S+\s+(.*)$`)
)

// Window is one on-screen top-level window. PID is 0 when the owner is
// unknown.
type Window struct {
	PID   int
	Title string
}

// CommandSource runs a window-listing command and parses one window per
// output line. wmctrl -lp and wmctrl -l output are recognized; any other
// line is taken as a title with an unknown owner.
type CommandSource struct {
	Command []string
	Timeout time.Duration
}

// NewCommandSource splits command on spaces. An empty command returns nil.
func NewCommandSource(command string) *CommandSource {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil
	}
	return &CommandSource{Command: fields, Timeout: 2 * time.Second}
}

// Windows runs the command once.
func (s *CommandSource) Windows(ctx context.Context) ([]Window, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...).Output()
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", strings.Join(s.Command, " "), err)
	}
	return ParseWindows(out), nil
}

// ParseWindows extracts windows from listing output.
func ParseWindows(out []byte) []Window {
	var windows []Window
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		windows = append(windows, parseWindow(line))
	}
	return windows
}

func parseWindow(line string) Window {
	if m := wmctrlPIDLine.FindStringSubmatch(line); m != nil {
		pid, err := strconv.Atoi(m[1])
		if err == nil {
			return Window{PID: pid, Title: strings.TrimSpace(m[2])}
		}
	}
	if m := wmctrlLine.FindStringSubmatch(line); m != nil {
		return Window{Title: strings.TrimSpace(m[1])}
	}
	return Window{Title: line}
}

// StaticSource returns a fixed, settable list of windows.
type StaticSource struct {
	mu      sync.Mutex
	windows []Window
}

// Set replaces the windows with titles of unknown owner.
func (s *StaticSource) Set(titles ...string) {
	windows := make([]Window, 0, len(titles))
	for _, t := range titles {
		windows = append(windows, Window{Title: t})
	}
	s.SetWindows(windows...)
}

// SetWindows replaces the windows.
func (s *StaticSource) SetWindows(windows ...Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append([]Window{}, windows...)
}

// Windows returns the current windows.
func (s *StaticSource) Windows(context.Context) ([]Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Window{}, s.windows...), nil
}
