// Package watchdog detects modal dialogs that would block an unattended
// renderer forever.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

// Handler is a registered dialog: a title pattern and the button a person
// would press to dismiss it.
type Handler struct {
	Name    string
	Pattern *regexp.Regexp
	Action  string
}

// NewHandler compiles a handler. The pattern must match the whole title.
func NewHandler(name, pattern, action string) (Handler, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return Handler{}, fmt.Errorf("popup handler %q: %w", name, err)
	}
	return Handler{Name: name, Pattern: re, Action: action}, nil
}

// MustHandler is NewHandler that panics on a bad pattern.
func MustHandler(name, pattern, action string) Handler {
	h, err := NewHandler(name, pattern, action)
	if err != nil {
		panic(err)
	}
	return h
}

// DefaultHandlers are the dialogs Cinema4D is known to raise.
func DefaultHandlers() []Handler {
	return []Handler{
		MustHandler("unsupported_display", "Unsupported Display", "OK"),
		MustHandler("german_notice", "Nicht.*", "OK"),
		MustHandler("render_history", ".*Render history settings.*", "OK"),
	}
}

// DialogSource lists the windows currently on screen.
type DialogSource interface {
	Windows(ctx context.Context) ([]Window, error)
}

// Owner reports whether pid belongs to the supervised renderer.
type Owner func(pid int) bool

// Watchdog matches on-screen dialogs against registered handlers.
type Watchdog struct {
	source   DialogSource
	logger   *slog.Logger
	mu       sync.Mutex
	handlers []Handler

	// sourceFailed suppresses repeated source error logs.
	sourceFailed bool
}

// New creates a watchdog. A nil source disables detection.
func New(source DialogSource, logger *slog.Logger, handlers ...Handler) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		source:   source,
		logger:   logger,
		handlers: append([]Handler{}, handlers...),
	}
}

// Register adds a handler.
func (w *Watchdog) Register(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Handlers returns a copy of the registered handlers.
func (w *Watchdog) Handlers() []Handler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Handler{}, w.handlers...)
}

// Check lists windows once and returns a failure message for the first
// title that matches a handler. With a non-nil owns, only windows whose
// pid it accepts are considered; windows of unknown owner are skipped, so
// one host can run several renderers.
func (w *Watchdog) Check(ctx context.Context, owns Owner) (string, bool) {
	if w == nil || w.source == nil {
		return "", false
	}
	windows, err := w.source.Windows(ctx)
	if err != nil {
		if !w.sourceFailed {
			w.logger.Warn("popup_source_failed", "error", err)
			w.sourceFailed = true
		}
		return "", false
	}
	w.sourceFailed = false

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, win := range windows {
		if owns != nil && (win.PID <= 0 || !owns(win.PID)) {
			continue
		}
		for _, h := range w.handlers {
			if h.Pattern.MatchString(win.Title) {
				w.logger.Debug("popup_detected", "title", win.Title, "pid", win.PID, "handler", h.Name)
				return fmt.Sprintf("Detected blocking dialog %q (handler %s, dismiss with %q)", win.Title, h.Name, h.Action), true
			}
		}
	}
	return "", false
}
