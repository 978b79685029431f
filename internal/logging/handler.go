package logging

import (
	"context"
	"log/slog"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single renderer line before
	// truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is how many recent renderer lines are kept.
	MaxBufferedLines = 100
)

// OutputHandler receives every renderer output line. It keeps the most
// recent lines for the failure summary and the dashboard, and logs each
// line: at debug normally, at info when verbose.
type OutputHandler struct {
	logger  *slog.Logger
	verbose bool

	mu     sync.Mutex
	buffer []string
	next   int
	count  int64
}

// NewOutputHandler creates a handler logging through logger.
func NewOutputHandler(logger *slog.Logger, verbose bool) *OutputHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputHandler{
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleLine records and logs one line.
func (h *OutputHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.next] = line
	h.next = (h.next + 1) % MaxBufferedLines
	h.count++
	h.mu.Unlock()

	level := slog.LevelDebug
	if h.verbose {
		level = slog.LevelInfo
	}
	h.logger.Log(context.Background(), level, "renderer_output", "line", line)
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}
	if int64(n) > h.count {
		n = int(h.count)
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.next - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, h.buffer[idx])
	}
	return lines
}

// Count returns how many lines were handled.
func (h *OutputHandler) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
