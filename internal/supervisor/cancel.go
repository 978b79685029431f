package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CancelTokenName is the sentinel file the renderer-side plugin watches.
// Its existence, not its content, means "stop rendering".
const CancelTokenName = "cancellation.token"

// CancelToken is the cancellation sentinel of one task.
type CancelToken struct {
	path string
}

// NewCancelToken returns the token inside dir. An empty dir disables it.
func NewCancelToken(dir string) CancelToken {
	if dir == "" {
		return CancelToken{}
	}
	return CancelToken{path: filepath.Join(dir, CancelTokenName)}
}

// Path returns the sentinel path, or "" when disabled.
func (c CancelToken) Path() string {
	return c.path
}

// Signal creates the sentinel file.
func (c CancelToken) Signal() error {
	if c.path == "" {
		return nil
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("writing cancellation token: %w", err)
	}
	return f.Close()
}

// Signaled reports whether the sentinel exists.
func (c CancelToken) Signaled() bool {
	if c.path == "" {
		return false
	}
	_, err := os.Stat(c.path)
	return err == nil
}

// Clear removes a stale sentinel.
func (c CancelToken) Clear() error {
	if c.path == "" {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
