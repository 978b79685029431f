package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

var (
	// ErrIdleTimeout: no message arrived within the idle window.
	ErrIdleTimeout = errors.New("timed out waiting for the next progress update")

	// ErrStartupTimeout: the renderer did not connect and authenticate in time.
	ErrStartupTimeout = errors.New("timed out waiting for the renderer to connect")

	// ErrCanceled: the renderer answered CANCELED.
	ErrCanceled = errors.New("render was canceled")

	// ErrDisconnected: the connection dropped during a poll.
	ErrDisconnected = errors.New("renderer connection lost")

	// ErrNotConnected: a command was sent before the handshake.
	ErrNotConnected = errors.New("no renderer connection")
)

// TokenMismatchError is returned when the renderer authenticates with a
// token other than the one it was launched with.
type TokenMismatchError struct {
	Expected string
	Got      string
}

func (e *TokenMismatchError) Error() string {
	return fmt.Sprintf("did not receive expected token (expected %q, got %q)", e.Expected, e.Got)
}

// RemoteError carries the message of an ERROR: reply.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ImportError reports modules the renderer-side plugin failed to import.
type ImportError struct {
	Modules []string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("failed to import the following modules: %s", strings.Join(e.Modules, ", "))
}

// CheckFunc is called once per poll iteration. A non-nil error aborts the
// wait and is returned unchanged.
type CheckFunc func() error

// OutputFunc receives STDOUT and WARN messages.
type OutputFunc func(Message)

// SessionConfig configures a Session.
type SessionConfig struct {
	// PollInterval bounds each receive, and so the latency of checks.
	// Default 500ms.
	PollInterval time.Duration

	// ImportFile is read when the handshake fails; the renderer-side
	// plugin lists failed imports there, one per line.
	ImportFile string

	Logger *slog.Logger
	Output OutputFunc
}

// Session is the supervisor side of one control channel.
type Session struct {
	cfg    SessionConfig
	ln     *Listener
	conn   *Conn
	logger *slog.Logger
}

// NewSession listens on a free loopback port.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg, ln: ln, logger: cfg.Logger}
	if s.cfg.Output == nil {
		s.cfg.Output = s.logOutput
	}
	return s, nil
}

// Port is the port the renderer must connect to.
func (s *Session) Port() int {
	return s.ln.Port()
}

// Connected reports whether a renderer is connected.
func (s *Session) Connected() bool {
	return s.conn != nil
}

// Handshake waits for the renderer to connect and send TOKEN:<token>.
// A first line that is not a token drops the connection and waits for a
// new one. The timeout is measured from the call. Every accept and read
// waits at most one poll interval, so check runs once per interval.
func (s *Session) Handshake(ctx context.Context, token string, timeout time.Duration, check CheckFunc) error {
	deadline := time.Now().Add(timeout)

	for {
		if err := s.runCheck(ctx, check); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if err := s.importFailure(); err != nil {
				return err
			}
			return ErrStartupTimeout
		}

		if s.conn == nil {
			conn, err := s.ln.Accept(min(s.cfg.PollInterval, remaining))
			if errors.Is(err, ErrAcceptTimeout) {
				if err := s.importFailure(); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("accepting renderer connection: %w", err)
			}
			s.logger.Debug("renderer_connected", "remote", conn.RemoteAddr())
			s.conn = conn
		}

		line, status, err := s.conn.Receive(min(s.cfg.PollInterval, remaining))
		switch status {
		case RecvHeartbeatTimeout:
			continue
		case RecvIOError:
			s.logger.Debug("renderer_disconnected", "error", err)
			s.dropConn()
			continue
		}

		msg := ParseMessage(line)
		if msg.Kind != MessageToken {
			s.logger.Info("handshake_disconnect", "line", line)
			s.dropConn()
			continue
		}
		s.logger.Debug("handshake_token_received", "token", msg.Text)
		if msg.Text != token {
			s.dropConn()
			return &TokenMismatchError{Expected: token, Got: msg.Text}
		}
		return nil
	}
}

// Send writes one command. payload parts are joined with ';'.
func (s *Session) Send(name string, payload ...string) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	line := Command(name, payload...)
	s.logger.Debug("control_send", "command", line)
	return s.conn.SendLine(line)
}

// PollOptions configures Poll.
type PollOptions struct {
	// Idle is the maximum silence between two messages.
	Idle time.Duration

	// TimeoutEnabled turns the idle limit on. Startup commands run
	// without one.
	TimeoutEnabled bool
}

// Poll waits for a terminal reply. Any inbound line resets the idle
// timer. It returns the SUCCESS message text, or ErrCanceled,
// *RemoteError, ErrIdleTimeout, ErrDisconnected, the context error, or the
// error returned by check.
func (s *Session) Poll(ctx context.Context, opts PollOptions, check CheckFunc) (string, error) {
	if s.conn == nil {
		return "", ErrNotConnected
	}
	lastMessage := time.Now()

	for {
		if err := s.runCheck(ctx, check); err != nil {
			return "", err
		}
		if opts.TimeoutEnabled && time.Since(lastMessage) >= opts.Idle {
			return "", ErrIdleTimeout
		}

		wait := s.cfg.PollInterval
		if opts.TimeoutEnabled {
			wait = min(wait, opts.Idle-time.Since(lastMessage))
		}
		iterationEnd := time.Now().Add(wait)

		for {
			remaining := time.Until(iterationEnd)
			if remaining <= 0 {
				break
			}
			line, status, err := s.conn.Receive(remaining)
			if status == RecvHeartbeatTimeout {
				break
			}
			if status == RecvIOError {
				return "", fmt.Errorf("%w: %v", ErrDisconnected, err)
			}

			lastMessage = time.Now()
			msg := ParseMessage(line)
			switch msg.Kind {
			case MessageSuccess:
				return msg.Text, nil
			case MessageSuccessNoMessage:
				return "", nil
			case MessageCanceled:
				return "", ErrCanceled
			case MessageError:
				return "", &RemoteError{Message: msg.Text}
			case MessageStdout, MessageWarn:
				s.cfg.Output(msg)
			default:
				s.logger.Debug("control_ignored", "line", line)
			}
		}
	}
}

// ShutdownResult describes the end-of-job exchange.
type ShutdownResult struct {
	// Reply is the first non-output reply, if any.
	Reply   Message
	Replied bool
	Elapsed time.Duration
	SendErr error
}

// Shutdown sends EndJob and reads replies for up to window, passing
// STDOUT/WARN lines to the output function, until another reply arrives.
func (s *Session) Shutdown(window time.Duration) ShutdownResult {
	start := time.Now()
	if err := s.Send("EndJob"); err != nil {
		return ShutdownResult{SendErr: err, Elapsed: time.Since(start)}
	}

	const slice = 100 * time.Millisecond
	deadline := start.Add(window)
	for time.Now().Before(deadline) {
		line, status, err := s.conn.Receive(min(slice, time.Until(deadline)))
		switch status {
		case RecvHeartbeatTimeout:
			continue
		case RecvIOError:
			// The renderer closing the socket is a valid goodbye.
			return ShutdownResult{
				Reply:   Message{Kind: MessageError, Text: fmt.Sprintf("error when waiting for renderer to close: %v", err)},
				Replied: true,
				Elapsed: time.Since(start),
			}
		}
		msg := ParseMessage(line)
		if msg.Kind == MessageStdout || msg.Kind == MessageWarn {
			s.cfg.Output(msg)
			continue
		}
		return ShutdownResult{Reply: msg, Replied: true, Elapsed: time.Since(start)}
	}
	return ShutdownResult{Elapsed: time.Since(start)}
}

// Close closes the connection and the listener.
func (s *Session) Close() error {
	s.dropConn()
	return s.ln.Close()
}

func (s *Session) dropConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) runCheck(ctx context.Context, check CheckFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if check != nil {
		return check()
	}
	return nil
}

func (s *Session) importFailure() error {
	if s.cfg.ImportFile == "" {
		return nil
	}
	modules, err := ReadImportFailures(s.cfg.ImportFile)
	if err != nil || len(modules) == 0 {
		return nil
	}
	return &ImportError{Modules: modules}
}

func (s *Session) logOutput(msg Message) {
	if msg.Kind == MessageWarn {
		s.logger.Warn("renderer_warning", "text", msg.Text)
		return
	}
	s.logger.Info("renderer_stdout", "text", msg.Text)
}

// ReadImportFailures reads the module list written by the renderer-side
// plugin. A missing file is not an error.
func ReadImportFailures(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var modules []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if m := strings.TrimSpace(sc.Text()); m != "" {
			modules = append(modules, m)
		}
	}
	return modules, sc.Err()
}
