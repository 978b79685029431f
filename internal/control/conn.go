package control

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RecvStatus is the outcome of one Receive call.
type RecvStatus int

const (
	// RecvOK: a full line was received.
	RecvOK RecvStatus = iota

	// RecvHeartbeatTimeout: nothing arrived within the receive timeout.
	// This is the normal poll heartbeat, not an error.
	RecvHeartbeatTimeout

	// RecvIOError: the connection failed or was closed.
	RecvIOError
)

// String returns a human-readable name for the status.
func (s RecvStatus) String() string {
	switch s {
	case RecvOK:
		return "ok"
	case RecvHeartbeatTimeout:
		return "heartbeat_timeout"
	case RecvIOError:
		return "io_error"
	default:
		return "unknown"
	}
}

// ErrAcceptTimeout is returned by Accept when no client connected in time.
var ErrAcceptTimeout = errors.New("accept timed out")

// Listener is a loopback TCP listener for renderer connections.
type Listener struct {
	ln   *net.TCPListener
	port int
}

// Listen opens a listener on addr. "127.0.0.1:0" picks a free port.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("listen %s: not a TCP listener", addr)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return &Listener{ln: tcp, port: port}, nil
}

// Port returns the bound port.
func (l *Listener) Port() int {
	return l.port
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Accept waits up to timeout for one connection.
func (l *Listener) Accept(timeout time.Duration) (*Conn, error) {
	if err := l.ln.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	c, err := l.ln.Accept()
	if err != nil {
		if isTimeout(err) {
			return nil, ErrAcceptTimeout
		}
		return nil, err
	}
	return NewConn(c), nil
}

// Close closes the listener.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Conn is a line-framed connection. Receive and SendLine may be used from
// different goroutines, but each by one goroutine at a time.
type Conn struct {
	c net.Conn
	r *bufio.Reader

	// partial holds bytes of a line cut off by a receive timeout.
	partial strings.Builder

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		c: c,
		r: bufio.NewReaderSize(c, 64*1024),
	}
}

// SendLine writes text followed by a newline.
func (c *Conn) SendLine(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := io.WriteString(c.c, text+"\n"); err != nil {
		return fmt.Errorf("send %q: %w", text, err)
	}
	return nil
}

// Receive waits up to timeout for one line. The trailing newline (and a
// carriage return before it) is removed. A line split by a timeout is
// kept and completed by the next call.
func (c *Conn) Receive(timeout time.Duration) (string, RecvStatus, error) {
	if err := c.c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", RecvIOError, err
	}
	chunk, err := c.r.ReadString('\n')
	c.partial.WriteString(chunk)

	switch {
	case err == nil:
		line := strings.TrimRight(c.partial.String(), "\r\n")
		c.partial.Reset()
		return line, RecvOK, nil
	case isTimeout(err):
		return "", RecvHeartbeatTimeout, nil
	case errors.Is(err, io.EOF) && c.partial.Len() > 0:
		// Last line without a newline; EOF is reported on the next call.
		line := strings.TrimRight(c.partial.String(), "\r")
		c.partial.Reset()
		return line, RecvOK, nil
	default:
		return "", RecvIOError, err
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.c.RemoteAddr().String()
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.c.Close()
	})
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
