package parser

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync/atomic"
)

const (
	// MaxLineSize caps a single delivered line. The rest of an overlong
	// line is read and discarded so the child never blocks on a full pipe.
	MaxLineSize = 64 * 1024

	readBufferSize = 32 * 1024
)

// PipeReader reads lines from an io.Reader (renderer stdout/stderr pipe).
// Implements LineSource.
type PipeReader struct {
	reader    io.Reader
	pipeline  *Pipeline
	readyChan chan struct{}
	closed    atomic.Bool

	bytesRead atomic.Int64
	linesRead atomic.Int64
	truncated atomic.Int64
	err       atomic.Value // error
}

// NewPipeReader creates a pipe-based line source.
func NewPipeReader(r io.Reader, pipeline *Pipeline) *PipeReader {
	pr := &PipeReader{
		reader:    r,
		pipeline:  pipeline,
		readyChan: make(chan struct{}),
	}
	// A pipe needs no handshake.
	close(pr.readyChan)
	return pr
}

// Run reads lines until EOF or Close. Windows line endings are trimmed and
// lines longer than MaxLineSize are cut. After a read error the remaining
// input is discarded until the writer goes away.
func (p *PipeReader) Run() {
	defer p.pipeline.CloseChannel()

	br := bufio.NewReaderSize(p.reader, readBufferSize)
	line := make([]byte, 0, readBufferSize)
	overflow := false

	for {
		frag, err := br.ReadSlice('\n')
		p.bytesRead.Add(int64(len(frag)))
		if err == nil {
			frag = frag[:len(frag)-1]
		}

		if room := MaxLineSize - len(line); len(frag) > room {
			line = append(line, frag[:room]...)
			overflow = true
		} else {
			line = append(line, frag...)
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		// A final fragment without a newline is still a line.
		if err == nil || len(line) > 0 {
			if p.closed.Load() || !p.emit(line, overflow) {
				return
			}
		}
		line, overflow = line[:0], false

		if err != nil {
			if err != io.EOF {
				p.err.Store(err)
				_, _ = io.Copy(io.Discard, br)
			}
			return
		}
	}
}

func (p *PipeReader) emit(line []byte, overflow bool) bool {
	if overflow {
		p.truncated.Add(1)
	}
	p.linesRead.Add(1)
	return p.pipeline.FeedLine(strings.TrimRight(string(line), "\r"))
}

// Ready returns an already-closed channel.
func (p *PipeReader) Ready() <-chan struct{} {
	return p.readyChan
}

// Close marks the reader closed and unblocks a pending FeedLine. The
// underlying pipe is closed by the process exiting.
func (p *PipeReader) Close() error {
	p.closed.Store(true)
	p.pipeline.Stop()
	return nil
}

// Err returns the read error that ended Run, if any.
func (p *PipeReader) Err() error {
	if v := p.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Truncated returns how many lines were cut to MaxLineSize.
func (p *PipeReader) Truncated() int64 {
	return p.truncated.Load()
}

// Stats returns (bytesRead, linesRead, healthy).
func (p *PipeReader) Stats() (bytesRead int64, linesRead int64, healthy bool) {
	return p.bytesRead.Load(),
		p.linesRead.Load(),
		!p.closed.Load() && p.Err() == nil
}

var _ LineSource = (*PipeReader)(nil)
