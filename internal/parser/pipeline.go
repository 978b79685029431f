// Package parser drains renderer output streams into a line channel.
//
// Two layers:
//
//	Layer 1 (Reader): a LineSource reads lines from the child's pipe
//	Layer 2 (Consumer): the supervisor monitor loop receives them at its pace
//
// Unlike a metrics scraper, a render supervisor cannot drop lines: a single
// lost fatal marker would leave a broken task running until the idle timeout.
// The channel is therefore bounded but blocking. The renderer's write blocks
// only while the monitor loop is busy, which is at most one poll interval.
package parser

import (
	"sync"
	"sync/atomic"
)

// LineSource abstracts the source of lines for a Pipeline.
//
// Lifecycle (MUST be followed by the supervisor):
//
//  1. source := NewPipeReader(...)
//  2. go source.Run()        // Start reading in goroutine
//  3. defer source.Close()   // Cleanup on exit
//  4. <-source.Ready()
//
// The source is responsible for calling pipeline.CloseChannel() on exit.
type LineSource interface {
	// Run reads lines and feeds them to the pipeline until the source is
	// exhausted or closed. MUST call pipeline.CloseChannel() on exit.
	Run()

	// Ready returns a channel that is closed when the source is reading.
	Ready() <-chan struct{}

	// Close stops the source. Safe to call multiple times.
	Close() error

	// Stats returns (bytesRead, linesRead, healthy).
	Stats() (bytesRead int64, linesRead int64, healthy bool)
}

// Pipeline is a bounded line channel with a stop signal.
type Pipeline struct {
	name       string
	bufferSize int

	lineChan  chan string
	closeOnce sync.Once

	stop     chan struct{}
	stopOnce sync.Once

	linesRead      int64
	linesDelivered int64
	linesDiscarded int64
	blockedSends   int64
}

// NewPipeline creates a pipeline. name identifies the stream in logs
// ("stdout", "stderr").
func NewPipeline(name string, bufferSize int) *Pipeline {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &Pipeline{
		name:       name,
		bufferSize: bufferSize,
		lineChan:   make(chan string, bufferSize),
		stop:       make(chan struct{}),
	}
}

// FeedLine queues a line. It blocks while the channel is full and returns
// false only if the pipeline was stopped before the line could be queued.
func (p *Pipeline) FeedLine(line string) bool {
	atomic.AddInt64(&p.linesRead, 1)

	select {
	case p.lineChan <- line:
		return true
	default:
	}

	atomic.AddInt64(&p.blockedSends, 1)
	select {
	case p.lineChan <- line:
		return true
	case <-p.stop:
		atomic.AddInt64(&p.linesDiscarded, 1)
		return false
	}
}

// CloseChannel closes the line channel, signaling the consumer that the
// source reached EOF. Idempotent.
func (p *Pipeline) CloseChannel() {
	p.closeOnce.Do(func() {
		close(p.lineChan)
	})
}

// Stop releases a reader blocked in FeedLine. Used once the consumer gives
// up on the stream (task failed or finished). Idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// Lines returns the receive side of the channel.
func (p *Pipeline) Lines() <-chan string {
	return p.lineChan
}

// Delivered records that the consumer took one line.
func (p *Pipeline) Delivered() {
	atomic.AddInt64(&p.linesDelivered, 1)
}

// Stats returns pipeline health counters.
func (p *Pipeline) Stats() (read, delivered, discarded int64) {
	return atomic.LoadInt64(&p.linesRead),
		atomic.LoadInt64(&p.linesDelivered),
		atomic.LoadInt64(&p.linesDiscarded)
}

// BlockedSends counts how often the reader had to wait for the consumer.
func (p *Pipeline) BlockedSends() int64 {
	return atomic.LoadInt64(&p.blockedSends)
}

// Name returns the stream name.
func (p *Pipeline) Name() string {
	return p.name
}

// DrainChannel reads and discards remaining lines.
func (p *Pipeline) DrainChannel() {
	for range p.lineChan {
		atomic.AddInt64(&p.linesDiscarded, 1)
	}
}
