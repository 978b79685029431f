// Package stats keeps per-task render statistics and formats the exit
// summary.
package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-render-supervisor/internal/classifier"
)

// FrameTimer measures wall time per frame from frame start and finalize
// markers. A frame that never reports finalize is closed by the next
// frame start.
//
// Thread-safe: Observe runs on the monitor goroutine, Snapshot on the
// dashboard and summary.
type FrameTimer struct {
	mu sync.Mutex

	// digest holds frame durations in seconds.
	digest *tdigest.TDigest

	current      int
	currentStart time.Time
	inFrame      bool

	started  int64
	finished int64
	last     time.Duration
	max      time.Duration
	total    time.Duration
}

// FrameStats is a point-in-time copy of the timer.
type FrameStats struct {
	FramesStarted  int64
	FramesFinished int64
	CurrentFrame   int
	InFrame        bool

	Last time.Duration
	Mean time.Duration
	Max  time.Duration
	P50  time.Duration
	P95  time.Duration
}

// NewFrameTimer creates an empty timer.
func NewFrameTimer() *FrameTimer {
	return &FrameTimer{digest: tdigest.NewWithCompression(100)}
}

// Observe records one classified event seen at time at.
func (f *FrameTimer) Observe(ev classifier.Event, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch ev.Kind {
	case classifier.EventFrameStarted, classifier.EventFrameOrdinal:
		if ev.Kind == classifier.EventFrameStarted && f.inFrame && ev.Frame == f.current {
			// Repeated marker for the same frame.
			return
		}
		if f.inFrame {
			f.finish(at)
		}
		f.current = ev.Frame
		f.currentStart = at
		f.inFrame = true
		f.started++

	case classifier.EventFrameFinalized, classifier.EventTaskComplete:
		if f.inFrame {
			f.finish(at)
		}
	}
}

func (f *FrameTimer) finish(at time.Time) {
	d := at.Sub(f.currentStart)
	if d < 0 {
		d = 0
	}
	f.inFrame = false
	f.finished++
	f.last = d
	f.total += d
	if d > f.max {
		f.max = d
	}
	f.digest.Add(d.Seconds(), 1)
}

// Snapshot returns the current statistics.
func (f *FrameTimer) Snapshot() FrameStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := FrameStats{
		FramesStarted:  f.started,
		FramesFinished: f.finished,
		CurrentFrame:   f.current,
		InFrame:        f.inFrame,
		Last:           f.last,
		Max:            f.max,
	}
	if f.finished > 0 {
		s.Mean = f.total / time.Duration(f.finished)
		s.P50 = seconds(f.digest.Quantile(0.50))
		s.P95 = seconds(f.digest.Quantile(0.95))
	}
	return s
}

// Remaining estimates the time left for frames not yet finished, from the
// median frame time. It is zero until one frame finished.
func (s FrameStats) Remaining(frameCount int) time.Duration {
	left := int64(frameCount) - s.FramesFinished
	if s.FramesFinished == 0 || left <= 0 {
		return 0
	}
	return time.Duration(left) * s.P50
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
