// Package timeseries provides time-windowed rate tracking.
//
// A RateTracker counts events (renderer output lines) and computes rolling
// rates over fixed windows (10s, 60s, 300s). Add is lock-free; sampling and
// reading take a lock on the sample ring only.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringBufferSize is the number of samples to retain (5 minutes at 1 sample/sec)
	ringBufferSize = 300

	window10s  = 10 * time.Second
	window60s  = 60 * time.Second
	window300s = 300 * time.Second
)

// Clock interface for testing with deterministic time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// sample is a point-in-time snapshot of the cumulative count.
type sample struct {
	timestamp time.Time
	count     int64
}

// RateTracker tracks a cumulative event count and its rolling rates.
//
// Usage:
//
//	tracker := NewRateTracker()
//	tracker.Add(1)           // per output line
//	tracker.RecordSample()   // every second
//	stats := tracker.Stats() // for the dashboard and metrics
type RateTracker struct {
	total atomic.Int64

	samples  []sample
	writeIdx int // Next write position once the ring is full
	mu       sync.RWMutex

	startTime time.Time
	clock     Clock
}

// RateStats holds the rates at one point in time, in events per second.
type RateStats struct {
	Total int64

	Avg10s  float64
	Avg60s  float64
	Avg300s float64

	// AvgOverall is the rate since tracking started.
	AvgOverall float64

	// Idle is the time since the count last changed, at sample resolution.
	Idle time.Duration
}

// NewRateTracker creates a tracker with the real clock.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(realClock{})
}

// NewRateTrackerWithClock creates a tracker with a custom clock for testing.
func NewRateTrackerWithClock(clock Clock) *RateTracker {
	now := clock.Now()
	t := &RateTracker{
		samples:   make([]sample, 0, ringBufferSize),
		startTime: now,
		clock:     clock,
	}
	t.samples = append(t.samples, sample{timestamp: now})
	return t
}

// Add adds n events. Non-positive values are ignored.
func (t *RateTracker) Add(n int64) {
	if n > 0 {
		t.total.Add(n)
	}
}

// RecordSample stores the current count. Call it periodically.
func (t *RateTracker) RecordSample() {
	s := sample{timestamp: t.clock.Now(), count: t.total.Load()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) < ringBufferSize {
		t.samples = append(t.samples, s)
		return
	}
	t.samples[t.writeIdx] = s
	t.writeIdx = (t.writeIdx + 1) % ringBufferSize
}

// Stats computes the current rates. With less history than a window, the
// oldest sample is used, so a rate is always available.
func (t *RateTracker) Stats() RateStats {
	now := t.clock.Now()
	current := t.total.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := RateStats{Total: current}
	if elapsed := now.Sub(t.startTime).Seconds(); elapsed > 0 {
		stats.AvgOverall = float64(current) / elapsed
	}
	stats.Avg10s = t.avgOverWindow(now, current, window10s)
	stats.Avg60s = t.avgOverWindow(now, current, window60s)
	stats.Avg300s = t.avgOverWindow(now, current, window300s)
	stats.Idle = t.idle(now, current)
	return stats
}

// avgOverWindow returns events/sec since the sample closest to, but not
// after, now-window. Must be called with mu held.
func (t *RateTracker) avgOverWindow(now time.Time, current int64, window time.Duration) float64 {
	target := now.Add(-window)

	var best *sample
	var bestDiff time.Duration = -1
	for i := range t.samples {
		s := &t.samples[i]
		if s.timestamp.After(target) {
			continue
		}
		diff := target.Sub(s.timestamp)
		if bestDiff < 0 || diff < bestDiff {
			best = s
			bestDiff = diff
		}
	}
	if best == nil {
		best = t.oldestSample()
	}
	if best == nil {
		return 0
	}

	elapsed := now.Sub(best.timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(current-best.count) / elapsed
}

// idle returns how long the count has been unchanged: the age of the
// earliest sample already holding the current count. Must be called with
// mu held.
func (t *RateTracker) idle(now time.Time, current int64) time.Duration {
	var since time.Time
	for _, s := range t.samples {
		if s.count == current && (since.IsZero() || s.timestamp.Before(since)) {
			since = s.timestamp
		}
	}
	if since.IsZero() {
		// Events arrived after the last sample.
		return 0
	}
	return now.Sub(since)
}

// oldestSample returns the oldest sample in the ring. Must be called with
// mu held.
func (t *RateTracker) oldestSample() *sample {
	if len(t.samples) == 0 {
		return nil
	}
	if len(t.samples) < ringBufferSize {
		return &t.samples[0]
	}
	return &t.samples[t.writeIdx]
}

// Reset clears all data and restarts tracking.
func (t *RateTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.Store(0)
	t.samples = t.samples[:0]
	t.samples = append(t.samples, sample{timestamp: now})
	t.writeIdx = 0
	t.startTime = now
}

// SampleCount returns the number of samples in the ring.
func (t *RateTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
