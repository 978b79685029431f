package timeseries

import (
	"math"
	"sync"
	"testing"
	"time"
)

// mockClock provides deterministic time for testing.
type mockClock struct {
	mu   sync.Mutex
	time time.Time
}

func newMockClock(t time.Time) *mockClock {
	return &mockClock{time: t}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time = c.time.Add(d)
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 0.001
}

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// Table-Driven Tests: accumulation
// =============================================================================

func TestRateTracker_Add(t *testing.T) {
	tests := []struct {
		name     string
		adds     []int64
		expected int64
	}{
		{"single add", []int64{1}, 1},
		{"multiple adds", []int64{100, 200, 300}, 600},
		{"zero value ignored", []int64{100, 0, 200}, 300},
		{"negative value ignored", []int64{100, -50, 200}, 300},
		{"empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewRateTrackerWithClock(newMockClock(epoch))
			for _, n := range tt.adds {
				tracker.Add(n)
			}
			if got := tracker.Stats().Total; got != tt.expected {
				t.Errorf("Total = %d, want %d", got, tt.expected)
			}
		})
	}
}

// =============================================================================
// Tests: rolling rates
// =============================================================================

func TestRateTracker_ConstantRate(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	// 5 lines per second for 120 seconds.
	for i := 0; i < 120; i++ {
		clock.Advance(time.Second)
		tracker.Add(5)
		tracker.RecordSample()
	}

	stats := tracker.Stats()
	for name, got := range map[string]float64{
		"Avg10s":     stats.Avg10s,
		"Avg60s":     stats.Avg60s,
		"Avg300s":    stats.Avg300s,
		"AvgOverall": stats.AvgOverall,
	} {
		if !approx(got, 5) {
			t.Errorf("%s = %f, want 5", name, got)
		}
	}
}

func TestRateTracker_BurstThenSilence(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	// 600 lines in the first minute, then nothing for a minute.
	for i := 0; i < 60; i++ {
		clock.Advance(time.Second)
		tracker.Add(10)
		tracker.RecordSample()
	}
	for i := 0; i < 60; i++ {
		clock.Advance(time.Second)
		tracker.RecordSample()
	}

	stats := tracker.Stats()
	if stats.Avg10s != 0 || stats.Avg60s != 0 {
		t.Errorf("short windows = %f/%f, want 0 after a silent minute", stats.Avg10s, stats.Avg60s)
	}
	if !approx(stats.Avg300s, 5) {
		t.Errorf("Avg300s = %f, want 5 (600 lines over the 120s history)", stats.Avg300s)
	}
	if stats.Idle != 60*time.Second {
		t.Errorf("Idle = %v, want 60s", stats.Idle)
	}
}

func TestRateTracker_ShortHistory(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	clock.Advance(2 * time.Second)
	tracker.Add(10)
	tracker.RecordSample()

	// Less history than every window: the oldest sample is used.
	stats := tracker.Stats()
	if !approx(stats.Avg300s, 5) || !approx(stats.Avg10s, 5) {
		t.Errorf("rates = %f/%f, want 5", stats.Avg10s, stats.Avg300s)
	}
}

func TestRateTracker_NoTimeElapsed(t *testing.T) {
	tracker := NewRateTrackerWithClock(newMockClock(epoch))
	tracker.Add(100)

	stats := tracker.Stats()
	if stats.AvgOverall != 0 || stats.Avg10s != 0 {
		t.Errorf("rates with zero elapsed time = %+v", stats)
	}
	if stats.Idle != 0 {
		t.Errorf("Idle = %v, want 0 for unsampled events", stats.Idle)
	}
}

func TestRateTracker_Idle(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	clock.Advance(30 * time.Second)
	tracker.RecordSample()
	if got := tracker.Stats().Idle; got != 30*time.Second {
		t.Errorf("Idle before any event = %v, want 30s", got)
	}

	tracker.Add(1)
	if got := tracker.Stats().Idle; got != 0 {
		t.Errorf("Idle right after an event = %v, want 0", got)
	}

	clock.Advance(time.Second)
	tracker.RecordSample()
	clock.Advance(4 * time.Second)
	if got := tracker.Stats().Idle; got != 4*time.Second {
		t.Errorf("Idle = %v, want 4s", got)
	}
}

func TestRateTracker_RingBufferOverflow(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	for i := 0; i < ringBufferSize+50; i++ {
		clock.Advance(time.Second)
		tracker.Add(2)
		tracker.RecordSample()
	}

	if got := tracker.SampleCount(); got != ringBufferSize {
		t.Errorf("SampleCount = %d, want %d", got, ringBufferSize)
	}
	stats := tracker.Stats()
	if !approx(stats.Avg300s, 2) || !approx(stats.Avg60s, 2) {
		t.Errorf("rates after wrap = %f/%f, want 2", stats.Avg60s, stats.Avg300s)
	}
}

func TestRateTracker_Reset(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		tracker.Add(3)
		tracker.RecordSample()
	}

	tracker.Reset()
	if tracker.SampleCount() != 1 {
		t.Errorf("SampleCount after Reset = %d, want 1", tracker.SampleCount())
	}
	if stats := tracker.Stats(); stats.Total != 0 || stats.AvgOverall != 0 {
		t.Errorf("stats after Reset = %+v", stats)
	}
}

// =============================================================================
// Tests: concurrency
// =============================================================================

func TestRateTracker_ConcurrentAddAndRead(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				tracker.Add(1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			clock.Advance(10 * time.Millisecond)
			tracker.RecordSample()
			_ = tracker.Stats()
		}
	}()
	wg.Wait()

	if got := tracker.Stats().Total; got != 8000 {
		t.Errorf("Total = %d, want 8000", got)
	}
}
