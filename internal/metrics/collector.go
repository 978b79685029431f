// Package metrics provides Prometheus metrics for go-render-supervisor.
//
// One collector describes one render task: its lifecycle state, progress,
// per-frame render times, classified events and renderer exits.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// frameBuckets covers frames from a second to several hours.
var frameBuckets = []float64{
	1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200, 14400,
}

// Collector owns the metrics of one task.
type Collector struct {
	info             *prometheus.GaugeVec
	state            *prometheus.GaugeVec
	percent          prometheus.Gauge
	frameCount       prometheus.Gauge
	currentFrame     prometheus.Gauge
	framesFinished   prometheus.Counter
	frameSeconds     prometheus.Histogram
	frameP50         prometheus.Gauge
	frameP95         prometheus.Gauge
	eventsTotal      *prometheus.CounterVec
	linesTotal       prometheus.Counter
	linesPerSecond   *prometheus.GaugeVec
	outputIdle       prometheus.Gauge
	exitsTotal       *prometheus.CounterVec
	uptimeSeconds    prometheus.Gauge
	elapsedSeconds   prometheus.Gauge
	remainingSeconds prometheus.Gauge

	startTime time.Time

	mu        sync.Mutex
	lastState string
	exitCodes map[int]int64
}

// CollectorConfig holds the constant task labels.
type CollectorConfig struct {
	TaskID     string
	Renderer   string
	Mode       string
	FrameCount int
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "render_supervisor_info",
			Help: "Information about the render task (value always 1)",
		}, []string{"task_id", "renderer", "mode"}),

		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "render_supervisor_task_state",
			Help: "1 for the current task state, 0 for past states",
		}, []string{"state"}),

		percent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_supervisor_progress_percent",
			Help: "Overall task progress (0-100)",
		}),

		frameCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_supervisor_frames",
			Help: "Number of frames in the task range",
		}),

		currentFrame: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_supervisor_current_frame",
			Help: "Frame currently being rendered",
		}),

		framesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_supervisor_frames_finished_total",
			Help: "Frames the renderer reported as finalized",
		}),

		frameSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "render_supervisor_frame_seconds",
			Help:    "Wall time per rendered frame",
			Buckets: frameBuckets,
		}),

		frameP50: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_supervisor_frame_p50_seconds",
			Help: "Median frame time",
		}),

		frameP95: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_supervisor_frame_p95_seconds",
			Help: "95th percentile frame time",
		}),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "render_supervisor_events_total",
			Help: "Classified renderer output lines by event kind",
		}, []string{"kind"}),

		linesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_supervisor_output_lines_total",
			Help: "Renderer output lines read",
		}),

		linesPerSecond: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "render_supervisor_output_lines_per_second",
			Help: "Rolling renderer output rate",
		}, []string{"window"}),

		outputIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_supervisor_output_idle_seconds",
			Help: "Seconds since the renderer last wrote a line",
		}),

		exitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "render_supervisor_renderer_exits_total",
			Help: "Renderer process exits by category",
		}, []string{"category"}),

		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_supervisor_renderer_uptime_seconds",
			Help: "Renderer process lifetime, set at exit",
		}),

		elapsedSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_supervisor_task_elapsed_seconds",
			Help: "Seconds since the task started",
		}),

		remainingSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_supervisor_task_remaining_seconds",
			Help: "Estimated seconds left from the median frame time (-1 = unknown)",
		}),

		startTime: time.Now(),
		exitCodes: make(map[int]int64),
	}

	registry.MustRegister(
		c.info,
		c.state,
		c.percent,
		c.frameCount,
		c.currentFrame,
		c.framesFinished,
		c.frameSeconds,
		c.frameP50,
		c.frameP95,
		c.eventsTotal,
		c.linesTotal,
		c.linesPerSecond,
		c.outputIdle,
		c.exitsTotal,
		c.uptimeSeconds,
		c.elapsedSeconds,
		c.remainingSeconds,
	)

	c.info.WithLabelValues(cfg.TaskID, cfg.Renderer, cfg.Mode).Set(1)
	c.frameCount.Set(float64(cfg.FrameCount))
	c.remainingSeconds.Set(-1)

	return c
}

// =============================================================================
// Update Methods
// =============================================================================

// SetState marks state as current and clears the previous one.
func (c *Collector) SetState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastState != "" {
		c.state.WithLabelValues(c.lastState).Set(0)
	}
	c.state.WithLabelValues(state).Set(1)
	c.lastState = state
}

// SetProgress records overall progress in percent.
func (c *Collector) SetProgress(percent int) {
	c.percent.Set(float64(percent))
}

// SetCurrentFrame records the frame being rendered.
func (c *Collector) SetCurrentFrame(frame int) {
	c.currentFrame.Set(float64(frame))
}

// RecordEvent counts one classified event.
func (c *Collector) RecordEvent(kind string) {
	c.eventsTotal.WithLabelValues(kind).Inc()
}

// RecordLine counts one renderer output line.
func (c *Collector) RecordLine() {
	c.linesTotal.Inc()
}

// RecordFrame records one finished frame and its wall time.
func (c *Collector) RecordFrame(d time.Duration) {
	c.framesFinished.Inc()
	c.frameSeconds.Observe(d.Seconds())
}

// SetFrameQuantiles publishes the frame time percentiles and the estimated
// time left. A zero remaining estimate is published as unknown.
func (c *Collector) SetFrameQuantiles(p50, p95, remaining time.Duration) {
	c.frameP50.Set(p50.Seconds())
	c.frameP95.Set(p95.Seconds())
	if remaining > 0 {
		c.remainingSeconds.Set(remaining.Seconds())
	} else {
		c.remainingSeconds.Set(-1)
	}
}

// SetOutputRate publishes the rolling output rates and the output silence.
func (c *Collector) SetOutputRate(avg10s, avg60s, avg300s float64, idle time.Duration) {
	c.linesPerSecond.WithLabelValues("10s").Set(avg10s)
	c.linesPerSecond.WithLabelValues("60s").Set(avg60s)
	c.linesPerSecond.WithLabelValues("300s").Set(avg300s)
	c.outputIdle.Set(idle.Seconds())
}

// Tick refreshes time-based gauges.
func (c *Collector) Tick() {
	c.elapsedSeconds.Set(time.Since(c.startTime).Seconds())
}

// RecordExit records a renderer process exit.
func (c *Collector) RecordExit(exitCode int, uptime time.Duration) {
	c.exitsTotal.WithLabelValues(exitCategory(exitCode)).Inc()
	c.uptimeSeconds.Set(uptime.Seconds())

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.mu.Unlock()
}

// ExitCodes returns a copy of the exit code counts.
func (c *Collector) ExitCodes() map[int]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int64, len(c.exitCodes))
	for k, v := range c.exitCodes {
		out[k] = v
	}
	return out
}

// exitCategory buckets exit codes so the label set stays small.
func exitCategory(code int) string {
	switch {
	case code == 0:
		return "success"
	case code < 0:
		return "not_started"
	case code > 128:
		return "signal_" + strconv.Itoa(code-128)
	default:
		return "error"
	}
}
