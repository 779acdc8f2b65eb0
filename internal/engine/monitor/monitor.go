package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pulseops/pulse-engine/internal/engine/metrics"
	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/types"
)

const (
	MetricCPUUsage       = "cpu_usage_percent"
	MetricMemoryUsage    = "memory_usage_percent"
	MetricGoroutineCount = "goroutine_count"
	MetricQueueDepth     = "queue_depth"

	DefaultInterval    = 5 * time.Second
	DefaultRetention   = time.Hour
	DefaultCPUAlertPct = 80.0
	DefaultMemAlertPct = 85.0
)

// Sampler produces the raw system readings for one pass. Tests inject a
// deterministic implementation.
type Sampler interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
	GoroutineCount() int
}

// DepthProvider reports the event queue's current depth.
type DepthProvider func() int

// FaultSink receives sampling-error observations.
type FaultSink interface {
	Record(condition types.FaultCondition, description string)
}

type Config struct {
	Interval    time.Duration
	Retention   time.Duration
	CPUAlertPct float64
	MemAlertPct float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.CPUAlertPct <= 0 {
		c.CPUAlertPct = DefaultCPUAlertPct
	}
	if c.MemAlertPct <= 0 {
		c.MemAlertPct = DefaultMemAlertPct
	}
	return c
}

// Monitor samples system health on a fixed interval into an append-only
// series pruned to a retention window.
type Monitor struct {
	mu        sync.RWMutex
	series    []types.Metric
	retention time.Duration

	interval    time.Duration
	cpuAlertPct float64
	memAlertPct float64

	sampler Sampler
	depth   DepthProvider
	faults  FaultSink
	clk     clock.Clock
	logger  logging.Logger

	alerts atomic.Uint64
	errs   atomic.Uint64

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, sampler Sampler, depth DepthProvider, faults FaultSink, clk clock.Clock, logger logging.Logger) *Monitor {
	cfg = cfg.withDefaults()
	if sampler == nil {
		sampler = SystemSampler{}
	}
	return &Monitor{
		retention:   cfg.Retention,
		interval:    cfg.Interval,
		cpuAlertPct: cfg.CPUAlertPct,
		memAlertPct: cfg.MemAlertPct,
		sampler:     sampler,
		depth:       depth,
		faults:      faults,
		clk:         clk,
		logger:      logger,
	}
}

// Start runs the sampling loop until the context is canceled or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.run(loopCtx, done)
	m.logger.Infof("Performance monitor started, sampling every %v", m.interval)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	done := m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("Performance monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := m.clk.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample performs one sampling pass. A failing reading is logged and
// counted; the readings that succeeded are still appended.
func (m *Monitor) Sample(ctx context.Context) {
	now := m.clk.Now().UTC()
	var pass []types.Metric

	cpu, err := m.sampler.CPUPercent(ctx)
	if err != nil {
		m.samplingError("cpu", err)
	} else {
		pass = append(pass, m.evaluate(types.Metric{
			Name:      MetricCPUUsage,
			Value:     cpu,
			Unit:      "percent",
			Category:  types.MetricCategoryCPU,
			Timestamp: now,
			Threshold: m.cpuAlertPct,
		}))
		metrics.CPUUsagePercent.Set(cpu)
	}

	memory, err := m.sampler.MemoryPercent(ctx)
	if err != nil {
		m.samplingError("memory", err)
	} else {
		pass = append(pass, m.evaluate(types.Metric{
			Name:      MetricMemoryUsage,
			Value:     memory,
			Unit:      "percent",
			Category:  types.MetricCategoryMemory,
			Timestamp: now,
			Threshold: m.memAlertPct,
		}))
	}

	pass = append(pass, types.Metric{
		Name:      MetricGoroutineCount,
		Value:     float64(m.sampler.GoroutineCount()),
		Unit:      "count",
		Category:  types.MetricCategorySystem,
		Timestamp: now,
	})

	if m.depth != nil {
		depth := m.depth()
		pass = append(pass, types.Metric{
			Name:      MetricQueueDepth,
			Value:     float64(depth),
			Unit:      "events",
			Category:  types.MetricCategoryQueue,
			Timestamp: now,
		})
		metrics.QueueDepth.Set(float64(depth))
	}

	m.mu.Lock()
	m.series = append(m.series, pass...)
	m.pruneLocked(now)
	m.mu.Unlock()
}

// evaluate applies the metric's threshold at sample time.
func (m *Monitor) evaluate(metric types.Metric) types.Metric {
	if metric.Threshold > 0 && metric.Value > metric.Threshold {
		metric.Alert = true
		m.alerts.Add(1)
		metrics.MonitorAlertsTotal.WithLabelValues(metric.Name).Inc()
		m.logger.Warnf("Metric %s crossed its threshold: %.2f > %.2f", metric.Name, metric.Value, metric.Threshold)
	}
	return metric
}

func (m *Monitor) samplingError(reading string, err error) {
	m.errs.Add(1)
	metrics.SamplingErrorsTotal.Inc()
	m.logger.Errorf("Sampling %s failed: %v", reading, err)
	if m.faults != nil {
		m.faults.Record(types.FaultSamplingError, fmt.Sprintf("sampling %s failed: %v", reading, err))
	}
}

// Snapshot returns a detached copy of the series, optionally filtered by
// category. An empty category returns everything.
func (m *Monitor) Snapshot(category types.MetricCategory) []types.Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if category == "" {
		out := make([]types.Metric, len(m.series))
		copy(out, m.series)
		return out
	}

	out := make([]types.Metric, 0)
	for _, metric := range m.series {
		if metric.Category == category {
			out = append(out, metric)
		}
	}
	return out
}

// Latest returns the most recent sample recorded under name.
func (m *Monitor) Latest(name string) (types.Metric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.series) - 1; i >= 0; i-- {
		if m.series[i].Name == name {
			return m.series[i], true
		}
	}
	return types.Metric{}, false
}

func (m *Monitor) AlertCount() uint64 {
	return m.alerts.Load()
}

func (m *Monitor) Errors() uint64 {
	return m.errs.Load()
}

// SetRetention tightens or widens the pruning window and prunes
// immediately.
func (m *Monitor) SetRetention(d time.Duration) error {
	if d <= 0 {
		return errors.New("retention must be > 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.retention = d
	m.pruneLocked(m.clk.Now().UTC())
	m.logger.Infof("Metric retention set to %v", d)
	return nil
}

func (m *Monitor) Retention() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retention
}

// Prune drops series entries older than the retention window.
func (m *Monitor) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(now.UTC())
}

func (m *Monitor) pruneLocked(now time.Time) int {
	cutoff := now.Add(-m.retention)
	drop := 0
	for drop < len(m.series) && m.series[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return 0
	}
	remaining := make([]types.Metric, len(m.series)-drop)
	copy(remaining, m.series[drop:])
	m.series = remaining
	return drop
}
