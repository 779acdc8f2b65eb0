package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pulseops/pulse-engine/internal/engine/archive"
	"github.com/pulseops/pulse-engine/internal/engine/balancer"
	"github.com/pulseops/pulse-engine/internal/engine/config"
	"github.com/pulseops/pulse-engine/internal/engine/fault"
	"github.com/pulseops/pulse-engine/internal/engine/metrics"
	"github.com/pulseops/pulse-engine/internal/engine/monitor"
	"github.com/pulseops/pulse-engine/internal/engine/queue"
	"github.com/pulseops/pulse-engine/internal/engine/scheduler"
	"github.com/pulseops/pulse-engine/internal/engine/store"
	"github.com/pulseops/pulse-engine/internal/engine/streams"
	"github.com/pulseops/pulse-engine/internal/engine/workers"
	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/types"
)

var (
	ErrInvalidEvent  = errors.New("event kind cannot be empty")
	ErrEngineStopped = errors.New("engine has been stopped")
)

// Config carries every engine tunable. Zero values fall back to the same
// defaults the environment config uses, so tests can construct partial
// configs. Clock and Sampler are injection points; nil means real.
type Config struct {
	QueueCapacity         int
	InitialWorkers        int
	MinWorkers            int
	MaxWorkers            int
	WorkerShutdownTimeout time.Duration

	StreamBufferCapacity int
	StreamDefaultRate    float64

	SchedulerTick time.Duration

	MonitorInterval time.Duration
	MetricRetention time.Duration
	CPUAlertPct     float64
	MemAlertPct     float64

	RebalanceInterval time.Duration
	HighCPUPct        float64
	LowCPUPct         float64

	FaultSweepInterval time.Duration
	FaultLogCap        int

	EventRetention     time.Duration
	EventSweepInterval time.Duration

	ArchiveRedisURL string
	ArchiveCapacity int
	ArchiveTTL      time.Duration

	Clock   clock.Clock
	Sampler monitor.Sampler
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 32
	}
	if c.InitialWorkers <= 0 {
		c.InitialWorkers = 4
	}
	if c.StreamBufferCapacity <= 0 {
		c.StreamBufferCapacity = 256
	}
	if c.StreamDefaultRate <= 0 {
		c.StreamDefaultRate = 1.0
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = scheduler.DefaultTickInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = monitor.DefaultInterval
	}
	if c.MetricRetention <= 0 {
		c.MetricRetention = monitor.DefaultRetention
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = 30 * time.Second
	}
	if c.FaultSweepInterval <= 0 {
		c.FaultSweepInterval = 10 * time.Second
	}
	if c.EventRetention <= 0 {
		c.EventRetention = time.Hour
	}
	if c.EventSweepInterval <= 0 {
		c.EventSweepInterval = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// FromEnv maps the process configuration onto an engine Config.
func FromEnv() Config {
	return Config{
		QueueCapacity:         config.GetQueueCapacity(),
		InitialWorkers:        config.GetInitialWorkers(),
		MinWorkers:            config.GetMinWorkers(),
		MaxWorkers:            config.GetMaxWorkers(),
		WorkerShutdownTimeout: config.GetWorkerShutdownTimeout(),
		StreamBufferCapacity:  config.GetStreamBufferCapacity(),
		StreamDefaultRate:     config.GetStreamDefaultRate(),
		SchedulerTick:         config.GetSchedulerTickInterval(),
		MonitorInterval:       config.GetMonitorSampleInterval(),
		MetricRetention:       config.GetMetricRetention(),
		CPUAlertPct:           config.GetCPUAlertThreshold(),
		MemAlertPct:           config.GetMemoryAlertThreshold(),
		RebalanceInterval:     config.GetRebalanceInterval(),
		HighCPUPct:            config.GetRebalanceHighCPU(),
		LowCPUPct:             config.GetRebalanceLowCPU(),
		FaultSweepInterval:    config.GetFaultSweepInterval(),
		FaultLogCap:           config.GetFaultLogCapacity(),
		EventRetention:        config.GetEventRetention(),
		EventSweepInterval:    config.GetEventSweepInterval(),
		ArchiveRedisURL:       config.GetArchiveRedisURL(),
		ArchiveCapacity:       config.GetArchiveCapacity(),
		ArchiveTTL:            config.GetArchiveTTL(),
	}
}

// Engine wires the queue, store, worker pool, stream registry, task
// scheduler, performance monitor, load balancer, fault manager and
// archive into one unit behind a small facade. The API layer talks only
// to this type.
type Engine struct {
	cfg Config

	queue     *queue.Queue
	store     *store.Store
	pool      *workers.Pool
	streams   *streams.Registry
	scheduler *scheduler.Scheduler
	monitor   *monitor.Monitor
	balancer  *balancer.Balancer
	faults    *fault.Manager
	archive   *archive.Archive

	clk    clock.Clock
	logger logging.Logger

	mu          sync.Mutex
	started     bool
	stopped     bool
	startedAt   time.Time
	cancel      context.CancelFunc
	metricsStop chan struct{}
}

func New(cfg Config, logger logging.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()

	q, err := queue.New(cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to build event queue: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		queue:  q,
		clk:    cfg.Clock,
		logger: logger,
	}

	e.store = store.New(cfg.EventRetention, cfg.Clock, logger)

	e.pool, err = workers.NewPool(workers.Config{
		InitialWorkers:  cfg.InitialWorkers,
		MinWorkers:      cfg.MinWorkers,
		MaxWorkers:      cfg.MaxWorkers,
		ShutdownTimeout: cfg.WorkerShutdownTimeout,
	}, q, e.store, cfg.Clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build worker pool: %w", err)
	}

	e.streams = streams.NewRegistry(cfg.Clock, logger)

	e.faults = fault.NewManager(fault.Config{
		LogCap: cfg.FaultLogCap,
	}, e.GetStatus, cfg.Clock, logger)

	e.scheduler = scheduler.New(cfg.SchedulerTick, nil, e.faults, cfg.Clock, logger)

	e.monitor = monitor.New(monitor.Config{
		Interval:    cfg.MonitorInterval,
		Retention:   cfg.MetricRetention,
		CPUAlertPct: cfg.CPUAlertPct,
		MemAlertPct: cfg.MemAlertPct,
	}, cfg.Sampler, q.Depth, e.faults, cfg.Clock, logger)

	e.balancer = balancer.New(balancer.Config{
		HighCPUPct: cfg.HighCPUPct,
		LowCPUPct:  cfg.LowCPUPct,
	}, e.monitor, e.pool, cfg.Clock, logger)

	e.archive, err = archive.New(archive.Config{
		RedisURL: cfg.ArchiveRedisURL,
		Capacity: cfg.ArchiveCapacity,
		TTL:      cfg.ArchiveTTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build archive: %w", err)
	}
	e.store.SetArchiver(e.archive)

	e.registerRecoveryActions()

	return e, nil
}

// registerRecoveryActions wires the built-in mitigations. Each is
// idempotent: re-applying at a bound or on an empty table is harmless.
func (e *Engine) registerRecoveryActions() {
	_ = e.faults.RegisterAction(types.FaultQueueSaturation, "expand_worker_pool", func(ctx context.Context) error {
		size := e.pool.Size()
		_, max := e.pool.Bounds()
		target := size * 2
		if target > max {
			target = max
		}
		if target == size {
			return nil
		}
		return e.pool.Resize(target)
	})

	_ = e.faults.RegisterAction(types.FaultHighMemory, "flush_terminal_events", func(ctx context.Context) error {
		// Shed old archive entries first, then move the live table's
		// terminal events into the freed space.
		if _, err := e.archive.Evict(ctx, 0.25); err != nil {
			return err
		}
		e.store.Flush(ctx)
		return nil
	})

	_ = e.faults.RegisterAction(types.FaultHighCPU, "shed_worker_load", func(ctx context.Context) error {
		e.balancer.Rebalance()
		return nil
	})

	_ = e.faults.RegisterAction(types.FaultThreadOverload, "shrink_worker_pool", func(ctx context.Context) error {
		size := e.pool.Size()
		min, _ := e.pool.Bounds()
		target := size / 2
		if target < min {
			target = min
		}
		if target == size {
			return nil
		}
		return e.pool.Resize(target)
	})
}

// Start brings up every loop. Streams run independently from creation;
// everything else starts here.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.pool.Start(runCtx)
	e.store.StartJanitor(runCtx, e.cfg.EventSweepInterval)
	e.scheduler.Start(runCtx)
	e.monitor.Start(runCtx)
	e.balancer.Start(runCtx, e.cfg.RebalanceInterval)
	e.faults.Start(runCtx, e.cfg.FaultSweepInterval)

	e.metricsStop = make(chan struct{})
	metrics.StartMetricsCollection(e.metricsStop)

	e.started = true
	e.startedAt = e.clk.Now()
	e.logger.Infof("Engine started: %d workers, queue capacity %d, archive backend %s",
		e.pool.Size(), e.queue.Capacity(), e.archive.BackendName())
	return nil
}

// Stop shuts the engine down for good. Loops finish their current unit,
// workers drain in-flight events, then the queue closes and the archive
// connection is released. A stopped engine cannot be restarted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if !e.started {
		// Never started: only the stream loops, the queue and the archive
		// hold resources.
		e.stopped = true
		e.mu.Unlock()
		e.streams.Shutdown()
		e.queue.Close()
		if err := e.archive.Close(); err != nil {
			e.logger.Errorf("Failed to close archive: %v", err)
		}
		return
	}
	e.started = false
	e.stopped = true
	cancel := e.cancel
	metricsStop := e.metricsStop
	e.mu.Unlock()

	// Decision-making loops first, so nothing resizes or schedules while
	// the data path drains.
	e.faults.Stop()
	e.balancer.Stop()
	e.monitor.Stop()
	e.scheduler.Stop()
	e.streams.Shutdown()
	e.pool.Stop()

	cancel()
	close(metricsStop)
	e.queue.Close()

	if err := e.archive.Close(); err != nil {
		e.logger.Errorf("Failed to close archive: %v", err)
	}
	e.logger.Infof("Engine stopped")
}

// CreateEvent admits one event. The only failure for a well-formed
// submission is a full (or closed) queue; rejected events leave no trace
// in the store.
func (e *Engine) CreateEvent(kind string, payload map[string]interface{}, source string, priority int) (string, error) {
	if kind == "" {
		return "", ErrInvalidEvent
	}

	event := types.NewEvent(kind, payload, source, priority)
	e.store.Put(event)
	if err := e.queue.Enqueue(event); err != nil {
		e.store.Delete(event.ID)
		metrics.EventsDroppedTotal.Inc()
		return "", err
	}
	metrics.EventsSubmittedTotal.Inc()
	metrics.QueueDepth.Set(float64(e.queue.Depth()))
	return event.ID, nil
}

func (e *Engine) RegisterHandler(kind string, handler workers.Handler) error {
	return e.pool.RegisterHandler(kind, handler)
}

// CreateStream registers a stream and starts its emission loop. The kind
// selects one of the built-in generators; non-positive rate or buffer
// capacity fall back to the configured defaults.
func (e *Engine) CreateStream(name, kind, source string, rate float64, bufferCap int) (string, error) {
	if rate <= 0 {
		rate = e.cfg.StreamDefaultRate
	}
	if bufferCap <= 0 {
		bufferCap = e.cfg.StreamBufferCapacity
	}
	return e.streams.Create(streams.Config{
		Name:      name,
		Kind:      kind,
		Source:    source,
		Rate:      rate,
		BufferCap: bufferCap,
		Generator: generatorFor(kind, e.clk),
	})
}

func (e *Engine) Subscribe(streamID, subscriberID string) error {
	return e.streams.Subscribe(streamID, subscriberID)
}

func (e *Engine) Unsubscribe(streamID, subscriberID string) error {
	return e.streams.Unsubscribe(streamID, subscriberID)
}

func (e *Engine) ActivateStream(streamID string) error {
	return e.streams.Activate(streamID)
}

func (e *Engine) DeactivateStream(streamID string) error {
	return e.streams.Deactivate(streamID)
}

func (e *Engine) SetStreamRate(streamID string, rate float64) error {
	return e.streams.SetRate(streamID, rate)
}

func (e *Engine) GetStream(streamID string) (types.StreamInfo, error) {
	return e.streams.Get(streamID)
}

func (e *Engine) ListStreams() []types.StreamInfo {
	return e.streams.List()
}

// ConsumeStream drains up to max buffered emissions, oldest first.
func (e *Engine) ConsumeStream(streamID string, max int) ([]types.Emission, error) {
	return e.streams.Consume(streamID, max)
}

func (e *Engine) CreatePeriodicTask(name string, priority int, deadline, period, costEstimate time.Duration) (string, error) {
	return e.scheduler.Add(name, priority, deadline, period, costEstimate)
}

// CreateCronTask registers a task driven by a cron expression instead of
// a fixed period.
func (e *Engine) CreateCronTask(name string, priority int, deadline time.Duration, cronExpr string) (string, error) {
	return e.scheduler.AddCron(name, priority, deadline, cronExpr)
}

func (e *Engine) GetTask(id string) (types.PeriodicTask, error) {
	return e.scheduler.Get(id)
}

func (e *Engine) ListTasks() []types.PeriodicTask {
	return e.scheduler.List()
}

func (e *Engine) RemoveTask(id string) error {
	return e.scheduler.Remove(id)
}

// SetTaskExecutor swaps the execution model for periodic tasks. Must be
// called before Start.
func (e *Engine) SetTaskExecutor(executor scheduler.Executor) {
	e.scheduler.SetExecutor(executor)
}

// GetStatus assembles a point-in-time snapshot from the live components
// and the latest monitor samples.
func (e *Engine) GetStatus() types.EngineStatus {
	stats := e.pool.Stats()

	var cpu, mem float64
	var goroutines int
	if m, ok := e.monitor.Latest(monitor.MetricCPUUsage); ok {
		cpu = m.Value
	}
	if m, ok := e.monitor.Latest(monitor.MetricMemoryUsage); ok {
		mem = m.Value
	}
	if m, ok := e.monitor.Latest(monitor.MetricGoroutineCount); ok {
		goroutines = int(m.Value)
	}

	e.mu.Lock()
	var uptime time.Duration
	if e.started {
		uptime = e.clk.Since(e.startedAt)
	}
	e.mu.Unlock()

	return types.EngineStatus{
		PoolSize:        stats.Size,
		QueueDepth:      e.queue.Depth(),
		QueueCapacity:   e.queue.Capacity(),
		ActiveStreams:   e.streams.ActiveCount(),
		AvgLatency:      stats.AvgLatency,
		CPUPercent:      cpu,
		MemoryPercent:   mem,
		GoroutineCount:  goroutines,
		EventsProcessed: stats.Processed,
		EventsFailed:    stats.Failed,
		EventsDropped:   e.queue.Dropped(),
		DeadlineMisses:  e.scheduler.DeadlineMissTotal(),
		Uptime:          uptime,
		Timestamp:       e.clk.Now().UTC(),
	}
}

// GetMetrics returns the sampled series, optionally filtered by category.
func (e *Engine) GetMetrics(category types.MetricCategory) []types.Metric {
	return e.monitor.Snapshot(category)
}

func (e *Engine) GetFaultLog() []types.FaultRecord {
	return e.faults.Log()
}

// GetEvent looks an event up in the live table first, then the archive.
func (e *Engine) GetEvent(ctx context.Context, id string) (*types.Event, error) {
	if event, ok := e.store.Get(id); ok {
		return event, nil
	}
	event, found, err := e.archive.Fetch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("archive lookup for event %s: %w", id, err)
	}
	if !found {
		return nil, store.ErrEventNotFound
	}
	return event, nil
}

// Provision creates the streams and tasks declared in the startup file.
func (e *Engine) Provision(p *config.Provisioning) error {
	for _, s := range p.Streams {
		if _, err := e.CreateStream(s.Name, s.Kind, s.Source, s.Rate, s.BufferCapacity); err != nil {
			return fmt.Errorf("provisioning stream %q: %w", s.Name, err)
		}
	}
	for _, task := range p.Tasks {
		var err error
		if task.Cron != "" {
			_, err = e.CreateCronTask(task.Name, task.Priority, task.DeadlineDuration(), task.Cron)
		} else {
			_, err = e.CreatePeriodicTask(task.Name, task.Priority, task.DeadlineDuration(), task.PeriodDuration(), task.CostEstimateDuration())
		}
		if err != nil {
			return fmt.Errorf("provisioning task %q: %w", task.Name, err)
		}
	}
	return nil
}
