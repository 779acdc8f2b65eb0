package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	startTime = time.Now()

	// registry is dedicated to the engine so the exported surface stays
	// free of default-registry noise.
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	// UptimeSeconds tracks the service uptime in seconds
	UptimeSeconds = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "uptime_seconds",
		Help:      "Time passed since the engine started in seconds",
	})

	// Memory usage metrics
	MemoryUsageBytes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "memory_usage_bytes",
		Help:      "Memory consumption",
	})

	// CPU usage metrics
	CPUUsagePercent = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "cpu_usage_percent",
		Help:      "CPU utilization percentage",
	})

	// Goroutines active metrics
	GoroutinesActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "goroutines_active",
		Help:      "Number of active goroutines",
	})

	// Events submitted
	EventsSubmittedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "events_submitted_total",
		Help:      "Events accepted into the queue",
	})

	// Events dropped at admission
	EventsDroppedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "events_dropped_total",
		Help:      "Events rejected because the queue was full",
	})

	// Events completed
	EventsCompletedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "events_completed_total",
		Help:      "Events finished by workers (processed/failed/no_handler)",
	}, []string{"status"})

	// Event execution time
	EventProcessingTime = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "event_processing_time_seconds",
		Help:      "Time taken to process an event in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// Running-average event latency
	AverageLatencySeconds = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "average_latency_seconds",
		Help:      "Exponential moving average of event processing time",
	})

	// Queue depth
	QueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "queue_depth",
		Help:      "Events currently queued",
	})

	// Worker pool size
	PoolSize = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "pool_size",
		Help:      "Current number of workers",
	})

	// Stream emissions
	StreamEmissionsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "stream_emissions_total",
		Help:      "Data points emitted across all streams",
	})

	// Stream generator errors
	StreamErrorsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "stream_errors_total",
		Help:      "Generator failures; the emission loop continues",
	})

	// Streams active
	StreamsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "streams_active",
		Help:      "Streams with a running emission loop",
	})

	// Task executions
	TaskExecutionsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "task_executions_total",
		Help:      "Periodic task executions",
	})

	// Task execution time
	TaskExecutionTime = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "task_execution_time_seconds",
		Help:      "Time taken to execute a periodic task in seconds",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// Deadline misses
	TaskDeadlineMissesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "task_deadline_misses_total",
		Help:      "Executions that ran past their deadline",
	})

	// Missed cycles
	TaskMissedCyclesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "task_missed_cycles_total",
		Help:      "Task cycles skipped because the previous run was still in progress",
	})

	// Monitor threshold alerts
	MonitorAlertsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "monitor_alerts_total",
		Help:      "Samples that crossed their alert threshold",
	}, []string{"metric"})

	// Sampling errors
	SamplingErrorsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "sampling_errors_total",
		Help:      "Failed sampling passes that were skipped",
	})

	// Faults detected
	FaultsDetectedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "faults_detected_total",
		Help:      "Detected fault conditions",
	}, []string{"condition"})

	// Recovery attempts
	RecoveriesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "recoveries_total",
		Help:      "Recovery attempts by outcome",
	}, []string{"outcome"})

	// Rebalance decisions
	RebalancesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "engine",
		Name:      "rebalances_total",
		Help:      "Load balancer decisions (grow/shrink/hold)",
	}, []string{"decision"})
)

// Handler exposes the engine registry for the HTTP server.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartMetricsCollection updates uptime and runtime gauges until the stop
// channel closes. CPU and memory percentages are set by the monitor on
// each sampling pass.
func StartMetricsCollection(stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				UptimeSeconds.Set(time.Since(startTime).Seconds())
				GoroutinesActive.Set(float64(runtime.NumGoroutine()))

				var memStats runtime.MemStats
				runtime.ReadMemStats(&memStats)
				MemoryUsageBytes.Set(float64(memStats.Alloc))
			case <-stopCh:
				return
			}
		}
	}()
}
