package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"github.com/pulseops/pulse-engine/pkg/env"
)

type Config struct {
	devMode bool

	// Engine API port
	apiPort string

	// Event queue
	queueCapacity int

	// Worker pool sizing
	initialWorkers        int
	minWorkers            int
	maxWorkers            int
	workerShutdownTimeout time.Duration

	// Stream defaults
	streamBufferCapacity int
	streamDefaultRate    float64

	// Periodic task scheduler
	schedulerTickInterval time.Duration

	// Performance monitor
	monitorSampleInterval time.Duration
	metricRetention       time.Duration
	cpuAlertThreshold     float64
	memoryAlertThreshold  float64

	// Load balancer
	rebalanceInterval time.Duration
	rebalanceHighCPU  float64
	rebalanceLowCPU   float64

	// Fault tolerance
	faultSweepInterval time.Duration
	faultLogCapacity   int

	// Event store retention
	eventRetention     time.Duration
	eventSweepInterval time.Duration

	// Archive
	archiveRedisURL string
	archiveCapacity int
	archiveTTL      time.Duration

	// Initial streams and tasks, provisioned from YAML at startup
	provisioningFile string
}

var cfg Config

// Init loads settings from the environment. A missing .env file is fine;
// every setting has a default so the engine runs with no configuration
// at all.
func Init() error {
	_ = godotenv.Load()
	cfg = Config{
		devMode:               env.GetEnvBool("DEV_MODE", false),
		apiPort:               env.GetEnvString("ENGINE_API_PORT", "9015"),
		queueCapacity:         env.GetEnvInt("QUEUE_CAPACITY", 1000),
		initialWorkers:        env.GetEnvInt("INITIAL_WORKERS", 4),
		minWorkers:            env.GetEnvInt("MIN_WORKERS", 1),
		maxWorkers:            env.GetEnvInt("MAX_WORKERS", 32),
		workerShutdownTimeout: env.GetEnvDuration("WORKER_SHUTDOWN_TIMEOUT", 10*time.Second),
		streamBufferCapacity:  env.GetEnvInt("STREAM_BUFFER_CAPACITY", 256),
		streamDefaultRate:     env.GetEnvFloat("STREAM_DEFAULT_RATE", 1.0),
		schedulerTickInterval: env.GetEnvDuration("SCHEDULER_TICK_INTERVAL", time.Millisecond),
		monitorSampleInterval: env.GetEnvDuration("MONITOR_SAMPLE_INTERVAL", 5*time.Second),
		metricRetention:       env.GetEnvDuration("METRIC_RETENTION", time.Hour),
		cpuAlertThreshold:     env.GetEnvFloat("CPU_ALERT_THRESHOLD", 80),
		memoryAlertThreshold:  env.GetEnvFloat("MEMORY_ALERT_THRESHOLD", 85),
		rebalanceInterval:     env.GetEnvDuration("REBALANCE_INTERVAL", 30*time.Second),
		rebalanceHighCPU:      env.GetEnvFloat("REBALANCE_HIGH_CPU", 80),
		rebalanceLowCPU:       env.GetEnvFloat("REBALANCE_LOW_CPU", 30),
		faultSweepInterval:    env.GetEnvDuration("FAULT_SWEEP_INTERVAL", 10*time.Second),
		faultLogCapacity:      env.GetEnvInt("FAULT_LOG_CAPACITY", 1024),
		eventRetention:        env.GetEnvDuration("EVENT_RETENTION", time.Hour),
		eventSweepInterval:    env.GetEnvDuration("EVENT_SWEEP_INTERVAL", 5*time.Minute),
		archiveRedisURL:       env.GetEnvString("ARCHIVE_REDIS_URL", ""),
		archiveCapacity:       env.GetEnvInt("ARCHIVE_CAPACITY", 4096),
		archiveTTL:            env.GetEnvDuration("ARCHIVE_TTL", 24*time.Hour),
		provisioningFile:      env.GetEnvString("PROVISIONING_FILE", ""),
	}
	if err := validateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func validateConfig() error {
	if !env.IsValidPort(cfg.apiPort) {
		return fmt.Errorf("invalid api port: %s", cfg.apiPort)
	}
	if cfg.queueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", cfg.queueCapacity)
	}
	if cfg.minWorkers < 1 {
		return fmt.Errorf("min workers must be at least 1, got %d", cfg.minWorkers)
	}
	if cfg.maxWorkers < cfg.minWorkers {
		return fmt.Errorf("max workers %d is below min workers %d", cfg.maxWorkers, cfg.minWorkers)
	}
	if cfg.initialWorkers < cfg.minWorkers || cfg.initialWorkers > cfg.maxWorkers {
		return fmt.Errorf("initial workers %d outside [%d, %d]", cfg.initialWorkers, cfg.minWorkers, cfg.maxWorkers)
	}
	if cfg.streamBufferCapacity <= 0 {
		return fmt.Errorf("stream buffer capacity must be positive, got %d", cfg.streamBufferCapacity)
	}
	if cfg.streamDefaultRate <= 0 {
		return fmt.Errorf("stream default rate must be positive, got %f", cfg.streamDefaultRate)
	}
	if cfg.schedulerTickInterval <= 0 {
		return fmt.Errorf("scheduler tick interval must be positive, got %v", cfg.schedulerTickInterval)
	}
	if cfg.monitorSampleInterval <= 0 {
		return fmt.Errorf("monitor sample interval must be positive, got %v", cfg.monitorSampleInterval)
	}
	if cfg.metricRetention <= 0 {
		return fmt.Errorf("metric retention must be positive, got %v", cfg.metricRetention)
	}
	if cfg.cpuAlertThreshold <= 0 || cfg.cpuAlertThreshold > 100 {
		return fmt.Errorf("cpu alert threshold must be in (0, 100], got %f", cfg.cpuAlertThreshold)
	}
	if cfg.memoryAlertThreshold <= 0 || cfg.memoryAlertThreshold > 100 {
		return fmt.Errorf("memory alert threshold must be in (0, 100], got %f", cfg.memoryAlertThreshold)
	}
	if cfg.rebalanceInterval <= 0 {
		return fmt.Errorf("rebalance interval must be positive, got %v", cfg.rebalanceInterval)
	}
	if cfg.rebalanceHighCPU <= cfg.rebalanceLowCPU {
		return fmt.Errorf("rebalance high cpu %f must exceed low cpu %f", cfg.rebalanceHighCPU, cfg.rebalanceLowCPU)
	}
	if cfg.faultSweepInterval <= 0 {
		return fmt.Errorf("fault sweep interval must be positive, got %v", cfg.faultSweepInterval)
	}
	if cfg.faultLogCapacity <= 0 {
		return fmt.Errorf("fault log capacity must be positive, got %d", cfg.faultLogCapacity)
	}
	if cfg.eventRetention <= 0 {
		return fmt.Errorf("event retention must be positive, got %v", cfg.eventRetention)
	}
	if cfg.eventSweepInterval <= 0 {
		return fmt.Errorf("event sweep interval must be positive, got %v", cfg.eventSweepInterval)
	}
	if cfg.archiveCapacity <= 0 {
		return fmt.Errorf("archive capacity must be positive, got %d", cfg.archiveCapacity)
	}
	if cfg.archiveTTL <= 0 {
		return fmt.Errorf("archive ttl must be positive, got %v", cfg.archiveTTL)
	}
	return nil
}

func IsDevMode() bool {
	return cfg.devMode
}

func GetAPIPort() string {
	return cfg.apiPort
}

func GetQueueCapacity() int {
	return cfg.queueCapacity
}

func GetInitialWorkers() int {
	return cfg.initialWorkers
}

func GetMinWorkers() int {
	return cfg.minWorkers
}

func GetMaxWorkers() int {
	return cfg.maxWorkers
}

func GetWorkerShutdownTimeout() time.Duration {
	return cfg.workerShutdownTimeout
}

func GetStreamBufferCapacity() int {
	return cfg.streamBufferCapacity
}

func GetStreamDefaultRate() float64 {
	return cfg.streamDefaultRate
}

func GetSchedulerTickInterval() time.Duration {
	return cfg.schedulerTickInterval
}

func GetMonitorSampleInterval() time.Duration {
	return cfg.monitorSampleInterval
}

func GetMetricRetention() time.Duration {
	return cfg.metricRetention
}

func GetCPUAlertThreshold() float64 {
	return cfg.cpuAlertThreshold
}

func GetMemoryAlertThreshold() float64 {
	return cfg.memoryAlertThreshold
}

func GetRebalanceInterval() time.Duration {
	return cfg.rebalanceInterval
}

func GetRebalanceHighCPU() float64 {
	return cfg.rebalanceHighCPU
}

func GetRebalanceLowCPU() float64 {
	return cfg.rebalanceLowCPU
}

func GetFaultSweepInterval() time.Duration {
	return cfg.faultSweepInterval
}

func GetFaultLogCapacity() int {
	return cfg.faultLogCapacity
}

func GetEventRetention() time.Duration {
	return cfg.eventRetention
}

func GetEventSweepInterval() time.Duration {
	return cfg.eventSweepInterval
}

func GetArchiveRedisURL() string {
	return cfg.archiveRedisURL
}

func GetArchiveCapacity() int {
	return cfg.archiveCapacity
}

func GetArchiveTTL() time.Duration {
	return cfg.archiveTTL
}

func GetProvisioningFile() string {
	return cfg.provisioningFile
}
