package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDefaults(t *testing.T) {
	require.NoError(t, Init())

	assert.False(t, IsDevMode())
	assert.Equal(t, "9015", GetAPIPort())
	assert.Equal(t, 1000, GetQueueCapacity())
	assert.Equal(t, 4, GetInitialWorkers())
	assert.Equal(t, 1, GetMinWorkers())
	assert.Equal(t, 32, GetMaxWorkers())
	assert.Equal(t, 10*time.Second, GetWorkerShutdownTimeout())
	assert.Equal(t, 256, GetStreamBufferCapacity())
	assert.Equal(t, 1.0, GetStreamDefaultRate())
	assert.Equal(t, time.Millisecond, GetSchedulerTickInterval())
	assert.Equal(t, 5*time.Second, GetMonitorSampleInterval())
	assert.Equal(t, time.Hour, GetMetricRetention())
	assert.Equal(t, 80.0, GetCPUAlertThreshold())
	assert.Equal(t, 85.0, GetMemoryAlertThreshold())
	assert.Equal(t, 30*time.Second, GetRebalanceInterval())
	assert.Equal(t, 80.0, GetRebalanceHighCPU())
	assert.Equal(t, 30.0, GetRebalanceLowCPU())
	assert.Equal(t, 10*time.Second, GetFaultSweepInterval())
	assert.Equal(t, 1024, GetFaultLogCapacity())
	assert.Equal(t, time.Hour, GetEventRetention())
	assert.Equal(t, 5*time.Minute, GetEventSweepInterval())
	assert.Empty(t, GetArchiveRedisURL())
	assert.Equal(t, 4096, GetArchiveCapacity())
	assert.Equal(t, 24*time.Hour, GetArchiveTTL())
	assert.Empty(t, GetProvisioningFile())
}

func TestInitReadsEnvironment(t *testing.T) {
	t.Setenv("DEV_MODE", "true")
	t.Setenv("ENGINE_API_PORT", "9100")
	t.Setenv("QUEUE_CAPACITY", "50")
	t.Setenv("INITIAL_WORKERS", "2")
	t.Setenv("MIN_WORKERS", "2")
	t.Setenv("MAX_WORKERS", "8")
	t.Setenv("STREAM_DEFAULT_RATE", "2.5")
	t.Setenv("MONITOR_SAMPLE_INTERVAL", "250ms")
	t.Setenv("ARCHIVE_REDIS_URL", "redis://localhost:6379/0")

	require.NoError(t, Init())

	assert.True(t, IsDevMode())
	assert.Equal(t, "9100", GetAPIPort())
	assert.Equal(t, 50, GetQueueCapacity())
	assert.Equal(t, 2, GetInitialWorkers())
	assert.Equal(t, 2, GetMinWorkers())
	assert.Equal(t, 8, GetMaxWorkers())
	assert.Equal(t, 2.5, GetStreamDefaultRate())
	assert.Equal(t, 250*time.Millisecond, GetMonitorSampleInterval())
	assert.Equal(t, "redis://localhost:6379/0", GetArchiveRedisURL())
}

func TestInitRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		envKey  string
		value   string
		wantErr string
	}{
		{"port out of range", "ENGINE_API_PORT", "70000", "invalid api port"},
		{"zero queue capacity", "QUEUE_CAPACITY", "0", "queue capacity"},
		{"zero min workers", "MIN_WORKERS", "0", "min workers"},
		{"max below min", "MAX_WORKERS", "0", "max workers"},
		{"initial outside bounds", "INITIAL_WORKERS", "100", "initial workers"},
		{"cpu threshold above 100", "CPU_ALERT_THRESHOLD", "150", "cpu alert threshold"},
		{"high cpu below low", "REBALANCE_HIGH_CPU", "20", "must exceed low cpu"},
		{"zero fault log capacity", "FAULT_LOG_CAPACITY", "0", "fault log capacity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.envKey, tt.value)
			err := Init()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func writeProvisioningFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provisioning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProvisioning(t *testing.T) {
	path := writeProvisioningFile(t, `
streams:
  - name: temperature
    kind: sensor
    source: lab
    rate: 2.0
    buffer_capacity: 64
tasks:
  - name: compact
    priority: 5
    period: 30s
    deadline: 2s
    cost_estimate: 100ms
  - name: rollup
    priority: 1
    cron: "@every 1m"
    deadline: 5s
`)

	p, err := LoadProvisioning(path)
	require.NoError(t, err)

	require.Len(t, p.Streams, 1)
	assert.Equal(t, "temperature", p.Streams[0].Name)
	assert.Equal(t, "sensor", p.Streams[0].Kind)
	assert.Equal(t, 2.0, p.Streams[0].Rate)
	assert.Equal(t, 64, p.Streams[0].BufferCapacity)

	require.Len(t, p.Tasks, 2)
	assert.Equal(t, 30*time.Second, p.Tasks[0].PeriodDuration())
	assert.Equal(t, 2*time.Second, p.Tasks[0].DeadlineDuration())
	assert.Equal(t, 100*time.Millisecond, p.Tasks[0].CostEstimateDuration())
	assert.Equal(t, "@every 1m", p.Tasks[1].Cron)
	assert.Zero(t, p.Tasks[1].PeriodDuration())
}

func TestLoadProvisioningRejectsUnnamedStream(t *testing.T) {
	path := writeProvisioningFile(t, `
streams:
  - kind: sensor
    rate: 1.0
`)

	_, err := LoadProvisioning(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Name")
}

func TestLoadProvisioningRejectsBadDuration(t *testing.T) {
	path := writeProvisioningFile(t, `
tasks:
  - name: compact
    period: 30s
    deadline: soon
`)

	_, err := LoadProvisioning(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadProvisioningRequiresSchedule(t *testing.T) {
	path := writeProvisioningFile(t, `
tasks:
  - name: compact
    deadline: 2s
`)

	_, err := LoadProvisioning(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a period or a cron expression")
}

func TestLoadProvisioningMissingFile(t *testing.T) {
	_, err := LoadProvisioning("/does/not/exist.yaml")
	require.Error(t, err)
}
