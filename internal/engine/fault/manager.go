package fault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sony/gobreaker"

	"github.com/pulseops/pulse-engine/internal/engine/metrics"
	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/types"
)

const (
	DefaultCPUFaultPct         = 90.0
	DefaultMemFaultPct         = 90.0
	DefaultGoroutineMax        = 10000
	DefaultQueueSaturationFrac = 0.9
	DefaultLogCap              = 1024
	DefaultBreakerTimeout      = 30 * time.Second
	DefaultBreakerMaxFailures  = 3
)

var ErrInvalidAction = errors.New("recovery action registration is invalid")

// Action is one bounded, idempotent mitigation for a fault condition.
type Action func(ctx context.Context) error

// StatusProvider supplies the snapshot the sweep detects against.
type StatusProvider func() types.EngineStatus

type Config struct {
	CPUFaultPct         float64
	MemFaultPct         float64
	GoroutineMax        int
	QueueSaturationFrac float64
	LogCap              int
	BreakerTimeout      time.Duration
	BreakerMaxFailures  uint32
}

func (c Config) withDefaults() Config {
	if c.CPUFaultPct <= 0 {
		c.CPUFaultPct = DefaultCPUFaultPct
	}
	if c.MemFaultPct <= 0 {
		c.MemFaultPct = DefaultMemFaultPct
	}
	if c.GoroutineMax <= 0 {
		c.GoroutineMax = DefaultGoroutineMax
	}
	if c.QueueSaturationFrac <= 0 || c.QueueSaturationFrac > 1 {
		c.QueueSaturationFrac = DefaultQueueSaturationFrac
	}
	if c.LogCap <= 0 {
		c.LogCap = DefaultLogCap
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = DefaultBreakerTimeout
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = DefaultBreakerMaxFailures
	}
	return c
}

type registeredAction struct {
	name string
	run  Action
}

// Manager detects fault conditions from status snapshots and applies one
// registered mitigation per condition, each behind its own circuit
// breaker so repeatedly failing recoveries trip open instead of being
// hammered.
type Manager struct {
	cfg Config

	mu                 sync.Mutex
	log                []types.FaultRecord
	actions            map[types.FaultCondition]registeredAction
	breakers           map[types.FaultCondition]*gobreaker.CircuitBreaker
	lastDeadlineMisses uint64

	status StatusProvider
	clk    clock.Clock
	logger logging.Logger

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(cfg Config, status StatusProvider, clk clock.Clock, logger logging.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		actions:  make(map[types.FaultCondition]registeredAction),
		breakers: make(map[types.FaultCondition]*gobreaker.CircuitBreaker),
		status:   status,
		clk:      clk,
		logger:   logger,
	}
}

// RegisterAction binds a named mitigation to a condition. Registering a
// condition again replaces its action and resets its breaker.
func (m *Manager) RegisterAction(condition types.FaultCondition, name string, action Action) error {
	if name == "" {
		return fmt.Errorf("%w: empty action name", ErrInvalidAction)
	}
	if action == nil {
		return fmt.Errorf("%w: nil action for condition %s", ErrInvalidAction, condition)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.actions[condition]; exists {
		m.logger.Warnf("Replacing recovery action for condition %s", condition)
	}
	m.actions[condition] = registeredAction{name: name, run: action}
	m.breakers[condition] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(condition),
		Timeout: m.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warnf("Recovery breaker for %s moved from %s to %s", name, from, to)
		},
	})
	return nil
}

// DetectFaults names every condition present in the snapshot. The
// deadline-miss check compares against the count seen on the previous
// call, so a miss is reported once, not on every sweep thereafter.
func (m *Manager) DetectFaults(status types.EngineStatus) []types.FaultCondition {
	var conditions []types.FaultCondition

	if status.CPUPercent > m.cfg.CPUFaultPct {
		conditions = append(conditions, types.FaultHighCPU)
	}
	if status.MemoryPercent > m.cfg.MemFaultPct {
		conditions = append(conditions, types.FaultHighMemory)
	}
	if status.GoroutineCount > m.cfg.GoroutineMax {
		conditions = append(conditions, types.FaultThreadOverload)
	}
	if status.QueueCapacity > 0 {
		saturated := float64(status.QueueDepth) >= m.cfg.QueueSaturationFrac*float64(status.QueueCapacity)
		if saturated {
			conditions = append(conditions, types.FaultQueueSaturation)
		}
	}

	m.mu.Lock()
	if status.DeadlineMisses > m.lastDeadlineMisses {
		conditions = append(conditions, types.FaultDeadlineMissed)
	}
	m.lastDeadlineMisses = status.DeadlineMisses
	m.mu.Unlock()

	for _, condition := range conditions {
		metrics.FaultsDetectedTotal.WithLabelValues(string(condition)).Inc()
	}
	return conditions
}

// Recover applies the condition's registered mitigation through its
// breaker and appends exactly one FaultRecord. A condition with no
// registered action is recorded as observed. Failed recoveries are not
// retried here; the next sweep may try again, subject to the breaker.
func (m *Manager) Recover(ctx context.Context, condition types.FaultCondition) types.FaultRecord {
	m.mu.Lock()
	action, ok := m.actions[condition]
	breaker := m.breakers[condition]
	m.mu.Unlock()

	now := m.clk.Now().UTC()
	if !ok {
		record := types.FaultRecord{
			Condition:   condition,
			DetectedAt:  now,
			Description: "no recovery action registered",
			Outcome:     types.FaultOutcomeObserved,
		}
		m.append(record)
		return record
	}

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, action.run(ctx)
	})

	var record types.FaultRecord
	if err != nil {
		record = types.FaultRecord{
			Condition:   types.FaultRecoveryFailed,
			DetectedAt:  now,
			Description: fmt.Sprintf("recovering %s: %v", condition, err),
			Action:      action.name,
			Outcome:     types.FaultOutcomeFailed,
		}
		metrics.RecoveriesTotal.WithLabelValues(string(types.FaultOutcomeFailed)).Inc()
		m.logger.Errorf("Recovery %s for condition %s failed: %v", action.name, condition, err)
	} else {
		record = types.FaultRecord{
			Condition:   condition,
			DetectedAt:  now,
			Description: fmt.Sprintf("mitigated via %s", action.name),
			Action:      action.name,
			Outcome:     types.FaultOutcomeRecovered,
		}
		metrics.RecoveriesTotal.WithLabelValues(string(types.FaultOutcomeRecovered)).Inc()
		m.logger.Infof("Condition %s mitigated via %s", condition, action.name)
	}

	m.append(record)
	return record
}

// Record appends an observed fault without attempting recovery. The
// scheduler uses it for deadline misses and the monitor for sampling
// errors.
func (m *Manager) Record(condition types.FaultCondition, description string) {
	record := types.FaultRecord{
		Condition:   condition,
		DetectedAt:  m.clk.Now().UTC(),
		Description: description,
		Outcome:     types.FaultOutcomeObserved,
	}
	m.append(record)
	metrics.FaultsDetectedTotal.WithLabelValues(string(condition)).Inc()
}

// Log returns a detached copy of the fault log, oldest first.
func (m *Manager) Log() []types.FaultRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.FaultRecord, len(m.log))
	copy(out, m.log)
	return out
}

func (m *Manager) append(record types.FaultRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log = append(m.log, record)
	if len(m.log) > m.cfg.LogCap {
		overflow := len(m.log) - m.cfg.LogCap
		remaining := make([]types.FaultRecord, m.cfg.LogCap)
		copy(remaining, m.log[overflow:])
		m.log = remaining
	}
}

// Sweep runs one detect-and-recover pass against the current status.
func (m *Manager) Sweep(ctx context.Context) []types.FaultRecord {
	if m.status == nil {
		return nil
	}

	status := m.status()
	conditions := m.DetectFaults(status)
	if len(conditions) == 0 {
		return nil
	}

	records := make([]types.FaultRecord, 0, len(conditions))
	for _, condition := range conditions {
		records = append(records, m.Recover(ctx, condition))
	}
	return records
}

// Start sweeps on a fixed interval until the context is canceled or Stop
// is called.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
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

	go m.run(loopCtx, interval, done)
	m.logger.Infof("Fault manager started, sweeping every %v", interval)
}

func (m *Manager) Stop() {
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
	m.logger.Info("Fault manager stopped")
}

func (m *Manager) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := m.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
