package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pulseops/pulse-engine/internal/engine/metrics"
	"github.com/pulseops/pulse-engine/internal/engine/monitor"
	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/types"
)

const (
	DefaultHighCPUPct = 80.0
	DefaultLowCPUPct  = 30.0
)

// Action is the outcome of one rebalance pass.
type Action string

const (
	ActionGrew   Action = "grew"
	ActionShrank Action = "shrank"
	ActionHeld   Action = "held"
)

// Decision records what one rebalance pass did and why.
type Decision struct {
	Action Action  `json:"action"`
	From   int     `json:"from"`
	To     int     `json:"to"`
	CPU    float64 `json:"cpu_percent"`
	Reason string  `json:"reason"`
}

// MetricSource is where the balancer reads the latest CPU sample.
type MetricSource interface {
	Latest(name string) (types.Metric, bool)
}

// WorkerPool is the resizable pool under control.
type WorkerPool interface {
	Size() int
	Resize(n int) error
	Bounds() (min, max int)
}

type Config struct {
	HighCPUPct float64
	LowCPUPct  float64
}

func (c Config) withDefaults() Config {
	if c.HighCPUPct <= 0 {
		c.HighCPUPct = DefaultHighCPUPct
	}
	if c.LowCPUPct <= 0 {
		c.LowCPUPct = DefaultLowCPUPct
	}
	return c
}

// Balancer halves the pool under CPU pressure and doubles it when the
// CPU is idle, clamped to the pool's bounds.
type Balancer struct {
	highCPU float64
	lowCPU  float64

	source MetricSource
	pool   WorkerPool
	clk    clock.Clock
	logger logging.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, source MetricSource, pool WorkerPool, clk clock.Clock, logger logging.Logger) *Balancer {
	cfg = cfg.withDefaults()
	return &Balancer{
		highCPU: cfg.HighCPUPct,
		lowCPU:  cfg.LowCPUPct,
		source:  source,
		pool:    pool,
		clk:     clk,
		logger:  logger,
	}
}

// Rebalance runs one control pass against the latest CPU sample. With no
// CPU sample available it holds; it never guesses.
func (b *Balancer) Rebalance() Decision {
	size := b.pool.Size()

	cpu, ok := b.source.Latest(monitor.MetricCPUUsage)
	if !ok {
		return b.hold(size, 0, "no cpu sample available")
	}

	min, max := b.pool.Bounds()
	var target int
	var action Action
	switch {
	case cpu.Value > b.highCPU:
		target = size / 2
		if target < min {
			target = min
		}
		action = ActionShrank
	case cpu.Value < b.lowCPU:
		target = size * 2
		if target > max {
			target = max
		}
		action = ActionGrew
	default:
		return b.hold(size, cpu.Value, "cpu within operating band")
	}

	if target == size {
		return b.hold(size, cpu.Value, "pool already at its bound")
	}

	if err := b.pool.Resize(target); err != nil {
		b.logger.Errorf("Rebalance could not resize pool from %d to %d: %v", size, target, err)
		return b.hold(size, cpu.Value, "resize failed: "+err.Error())
	}

	decision := Decision{
		Action: action,
		From:   size,
		To:     target,
		CPU:    cpu.Value,
	}
	metrics.RebalancesTotal.WithLabelValues(string(action)).Inc()
	b.logger.Infof("Rebalanced pool from %d to %d workers at %.1f%% cpu", size, target, cpu.Value)
	return decision
}

func (b *Balancer) hold(size int, cpu float64, reason string) Decision {
	metrics.RebalancesTotal.WithLabelValues(string(ActionHeld)).Inc()
	b.logger.Debugf("Holding pool at %d workers: %s", size, reason)
	return Decision{Action: ActionHeld, From: size, To: size, CPU: cpu, Reason: reason}
}

// Start rebalances on a fixed interval until the context is canceled or
// Stop is called.
func (b *Balancer) Start(ctx context.Context, interval time.Duration) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go b.run(loopCtx, interval, done)
	b.logger.Infof("Load balancer started, rebalancing every %v", interval)
}

func (b *Balancer) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	done := b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	cancel()
	<-done
	b.logger.Info("Load balancer stopped")
}

func (b *Balancer) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := b.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Rebalance()
		}
	}
}
