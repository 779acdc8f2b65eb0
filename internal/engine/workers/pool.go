package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pulseops/pulse-engine/internal/engine/metrics"
	"github.com/pulseops/pulse-engine/internal/engine/queue"
	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/types"
)

var (
	ErrNoHandler      = errors.New("no handler registered for event kind")
	ErrInvalidHandler = errors.New("handler registration is invalid")
	ErrSizeOutOfRange = errors.New("pool size out of range")
	ErrNotStarted     = errors.New("pool is not started")
)

// Handler processes one event. A non-nil error marks the event failed.
type Handler func(ctx context.Context, event *types.Event) error

// Recorder receives event state transitions. The engine wires the event
// store here.
type Recorder interface {
	MarkProcessing(id string)
	MarkOutcome(id string, duration time.Duration, err error)
}

// Config bounds the pool. Resize never moves the worker count outside
// [MinWorkers, MaxWorkers].
type Config struct {
	InitialWorkers  int
	MinWorkers      int
	MaxWorkers      int
	ShutdownTimeout time.Duration
}

func (c Config) validate() error {
	if c.MinWorkers < 1 {
		return errors.New("MinWorkers must be >= 1")
	}
	if c.MaxWorkers < c.MinWorkers {
		return errors.New("MaxWorkers must be >= MinWorkers")
	}
	if c.InitialWorkers < c.MinWorkers || c.InitialWorkers > c.MaxWorkers {
		return errors.New("InitialWorkers must lie within [MinWorkers, MaxWorkers]")
	}
	return nil
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Size       int
	Processed  uint64
	Failed     uint64
	NoHandler  uint64
	AvgLatency time.Duration
}

// Pool drains the queue with a resizable set of workers. Each worker
// carries its own stop channel so shrinking takes effect between events,
// never mid-handler.
type Pool struct {
	cfg      Config
	queue    *queue.Queue
	recorder Recorder
	logger   logging.Logger
	clk      clock.Clock

	mu           sync.Mutex
	workers      []*worker
	nextWorkerID int
	started      bool
	ctx          context.Context

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	processed atomic.Uint64
	failed    atomic.Uint64
	noHandler atomic.Uint64
	avgNanos  atomic.Int64

	wg sync.WaitGroup
}

type worker struct {
	id     int
	stopCh chan struct{}
}

func NewPool(cfg Config, q *queue.Queue, recorder Recorder, clk clock.Clock, logger logging.Logger) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		recorder: recorder,
		logger:   logger,
		clk:      clk,
		handlers: make(map[string]Handler),
	}, nil
}

// RegisterHandler binds a handler to an event kind. Re-registering a kind
// replaces the previous handler.
func (p *Pool) RegisterHandler(kind string, handler Handler) error {
	if kind == "" {
		return fmt.Errorf("%w: empty event kind", ErrInvalidHandler)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for kind %s", ErrInvalidHandler, kind)
	}

	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	if _, exists := p.handlers[kind]; exists {
		p.logger.Warnf("Replacing handler for event kind %s", kind)
	}
	p.handlers[kind] = handler
	return nil
}

// HandlerKinds lists the registered event kinds.
func (p *Pool) HandlerKinds() []string {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()

	kinds := make([]string, 0, len(p.handlers))
	for kind := range p.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Start spawns the initial workers.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true
	p.ctx = ctx

	for i := 0; i < p.cfg.InitialWorkers; i++ {
		p.spawnWorkerLocked()
	}
	p.logger.Infof("Worker pool started with %d workers", len(p.workers))
}

// Resize grows or shrinks the pool to n workers. Shrunk workers finish
// their in-flight event before exiting.
func (p *Pool) Resize(n int) error {
	if n < p.cfg.MinWorkers || n > p.cfg.MaxWorkers {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrSizeOutOfRange, n, p.cfg.MinWorkers, p.cfg.MaxWorkers)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrNotStarted
	}

	current := len(p.workers)
	switch {
	case n > current:
		for i := current; i < n; i++ {
			p.spawnWorkerLocked()
		}
		p.logger.Infof("Pool grown from %d to %d workers", current, n)
	case n < current:
		excess := p.workers[n:]
		p.workers = p.workers[:n]
		for _, w := range excess {
			close(w.stopCh)
		}
		p.logger.Infof("Pool shrunk from %d to %d workers", current, n)
	}

	metrics.PoolSize.Set(float64(len(p.workers)))
	return nil
}

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Bounds returns the configured worker range.
func (p *Pool) Bounds() (min, max int) {
	return p.cfg.MinWorkers, p.cfg.MaxWorkers
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:       p.Size(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		NoHandler:  p.noHandler.Load(),
		AvgLatency: time.Duration(p.avgNanos.Load()),
	}
}

// AvgLatency returns the running average event processing time.
func (p *Pool) AvgLatency() time.Duration {
	return time.Duration(p.avgNanos.Load())
}

// Stop signals every worker and waits for in-flight events to finish,
// bounded by the shutdown timeout.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	for _, w := range p.workers {
		close(w.stopCh)
	}
	p.workers = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("Worker pool stop timed out with handlers still running")
	}
	metrics.PoolSize.Set(0)
}

func (p *Pool) spawnWorkerLocked() {
	p.nextWorkerID++
	w := &worker{
		id:     p.nextWorkerID,
		stopCh: make(chan struct{}),
	}
	p.workers = append(p.workers, w)
	p.wg.Add(1)
	go p.run(w)
	metrics.PoolSize.Set(float64(len(p.workers)))
}

// run is the worker loop: drain the queue, then block on the queue signal
// together with the stop channels. The stop check sits between events so
// an in-flight handler always completes.
func (p *Pool) run(w *worker) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		event, ok := p.queue.TryDequeue()
		if !ok {
			select {
			case <-p.ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-p.queue.Wait():
				continue
			}
		}

		p.process(event)
	}
}

func (p *Pool) process(event *types.Event) {
	p.recorder.MarkProcessing(event.ID)
	start := p.clk.Now()

	handler, found := p.handlerFor(event.Kind)

	var err error
	if !found {
		err = fmt.Errorf("%w: %s", ErrNoHandler, event.Kind)
		p.noHandler.Add(1)
		metrics.EventsCompletedTotal.WithLabelValues("no_handler").Inc()
		p.logger.Warnf("Event %s dropped to failed: no handler for kind %s", event.ID, event.Kind)
	} else {
		err = p.invoke(handler, event)
	}

	duration := p.clk.Since(start)
	p.recorder.MarkOutcome(event.ID, duration, err)

	if err != nil {
		p.failed.Add(1)
		if found {
			metrics.EventsCompletedTotal.WithLabelValues("failed").Inc()
			p.logger.Errorf("Event %s failed after %v: %v", event.ID, duration, err)
		}
	} else {
		p.processed.Add(1)
		metrics.EventsCompletedTotal.WithLabelValues("processed").Inc()
	}

	p.observeLatency(duration)
	metrics.EventProcessingTime.Observe(duration.Seconds())
	metrics.QueueDepth.Set(float64(p.queue.Depth()))
}

func (p *Pool) invoke(handler Handler, event *types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(p.ctx, event)
}

func (p *Pool) handlerFor(kind string) (Handler, bool) {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	handler, ok := p.handlers[kind]
	return handler, ok
}

// observeLatency folds a sample into the exponential moving average
// (weight 0.2 for the new sample).
func (p *Pool) observeLatency(d time.Duration) {
	for {
		current := p.avgNanos.Load()
		var next int64
		if current == 0 {
			next = d.Nanoseconds()
		} else {
			next = int64(float64(d.Nanoseconds())*0.2 + float64(current)*0.8)
		}
		if p.avgNanos.CompareAndSwap(current, next) {
			metrics.AverageLatencySeconds.Set(time.Duration(next).Seconds())
			return
		}
	}
}
