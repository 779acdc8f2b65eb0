package streams

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/pulseops/pulse-engine/internal/engine/metrics"
	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/types"
)

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrInvalidStream  = errors.New("stream configuration is invalid")
)

// Generator produces the payload for one emission. Errors are logged and
// counted; the emission loop keeps ticking.
type Generator func(ctx context.Context, stream types.StreamInfo) (map[string]interface{}, error)

// Notifier is called once per subscriber for every emission.
type Notifier func(subscriberID string, emission types.Emission)

// Config describes one stream to create.
type Config struct {
	Name      string
	Kind      string
	Source    string
	Rate      float64
	BufferCap int
	Generator Generator
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidStream)
	}
	if c.Rate <= 0 {
		return fmt.Errorf("%w: rate must be > 0, got %f", ErrInvalidStream, c.Rate)
	}
	if c.BufferCap <= 0 {
		return fmt.Errorf("%w: buffer capacity must be > 0, got %d", ErrInvalidStream, c.BufferCap)
	}
	if c.Generator == nil {
		return fmt.Errorf("%w: nil generator", ErrInvalidStream)
	}
	return nil
}

// intervalFor converts a rate in emissions-per-second into a tick
// interval, floored at 1ms so the ticker never receives a zero duration.
func intervalFor(rate float64) time.Duration {
	interval := time.Duration(float64(time.Second) / rate)
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

type stream struct {
	id        string
	name      string
	kind      string
	source    string
	createdAt time.Time
	generator Generator

	// Loop handles, guarded by the registry mutex so activate/deactivate
	// races can never double-start a loop.
	active bool
	cancel context.CancelFunc
	done   chan struct{}

	dataMu       sync.Mutex
	rate         float64
	interval     time.Duration
	bufferCap    int
	buffer       []types.Emission
	subscribers  map[string]struct{}
	seq          uint64
	totalEmitted uint64
	errorCount   uint64
	lastEmission time.Time
}

func (s *stream) currentInterval() time.Duration {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.interval
}

// snapshot copies the stream record. active is owned by the registry
// mutex, so the caller passes it in.
func (s *stream) snapshot(active bool) types.StreamInfo {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	subscribers := make([]string, 0, len(s.subscribers))
	for id := range s.subscribers {
		subscribers = append(subscribers, id)
	}
	sort.Strings(subscribers)

	return types.StreamInfo{
		ID:           s.id,
		Name:         s.name,
		Kind:         s.kind,
		Source:       s.source,
		Rate:         s.rate,
		BufferCap:    s.bufferCap,
		Buffered:     len(s.buffer),
		Subscribers:  subscribers,
		Active:       active,
		TotalEmitted: s.totalEmitted,
		ErrorCount:   s.errorCount,
		LastEmission: s.lastEmission,
		CreatedAt:    s.createdAt,
	}
}

// Registry owns every stream and its emission loop.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*stream
	closed  bool

	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup

	notify Notifier
	clk    clock.Clock
	logger logging.Logger
}

func NewRegistry(clk clock.Clock, logger logging.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		streams:  make(map[string]*stream),
		ctx:      ctx,
		cancelFn: cancel,
		clk:      clk,
		logger:   logger,
	}
}

// SetNotifier installs the per-subscriber emission callback. Call before
// creating streams.
func (r *Registry) SetNotifier(notify Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = notify
}

// Create registers a stream and starts its emission loop immediately.
func (r *Registry) Create(cfg Config) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", errors.New("registry is shut down")
	}

	s := &stream{
		id:          uuid.New().String(),
		name:        cfg.Name,
		kind:        cfg.Kind,
		source:      cfg.Source,
		createdAt:   r.clk.Now().UTC(),
		generator:   cfg.Generator,
		rate:        cfg.Rate,
		interval:    intervalFor(cfg.Rate),
		bufferCap:   cfg.BufferCap,
		buffer:      make([]types.Emission, 0, cfg.BufferCap),
		subscribers: make(map[string]struct{}),
	}
	r.streams[s.id] = s
	r.startLoopLocked(s)

	r.logger.Infof("Stream %s (%s) created at %.2f emissions/sec, buffer %d", s.id, s.name, s.rate, s.bufferCap)
	return s.id, nil
}

// Subscribe adds a subscriber to a stream. Subscribing an already
// subscribed id is a no-op.
func (r *Registry) Subscribe(streamID, subscriberID string) error {
	if subscriberID == "" {
		return fmt.Errorf("%w: empty subscriber id", ErrInvalidStream)
	}

	s, err := r.lookup(streamID)
	if err != nil {
		return err
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	if _, exists := s.subscribers[subscriberID]; exists {
		return nil
	}
	s.subscribers[subscriberID] = struct{}{}
	r.logger.Infof("Subscriber %s attached to stream %s", subscriberID, streamID)
	return nil
}

// Unsubscribe removes a subscriber. Removing an absent id is a no-op.
func (r *Registry) Unsubscribe(streamID, subscriberID string) error {
	s, err := r.lookup(streamID)
	if err != nil {
		return err
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	if _, exists := s.subscribers[subscriberID]; !exists {
		return nil
	}
	delete(s.subscribers, subscriberID)
	r.logger.Infof("Subscriber %s detached from stream %s", subscriberID, streamID)
	return nil
}

// SetRate updates the emission rate. A running loop applies it at the
// next tick boundary; a deactivated stream keeps it for reactivation.
func (r *Registry) SetRate(streamID string, rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("%w: rate must be > 0, got %f", ErrInvalidStream, rate)
	}

	s, err := r.lookup(streamID)
	if err != nil {
		return err
	}

	s.dataMu.Lock()
	s.rate = rate
	s.interval = intervalFor(rate)
	s.dataMu.Unlock()

	r.logger.Infof("Stream %s rate set to %.2f emissions/sec", streamID, rate)
	return nil
}

// Deactivate stops the emission loop and waits for it to exit. The
// stream record and its counters survive. Deactivating twice is a no-op.
func (r *Registry) Deactivate(streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	if !s.active {
		return nil
	}

	s.active = false
	s.cancel()
	done := s.done
	s.cancel, s.done = nil, nil

	// The loop never takes the registry lock, so waiting here is safe and
	// guarantees no successor loop can start before this one is gone.
	<-done

	metrics.StreamsActive.Set(float64(r.activeCountLocked()))
	r.logger.Infof("Stream %s deactivated", streamID)
	return nil
}

// Activate restarts the loop of a deactivated stream. Activating an
// already active stream is a no-op.
func (r *Registry) Activate(streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	if r.closed {
		return errors.New("registry is shut down")
	}
	if s.active {
		return nil
	}

	r.startLoopLocked(s)
	r.logger.Infof("Stream %s reactivated", streamID)
	return nil
}

// Get returns a copy of the stream record.
func (r *Registry) Get(streamID string) (types.StreamInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[streamID]
	if !ok {
		return types.StreamInfo{}, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	return s.snapshot(s.active), nil
}

// List returns copies of every stream record, ordered by creation time.
func (r *Registry) List() []types.StreamInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]types.StreamInfo, 0, len(r.streams))
	for _, s := range r.streams {
		infos = append(infos, s.snapshot(s.active))
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// ActiveCount returns the number of streams with a running loop.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCountLocked()
}

func (r *Registry) activeCountLocked() int {
	count := 0
	for _, s := range r.streams {
		if s.active {
			count++
		}
	}
	return count
}

// Consume drains up to max buffered emissions, oldest first.
func (r *Registry) Consume(streamID string, max int) ([]types.Emission, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: max must be > 0, got %d", ErrInvalidStream, max)
	}

	s, err := r.lookup(streamID)
	if err != nil {
		return nil, err
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	n := max
	if n > len(s.buffer) {
		n = len(s.buffer)
	}
	drained := make([]types.Emission, n)
	copy(drained, s.buffer[:n])
	remaining := copy(s.buffer, s.buffer[n:])
	s.buffer = s.buffer[:remaining]
	return drained, nil
}

// Shutdown stops every emission loop and waits for them to exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, s := range r.streams {
		s.active = false
		s.cancel = nil
		s.done = nil
	}
	r.mu.Unlock()

	r.cancelFn()
	r.wg.Wait()
	metrics.StreamsActive.Set(0)
	r.logger.Info("Stream registry shut down")
}

func (r *Registry) lookup(streamID string) (*stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	return s, nil
}

// startLoopLocked spawns the single emission loop for s. Caller holds the
// registry write lock and has verified no loop is running.
func (r *Registry) startLoopLocked(s *stream) {
	ctx, cancel := context.WithCancel(r.ctx)
	done := make(chan struct{})
	s.active = true
	s.cancel = cancel
	s.done = done

	r.wg.Add(1)
	go r.runLoop(ctx, s, done, r.notify)
	metrics.StreamsActive.Set(float64(r.activeCountLocked()))
}

// runLoop drives one stream. It touches only the stream's data lock,
// never the registry lock, so control-plane calls can wait on done while
// holding the registry mutex.
func (r *Registry) runLoop(ctx context.Context, s *stream, done chan struct{}, notify Notifier) {
	defer r.wg.Done()
	defer close(done)

	current := s.currentInterval()
	ticker := r.clk.Ticker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.emit(ctx, s, notify)
			if next := s.currentInterval(); next != current {
				current = next
				ticker.Reset(next)
			}
		}
	}
}

// emit runs the generator and appends the emission, evicting the oldest
// entry when the buffer is full. The generator runs outside the stream
// lock.
func (r *Registry) emit(ctx context.Context, s *stream, notify Notifier) {
	s.dataMu.Lock()
	s.seq++
	seq := s.seq
	s.dataMu.Unlock()

	payload, err := s.generator(ctx, s.snapshot(true))
	if err != nil {
		s.dataMu.Lock()
		s.errorCount++
		s.dataMu.Unlock()
		metrics.StreamErrorsTotal.Inc()
		r.logger.Errorf("Stream %s generator failed at seq %d: %v", s.id, seq, err)
		return
	}

	emission := types.Emission{
		StreamID:  s.id,
		Seq:       seq,
		Payload:   payload,
		EmittedAt: r.clk.Now().UTC(),
	}

	s.dataMu.Lock()
	s.totalEmitted++
	s.lastEmission = emission.EmittedAt
	if len(s.buffer) == s.bufferCap {
		copy(s.buffer, s.buffer[1:])
		s.buffer[len(s.buffer)-1] = emission
	} else {
		s.buffer = append(s.buffer, emission)
	}
	var subscribers []string
	if notify != nil {
		subscribers = make([]string, 0, len(s.subscribers))
		for id := range s.subscribers {
			subscribers = append(subscribers, id)
		}
	}
	s.dataMu.Unlock()

	metrics.StreamEmissionsTotal.Inc()
	for _, subscriberID := range subscribers {
		notify(subscriberID, emission)
	}
}
