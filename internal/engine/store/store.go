package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/types"
)

var ErrEventNotFound = errors.New("event not found")

// Archiver receives terminal events evicted from the live table.
type Archiver interface {
	Store(ctx context.Context, event *types.Event) error
}

// Store is the in-memory table of every event the engine has accepted.
// Workers record state transitions through it; a janitor loop moves
// terminal events past the retention horizon into the archive.
type Store struct {
	mu        sync.RWMutex
	events    map[string]*types.Event
	retention time.Duration
	clk       clock.Clock
	logger    logging.Logger
	archiver  Archiver
}

func New(retention time.Duration, clk clock.Clock, logger logging.Logger) *Store {
	return &Store{
		events:    make(map[string]*types.Event),
		retention: retention,
		clk:       clk,
		logger:    logger,
	}
}

// SetArchiver wires the archive sink. Without one, pruned events are
// simply discarded.
func (s *Store) SetArchiver(a Archiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiver = a
}

// Put registers a new event.
func (s *Store) Put(event *types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ID] = event
}

// Delete removes an event outright. Used to roll back a Put when the
// queue rejects the submission.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, id)
}

// Get returns a copy of the event, so callers never observe concurrent
// state transitions mid-read.
func (s *Store) Get(id string) (*types.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[id]
	if !ok {
		return nil, false
	}
	copied := *event
	return &copied, true
}

// MarkProcessing transitions an event to processing before its handler
// runs.
func (s *Store) MarkProcessing(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event, ok := s.events[id]; ok {
		event.State = types.EventStateProcessing
	}
}

// MarkOutcome finalizes an event after its handler returned.
func (s *Store) MarkOutcome(id string, duration time.Duration, handlerErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return
	}

	event.Duration = duration
	event.CompletedAt = s.clk.Now().UTC()
	if handlerErr != nil {
		event.State = types.EventStateFailed
		event.Error = handlerErr.Error()
	} else {
		event.State = types.EventStateProcessed
	}
}

// Count returns the number of live events.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// StartJanitor prunes expired terminal events on a fixed interval until
// the context is cancelled.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := s.clk.Ticker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Prune(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Prune archives and removes terminal events older than the retention
// horizon. Returns how many events were evicted.
func (s *Store) Prune(ctx context.Context) int {
	cutoff := s.clk.Now().UTC().Add(-s.retention)
	return s.evict(ctx, func(e *types.Event) bool {
		return e.Terminal() && e.CompletedAt.Before(cutoff)
	})
}

// Flush archives and removes every terminal event regardless of age.
// Used as a recovery mitigation when memory runs high.
func (s *Store) Flush(ctx context.Context) int {
	return s.evict(ctx, func(e *types.Event) bool {
		return e.Terminal()
	})
}

func (s *Store) evict(ctx context.Context, shouldEvict func(*types.Event) bool) int {
	s.mu.Lock()
	var evicted []*types.Event
	for id, event := range s.events {
		if shouldEvict(event) {
			evicted = append(evicted, event)
			delete(s.events, id)
		}
	}
	archiver := s.archiver
	s.mu.Unlock()

	if archiver != nil {
		for _, event := range evicted {
			if err := archiver.Store(ctx, event); err != nil {
				s.logger.Errorf("Failed to archive event %s: %v", event.ID, err)
			}
		}
	}

	if len(evicted) > 0 {
		s.logger.Debugf("Evicted %d terminal events from the live table", len(evicted))
	}
	return len(evicted)
}
