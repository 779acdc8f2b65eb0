package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/types"
)

type fakeArchiver struct {
	mu     sync.Mutex
	stored []*types.Event
	err    error
}

func (f *fakeArchiver) Store(ctx context.Context, event *types.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.stored = append(f.stored, event)
	return nil
}

func (f *fakeArchiver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mockClock := clock.NewMock()
	return New(time.Hour, mockClock, logging.NewNoOpLogger()), mockClock
}

func TestPutAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	event := types.NewEvent("ingest", nil, "test", 1)

	s.Put(event)

	got, ok := s.Get(event.ID)
	require.True(t, ok)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, types.EventStateQueued, got.State)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestGet_ReturnsDetachedCopy(t *testing.T) {
	s, _ := newTestStore(t)
	event := types.NewEvent("ingest", nil, "test", 1)
	s.Put(event)

	got, _ := s.Get(event.ID)
	got.State = types.EventStateFailed

	fresh, _ := s.Get(event.ID)
	assert.Equal(t, types.EventStateQueued, fresh.State)
}

func TestMarkProcessingAndOutcome(t *testing.T) {
	s, mockClock := newTestStore(t)
	event := types.NewEvent("ingest", nil, "test", 1)
	s.Put(event)

	s.MarkProcessing(event.ID)
	got, _ := s.Get(event.ID)
	assert.Equal(t, types.EventStateProcessing, got.State)

	s.MarkOutcome(event.ID, 25*time.Millisecond, nil)
	got, _ = s.Get(event.ID)
	assert.Equal(t, types.EventStateProcessed, got.State)
	assert.Equal(t, 25*time.Millisecond, got.Duration)
	assert.Equal(t, mockClock.Now().UTC(), got.CompletedAt)
	assert.Empty(t, got.Error)
}

func TestMarkOutcome_HandlerError(t *testing.T) {
	s, _ := newTestStore(t)
	event := types.NewEvent("ingest", nil, "test", 1)
	s.Put(event)

	s.MarkOutcome(event.ID, time.Millisecond, errors.New("handler exploded"))

	got, _ := s.Get(event.ID)
	assert.Equal(t, types.EventStateFailed, got.State)
	assert.Equal(t, "handler exploded", got.Error)
}

func TestPrune_ArchivesOnlyExpiredTerminalEvents(t *testing.T) {
	s, mockClock := newTestStore(t)
	archiver := &fakeArchiver{}
	s.SetArchiver(archiver)

	old := types.NewEvent("old", nil, "test", 1)
	fresh := types.NewEvent("fresh", nil, "test", 1)
	pending := types.NewEvent("pending", nil, "test", 1)
	s.Put(old)
	s.Put(fresh)
	s.Put(pending)

	s.MarkOutcome(old.ID, time.Millisecond, nil)

	// Make the first completion cross the retention horizon, then
	// complete the second one recently.
	mockClock.Add(2 * time.Hour)
	s.MarkOutcome(fresh.ID, time.Millisecond, nil)

	evicted := s.Prune(context.Background())

	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, archiver.count())
	assert.Equal(t, 2, s.Count())

	_, ok := s.Get(old.ID)
	assert.False(t, ok)
	_, ok = s.Get(fresh.ID)
	assert.True(t, ok)
	_, ok = s.Get(pending.ID)
	assert.True(t, ok)
}

func TestFlush_EvictsAllTerminalEvents(t *testing.T) {
	s, _ := newTestStore(t)
	archiver := &fakeArchiver{}
	s.SetArchiver(archiver)

	done := types.NewEvent("done", nil, "test", 1)
	running := types.NewEvent("running", nil, "test", 1)
	s.Put(done)
	s.Put(running)
	s.MarkOutcome(done.ID, time.Millisecond, nil)
	s.MarkProcessing(running.ID)

	evicted := s.Flush(context.Background())

	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, s.Count())
	assert.Equal(t, 1, archiver.count())
}

func TestPrune_ArchiverFailure_StillEvicts(t *testing.T) {
	s, mockClock := newTestStore(t)
	archiver := &fakeArchiver{err: errors.New("redis down")}
	s.SetArchiver(archiver)

	event := types.NewEvent("doomed", nil, "test", 1)
	s.Put(event)
	s.MarkOutcome(event.ID, time.Millisecond, nil)
	mockClock.Add(2 * time.Hour)

	evicted := s.Prune(context.Background())

	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, s.Count())
}

func TestStartJanitor_PrunesOnTicks(t *testing.T) {
	s, mockClock := newTestStore(t)
	archiver := &fakeArchiver{}
	s.SetArchiver(archiver)

	event := types.NewEvent("janitor", nil, "test", 1)
	s.Put(event)
	s.MarkOutcome(event.ID, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartJanitor(ctx, time.Minute)

	// Give the janitor goroutine a moment to arm its ticker, then move
	// past retention and tick.
	time.Sleep(10 * time.Millisecond)
	mockClock.Add(2 * time.Hour)

	assert.Eventually(t, func() bool {
		return s.Count() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, archiver.count())
}
