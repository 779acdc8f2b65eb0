package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/retry"
	"github.com/pulseops/pulse-engine/pkg/types"
)

func archivedEvent(id string) *types.Event {
	return &types.Event{
		ID:        id,
		Kind:      "sensor_reading",
		Source:    "api",
		Priority:  3,
		State:     types.EventStateProcessed,
		CreatedAt: time.Now().UTC(),
	}
}

func newMemoryArchive(t *testing.T, capacity int) *Archive {
	t.Helper()
	a, err := New(Config{Capacity: capacity}, logging.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func newRedisArchive(t *testing.T) (*Archive, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	a, err := New(Config{RedisURL: "redis://" + mr.Addr()}, logging.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, mr
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	a := newMemoryArchive(t, 0)
	assert.Equal(t, "memory", a.BackendName())

	event := archivedEvent("ev-1")
	require.NoError(t, a.Store(context.Background(), event))

	got, found, err := a.Fetch(context.Background(), "ev-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ev-1", got.ID)
	assert.Equal(t, "sensor_reading", got.Kind)
	assert.Equal(t, types.EventStateProcessed, got.State)

	_, found, err = a.Fetch(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryFetchReturnsDetachedCopy(t *testing.T) {
	a := newMemoryArchive(t, 0)
	require.NoError(t, a.Store(context.Background(), archivedEvent("ev-1")))

	first, _, err := a.Fetch(context.Background(), "ev-1")
	require.NoError(t, err)
	first.Kind = "mutated"

	second, _, err := a.Fetch(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "sensor_reading", second.Kind)
}

func TestMemoryCapacityEvictsOldest(t *testing.T) {
	a := newMemoryArchive(t, 3)
	for i := 1; i <= 4; i++ {
		require.NoError(t, a.Store(context.Background(), archivedEvent(fmt.Sprintf("ev-%d", i))))
	}

	_, found, err := a.Fetch(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.False(t, found, "oldest entry should be evicted once capacity is exceeded")

	_, found, err = a.Fetch(context.Background(), "ev-4")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemoryEvictDropsOldestFraction(t *testing.T) {
	a := newMemoryArchive(t, 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Store(context.Background(), archivedEvent(fmt.Sprintf("ev-%d", i))))
	}

	evicted, err := a.Evict(context.Background(), 0.5)
	require.NoError(t, err)
	assert.Equal(t, 5, evicted)

	_, found, err := a.Fetch(context.Background(), "ev-0")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = a.Fetch(context.Background(), "ev-9")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEvictValidatesFraction(t *testing.T) {
	a := newMemoryArchive(t, 0)

	_, err := a.Evict(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidFraction)

	_, err = a.Evict(context.Background(), 1.5)
	assert.ErrorIs(t, err, ErrInvalidFraction)
}

func TestRedisBackendRoundTrip(t *testing.T) {
	a, mr := newRedisArchive(t)
	assert.Equal(t, "redis", a.BackendName())

	require.NoError(t, a.Store(context.Background(), archivedEvent("ev-1")))

	got, found, err := a.Fetch(context.Background(), "ev-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ev-1", got.ID)
	assert.Equal(t, types.EventStateProcessed, got.State)

	assert.Greater(t, mr.TTL(eventKey("ev-1")), time.Duration(0), "archived entries should carry a TTL")

	_, found, err = a.Fetch(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisEvictDropsFraction(t *testing.T) {
	a, mr := newRedisArchive(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, a.Store(context.Background(), archivedEvent(fmt.Sprintf("ev-%d", i))))
	}

	evicted, err := a.Evict(context.Background(), 0.5)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)
	assert.Len(t, mr.Keys(), 2)
}

func TestUnreachableRedisFallsBackToMemory(t *testing.T) {
	a, err := New(Config{RedisURL: "redis://127.0.0.1:1"}, logging.NewNoOpLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "memory", a.BackendName())

	require.NoError(t, a.Store(context.Background(), archivedEvent("ev-1")))
	_, found, err := a.Fetch(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMalformedRedisURLFallsBackToMemory(t *testing.T) {
	a, err := New(Config{RedisURL: "not-a-redis-url"}, logging.NewNoOpLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "memory", a.BackendName())
}

type flakyBackend struct {
	mu       sync.Mutex
	failures int
	attempts int
	events   map[string]*types.Event
}

func (f *flakyBackend) Store(ctx context.Context, event *types.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("backend unavailable")
	}
	if f.events == nil {
		f.events = make(map[string]*types.Event)
	}
	f.events[event.ID] = event
	return nil
}

func (f *flakyBackend) Fetch(ctx context.Context, id string) (*types.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[id]
	return event, ok, nil
}

func (f *flakyBackend) Evict(ctx context.Context, frac float64) (int, error) { return 0, nil }
func (f *flakyBackend) Name() string                                         { return "flaky" }
func (f *flakyBackend) Close() error                                         { return nil }

func (f *flakyBackend) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func fastRetryConfig(maxRetries int) *retry.RetryConfig {
	return &retry.RetryConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestStoreRetriesTransientBackendFailures(t *testing.T) {
	backend := &flakyBackend{failures: 2}
	a := &Archive{backend: backend, retryCfg: fastRetryConfig(3), logger: logging.NewNoOpLogger()}

	require.NoError(t, a.Store(context.Background(), archivedEvent("ev-1")))
	assert.Equal(t, 3, backend.attemptCount())

	_, found, err := a.Fetch(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStoreGivesUpAfterRetriesExhausted(t *testing.T) {
	backend := &flakyBackend{failures: 100}
	a := &Archive{backend: backend, retryCfg: fastRetryConfig(2), logger: logging.NewNoOpLogger()}

	err := a.Store(context.Background(), archivedEvent("ev-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to archive event ev-1")
	assert.Equal(t, 2, backend.attemptCount())
}
