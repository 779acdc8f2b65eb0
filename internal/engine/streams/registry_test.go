package streams

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

func constantGenerator(value float64) Generator {
	return func(ctx context.Context, stream types.StreamInfo) (map[string]interface{}, error) {
		return map[string]interface{}{"value": value}, nil
	}
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	reg := NewRegistry(mock, logging.NewNoOpLogger())
	t.Cleanup(reg.Shutdown)
	return reg, mock
}

// letLoopStart gives a freshly spawned emission loop time to register its
// ticker with the mock clock before the test advances it.
func letLoopStart() {
	time.Sleep(20 * time.Millisecond)
}

func waitForEmissions(t *testing.T, reg *Registry, id string, want uint64) {
	t.Helper()
	assert.Eventually(t, func() bool {
		info, err := reg.Get(id)
		return err == nil && info.TotalEmitted == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIntervalFor(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, intervalFor(10))
	assert.Equal(t, time.Second, intervalFor(1))
	assert.Equal(t, 2*time.Second, intervalFor(0.5))
	assert.Equal(t, time.Millisecond, intervalFor(1e6))
}

func TestCreateValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	valid := Config{Name: "temps", Kind: "sensor.reading", Source: "sensor-1", Rate: 10, BufferCap: 8, Generator: constantGenerator(1)}

	cases := []struct {
		name   string
		mutate func(Config) Config
	}{
		{"empty name", func(c Config) Config { c.Name = ""; return c }},
		{"zero rate", func(c Config) Config { c.Rate = 0; return c }},
		{"negative rate", func(c Config) Config { c.Rate = -3; return c }},
		{"zero buffer", func(c Config) Config { c.BufferCap = 0; return c }},
		{"nil generator", func(c Config) Config { c.Generator = nil; return c }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Create(tc.mutate(valid))
			assert.ErrorIs(t, err, ErrInvalidStream)
		})
	}

	id, err := reg.Create(valid)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestStreamEmitsAtConfiguredRate(t *testing.T) {
	reg, mock := newTestRegistry(t)

	id, err := reg.Create(Config{Name: "temps", Kind: "sensor.reading", Source: "sensor-1", Rate: 10, BufferCap: 8, Generator: constantGenerator(21.5)})
	require.NoError(t, err)
	letLoopStart()

	mock.Add(300 * time.Millisecond)
	waitForEmissions(t, reg, id, 3)

	info, err := reg.Get(id)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, uint64(3), info.TotalEmitted)
	assert.False(t, info.LastEmission.IsZero())

	emissions, err := reg.Consume(id, 10)
	require.NoError(t, err)
	require.Len(t, emissions, 3)
	for i, emission := range emissions {
		assert.Equal(t, uint64(i+1), emission.Seq)
		assert.Equal(t, id, emission.StreamID)
		assert.Equal(t, 21.5, emission.Payload["value"])
	}

	emissions, err = reg.Consume(id, 10)
	require.NoError(t, err)
	assert.Empty(t, emissions)
}

func TestBufferEvictsOldestWhenFull(t *testing.T) {
	reg, mock := newTestRegistry(t)

	id, err := reg.Create(Config{Name: "temps", Kind: "sensor.reading", Source: "sensor-1", Rate: 10, BufferCap: 3, Generator: constantGenerator(1)})
	require.NoError(t, err)
	letLoopStart()

	mock.Add(500 * time.Millisecond)
	waitForEmissions(t, reg, id, 5)

	info, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Buffered)
	assert.LessOrEqual(t, info.Buffered, info.BufferCap)

	emissions, err := reg.Consume(id, 10)
	require.NoError(t, err)
	require.Len(t, emissions, 3)
	assert.Equal(t, uint64(3), emissions[0].Seq)
	assert.Equal(t, uint64(4), emissions[1].Seq)
	assert.Equal(t, uint64(5), emissions[2].Seq)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, err := reg.Create(Config{Name: "temps", Kind: "sensor.reading", Source: "sensor-1", Rate: 1, BufferCap: 4, Generator: constantGenerator(1)})
	require.NoError(t, err)

	require.NoError(t, reg.Subscribe(id, "consumer-a"))
	require.NoError(t, reg.Subscribe(id, "consumer-a"))
	require.NoError(t, reg.Subscribe(id, "consumer-b"))

	info, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"consumer-a", "consumer-b"}, info.Subscribers)

	assert.ErrorIs(t, reg.Subscribe("missing", "consumer-a"), ErrStreamNotFound)
	assert.ErrorIs(t, reg.Subscribe(id, ""), ErrInvalidStream)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, err := reg.Create(Config{Name: "temps", Kind: "sensor.reading", Source: "sensor-1", Rate: 1, BufferCap: 4, Generator: constantGenerator(1)})
	require.NoError(t, err)

	require.NoError(t, reg.Unsubscribe(id, "never-subscribed"))

	require.NoError(t, reg.Subscribe(id, "consumer-a"))
	require.NoError(t, reg.Unsubscribe(id, "consumer-a"))
	require.NoError(t, reg.Unsubscribe(id, "consumer-a"))

	info, err := reg.Get(id)
	require.NoError(t, err)
	assert.Empty(t, info.Subscribers)

	assert.ErrorIs(t, reg.Unsubscribe("missing", "consumer-a"), ErrStreamNotFound)
}

func TestGeneratorErrorKeepsLoopAlive(t *testing.T) {
	reg, mock := newTestRegistry(t)

	var calls int
	var mu sync.Mutex
	generator := func(ctx context.Context, stream types.StreamInfo) (map[string]interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 2 {
			return nil, errors.New("sensor offline")
		}
		return map[string]interface{}{"value": 1.0}, nil
	}

	id, err := reg.Create(Config{Name: "temps", Kind: "sensor.reading", Source: "sensor-1", Rate: 10, BufferCap: 8, Generator: generator})
	require.NoError(t, err)
	letLoopStart()

	mock.Add(300 * time.Millisecond)
	waitForEmissions(t, reg, id, 2)

	info, err := reg.Get(id)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, uint64(2), info.TotalEmitted)
	assert.Equal(t, uint64(1), info.ErrorCount)

	emissions, err := reg.Consume(id, 10)
	require.NoError(t, err)
	require.Len(t, emissions, 2)
	assert.Equal(t, uint64(1), emissions[0].Seq)
	assert.Equal(t, uint64(3), emissions[1].Seq)
}

func TestDeactivatePreservesRecordAndCounters(t *testing.T) {
	reg, mock := newTestRegistry(t)

	id, err := reg.Create(Config{Name: "temps", Kind: "sensor.reading", Source: "sensor-1", Rate: 10, BufferCap: 8, Generator: constantGenerator(1)})
	require.NoError(t, err)
	letLoopStart()

	mock.Add(200 * time.Millisecond)
	waitForEmissions(t, reg, id, 2)

	require.NoError(t, reg.Deactivate(id))
	require.NoError(t, reg.Deactivate(id))
	assert.Zero(t, reg.ActiveCount())

	mock.Add(500 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	info, err := reg.Get(id)
	require.NoError(t, err)
	assert.False(t, info.Active)
	assert.Equal(t, uint64(2), info.TotalEmitted)

	require.NoError(t, reg.Activate(id))
	require.NoError(t, reg.Activate(id))
	assert.Equal(t, 1, reg.ActiveCount())
	letLoopStart()

	mock.Add(100 * time.Millisecond)
	waitForEmissions(t, reg, id, 3)
}

func TestSetRateAppliesAtNextTick(t *testing.T) {
	reg, mock := newTestRegistry(t)

	id, err := reg.Create(Config{Name: "temps", Kind: "sensor.reading", Source: "sensor-1", Rate: 10, BufferCap: 16, Generator: constantGenerator(1)})
	require.NoError(t, err)
	letLoopStart()

	mock.Add(100 * time.Millisecond)
	waitForEmissions(t, reg, id, 1)

	require.NoError(t, reg.SetRate(id, 5))

	// The loop ticks once more at the old 100ms interval, then resets.
	mock.Add(100 * time.Millisecond)
	waitForEmissions(t, reg, id, 2)
	time.Sleep(20 * time.Millisecond)

	mock.Add(100 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	info, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.TotalEmitted)

	mock.Add(100 * time.Millisecond)
	waitForEmissions(t, reg, id, 3)

	info, err = reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 5.0, info.Rate)

	assert.ErrorIs(t, reg.SetRate(id, 0), ErrInvalidStream)
	assert.ErrorIs(t, reg.SetRate("missing", 5), ErrStreamNotFound)
}

func TestSetRateOnDeactivatedStreamAppliesOnReactivation(t *testing.T) {
	reg, mock := newTestRegistry(t)

	id, err := reg.Create(Config{Name: "temps", Kind: "sensor.reading", Source: "sensor-1", Rate: 10, BufferCap: 8, Generator: constantGenerator(1)})
	require.NoError(t, err)
	letLoopStart()

	require.NoError(t, reg.Deactivate(id))
	require.NoError(t, reg.SetRate(id, 2))

	info, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 2.0, info.Rate)

	require.NoError(t, reg.Activate(id))
	letLoopStart()

	mock.Add(500 * time.Millisecond)
	waitForEmissions(t, reg, id, 1)
}

func TestNotifierReceivesEmissions(t *testing.T) {
	reg, mock := newTestRegistry(t)

	var mu sync.Mutex
	received := make(map[string]int)
	reg.SetNotifier(func(subscriberID string, emission types.Emission) {
		mu.Lock()
		defer mu.Unlock()
		received[subscriberID]++
	})

	id, err := reg.Create(Config{Name: "temps", Kind: "sensor.reading", Source: "sensor-1", Rate: 10, BufferCap: 8, Generator: constantGenerator(1)})
	require.NoError(t, err)
	require.NoError(t, reg.Subscribe(id, "consumer-a"))
	require.NoError(t, reg.Subscribe(id, "consumer-b"))
	letLoopStart()

	mock.Add(200 * time.Millisecond)
	waitForEmissions(t, reg, id, 2)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received["consumer-a"] == 2 && received["consumer-b"] == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnknownStreamErrors(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Get("missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)
	assert.ErrorIs(t, reg.Deactivate("missing"), ErrStreamNotFound)
	assert.ErrorIs(t, reg.Activate("missing"), ErrStreamNotFound)
	_, err = reg.Consume("missing", 5)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestConsumeValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, err := reg.Create(Config{Name: "temps", Kind: "sensor.reading", Source: "sensor-1", Rate: 1, BufferCap: 4, Generator: constantGenerator(1)})
	require.NoError(t, err)

	_, err = reg.Consume(id, 0)
	assert.ErrorIs(t, err, ErrInvalidStream)
}

func TestListOrdersByCreationTime(t *testing.T) {
	reg, mock := newTestRegistry(t)

	first, err := reg.Create(Config{Name: "first", Kind: "sensor.reading", Source: "a", Rate: 1, BufferCap: 4, Generator: constantGenerator(1)})
	require.NoError(t, err)
	mock.Add(time.Second)
	second, err := reg.Create(Config{Name: "second", Kind: "sensor.reading", Source: "b", Rate: 1, BufferCap: 4, Generator: constantGenerator(1)})
	require.NoError(t, err)

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, first, infos[0].ID)
	assert.Equal(t, second, infos[1].ID)
}

func TestShutdownStopsEveryLoop(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, logging.NewNoOpLogger())

	a, err := reg.Create(Config{Name: "a", Kind: "sensor.reading", Source: "a", Rate: 10, BufferCap: 4, Generator: constantGenerator(1)})
	require.NoError(t, err)
	_, err = reg.Create(Config{Name: "b", Kind: "sensor.reading", Source: "b", Rate: 10, BufferCap: 4, Generator: constantGenerator(1)})
	require.NoError(t, err)
	letLoopStart()

	reg.Shutdown()
	reg.Shutdown()
	assert.Zero(t, reg.ActiveCount())

	before, err := reg.Get(a)
	require.NoError(t, err)
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	after, err := reg.Get(a)
	require.NoError(t, err)
	assert.Equal(t, before.TotalEmitted, after.TotalEmitted)

	_, err = reg.Create(Config{Name: "late", Kind: "sensor.reading", Source: "c", Rate: 1, BufferCap: 4, Generator: constantGenerator(1)})
	assert.Error(t, err)
}
