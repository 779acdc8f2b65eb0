package engine

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pulseops/pulse-engine/internal/engine/streams"
	"github.com/pulseops/pulse-engine/pkg/types"
)

// Built-in generator kinds for streams created through the facade.
const (
	StreamKindCounter    = "counter"
	StreamKindHeartbeat  = "heartbeat"
	StreamKindRandomWalk = "random_walk"
)

// generatorFor maps a stream kind to a synthetic data source. Unknown
// kinds get the random walk, so callers can use domain labels like
// "sensor" or "trades" without registering anything.
func generatorFor(kind string, clk clock.Clock) streams.Generator {
	switch kind {
	case StreamKindCounter:
		return counterGenerator(clk)
	case StreamKindHeartbeat:
		return heartbeatGenerator(clk)
	default:
		return randomWalkGenerator(clk)
	}
}

// counterGenerator emits a monotonically increasing value.
func counterGenerator(clk clock.Clock) streams.Generator {
	var n uint64
	return func(ctx context.Context, info types.StreamInfo) (map[string]interface{}, error) {
		return map[string]interface{}{
			"value":     atomic.AddUint64(&n, 1),
			"stream":    info.Name,
			"timestamp": clk.Now().UTC().Format(time.RFC3339Nano),
		}, nil
	}
}

// heartbeatGenerator emits a liveness pulse.
func heartbeatGenerator(clk clock.Clock) streams.Generator {
	return func(ctx context.Context, info types.StreamInfo) (map[string]interface{}, error) {
		return map[string]interface{}{
			"alive":     true,
			"stream":    info.Name,
			"timestamp": clk.Now().UTC().Format(time.RFC3339Nano),
		}, nil
	}
}

// randomWalkGenerator emits a value drifting within [0, 100], which makes
// subscriber dashboards show something sensor-like out of the box.
func randomWalkGenerator(clk clock.Clock) streams.Generator {
	var mu sync.Mutex
	value := 50.0
	return func(ctx context.Context, info types.StreamInfo) (map[string]interface{}, error) {
		mu.Lock()
		value += (rand.Float64() - 0.5) * 10
		if value < 0 {
			value = 0
		}
		if value > 100 {
			value = 100
		}
		v := value
		mu.Unlock()

		return map[string]interface{}{
			"value":     v,
			"stream":    info.Name,
			"timestamp": clk.Now().UTC().Format(time.RFC3339Nano),
		}, nil
	}
}
