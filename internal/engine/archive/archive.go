package archive

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/retry"
	"github.com/pulseops/pulse-engine/pkg/types"
)

var ErrInvalidFraction = errors.New("eviction fraction must be in (0, 1]")

// Backend is one archive storage implementation.
type Backend interface {
	Store(ctx context.Context, event *types.Event) error
	Fetch(ctx context.Context, id string) (*types.Event, bool, error)
	Evict(ctx context.Context, frac float64) (int, error)
	Name() string
	Close() error
}

type Config struct {
	RedisURL string        // empty runs on the memory backend
	Capacity int           // memory backend size
	TTL      time.Duration // redis entry lifetime
}

const (
	DefaultCapacity = 4096
	DefaultTTL      = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	return c
}

// Archive keeps terminal events past the live store's retention horizon.
// At init it probes Redis when configured and falls back to the memory
// backend when the probe fails; writes go through bounded retry.
type Archive struct {
	backend  Backend
	retryCfg *retry.RetryConfig
	logger   logging.Logger
}

func New(cfg Config, logger logging.Logger) (*Archive, error) {
	cfg = cfg.withDefaults()

	var backend Backend
	if cfg.RedisURL != "" {
		redisBackend, err := newRedisBackend(cfg.RedisURL, cfg.TTL)
		if err != nil {
			logger.Warnf("Redis archive unavailable, falling back to memory: %v", err)
		} else {
			logger.Infof("Archive connected to Redis")
			backend = redisBackend
		}
	}
	if backend == nil {
		memoryBackend, err := newMemoryBackend(cfg.Capacity)
		if err != nil {
			return nil, fmt.Errorf("failed to build memory archive: %w", err)
		}
		backend = memoryBackend
	}

	retryCfg := retry.DefaultRetryConfig()
	retryCfg.MaxRetries = 3
	retryCfg.InitialDelay = 100 * time.Millisecond
	retryCfg.MaxDelay = 2 * time.Second
	retryCfg.LogRetryAttempt = false

	return &Archive{
		backend:  backend,
		retryCfg: retryCfg,
		logger:   logger,
	}, nil
}

// BackendName reports which backend the init probe selected.
func (a *Archive) BackendName() string {
	return a.backend.Name()
}

// Store archives one event, retrying transient failures with backoff.
func (a *Archive) Store(ctx context.Context, event *types.Event) error {
	err := retry.RetryFunc(ctx, func() error {
		return a.backend.Store(ctx, event)
	}, a.retryCfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to archive event %s: %w", event.ID, err)
	}
	return nil
}

func (a *Archive) Fetch(ctx context.Context, id string) (*types.Event, bool, error) {
	return a.backend.Fetch(ctx, id)
}

// Evict drops roughly the given fraction of archived entries. Fault
// recovery uses it to shed memory.
func (a *Archive) Evict(ctx context.Context, frac float64) (int, error) {
	evicted, err := a.backend.Evict(ctx, frac)
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		a.logger.Infof("Archive evicted %d entries", evicted)
	}
	return evicted, nil
}

func (a *Archive) Close() error {
	return a.backend.Close()
}

// memoryBackend is an LRU over terminal events; the cache itself evicts
// the least recently touched entry once full.
type memoryBackend struct {
	cache *lru.Cache[string, *types.Event]
}

func newMemoryBackend(capacity int) (*memoryBackend, error) {
	cache, err := lru.New[string, *types.Event](capacity)
	if err != nil {
		return nil, err
	}
	return &memoryBackend{cache: cache}, nil
}

func (m *memoryBackend) Store(ctx context.Context, event *types.Event) error {
	detached := *event
	m.cache.Add(event.ID, &detached)
	return nil
}

func (m *memoryBackend) Fetch(ctx context.Context, id string) (*types.Event, bool, error) {
	event, ok := m.cache.Get(id)
	if !ok {
		return nil, false, nil
	}
	detached := *event
	return &detached, true, nil
}

func (m *memoryBackend) Evict(ctx context.Context, frac float64) (int, error) {
	if frac <= 0 || frac > 1 {
		return 0, fmt.Errorf("%w: %f", ErrInvalidFraction, frac)
	}

	n := int(math.Ceil(frac * float64(m.cache.Len())))
	for i := 0; i < n; i++ {
		m.cache.RemoveOldest()
	}
	return n, nil
}

func (m *memoryBackend) Name() string { return "memory" }

func (m *memoryBackend) Close() error {
	m.cache.Purge()
	return nil
}
