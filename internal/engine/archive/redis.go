package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulseops/pulse-engine/pkg/types"
)

const (
	eventKeyPrefix = "archive:event:"
	pingTimeout    = 5 * time.Second
)

// redisBackend keeps archived events in Redis under a TTL so the set
// stays bounded without explicit pruning.
type redisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisBackend(url string, ttl time.Duration) (*redisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &redisBackend{client: client, ttl: ttl}, nil
}

func eventKey(id string) string {
	return eventKeyPrefix + id
}

func (r *redisBackend) Store(ctx context.Context, event *types.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}
	return r.client.Set(ctx, eventKey(event.ID), payload, r.ttl).Err()
}

func (r *redisBackend) Fetch(ctx context.Context, id string) (*types.Event, bool, error) {
	payload, err := r.client.Get(ctx, eventKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var event types.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, false, fmt.Errorf("failed to decode event %s: %w", id, err)
	}
	return &event, true, nil
}

func (r *redisBackend) Evict(ctx context.Context, frac float64) (int, error) {
	if frac <= 0 || frac > 1 {
		return 0, fmt.Errorf("%w: %f", ErrInvalidFraction, frac)
	}

	var keys []string
	iter := r.client.Scan(ctx, 0, eventKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan archive keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n := int(math.Ceil(frac * float64(len(keys))))
	if err := r.client.Del(ctx, keys[:n]...).Err(); err != nil {
		return 0, fmt.Errorf("failed to evict archive keys: %w", err)
	}
	return n, nil
}

func (r *redisBackend) Name() string { return "redis" }

func (r *redisBackend) Close() error {
	return r.client.Close()
}
