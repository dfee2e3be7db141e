package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hubmetrics/groups-exporter/internal/groups"
	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStoreConfig configures the Redis-backed snapshot store.
type RedisStoreConfig struct {
	// KeyNamespace prefixes the snapshot key so multiple exporter
	// deployments can share one Redis.
	KeyNamespace string
}

// RedisStore persists the latest membership snapshot in Redis so replicas
// and restarts can serve the last resolved mapping before their first fetch
// completes. Reads fall back to a local copy when Redis is unavailable.
type RedisStore struct {
	client  redisCommander
	closeFn func() error
	key     string
	local   MemoryStore
}

// NewRedisStore creates a Redis-backed snapshot store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.KeyNamespace
	if namespace == "" {
		namespace = "groups-exporter"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisStore{
		client:  client,
		closeFn: closeFn,
		key:     namespace + ":membership:current",
	}
}

// Publish stores the snapshot locally and mirrors it to Redis.
func (s *RedisStore) Publish(ctx context.Context, snapshot groups.Snapshot) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	_ = s.local.Publish(ctx, snapshot)

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("store snapshot in redis: %w", err)
	}
	return nil
}

// Latest returns the snapshot from Redis, falling back to the local copy on
// backend errors so usage ticks keep working through a Redis outage.
func (s *RedisStore) Latest(ctx context.Context) (groups.Snapshot, bool, error) {
	if s == nil || s.client == nil {
		return groups.Snapshot{}, false, fmt.Errorf("redis store is not initialized")
	}

	payload, err := s.client.Get(ctx, s.key).Result()
	if err == redis.Nil {
		return s.local.Latest(ctx)
	}
	if err != nil {
		if snapshot, ok, localErr := s.local.Latest(ctx); localErr == nil && ok {
			return snapshot, true, nil
		}
		return groups.Snapshot{}, false, fmt.Errorf("load snapshot from redis: %w", err)
	}

	var snapshot groups.Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return groups.Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snapshot, true, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}
