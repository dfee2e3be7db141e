package app

import (
	"strings"

	"github.com/hubmetrics/groups-exporter/internal/config"
	"github.com/hubmetrics/groups-exporter/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// newSnapshotStore selects the snapshot store backend. Redis is opt-in; any
// misconfiguration falls back to the in-memory store so the exporter still
// comes up.
func newSnapshotStore(cfg *config.Config, logger *zap.Logger) store.SnapshotStore {
	if cfg == nil || !strings.EqualFold(strings.TrimSpace(cfg.Store.Backend), "redis") {
		return store.NewMemoryStore()
	}
	if strings.TrimSpace(cfg.Store.RedisAddr) == "" {
		logger.Warn("store.backend=redis without redis_addr; falling back to in-memory store")
		return store.NewMemoryStore()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	return store.NewRedisStore(client, store.RedisStoreConfig{
		KeyNamespace: cfg.Store.KeyNamespace,
	})
}
