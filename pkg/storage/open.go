package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/ngoyal88/supplierlog/pkg/cache"
	"github.com/ngoyal88/supplierlog/pkg/config"
	log "github.com/sirupsen/logrus"
)

// Open builds the Store selected by cfg.Storage.Backend, wrapped in the
// circuit breaker when it is enabled. The returned cache.Client is non-nil
// only for the redis backend, so callers can share the pool.
func Open(ctx context.Context, cfg *config.Config) (Store, *cache.Client, error) {
	var (
		store Store
		rdb   *cache.Client
	)

	switch strings.ToLower(cfg.Storage.Backend) {
	case "memory":
		store = NewMemoryStore()
		log.Warn("[storage] using in-memory store, entries are lost on restart")

	case "redis":
		client, err := cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, persistenceErr("connect redis", err)
		}
		rdb = client
		store = NewRedisStore(client, cfg.Redis.KeyPrefix)
		log.Infof("[storage] redis store at %s", cfg.Redis.Address)

	case "sqlite", "":
		s, err := NewSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		store = s
		log.Infof("[storage] sqlite store at %s", cfg.SQLite.Path)

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Breaker.Enabled {
		store = NewBreakerStore(store, BreakerSettings{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
		})
	}

	return store, rdb, nil
}
