package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/an0mium/chemdata/internal/config"
	"github.com/an0mium/chemdata/internal/metrics"
)

// Open 根据配置创建缓存；配置关闭缓存时返回 nil（nil *Cache 可安全使用）。
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (*Cache, error) {
	if cfg.Cache.Disabled {
		logger.Info("Response cache disabled")
		return nil, nil
	}

	var (
		backend Backend
		err     error
	)
	switch cfg.Cache.Backend {
	case config.CacheBackendFile, "":
		backend, err = NewFileBackend(cfg.Cache.Dir)
	case config.CacheBackendBadger:
		backend, err = NewBadgerBackend(cfg.Cache.Dir, cfg.Cache.TTL)
	case config.CacheBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		backend, err = NewRedisBackend(ctx, client, cfg.Cache.RedisPrefix, cfg.Cache.TTL)
		if err != nil {
			_ = client.Close()
		}
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"backend": cfg.Cache.Backend,
		"dir":     cfg.Cache.Dir,
		"ttl":     cfg.Cache.TTL.String(),
	}).Info("Response cache opened")

	return New(backend, cfg.Cache.TTL, logger, WithMetrics(m)), nil
}
