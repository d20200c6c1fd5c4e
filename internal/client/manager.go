package client

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/an0mium/chemdata/internal/breaker"
	"github.com/an0mium/chemdata/internal/cache"
	"github.com/an0mium/chemdata/internal/config"
	"github.com/an0mium/chemdata/internal/metrics"
	"github.com/an0mium/chemdata/internal/ratelimit"
)

// Manager 按服务创建并复用 Client。
// 同一服务的熔断器和限流器在进程内唯一，所有并发工作协程共享它们的状态。
type Manager struct {
	cfg      *config.Config
	cache    *cache.Cache
	breakers *breaker.Registry
	limiters *ratelimit.Registry
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	options  []Option

	mu      sync.Mutex
	clients map[string]*Client
}

// NewManager 创建客户端管理器。
func NewManager(cfg *config.Config, c *cache.Cache, logger *logrus.Logger, m *metrics.Metrics, options ...Option) *Manager {
	return &Manager{
		cfg:   cfg,
		cache: c,
		breakers: breaker.NewRegistry(breaker.Settings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
			HalfOpenTimeout:  cfg.Breaker.HalfOpenTimeout,
		}, logger, breaker.WithMetrics(m)),
		limiters: ratelimit.NewRegistry(cfg.MinIntervalFor),
		logger:   logger,
		metrics:  m,
		options:  options,
		clients:  make(map[string]*Client),
	}
}

// Client 返回服务对应的客户端，不存在时创建。
func (m *Manager) Client(service string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[service]; ok {
		return c
	}
	svc := m.cfg.Service(service)
	opts := Options{
		MaxRetries: m.cfg.Client.MaxRetries,
		Backoff: Linear{
			Initial: m.cfg.Client.RetryDelay,
			Max:     m.cfg.Client.MaxRetryDelay,
		},
		RetryDelay:     m.cfg.Client.RetryDelay,
		RequestTimeout: m.cfg.Client.RequestTimeout,
		UserAgent:      m.cfg.Client.UserAgent,
		BaseURL:        svc.BaseURL,
	}
	options := append([]Option{WithMetrics(m.metrics)}, m.options...)
	c := New(service, m.breakers.Get(service), m.limiters.Get(service), m.cache, opts, m.logger, options...)
	m.clients[service] = c

	m.logger.WithFields(logrus.Fields{
		"service":      service,
		"base_url":     svc.BaseURL,
		"min_interval": m.limiters.Get(service).Interval().String(),
	}).Debug("Service client created")
	return c
}

// Breakers 返回所有服务的熔断器快照。
func (m *Manager) Breakers() []breaker.Snapshot {
	return m.breakers.Snapshots()
}
