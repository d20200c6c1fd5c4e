package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/an0mium/chemdata/internal/keylock"
	"github.com/an0mium/chemdata/internal/metrics"
)

// DefaultTTL 默认条目有效期
const DefaultTTL = 24 * time.Hour

// Stats 缓存统计信息。
type Stats struct {
	Count      int       `json:"count"`
	TotalBytes int64     `json:"total_bytes"`
	Oldest     time.Time `json:"oldest,omitempty"`
	Newest     time.Time `json:"newest,omitempty"`
}

// Cache 带 TTL 的响应缓存。
// nil *Cache 表示缓存关闭：Get 总是未命中，Set 什么也不做。
type Cache struct {
	backend Backend
	ttl     time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics
	locks   *keylock.Locker
	now     func() time.Time
}

// Option 缓存可选项
type Option func(*Cache)

// WithMetrics 设置指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock 替换时间源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New 创建缓存。
//
// 参数：
//   - backend: 持久化后端
//   - ttl: 条目有效期，<= 0 时使用 DefaultTTL
//   - logger: 日志记录器
func New(backend Backend, ttl time.Duration, logger *logrus.Logger, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	c := &Cache{
		backend: backend,
		ttl:     ttl,
		logger:  logger,
		locks:   keylock.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL 返回条目有效期。
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get 读取未过期的条目。
// 过期条目会被删除；任何读取错误都只记录日志并按未命中处理。
func (c *Cache) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}

	entry, err := c.backend.Load(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.ioError("read", fingerprint, err)
		}
		c.metrics.RecordCacheRequest("miss")
		return nil, false
	}

	if c.now().Sub(entry.StoredAt) > c.ttl {
		unlock := c.locks.Lock(fingerprint)
		// 加锁后重新确认，避免删除并发写入的新条目
		if cur, err := c.backend.Load(ctx, fingerprint); err == nil && c.now().Sub(cur.StoredAt) > c.ttl {
			if err := c.backend.Delete(ctx, fingerprint); err != nil {
				c.ioError("delete", fingerprint, err)
			}
		}
		unlock()
		c.metrics.RecordCacheRequest("expired")
		return nil, false
	}

	c.metrics.RecordCacheRequest("hit")
	return entry.Payload, true
}

// Set 写入条目。失败时只记录日志，返回值仅表示是否写入成功。
func (c *Cache) Set(ctx context.Context, fingerprint string, payload []byte) bool {
	if c == nil {
		return false
	}

	unlock := c.locks.Lock(fingerprint)
	defer unlock()

	err := c.backend.Store(ctx, &Entry{
		Fingerprint: fingerprint,
		Payload:     payload,
		StoredAt:    c.now().UTC(),
	})
	if err != nil {
		c.ioError("write", fingerprint, err)
		c.metrics.RecordCacheWrite(false)
		return false
	}
	c.metrics.RecordCacheWrite(true)
	return true
}

// Invalidate 删除单个条目。
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	if c == nil {
		return nil
	}
	unlock := c.locks.Lock(fingerprint)
	defer unlock()

	if err := c.backend.Delete(ctx, fingerprint); err != nil {
		c.ioError("delete", fingerprint, err)
		return err
	}
	return nil
}

// Clear 删除全部条目。
func (c *Cache) Clear(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.backend.Clear(ctx); err != nil {
		c.ioError("clear", "", err)
		return err
	}
	c.logger.Info("Cache cleared")
	return nil
}

// Stats 返回条目数量、总字节数以及最早和最新的写入时间。
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if c == nil {
		return s, nil
	}
	err := c.backend.Scan(ctx, func(info Info) error {
		s.Count++
		s.TotalBytes += info.Size
		if s.Oldest.IsZero() || info.StoredAt.Before(s.Oldest) {
			s.Oldest = info.StoredAt
		}
		if info.StoredAt.After(s.Newest) {
			s.Newest = info.StoredAt
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return s, nil
}

// Prune 删除所有已过期条目，返回删除数量。
func (c *Cache) Prune(ctx context.Context) (int, error) {
	if c == nil {
		return 0, nil
	}
	var expired []string
	err := c.backend.Scan(ctx, func(info Info) error {
		if c.now().Sub(info.StoredAt) > c.ttl {
			expired = append(expired, info.Fingerprint)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}

	removed := 0
	for _, fp := range expired {
		if err := c.Invalidate(ctx, fp); err != nil {
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.WithField("removed", removed).Info("Pruned expired cache entries")
	}
	return removed, nil
}

// Close 关闭后端。
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.backend.Close()
}

func (c *Cache) ioError(op, fingerprint string, err error) {
	c.metrics.RecordCacheError(op)
	c.logger.WithFields(logrus.Fields{
		"operation":   op,
		"fingerprint": fingerprint,
	}).WithError(err).Warn("Cache io error")
}
