// Package ratelimit 提供按服务隔离的调用间隔限制。
// 每个服务对应一个容量为 1 的令牌桶，保证同一服务相邻两次被放行的调用之间至少间隔 MinInterval；
// 不同服务互不阻塞。
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter 单个服务的限流器，并发安全。
type Limiter struct {
	service  string
	interval time.Duration
	limiter  *rate.Limiter
}

// NewLimiter 创建限流器。interval <= 0 时不限流。
func NewLimiter(service string, interval time.Duration) *Limiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Limiter{
		service:  service,
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Wait 阻塞直到距离上一次放行至少经过 interval，或上下文被取消。
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Interval 返回最小调用间隔。
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Service 返回服务名称。
func (l *Limiter) Service() string {
	return l.service
}

// Registry 按服务名称管理限流器，同一进程内每个服务只有一个实例。
type Registry struct {
	intervalFor func(service string) time.Duration

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry 创建限流器注册表。
//
// 参数：
//   - intervalFor: 返回指定服务的最小调用间隔
func NewRegistry(intervalFor func(service string) time.Duration) *Registry {
	return &Registry{
		intervalFor: intervalFor,
		limiters:    make(map[string]*Limiter),
	}
}

// Get 返回服务对应的限流器，不存在时创建。
func (r *Registry) Get(service string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[service]; ok {
		return l
	}
	var interval time.Duration
	if r.intervalFor != nil {
		interval = r.intervalFor(service)
	}
	l := NewLimiter(service, interval)
	r.limiters[service] = l
	return l
}

// Wait 等待指定服务的限流器放行。
func (r *Registry) Wait(ctx context.Context, service string) error {
	return r.Get(service).Wait(ctx)
}
