// Package client 实现对外部服务的弹性调用。
//
// 每次调用依次经过：响应缓存 → 熔断器 → 限流 → 执行操作 → 失败时线性退避重试。
// 熔断器只在调用开始时检查一次，重试期间不再检查；重试耗尽后返回的错误
// 满足 errors.Is(err, domain.ErrRetriesExhausted)，并包装最后一次失败原因。
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/an0mium/chemdata/internal/breaker"
	"github.com/an0mium/chemdata/internal/cache"
	"github.com/an0mium/chemdata/internal/domain"
	"github.com/an0mium/chemdata/internal/metrics"
	"github.com/an0mium/chemdata/internal/ratelimit"
	"github.com/an0mium/chemdata/internal/telemetry"
)

// Operation 一次上游尝试。返回的字节内容会被原样缓存。
type Operation func(ctx context.Context) ([]byte, error)

// Options 重试与超时参数。
type Options struct {
	// MaxRetries 最大尝试次数（包含第一次），小于 1 时按 1 处理
	MaxRetries int
	// Backoff 退避策略，为 nil 时使用 Linear{Initial: RetryDelay}
	Backoff Backoff
	// RetryDelay 线性退避的基础间隔
	RetryDelay time.Duration
	// RequestTimeout 单次尝试的超时时间，0 表示不设置
	RequestTimeout time.Duration
	// UserAgent HTTP 请求使用的 User-Agent
	UserAgent string
	// BaseURL 服务根地址，供 HTTP 辅助方法拼接相对路径
	BaseURL string
}

// Client 单个外部服务的弹性调用客户端，并发安全。
// 熔断器与限流器由 Manager 按服务共享，同一服务的所有 Client 看到相同的状态。
type Client struct {
	service    string
	breaker    *breaker.Breaker
	limiter    *ratelimit.Limiter
	cache      *cache.Cache
	opts       Options
	backoff    Backoff
	httpClient *http.Client
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option 客户端可选项
type Option func(*Client)

// WithMetrics 设置指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient 替换 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleep 替换退避等待函数，用于测试。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New 创建弹性调用客户端。
//
// 参数：
//   - service: 服务名称，用于日志、指标和 Span 属性
//   - br: 服务的熔断器
//   - lim: 服务的限流器
//   - c: 响应缓存，nil 表示不缓存
//   - opts: 重试与超时参数
//   - logger: 日志记录器
func New(service string, br *breaker.Breaker, lim *ratelimit.Limiter, c *cache.Cache, opts Options, logger *logrus.Logger, options ...Option) *Client {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	cl := &Client{
		service: service,
		breaker: br,
		limiter: lim,
		cache:   c,
		opts:    opts,
		backoff: opts.Backoff,
		httpClient: &http.Client{
			Transport: telemetry.HTTPClientTransport(nil),
		},
		logger: logger,
		sleep:  sleepContext,
	}
	if cl.backoff == nil {
		cl.backoff = Linear{Initial: opts.RetryDelay}
	}
	for _, opt := range options {
		opt(cl)
	}
	return cl
}

// Service 返回服务名称。
func (c *Client) Service() string {
	return c.service
}

// Breaker 返回服务的熔断器。
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// Call 执行一次弹性调用。
//
// fingerprint 为空时跳过缓存读写。
//
// 返回值：
//   - []byte: 操作结果或缓存内容
//   - error: 熔断拒绝时为 KindCircuitOpen 的 *domain.CallError；重试耗尽时为
//     KindRetriesExhausted 的 *domain.CallError；上下文取消时包装 ctx.Err()
func (c *Client) Call(ctx context.Context, fingerprint string, op Operation) (payload []byte, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "client.Call", trace.WithAttributes(
		attribute.String("chemdata.service", c.service),
	))
	outcome := "success"
	defer func() {
		span.SetAttributes(attribute.String("chemdata.outcome", outcome))
		telemetry.EndSpan(span, err)
		c.metrics.RecordCall(c.service, outcome, float64(time.Since(start).Milliseconds()))
	}()

	if fingerprint != "" {
		if cached, ok := c.cache.Get(ctx, fingerprint); ok {
			outcome = "cache_hit"
			return cached, nil
		}
	}

	if !c.breaker.CanExecute() {
		outcome = "circuit_open"
		c.log(ctx).Warn("Call rejected by open circuit breaker")
		return nil, &domain.CallError{Kind: domain.KindCircuitOpen, Service: c.service}
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			outcome = "canceled"
			return nil, fmt.Errorf("%s: rate limit wait: %w", c.service, err)
		}

		result, err := c.attempt(ctx, op)
		if err == nil {
			c.breaker.RecordSuccess()
			c.metrics.RecordAttempt(c.service, true)
			if fingerprint != "" {
				c.cache.Set(ctx, fingerprint, result)
			}
			return result, nil
		}

		// 调用方取消不计入熔断器
		if ctxErr := ctx.Err(); ctxErr != nil {
			outcome = "canceled"
			return nil, fmt.Errorf("%s: %w", c.service, ctxErr)
		}

		lastErr = err
		c.breaker.RecordFailure()
		c.metrics.RecordAttempt(c.service, false)
		c.log(ctx).WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": c.opts.MaxRetries,
		}).WithError(err).Warn("Attempt failed")

		if attempt < c.opts.MaxRetries {
			if err := c.sleep(ctx, c.backoff.Delay(attempt)); err != nil {
				outcome = "canceled"
				return nil, fmt.Errorf("%s: retry backoff: %w", c.service, err)
			}
		}
	}

	outcome = "retries_exhausted"
	c.log(ctx).WithField("attempts", c.opts.MaxRetries).WithError(lastErr).Error("Retries exhausted")
	return nil, &domain.CallError{
		Kind:     domain.KindRetriesExhausted,
		Service:  c.service,
		Attempts: c.opts.MaxRetries,
		Err:      lastErr,
	}
}

// attempt 在单次超时内执行操作。
func (c *Client) attempt(ctx context.Context, op Operation) ([]byte, error) {
	if c.opts.RequestTimeout <= 0 {
		return op(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	return op(ctx)
}

func (c *Client) log(ctx context.Context) *logrus.Entry {
	return telemetry.EntryWithTraceContext(ctx, c.logger.WithField("service", c.service))
}
