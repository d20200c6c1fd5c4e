// Package breaker 实现按服务隔离的熔断器。
//
// 状态机：
//   - Closed: 总是允许调用；连续失败达到阈值后转为 Open
//   - Open: 距最后一次失败超过 ResetTimeout 后，下一次 CanExecute 检查将状态转为 HalfOpen 并放行
//   - HalfOpen: 距最后一次失败超过 HalfOpenTimeout 才放行；成功则回到 Closed，失败累计达到阈值则回到 Open
//
// 熔断器从不返回错误，调用方只根据 CanExecute 的结果决定是否发起调用。
package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/an0mium/chemdata/internal/metrics"
)

// State 熔断器状态
type State int

const (
	// StateClosed 闭合，正常放行
	StateClosed State = iota
	// StateOpen 打开，拒绝调用
	StateOpen
	// StateHalfOpen 半开，允许试探调用
	StateHalfOpen
)

// String 返回状态名称。
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings 熔断器参数。
type Settings struct {
	// FailureThreshold 打开熔断器所需的失败次数，小于 1 时按 1 处理
	FailureThreshold int
	// ResetTimeout Open 状态持续多久后允许进入 HalfOpen
	ResetTimeout time.Duration
	// HalfOpenTimeout HalfOpen 状态下放行的最小间隔
	HalfOpenTimeout time.Duration
}

// Snapshot 熔断器某一时刻的状态快照。
type Snapshot struct {
	Service          string        `json:"service"`
	State            string        `json:"state"`
	Failures         int           `json:"failures"`
	LastFailure      time.Time     `json:"last_failure,omitempty"`
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
	HalfOpenTimeout  time.Duration `json:"half_open_timeout"`
}

// Breaker 单个服务的熔断器，并发安全。
type Breaker struct {
	service  string
	settings Settings
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// Option 熔断器可选项
type Option func(*Breaker)

// WithClock 替换时间源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithMetrics 设置指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Breaker) { b.metrics = m }
}

// New 创建熔断器，初始状态为 Closed。
func New(service string, settings Settings, logger *logrus.Logger, opts ...Option) *Breaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 1
	}
	b := &Breaker{
		service:  service,
		settings: settings,
		logger:   logger,
		now:      time.Now,
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics.SetBreakerState(service, int(StateClosed))
	return b
}

// CanExecute 判断当前是否允许发起调用。
// 在 Open 状态下，若已超过 ResetTimeout，本次检查会把状态切换到 HalfOpen 并返回 true。
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.settings.ResetTimeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return b.now().Sub(b.lastFailure) >= b.settings.HalfOpenTimeout
	default:
		return false
	}
}

// RecordSuccess 记录一次成功：失败计数清零并回到 Closed。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure 记录一次失败：失败计数加一并记录时间，达到阈值时打开熔断器。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	if b.failures >= b.settings.FailureThreshold && b.state != StateOpen {
		b.transition(StateOpen)
	}
}

// State 返回当前状态（不触发任何状态转换）。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 返回状态快照。
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Service:          b.service,
		State:            b.state.String(),
		Failures:         b.failures,
		LastFailure:      b.lastFailure,
		FailureThreshold: b.settings.FailureThreshold,
		ResetTimeout:     b.settings.ResetTimeout,
		HalfOpenTimeout:  b.settings.HalfOpenTimeout,
	}
}

// transition 切换状态，调用方必须持有锁。
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.metrics.SetBreakerState(b.service, int(to))

	if b.logger == nil {
		return
	}
	entry := b.logger.WithFields(logrus.Fields{
		"service":  b.service,
		"from":     from.String(),
		"to":       to.String(),
		"failures": b.failures,
	})
	if to == StateOpen {
		entry.Warn("Circuit breaker opened")
	} else {
		entry.Info("Circuit breaker state changed")
	}
}
