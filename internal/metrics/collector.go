// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义管道关键指标（外部调用、熔断器、缓存、检查点、批处理），便于在各模块复用并保持标签一致。
// 所有更新方法都允许在 nil *Metrics 上调用，未启用指标时组件无需判空。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 封装管道运行时指标集合。
//
// 指标分类:
//   - 调用指标: 外部服务调用的次数、耗时、尝试次数
//   - 熔断器指标: 每个服务的熔断器状态
//   - 缓存指标: 命中、未命中、写入和 IO 错误
//   - 检查点指标: 步骤保存次数与耗时
//   - 批处理指标: 批处理条目结果与在途数量
type Metrics struct {
	registry *prometheus.Registry

	// ========== 调用相关指标 ==========

	// CallsTotal 弹性调用总次数计数器
	// 标签: service, outcome (success, cache_hit, circuit_open, retries_exhausted, canceled)
	CallsTotal *prometheus.CounterVec

	// CallDuration 弹性调用耗时直方图（单位：毫秒），包含限流等待与退避时间
	// 标签: service
	CallDuration *prometheus.HistogramVec

	// AttemptsTotal 实际发起的尝试次数计数器
	// 标签: service, success
	AttemptsTotal *prometheus.CounterVec

	// ========== 熔断器相关指标 ==========

	// BreakerState 熔断器状态（0=closed, 1=open, 2=half-open）
	// 标签: service
	BreakerState *prometheus.GaugeVec

	// ========== 缓存相关指标 ==========

	// CacheRequests 缓存查询计数器
	// 标签: result (hit, miss, expired)
	CacheRequests *prometheus.CounterVec

	// CacheWrites 缓存写入计数器
	// 标签: success
	CacheWrites *prometheus.CounterVec

	// CacheErrors 缓存 IO 错误计数器
	// 标签: operation
	CacheErrors *prometheus.CounterVec

	// ========== 检查点相关指标 ==========

	// CheckpointSaves 检查点保存计数器
	// 标签: step, success
	CheckpointSaves *prometheus.CounterVec

	// CheckpointSaveDuration 检查点保存耗时直方图（单位：毫秒）
	// 标签: step
	CheckpointSaveDuration *prometheus.HistogramVec

	// ========== 批处理相关指标 ==========

	// BatchItems 批处理条目结果计数器
	// 标签: batch, outcome (success, error, panic)
	BatchItems *prometheus.CounterVec

	// BatchInFlight 正在执行的批处理条目数
	// 标签: batch
	BatchInFlight *prometheus.GaugeVec

	// TableRowsSkipped 分块读取时跳过的格式错误行数
	TableRowsSkipped prometheus.Counter
}

// NewMetrics 创建并注册所有指标。
// 每个实例使用独立的注册表，多次创建（例如在测试中）不会发生重复注册。
//
// 参数：
//   - namespace: 指标命名空间前缀
//
// 返回值：
//   - *Metrics: 指标集合
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Total number of resilient calls by outcome",
			},
			[]string{"service", "outcome"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_ms",
				Help:      "Resilient call duration in milliseconds",
				Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"service"},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "call_attempts_total",
				Help:      "Total number of upstream attempts",
			},
			[]string{"service", "success"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service"},
		),
		CacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Total number of cache lookups by result",
			},
			[]string{"result"},
		),
		CacheWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_writes_total",
				Help:      "Total number of cache writes",
			},
			[]string{"success"},
		),
		CacheErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Total number of cache io errors",
			},
			[]string{"operation"},
		),
		CheckpointSaves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_saves_total",
				Help:      "Total number of checkpoint saves",
			},
			[]string{"step", "success"},
		),
		CheckpointSaveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "checkpoint_save_duration_ms",
				Help:      "Checkpoint save duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
			},
			[]string{"step"},
		),
		BatchItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_items_total",
				Help:      "Total number of batch items by outcome",
			},
			[]string{"batch", "outcome"},
		),
		BatchInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_in_flight",
				Help:      "Batch items currently executing",
			},
			[]string{"batch"},
		),
		TableRowsSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "table_rows_skipped_total",
				Help:      "Total number of malformed table rows skipped",
			},
		),
	}
}

// Handler 返回暴露本实例指标的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordCall 记录一次弹性调用的结果与耗时。
func (m *Metrics) RecordCall(service, outcome string, durationMs float64) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(service, outcome).Inc()
	m.CallDuration.WithLabelValues(service).Observe(durationMs)
}

// RecordAttempt 记录一次上游尝试。
func (m *Metrics) RecordAttempt(service string, success bool) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(service, boolLabel(success)).Inc()
}

// SetBreakerState 更新熔断器状态。
func (m *Metrics) SetBreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(service).Set(float64(state))
}

// RecordCacheRequest 记录一次缓存查询结果（hit、miss、expired）。
func (m *Metrics) RecordCacheRequest(result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

// RecordCacheWrite 记录一次缓存写入。
func (m *Metrics) RecordCacheWrite(success bool) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(boolLabel(success)).Inc()
}

// RecordCacheError 记录一次缓存 IO 错误。
func (m *Metrics) RecordCacheError(operation string) {
	if m == nil {
		return
	}
	m.CacheErrors.WithLabelValues(operation).Inc()
}

// RecordCheckpointSave 记录一次检查点保存。
func (m *Metrics) RecordCheckpointSave(step string, success bool, durationMs float64) {
	if m == nil {
		return
	}
	m.CheckpointSaves.WithLabelValues(step, boolLabel(success)).Inc()
	m.CheckpointSaveDuration.WithLabelValues(step).Observe(durationMs)
}

// RecordBatchItem 记录一个批处理条目的结果（success、error、panic）。
func (m *Metrics) RecordBatchItem(batch, outcome string) {
	if m == nil {
		return
	}
	m.BatchItems.WithLabelValues(batch, outcome).Inc()
}

// AddBatchInFlight 调整在途批处理条目数。
func (m *Metrics) AddBatchInFlight(batch string, delta float64) {
	if m == nil {
		return
	}
	m.BatchInFlight.WithLabelValues(batch).Add(delta)
}

// AddRowsSkipped 累加跳过的表格行数。
func (m *Metrics) AddRowsSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TableRowsSkipped.Add(float64(n))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
