// Package batch 提供有界并发的批处理执行器。
// 每个条目恰好产生一个结果：成功值或错误（包括 panic），单个条目失败不会影响其他条目。
package batch

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/an0mium/chemdata/internal/metrics"
	"github.com/an0mium/chemdata/internal/telemetry"
)

// DefaultMaxWorkers 默认并发数
const DefaultMaxWorkers = 4

// maxLoggedFailures 汇总日志中逐条列出的失败条目上限
const maxLoggedFailures = 10

// Func 处理单个条目的函数。
type Func[I, V any] func(ctx context.Context, item I) (V, error)

// Options 批处理参数。
type Options struct {
	// MaxWorkers 最大并发数，<= 0 时使用 DefaultMaxWorkers
	MaxWorkers int
	// Name 批次名称，用于日志和指标标签
	Name    string
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

// ItemError 单个条目的失败结果。
type ItemError[I any] struct {
	Index int
	Item  I
	Err   error
	// Panicked 为 true 表示失败由 panic 引起
	Panicked bool
}

// Error 实现 error 接口。
func (e ItemError[I]) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

// Unwrap 返回底层错误。
func (e ItemError[I]) Unwrap() error {
	return e.Err
}

// Report 批处理汇总结果，Results 与 Errors 均按条目下标排序。
type Report[I, V any] struct {
	Results  []V
	Errors   []ItemError[I]
	Duration time.Duration
}

// Total 返回条目总数。
func (r *Report[I, V]) Total() int {
	return len(r.Results) + len(r.Errors)
}

// PanicError 条目处理函数 panic 时生成的错误。
type PanicError struct {
	Value any
	Stack []byte
}

// Error 实现 error 接口。
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

type workItem[I any] struct {
	index int
	item  I
}

type outcome[V any] struct {
	value    V
	err      error
	panicked bool
}

// worker 从工作队列中取条目执行，直到队列关闭。
type worker[I, V any] struct {
	id     int
	fn     Func[I, V]
	name   string
	logger *logrus.Logger
	m      *metrics.Metrics
	out    []outcome[V]
}

// Run 以最多 MaxWorkers 个工作协程处理 items，所有条目都有结果后返回。
// 不做重试；ctx 取消后尚未开始的条目直接以 ctx.Err() 失败。
//
// 参数：
//   - ctx: 上下文，传递给每次 fn 调用
//   - items: 待处理条目
//   - fn: 处理函数
//   - opts: 批处理参数
//
// 返回值：
//   - *Report: 成功结果与失败条目
func Run[I, V any](ctx context.Context, items []I, fn func(ctx context.Context, item I) (V, error), opts Options) *Report[I, V] {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	name := opts.Name
	if name == "" {
		name = "batch"
	}
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}
	if workers > len(items) {
		workers = len(items)
	}

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "batch.run",
		trace.WithAttributes(
			attribute.String("batch.name", name),
			attribute.Int("batch.items", len(items)),
			attribute.Int("batch.workers", workers),
		),
	)
	defer span.End()

	out := make([]outcome[V], len(items))
	queue := make(chan workItem[I])
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		w := &worker[I, V]{id: i, fn: fn, name: name, logger: logger, m: opts.Metrics, out: out}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx, queue)
		}()
	}
	for i, item := range items {
		queue <- workItem[I]{index: i, item: item}
	}
	close(queue)
	wg.Wait()

	report := &Report[I, V]{Duration: time.Since(start)}
	for i, o := range out {
		if o.err != nil {
			report.Errors = append(report.Errors, ItemError[I]{Index: i, Item: items[i], Err: o.err, Panicked: o.panicked})
			continue
		}
		report.Results = append(report.Results, o.value)
	}

	span.SetAttributes(attribute.Int("batch.failed", len(report.Errors)))
	logSummary(logger, name, report)
	return report
}

func (w *worker[I, V]) run(ctx context.Context, queue <-chan workItem[I]) {
	for item := range queue {
		w.out[item.index] = w.process(ctx, item)
	}
}

// process 执行单个条目，panic 被转换为错误。
func (w *worker[I, V]) process(ctx context.Context, item workItem[I]) (o outcome[V]) {
	if err := ctx.Err(); err != nil {
		w.m.RecordBatchItem(w.name, "canceled")
		return outcome[V]{err: err}
	}

	w.m.AddBatchInFlight(w.name, 1)
	defer w.m.AddBatchInFlight(w.name, -1)

	defer func() {
		if r := recover(); r != nil {
			w.logger.WithFields(logrus.Fields{
				"batch":     w.name,
				"worker_id": w.id,
				"index":     item.index,
				"panic":     r,
			}).Error("Batch item panicked")
			w.m.RecordBatchItem(w.name, "panic")
			o = outcome[V]{err: &PanicError{Value: r, Stack: debug.Stack()}, panicked: true}
		}
	}()

	v, err := w.fn(ctx, item.item)
	if err != nil {
		w.m.RecordBatchItem(w.name, "error")
		w.logger.WithError(err).WithFields(logrus.Fields{
			"batch":     w.name,
			"worker_id": w.id,
			"index":     item.index,
		}).Debug("Batch item failed")
		return outcome[V]{err: err}
	}
	w.m.RecordBatchItem(w.name, "success")
	return outcome[V]{value: v}
}

func logSummary[I, V any](logger *logrus.Logger, name string, r *Report[I, V]) {
	fields := logrus.Fields{
		"batch":       name,
		"total":       r.Total(),
		"succeeded":   len(r.Results),
		"failed":      len(r.Errors),
		"duration_ms": r.Duration.Milliseconds(),
	}
	if len(r.Errors) == 0 {
		logger.WithFields(fields).Info("Batch completed")
		return
	}
	logger.WithFields(fields).Warn("Batch completed with failures")
	for i, e := range r.Errors {
		if i == maxLoggedFailures {
			logger.WithField("batch", name).Warnf("... %d more failures", len(r.Errors)-maxLoggedFailures)
			break
		}
		logger.WithError(e.Err).WithFields(logrus.Fields{
			"batch": name,
			"index": e.Index,
		}).Warn("Batch item failed")
	}
}
