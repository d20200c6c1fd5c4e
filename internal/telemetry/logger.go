// Package telemetry 提供日志与 OpenTelemetry 分布式追踪的封装。
// 本文件负责按配置构造 logrus Logger，并通过 Hook 将追踪上下文（Trace ID、Span ID）
// 注入到日志条目中，便于把一次外部调用的日志与其追踪数据关联起来。
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/an0mium/chemdata/internal/config"
)

// NewLogger 根据日志配置创建 Logger。
// 配置了日志文件时同时输出到标准错误和文件，返回的 closer 用于在退出时关闭文件。
//
// 参数：
//   - cfg: 日志配置（级别、格式、文件）
//
// 返回值：
//   - *logrus.Logger: 已挂载追踪 Hook 的 Logger
//   - io.Closer: 日志文件句柄，未配置文件时为 nopCloser
//   - error: 级别无法解析或文件无法打开时返回错误
func NewLogger(cfg config.LoggingConfig) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.AddHook(NewLogrusHook())

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		logger.SetOutput(os.Stderr)
		return logger, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, f))
	return logger, f, nil
}

// NewDiscardLogger 返回丢弃所有输出的 Logger，供测试和未注入 Logger 的组件使用。
func NewDiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// LogrusHook 是一个 Logrus 钩子，用于自动将追踪上下文添加到日志条目中。
// 只有通过 WithContext 携带了有效 Span 的条目才会被追加字段。
type LogrusHook struct{}

// NewLogrusHook 创建一个新的 LogrusHook 实例。
func NewLogrusHook() *LogrusHook {
	return &LogrusHook{}
}

// Levels 返回该钩子触发的日志级别，覆盖所有级别。
func (h *LogrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 向日志条目添加 trace_id、span_id 和 trace_sampled 字段。
func (h *LogrusHook) Fire(entry *logrus.Entry) error {
	if entry.Context == nil {
		return nil
	}
	spanCtx := trace.SpanFromContext(entry.Context).SpanContext()
	if !spanCtx.IsValid() {
		return nil
	}
	entry.Data["trace_id"] = spanCtx.TraceID().String()
	entry.Data["span_id"] = spanCtx.SpanID().String()
	if spanCtx.IsSampled() {
		entry.Data["trace_sampled"] = true
	}
	return nil
}

// EntryWithTraceContext 向现有日志条目添加追踪上下文字段。
//
// 使用示例：
//
//	entry := logger.WithField("service", "pubchem")
//	entry = telemetry.EntryWithTraceContext(ctx, entry)
//	entry.Warn("Attempt failed")
func EntryWithTraceContext(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return entry
	}
	return entry.WithFields(logrus.Fields{
		"trace_id":      spanCtx.TraceID().String(),
		"span_id":       spanCtx.SpanID().String(),
		"trace_sampled": spanCtx.IsSampled(),
	})
}
