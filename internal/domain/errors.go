// Package domain 定义了化合物数据采集管道的核心领域模型与错误分类。
package domain

import (
	"errors"
	"fmt"
)

// 领域错误定义
// 这些错误用于在弹性调用层、缓存、检查点和批处理之间传递可分类的失败信息。

var (
	// ========== 外部调用相关错误 ==========

	// ErrCircuitOpen 表示服务的熔断器处于打开状态，调用被拒绝且未发起任何尝试
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrRetriesExhausted 表示所有尝试均失败，错误链中包含最后一次失败原因
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrUpstreamStatus 表示外部服务返回了非 2xx 状态码
	ErrUpstreamStatus = errors.New("unexpected upstream status")

	// ========== 存储相关错误 ==========

	// ErrCacheIO 表示缓存读写失败；缓存层只记录该错误并按未命中处理
	ErrCacheIO = errors.New("cache io error")
	// ErrCheckpointIO 表示检查点读写失败；该错误总是返回给调用方
	ErrCheckpointIO = errors.New("checkpoint io error")
	// ErrCheckpointCorrupt 表示检查点清单或数据文件无法解析
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
	// ErrUnsupportedVersion 表示持久化文件的格式版本不受支持
	ErrUnsupportedVersion = errors.New("unsupported format version")

	// ========== 数据校验相关错误 ==========

	// ErrValidation 表示单条记录校验失败，调用方应跳过该记录并上报
	ErrValidation = errors.New("validation error")
	// ErrInvalidCAS 表示 CAS 登记号格式或校验位错误
	ErrInvalidCAS = errors.New("invalid cas number")
	// ErrInvalidStepName 表示检查点步骤名称包含非法字符
	ErrInvalidStepName = errors.New("invalid step name")
	// ErrMissingColumn 表示表格文件缺少请求的列
	ErrMissingColumn = errors.New("missing column")
)

// ErrorKind 错误类别，对应调用结果中的失败分支。
type ErrorKind int

const (
	// KindUnknown 未分类错误
	KindUnknown ErrorKind = iota
	// KindCircuitOpen 熔断器拒绝调用
	KindCircuitOpen
	// KindRetriesExhausted 重试耗尽
	KindRetriesExhausted
	// KindCacheIO 缓存读写失败
	KindCacheIO
	// KindCheckpointIO 检查点读写失败
	KindCheckpointIO
	// KindValidation 记录校验失败
	KindValidation
)

// String 返回错误类别的文本表示，用于日志和指标标签。
func (k ErrorKind) String() string {
	switch k {
	case KindCircuitOpen:
		return "circuit_open"
	case KindRetriesExhausted:
		return "retries_exhausted"
	case KindCacheIO:
		return "cache_io"
	case KindCheckpointIO:
		return "checkpoint_io"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// sentinel 返回与类别对应的哨兵错误。
func (k ErrorKind) sentinel() error {
	switch k {
	case KindCircuitOpen:
		return ErrCircuitOpen
	case KindRetriesExhausted:
		return ErrRetriesExhausted
	case KindCacheIO:
		return ErrCacheIO
	case KindCheckpointIO:
		return ErrCheckpointIO
	case KindValidation:
		return ErrValidation
	default:
		return nil
	}
}

// CallError 弹性调用的失败结果。
// errors.Is 可按类别匹配对应的哨兵错误，errors.Unwrap 返回最后一次底层失败。
type CallError struct {
	// Kind 失败类别
	Kind ErrorKind
	// Service 目标服务名称
	Service string
	// Attempts 实际发起的尝试次数，熔断拒绝时为 0
	Attempts int
	// Err 最后一次底层错误，熔断拒绝时为 nil
	Err error
}

// Error 实现 error 接口。
func (e *CallError) Error() string {
	switch {
	case e.Kind == KindCircuitOpen:
		return fmt.Sprintf("%s: %s", e.Service, ErrCircuitOpen)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s after %d attempts: %v", e.Service, e.Kind.sentinelText(), e.Attempts, e.Err)
	default:
		return fmt.Sprintf("%s: %s after %d attempts", e.Service, e.Kind.sentinelText(), e.Attempts)
	}
}

func (k ErrorKind) sentinelText() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return k.String()
}

// Unwrap 返回底层错误。
func (e *CallError) Unwrap() error {
	return e.Err
}

// Is 支持 errors.Is(err, ErrCircuitOpen) 这类按类别的匹配。
func (e *CallError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf 返回错误链中第一个 CallError 的类别；
// 对于直接包装哨兵错误的普通错误，也会给出对应类别。
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrRetriesExhausted):
		return KindRetriesExhausted
	case errors.Is(err, ErrCacheIO):
		return KindCacheIO
	case errors.Is(err, ErrCheckpointIO):
		return KindCheckpointIO
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindUnknown
	}
}

// ValidationError 描述单条记录的校验失败原因。
type ValidationError struct {
	// Field 出错的字段名
	Field string
	// Reason 失败原因
	Reason string
}

// Error 实现 error 接口。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

// Is 使 errors.Is(err, ErrValidation) 成立。
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
