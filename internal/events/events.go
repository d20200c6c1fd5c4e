// Package events 发布管道进度事件。
// 事件通过 NATS JetStream 持久化，供外部系统订阅步骤完成与运行结束通知；未配置 NATS 时使用 Nop。
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// 事件类型
const (
	TypeRunStarted    = "run.started"
	TypeStepCompleted = "step.completed"
	TypeStepSkipped   = "step.skipped"
	TypeRunCompleted  = "run.completed"
	TypeRunFailed     = "run.failed"
)

// Event 管道事件（JSON 格式）。
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent 创建事件，data 会被序列化为 JSON。
func NewEvent(eventType, runID, step string, data any) *Event {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		RunID:     runID,
		Step:      step,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher 事件发布接口。
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// Nop 丢弃所有事件。
type Nop struct{}

// Publish 实现 Publisher。
func (Nop) Publish(context.Context, *Event) error { return nil }

// Close 实现 Publisher。
func (Nop) Close() error { return nil }
