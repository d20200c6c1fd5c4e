package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/an0mium/chemdata/internal/config"
)

// EventBus 封装 NATS/JetStream 连接，实现 Publisher。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
	logger *logrus.Logger
}

// NewEventBus 连接 NATS 并确保事件流存在。
//
// 参数：
//   - cfg: 事件配置，NatsURL 不能为空
//   - logger: 日志记录器
//
// 返回值：
//   - *EventBus: 事件总线
//   - error: 连接或创建 JetStream 上下文失败时返回
func NewEventBus(cfg config.EventsConfig, logger *logrus.Logger) (*EventBus, error) {
	if cfg.NatsURL == "" {
		return nil, errors.New("nats url is empty")
	}
	nc, err := nats.Connect(cfg.NatsURL,
		nats.Name("chemdata"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// 不存在则创建，存在则尝试更新配置
	stream := &nats.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	}
	if _, err := js.AddStream(stream); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		if _, err := js.UpdateStream(stream); err != nil {
			logger.WithError(err).WithField("stream", cfg.Stream).Warn("Failed to ensure event stream")
		}
	}

	logger.WithFields(logrus.Fields{
		"url":    cfg.NatsURL,
		"stream": cfg.Stream,
	}).Info("Event bus connected")

	return &EventBus{
		conn:   nc,
		js:     js,
		prefix: cfg.SubjectPrefix,
		logger: logger,
	}, nil
}

// Subject 返回事件的发布主题，形如 chemdata.run.completed。
func (eb *EventBus) Subject(event *Event) string {
	return Subject(eb.prefix, event)
}

// Subject 根据前缀和事件类型生成主题。
func Subject(prefix string, event *Event) string {
	return prefix + "." + event.Type
}

// Publish 发布事件。
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := eb.Subject(event)
	if _, err := eb.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(event.ID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":  subject,
		"event_id": event.ID,
		"run_id":   event.RunID,
		"step":     event.Step,
	}).Debug("Event published")
	return nil
}

// Close 关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	eb.conn.Close()
	return nil
}

// Open 根据配置返回事件发布器：未配置 NATS 时返回 Nop。
func Open(cfg config.EventsConfig, logger *logrus.Logger) (Publisher, error) {
	if cfg.NatsURL == "" {
		return Nop{}, nil
	}
	return NewEventBus(cfg, logger)
}
