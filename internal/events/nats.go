package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/sirupsen/logrus"
)

// StreamName 是承载编排事件的 JetStream Stream。
const StreamName = "ORCHESTRATIONS"

// EventBus 封装 NATS/JetStream 连接，实现 Publisher。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	source string
	logger *logrus.Logger
}

// NewEventBus 连接 NATS 并初始化编排事件 Stream。
func NewEventBus(natsURL, source string, logger *logrus.Logger) (*EventBus, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	nc, err := nats.Connect(natsURL,
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

	cfg := &nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"orchestration.>"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour * 7, // 保留 7 天
	}
	if _, err := js.AddStream(cfg); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		// Stream 已存在但配置不同
		if _, err := js.UpdateStream(cfg); err != nil {
			logger.WithError(err).Warn("Failed to update orchestration event stream")
		}
	}

	if source == "" {
		source = "durable-worker"
	}
	return &EventBus{conn: nc, js: js, source: source, logger: logger}, nil
}

// Close 关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	eb.conn.Close()
	return nil
}

// Publish 实现 Publisher，subject 即事件类型。
func (eb *EventBus) Publish(ctx context.Context, eventType string, inst *domain.OrchestrationInstance) error {
	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Source:     eb.source,
		InstanceID: inst.InstanceID,
		Instance:   inst,
		Timestamp:  time.Now(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := eb.js.Publish(eventType, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":     eventType,
		"event_id":    event.ID,
		"instance_id": inst.InstanceID,
	}).Debug("Event published")
	return nil
}

// PublishRaiseEvent 通过消息总线向编排实例投递外部事件。
func (eb *EventBus) PublishRaiseEvent(ctx context.Context, msg *RaiseEventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := eb.js.Publish(RaiseSubjectPrefix+msg.EventName, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish raise event: %w", err)
	}
	return nil
}

// RelayRaiseEvents 订阅 orchestration.raise.> 并把消息交给 raiser。
// 实例不存在或已结束的消息被确认并丢弃，其他失败会 Nak 以便重投。ctx 取消时自动取消订阅。
func (eb *EventBus) RelayRaiseEvents(ctx context.Context, durable string, raiser Raiser) error {
	sub, err := eb.js.Subscribe(RaiseSubjectPrefix+">", func(msg *nats.Msg) {
		var m RaiseEventMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			eb.logger.WithError(err).Error("Failed to unmarshal raise event")
			_ = msg.Term()
			return
		}
		if m.EventName == "" {
			m.EventName = strings.TrimPrefix(msg.Subject, RaiseSubjectPrefix)
		}

		err := raiser.RaiseEvent(ctx, m.InstanceID, m.EventName, m.Data)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrInstanceNotFound), errors.Is(err, domain.ErrInstanceCompleted):
			eb.logger.WithFields(logrus.Fields{
				"instance_id": m.InstanceID,
				"event":       m.EventName,
			}).Warn("Dropping raise event for unavailable instance")
		default:
			eb.logger.WithError(err).WithField("instance_id", m.InstanceID).Error("Failed to raise event")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.Durable(durable), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}
