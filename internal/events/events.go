// Package events 发布编排实例的生命周期事件，并把外部事件转交给任务中心。
// 启用时基于 NATS JetStream；未配置 NATS 时使用 NopPublisher。
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oriys/nimbus-durable/internal/domain"
)

// 生命周期事件类型，同时作为 NATS subject。
const (
	TypeScheduled = "orchestration.scheduled"
	TypeCompleted = "orchestration.completed"
	TypeFailed    = "orchestration.failed"
)

// RaiseSubjectPrefix 是外部事件的 subject 前缀，完整 subject 为 orchestration.raise.<事件名>。
const RaiseSubjectPrefix = "orchestration.raise."

// Event 表示一条生命周期事件（JSON 格式）。
type Event struct {
	ID         string                        `json:"id"`
	Type       string                        `json:"type"`
	Source     string                        `json:"source"`
	InstanceID string                        `json:"instanceId"`
	Instance   *domain.OrchestrationInstance `json:"instance"`
	Timestamp  time.Time                     `json:"timestamp"`
}

// RaiseEventMessage 是通过消息总线投递给编排实例的外部事件。
type RaiseEventMessage struct {
	InstanceID string          `json:"instanceId"`
	EventName  string          `json:"eventName"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Publisher 发布编排生命周期事件。
type Publisher interface {
	Publish(ctx context.Context, eventType string, inst *domain.OrchestrationInstance) error
	Close() error
}

// Raiser 接收外部事件，由任务中心实现。
type Raiser interface {
	RaiseEvent(ctx context.Context, instanceID, name string, data json.RawMessage) error
}

// TypeForStatus 返回终止状态对应的事件类型。
func TypeForStatus(status domain.InstanceStatus) string {
	if status == domain.InstanceStatusFailed {
		return TypeFailed
	}
	return TypeCompleted
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish 实现 Publisher。
func (NopPublisher) Publish(context.Context, string, *domain.OrchestrationInstance) error { return nil }

// Close 实现 Publisher。
func (NopPublisher) Close() error { return nil }
