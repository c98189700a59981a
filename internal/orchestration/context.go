// Package orchestration 实现编排函数的同步执行守卫。
//
// 守卫保证编排函数第一个可观察的动作与调用方同步：编排要么同步执行完毕，
// 要么在第一次挂起之前访问过编排上下文。其他任何挂起（等待无关的 goroutine、
// I/O 或计时器）都会被判定为非确定性的非法等待。
package orchestration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/nimbus-durable/internal/async"
	"github.com/sirupsen/logrus"
)

// OrchestrationContext 是编排函数可用的上下文 API。
// 所有合法的挂起点（活动调用、计时器、外部事件）都通过它创建。
type OrchestrationContext interface {
	// InstanceID 返回编排实例 ID
	InstanceID() string
	// Name 返回编排函数名称
	Name() string
	// IsReplaying 表示当前是否在回放历史
	IsReplaying() bool
	// CurrentTime 返回确定性的当前时间
	CurrentTime() time.Time
	// GetInput 把编排输入解码到 v
	GetInput(v any) error
	// CallActivity 调度一个活动函数，任务结果为活动输出的 json.RawMessage
	CallActivity(name string, input any) *async.Task
	// CreateTimer 创建一个在 d 之后触发的持久计时器
	CreateTimer(d time.Duration) *async.Task
	// WaitForExternalEvent 等待名为 name 的外部事件；timeout 为 0 表示不超时
	WaitForExternalEvent(name string, timeout time.Duration) *async.Task
	// SetCustomStatus 设置编排的自定义状态
	SetCustomStatus(status any)
	// Logger 返回回放安全的日志条目
	Logger() *logrus.Entry
}

// Orchestrator 是编排函数的接口。
// Run 在调用方 goroutine 上执行同步前缀，返回代表最终结果的任务。
type Orchestrator interface {
	Run(ctx OrchestrationContext) *async.Task
}

// OrchestratorFunc 是 Orchestrator 的函数适配器。
type OrchestratorFunc func(ctx OrchestrationContext) *async.Task

// Run 实现 Orchestrator。
func (f OrchestratorFunc) Run(ctx OrchestrationContext) *async.Task {
	return f(ctx)
}

// Sync 把同步函数适配为 Orchestrator；返回的任务总是已完成的。
func Sync(fn func(ctx OrchestrationContext) (any, error)) OrchestratorFunc {
	return func(ctx OrchestrationContext) *async.Task {
		v, err := fn(ctx)
		if err != nil {
			return async.Failed(err)
		}
		return async.Completed(v)
	}
}

// Decode 把任务结果（活动输出、外部事件载荷）解码到 out。
// 支持 json.RawMessage、[]byte 和 string 形式的 JSON。
func Decode(value any, out any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to re-encode task result: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
