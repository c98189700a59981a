// Package engine 定义与外部编排引擎之间的边界。
//
// 回放执行器和历史存储属于外部引擎；本包只声明 Runner 接口，
// 并提供一个单次执行、不回放的 LocalRunner，用于本地运行与测试。
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/entity"
	"github.com/oriys/nimbus-durable/internal/orchestration"
	"github.com/sirupsen/logrus"
)

// Runner 是引擎回放执行器的两个不透明调用。
type Runner interface {
	// RunOrchestration 用编码的历史状态运行（已包装的）编排，返回引擎的输出字符串
	RunOrchestration(ctx context.Context, encodedState string, orchestrator orchestration.Orchestrator, cache Cache, services *Services) (string, error)
	// RunEntityBatch 对实体执行一个操作批次，返回批次结果字符串
	RunEntityBatch(ctx context.Context, encodedBatch string, e entity.Entity, services *Services) (string, error)
}

// ActivityInvoker 供引擎调用活动函数。
// 返回的错误应为 *domain.SerializationFailure，以便携带完整的失败详情。
type ActivityInvoker interface {
	InvokeActivity(ctx context.Context, name, instanceID, input string) (string, error)
}

// EventSource 提供发送到编排实例的外部事件。
type EventSource interface {
	WaitForEvent(ctx context.Context, instanceID, name string) (json.RawMessage, error)
}

// Services 是引擎执行期间可用的工作进程服务。
type Services struct {
	// Activities 用于执行活动调用
	Activities ActivityInvoker
	// Events 用于等待外部事件
	Events EventSource
	// Logger 是引擎使用的日志记录器
	Logger *logrus.Logger
}

func (s *Services) logger() *logrus.Logger {
	if s == nil || s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

// TaskFailedError 表示编排调度的任务（活动）失败，携带远端的失败详情。
type TaskFailedError struct {
	// TaskName 是失败任务的名称
	TaskName string
	// Detail 是远端传回的失败详情
	Detail *domain.FailureDetail
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task '%s' failed: %s", e.TaskName, e.Detail.String())
}
