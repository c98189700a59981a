// Package domain 定义了 Durable 函数工作进程的核心领域模型。
package domain

import (
	"encoding/json"
	"time"
)

// EntryPointKind 表示一次调用解析出的 Durable 函数类型。
type EntryPointKind string

// 函数类型常量定义
const (
	// KindOrchestration 表示编排函数
	KindOrchestration EntryPointKind = "orchestration"
	// KindActivity 表示活动函数
	KindActivity EntryPointKind = "activity"
	// KindEntity 表示实体函数
	KindEntity EntryPointKind = "entity"
)

// 触发器绑定类型，与宿主的函数元数据保持一致。
const (
	// OrchestrationTriggerBinding 是编排触发器的绑定类型
	OrchestrationTriggerBinding = "orchestrationTrigger"
	// ActivityTriggerBinding 是活动触发器的绑定类型
	ActivityTriggerBinding = "activityTrigger"
	// EntityTriggerBinding 是实体触发器的绑定类型
	EntityTriggerBinding = "entityTrigger"
)

// KindForBinding 返回绑定类型对应的函数类型。
func KindForBinding(bindingType string) (EntryPointKind, bool) {
	switch bindingType {
	case OrchestrationTriggerBinding:
		return KindOrchestration, true
	case ActivityTriggerBinding:
		return KindActivity, true
	case EntityTriggerBinding:
		return KindEntity, true
	}
	return "", false
}

// BindingType 返回函数类型对应的触发器绑定类型。
func (k EntryPointKind) BindingType() string {
	switch k {
	case KindOrchestration:
		return OrchestrationTriggerBinding
	case KindActivity:
		return ActivityTriggerBinding
	case KindEntity:
		return EntityTriggerBinding
	}
	return ""
}

// InstanceStatus 表示编排实例的运行状态。
type InstanceStatus string

// 实例状态常量定义
const (
	// InstanceStatusPending 表示实例已调度但尚未开始执行
	InstanceStatusPending InstanceStatus = "Pending"
	// InstanceStatusRunning 表示实例正在执行
	InstanceStatusRunning InstanceStatus = "Running"
	// InstanceStatusCompleted 表示实例成功完成
	InstanceStatusCompleted InstanceStatus = "Completed"
	// InstanceStatusFailed 表示实例执行失败
	InstanceStatusFailed InstanceStatus = "Failed"
)

// IsTerminal 表示状态是否为终止状态。
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed
}

// OrchestrationInstance 是任务中心记录的一个编排实例。
type OrchestrationInstance struct {
	// InstanceID 是实例的唯一标识符
	InstanceID string `json:"instanceId"`
	// Name 是编排函数名称
	Name string `json:"name"`
	// Status 是实例当前状态
	Status InstanceStatus `json:"runtimeStatus"`
	// Input 是实例输入（JSON）
	Input json.RawMessage `json:"input,omitempty"`
	// Output 是实例输出（JSON）
	Output json.RawMessage `json:"output,omitempty"`
	// CustomStatus 是编排设置的自定义状态（JSON）
	CustomStatus json.RawMessage `json:"customStatus,omitempty"`
	// Failure 是失败时的错误详情
	Failure *FailureDetail `json:"failureDetails,omitempty"`
	// CreatedAt 是实例创建时间
	CreatedAt time.Time `json:"createdTime"`
	// LastUpdatedAt 是实例最近一次更新时间
	LastUpdatedAt time.Time `json:"lastUpdatedTime"`
}
