// Package domain 定义了 Durable 函数工作进程的核心领域模型。
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// 领域错误定义
// 这些错误用于在调度器、编排守卫、侧信道监听器和 HTTP 层之间传递分类后的错误。

var (
	// ========== 编排执行相关错误 ==========

	// ErrIllegalAwait 表示编排函数在访问编排上下文之前就发生了挂起
	ErrIllegalAwait = errors.New("illegal await in orchestrator function")
	// ErrOrchestratorPanic 表示编排函数在同步执行阶段发生 panic
	ErrOrchestratorPanic = errors.New("orchestrator panicked")

	// ========== 调度相关错误 ==========

	// ErrUnregisteredFunction 表示没有找到按名称注册的编排、活动或实体
	ErrUnregisteredFunction = errors.New("function is not registered")
	// ErrInvalidPayload 表示触发器输入缺失或类型不正确（要求为字符串）
	ErrInvalidPayload = errors.New("invalid trigger payload")
	// ErrUnsupportedFunction 表示调用不包含任何已知的 Durable 触发器绑定
	ErrUnsupportedFunction = errors.New("unsupported function type")
	// ErrFunctionExists 表示同名函数已经注册
	ErrFunctionExists = errors.New("function already registered")
	// ErrInvalidFunctionName 表示函数名称为空或包含版本分隔符
	ErrInvalidFunctionName = errors.New("invalid function name")

	// ========== 监听器相关错误 ==========

	// ErrPortExhaustion 表示在默认端口和回退范围内都找不到可用端口
	ErrPortExhaustion = errors.New("no available port for local rpc listener")
	// ErrListenerStartup 表示监听器在有限次重试后仍无法绑定端口
	ErrListenerStartup = errors.New("local rpc listener failed to start")
	// ErrListenerNotRunning 表示监听器尚未启动
	ErrListenerNotRunning = errors.New("local rpc listener is not running")
	// ErrListenerAlreadyStarted 表示监听器已经启动过
	ErrListenerAlreadyStarted = errors.New("local rpc listener already started")

	// ========== 实例相关错误 ==========

	// ErrInstanceNotFound 表示请求的编排实例不存在
	ErrInstanceNotFound = errors.New("orchestration instance not found")
	// ErrInstanceExists 表示指定 ID 的实例已经存在且仍在运行
	ErrInstanceExists = errors.New("orchestration instance already exists")
	// ErrInstanceNotCompleted 表示实例尚未结束，不能清理
	ErrInstanceNotCompleted = errors.New("orchestration instance is not completed")
	// ErrInstanceCompleted 表示实例已经结束，不再接收外部事件
	ErrInstanceCompleted = errors.New("orchestration instance already completed")
	// ErrQueueFull 表示任务中心的执行队列已满
	ErrQueueFull = errors.New("task hub queue is full")
	// ErrEventSourceClosed 表示外部事件源已经关闭
	ErrEventSourceClosed = errors.New("external event source closed")
)

// illegalAwaitMessage 是面向编排作者的完整提示，解释确定性要求。
const illegalAwaitMessage = "the orchestrator function %q suspended before it used its orchestration context. " +
	"Orchestrator functions must be deterministic: they must either run to completion synchronously, " +
	"or touch the orchestration context (CallActivity, CreateTimer, WaitForExternalEvent, InstanceID, ...) " +
	"before their first suspension. Do not await unrelated goroutines, I/O or timers that are not created " +
	"through the orchestration context; move such work into an activity function"

// IllegalAwaitError 表示编排函数在首次挂起前没有访问编排上下文。
// 这是作者的编码错误，而不是业务失败，因此始终直接返回给调用方且不会重试。
type IllegalAwaitError struct {
	// FunctionName 是违反约束的编排函数名称
	FunctionName string
}

// Error 返回解释确定性要求的错误信息。
func (e *IllegalAwaitError) Error() string {
	return fmt.Sprintf(illegalAwaitMessage, e.FunctionName)
}

// Unwrap 使 errors.Is(err, ErrIllegalAwait) 成立。
func (e *IllegalAwaitError) Unwrap() error {
	return ErrIllegalAwait
}

// NewIllegalAwaitError 为指定的编排函数创建 IllegalAwaitError。
func NewIllegalAwaitError(functionName string) *IllegalAwaitError {
	return &IllegalAwaitError{FunctionName: functionName}
}

// ListenerStartupError 记录监听器启动失败时尝试过的所有端口。
type ListenerStartupError struct {
	// Attempts 是尝试绑定的次数
	Attempts int
	// Ports 是按顺序尝试过的端口
	Ports []int
	// Err 是最后一次绑定失败的原因
	Err error
}

func (e *ListenerStartupError) Error() string {
	ports := make([]string, 0, len(e.Ports))
	for _, p := range e.Ports {
		ports = append(ports, fmt.Sprint(p))
	}
	msg := fmt.Sprintf("%s after %d attempts (ports tried: %s)", ErrListenerStartup, e.Attempts, strings.Join(ports, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is 使 errors.Is(err, ErrListenerStartup) 成立。
func (e *ListenerStartupError) Is(target error) bool {
	return target == ErrListenerStartup
}

// Unwrap 返回最后一次绑定失败的原因。
func (e *ListenerStartupError) Unwrap() error {
	return e.Err
}
