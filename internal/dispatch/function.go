// Package dispatch 把一次宿主调用路由到编排、活动或实体处理器。
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/nimbus-durable/internal/domain"
)

// DirectEntryPoint 是直接注册函数的占位入口点。
// 宿主元数据中入口点为该值的函数由本进程的注册表解析，其他入口点交给下一个中间件。
const DirectEntryPoint = "NimbusDurable.DirectFunctionExecutor"

// Binding 方向
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// BindingMetadata 描述函数声明的一个绑定。
type BindingMetadata struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Direction string `json:"direction"`
}

// FunctionDefinition 是宿主提供的函数元数据。
type FunctionDefinition struct {
	Name       string            `json:"name"`
	EntryPoint string            `json:"entryPoint"`
	Bindings   []BindingMetadata `json:"bindings"`
}

// Trigger 返回唯一的持久触发器绑定及其类型。
// 没有持久触发器或声明了多个持久触发器时 ok 为 false。
func (d FunctionDefinition) Trigger() (BindingMetadata, domain.EntryPointKind, bool) {
	var found BindingMetadata
	var kind domain.EntryPointKind
	count := 0
	for _, b := range d.Bindings {
		if b.Direction != "" && b.Direction != DirectionIn {
			continue
		}
		if k, ok := domain.KindForBinding(b.Type); ok {
			found, kind = b, k
			count++
		}
	}
	if count != 1 {
		return BindingMetadata{}, "", false
	}
	return found, kind, true
}

// durableTriggerCount 返回输入方向上的持久触发器数量。
func (d FunctionDefinition) durableTriggerCount() int {
	n := 0
	for _, b := range d.Bindings {
		if b.Direction != "" && b.Direction != DirectionIn {
			continue
		}
		if _, ok := domain.KindForBinding(b.Type); ok {
			n++
		}
	}
	return n
}

// IsDirect 表示函数是否通过直接注册方式执行。
func (d FunctionDefinition) IsDirect() bool {
	return d.EntryPoint == DirectEntryPoint
}

// DefinitionFor 为 kind 类型的直接注册函数生成宿主元数据。
func DefinitionFor(name string, kind domain.EntryPointKind) FunctionDefinition {
	return FunctionDefinition{
		Name:       name,
		EntryPoint: DirectEntryPoint,
		Bindings: []BindingMetadata{
			{Name: triggerParameter(kind), Type: kind.BindingType(), Direction: DirectionIn},
		},
	}
}

func triggerParameter(kind domain.EntryPointKind) string {
	switch kind {
	case domain.KindOrchestration:
		return "context"
	case domain.KindEntity:
		return "dispatcher"
	}
	return "input"
}

// FunctionContext 是宿主调用上下文，分派器只依赖这些能力。
type FunctionContext interface {
	// Context 返回调用的 context.Context
	Context() context.Context
	// InvocationID 返回调用 ID
	InvocationID() string
	// Definition 返回函数元数据
	Definition() FunctionDefinition
	// BindInput 绑定指定绑定的原始输入
	BindInput(ctx context.Context, binding BindingMetadata) (any, error)
	// SetResult 写入调用结果
	SetResult(result any)
	// Items 返回调用级别的共享数据，供后续中间件读取
	Items() map[string]any
	// TraceContext 返回宿主传入的 W3C traceparent 和 tracestate
	TraceContext() (traceparent, tracestate string)
}

// Invocation 是进程内的 FunctionContext 实现。
// 任务中心、RPC 服务和测试都用它构造调用。
type Invocation struct {
	ctx        context.Context
	id         string
	definition FunctionDefinition
	payload    any

	// TraceParent 和 TraceState 是可选的 W3C 追踪上下文
	TraceParent string
	TraceState  string
	// StartedAt 是调用创建时间
	StartedAt time.Time

	mu     sync.Mutex
	result any
	set    bool
	items  map[string]any
}

// NewInvocation 创建调用；payload 是触发器绑定的原始输入。
func NewInvocation(ctx context.Context, definition FunctionDefinition, payload any) *Invocation {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Invocation{
		ctx:        ctx,
		id:         uuid.New().String(),
		definition: definition,
		payload:    payload,
		StartedAt:  time.Now(),
		items:      make(map[string]any),
	}
}

// Context 实现 FunctionContext。
func (i *Invocation) Context() context.Context { return i.ctx }

// InvocationID 实现 FunctionContext。
func (i *Invocation) InvocationID() string { return i.id }

// Definition 实现 FunctionContext。
func (i *Invocation) Definition() FunctionDefinition { return i.definition }

// BindInput 实现 FunctionContext，只有触发器绑定有输入。
func (i *Invocation) BindInput(ctx context.Context, binding BindingMetadata) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	trigger, _, ok := i.definition.Trigger()
	if !ok || trigger.Name != binding.Name {
		return nil, fmt.Errorf("%w: no input bound for '%s'", domain.ErrInvalidPayload, binding.Name)
	}
	return i.payload, nil
}

// SetResult 实现 FunctionContext。
func (i *Invocation) SetResult(result any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.result, i.set = result, true
}

// Result 返回写入的结果以及是否写入过。
func (i *Invocation) Result() (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.result, i.set
}

// Items 实现 FunctionContext。
func (i *Invocation) Items() map[string]any { return i.items }

// TraceContext 实现 FunctionContext。
func (i *Invocation) TraceContext() (string, string) { return i.TraceParent, i.TraceState }
