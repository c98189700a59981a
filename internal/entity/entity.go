// Package entity 定义持久实体的编程模型。
// 实体是通过命名操作调用的有状态对象，状态在每个操作批次之间持久化。
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoState 表示实体当前没有状态。
var ErrNoState = errors.New("entity has no state")

// OperationContext 是单个实体操作可见的上下文。
type OperationContext interface {
	// EntityID 返回实体实例 ID（形如 "@counter@key"）
	EntityID() string
	// Operation 返回操作名称
	Operation() string
	// GetInput 把操作输入解码到 v
	GetInput(v any) error
	// HasState 表示实体当前是否有状态
	HasState() bool
	// GetState 把当前状态解码到 v；无状态时返回 ErrNoState
	GetState(v any) error
	// SetState 替换实体状态
	SetState(v any) error
	// DeleteState 删除实体状态
	DeleteState()
}

// Entity 是实体函数的接口。
type Entity interface {
	Execute(ctx OperationContext) (any, error)
}

// Func 是 Entity 的函数适配器。
type Func func(ctx OperationContext) (any, error)

// Execute 实现 Entity。
func (f Func) Execute(ctx OperationContext) (any, error) {
	return f(ctx)
}

// Operation 是批次中的一个操作请求。
type Operation struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// State 是实体状态的可变容器，供 OperationContext 实现使用。
type State struct {
	raw json.RawMessage
	set bool
}

// NewState 用已有的 JSON 状态创建容器；raw 为空表示无状态。
func NewState(raw json.RawMessage) *State {
	if len(raw) == 0 || string(raw) == "null" {
		return &State{}
	}
	return &State{raw: append(json.RawMessage(nil), raw...), set: true}
}

// Raw 返回当前状态的 JSON；无状态时返回 nil。
func (s *State) Raw() json.RawMessage {
	if !s.set {
		return nil
	}
	return s.raw
}

// Snapshot 返回状态快照，用于失败操作的回滚。
func (s *State) Snapshot() *State {
	return &State{raw: append(json.RawMessage(nil), s.raw...), set: s.set}
}

// Restore 恢复到快照。
func (s *State) Restore(snap *State) {
	s.raw, s.set = snap.raw, snap.set
}

// Has 表示是否有状态。
func (s *State) Has() bool {
	return s.set
}

// Get 解码状态。
func (s *State) Get(v any) error {
	if !s.set {
		return ErrNoState
	}
	return json.Unmarshal(s.raw, v)
}

// Set 编码并替换状态。
func (s *State) Set(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode entity state: %w", err)
	}
	s.raw, s.set = raw, true
	return nil
}

// Delete 清除状态。
func (s *State) Delete() {
	s.raw, s.set = nil, false
}
