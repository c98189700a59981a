package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/entity"
	"github.com/oriys/nimbus-durable/internal/orchestration"
)

// Activity 是活动函数的接口。input 是触发器绑定的原始 JSON。
type Activity interface {
	Execute(ctx context.Context, input string) (any, error)
}

// ActivityFunc 是 Activity 的函数适配器。
type ActivityFunc func(ctx context.Context, input string) (any, error)

// Execute 实现 Activity。
func (f ActivityFunc) Execute(ctx context.Context, input string) (any, error) {
	return f(ctx, input)
}

// OrchestratorFactory 为每次执行创建一个编排实例。
type OrchestratorFactory func() orchestration.Orchestrator

// EntityFactory 为每个批次创建一个实体实例。
type EntityFactory func() entity.Entity

// FunctionInfo 是注册函数的元数据。
type FunctionInfo struct {
	Name    string                `json:"name"`
	Version *string               `json:"version,omitempty"`
	Kind    domain.EntryPointKind `json:"kind"`
}

// Registry 保存直接注册的编排、活动和实体。
// 带版本的函数以 CombineNameVersion 组合后的名称注册。
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]OrchestratorFactory
	activities    map[string]Activity
	entities      map[string]EntityFactory
	// names 记录所有已注册名称的小写形式，保证不同类型之间名称不区分大小写地唯一
	names map[string]struct{}
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{
		orchestrators: make(map[string]OrchestratorFactory),
		activities:    make(map[string]Activity),
		entities:      make(map[string]EntityFactory),
		names:         make(map[string]struct{}),
	}
}

// AddOrchestrator 注册编排。
func (r *Registry) AddOrchestrator(name string, factory OrchestratorFactory) error {
	return r.AddOrchestratorVersion(name, nil, factory)
}

// AddOrchestratorVersion 注册带版本的编排；version 为 nil 等同于 AddOrchestrator。
func (r *Registry) AddOrchestratorVersion(name string, version *string, factory OrchestratorFactory) error {
	if err := domain.ValidateFunctionName(name); err != nil {
		return fmt.Errorf("%w: '%s'", err, name)
	}
	key := domain.CombineNameVersion(name, version)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(key) {
		return fmt.Errorf("%w: %s", domain.ErrFunctionExists, key)
	}
	r.orchestrators[key] = factory
	r.claim(key)
	return nil
}

// AddActivity 注册活动。
func (r *Registry) AddActivity(name string, activity Activity) error {
	if err := domain.ValidateFunctionName(name); err != nil {
		return fmt.Errorf("%w: '%s'", err, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(name) {
		return fmt.Errorf("%w: %s", domain.ErrFunctionExists, name)
	}
	r.activities[name] = activity
	r.claim(name)
	return nil
}

// AddEntity 注册实体。实体名称不区分大小写，统一以小写存储。
func (r *Registry) AddEntity(name string, factory EntityFactory) error {
	if err := domain.ValidateFunctionName(name); err != nil {
		return fmt.Errorf("%w: '%s'", err, name)
	}
	key := entityKey(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(key) {
		return fmt.Errorf("%w: %s", domain.ErrFunctionExists, key)
	}
	r.entities[key] = factory
	r.claim(key)
	return nil
}

func (r *Registry) exists(name string) bool {
	_, ok := r.names[strings.ToLower(name)]
	return ok
}

func (r *Registry) claim(name string) {
	r.names[strings.ToLower(name)] = struct{}{}
}

// Orchestrator 为 name 创建一个新的编排实例。
func (r *Registry) Orchestrator(name string) (orchestration.Orchestrator, error) {
	r.mu.RLock()
	factory, ok := r.orchestrators[name]
	r.mu.RUnlock()
	if !ok || factory == nil {
		return nil, fmt.Errorf("%w: orchestrator '%s'", domain.ErrUnregisteredFunction, name)
	}
	return factory(), nil
}

// Activity 返回 name 对应的活动。
func (r *Registry) Activity(name string) (Activity, error) {
	r.mu.RLock()
	activity, ok := r.activities[name]
	r.mu.RUnlock()
	if !ok || activity == nil {
		return nil, fmt.Errorf("%w: activity '%s'", domain.ErrUnregisteredFunction, name)
	}
	return activity, nil
}

// Entity 为 name 创建一个新的实体实例。
func (r *Registry) Entity(name string) (entity.Entity, error) {
	r.mu.RLock()
	factory, ok := r.entities[entityKey(name)]
	r.mu.RUnlock()
	if !ok || factory == nil {
		return nil, fmt.Errorf("%w: entity '%s'", domain.ErrUnregisteredFunction, name)
	}
	return factory(), nil
}

// HasEntity 表示实体是否直接注册。
func (r *Registry) HasEntity(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entities[entityKey(name)]
	return ok
}

// Functions 按名称排序返回所有注册函数。
func (r *Registry) Functions() []FunctionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]FunctionInfo, 0, len(r.orchestrators)+len(r.activities)+len(r.entities))
	for key := range r.orchestrators {
		name, version := domain.ParseNameVersion(key)
		infos = append(infos, FunctionInfo{Name: name, Version: version, Kind: domain.KindOrchestration})
	}
	for name := range r.activities {
		infos = append(infos, FunctionInfo{Name: name, Kind: domain.KindActivity})
	}
	for name := range r.entities {
		infos = append(infos, FunctionInfo{Name: name, Kind: domain.KindEntity})
	}
	sort.Slice(infos, func(i, j int) bool {
		ki := domain.CombineNameVersion(infos[i].Name, infos[i].Version)
		kj := domain.CombineNameVersion(infos[j].Name, infos[j].Version)
		return ki < kj
	})
	return infos
}

// Definitions 为所有注册函数生成宿主元数据。
func (r *Registry) Definitions() []FunctionDefinition {
	infos := r.Functions()
	defs := make([]FunctionDefinition, 0, len(infos))
	for _, info := range infos {
		defs = append(defs, DefinitionFor(domain.CombineNameVersion(info.Name, info.Version), info.Kind))
	}
	return defs
}

// Definition 返回注册函数的宿主元数据。
func (r *Registry) Definition(name string) (FunctionDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.orchestrators[name]; ok {
		return DefinitionFor(name, domain.KindOrchestration), true
	}
	if _, ok := r.activities[name]; ok {
		return DefinitionFor(name, domain.KindActivity), true
	}
	if _, ok := r.entities[entityKey(name)]; ok {
		return DefinitionFor(entityKey(name), domain.KindEntity), true
	}
	return FunctionDefinition{}, false
}

func entityKey(name string) string {
	return strings.ToLower(name)
}
