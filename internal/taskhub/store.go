// Package taskhub 调度、执行并跟踪编排实例。
//
// 任务中心按名称调度编排，由固定数量的 worker 通过分派器执行，
// 实例状态保存在 InstanceStore 中（内存或 Redis）。
package taskhub

import (
	"context"
	"sort"
	"sync"

	"github.com/oriys/nimbus-durable/internal/domain"
)

// InstanceStore 是编排实例的持久化接口。
type InstanceStore interface {
	// Create 保存新实例；同 ID 的实例仍未结束时返回 domain.ErrInstanceExists，已结束的实例会被覆盖
	Create(ctx context.Context, inst *domain.OrchestrationInstance) error
	// Save 覆盖保存实例
	Save(ctx context.Context, inst *domain.OrchestrationInstance) error
	// Get 返回实例，不存在时返回 domain.ErrInstanceNotFound
	Get(ctx context.Context, instanceID string) (*domain.OrchestrationInstance, error)
	// Delete 删除实例，不存在时返回 domain.ErrInstanceNotFound
	Delete(ctx context.Context, instanceID string) error
	// List 按创建时间返回所有实例
	List(ctx context.Context) ([]*domain.OrchestrationInstance, error)
}

// MemoryStore 是进程内的 InstanceStore。
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*domain.OrchestrationInstance
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*domain.OrchestrationInstance)}
}

// Create 实现 InstanceStore。
func (s *MemoryStore) Create(_ context.Context, inst *domain.OrchestrationInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instances[inst.InstanceID]; ok && !existing.Status.IsTerminal() {
		return domain.ErrInstanceExists
	}
	s.instances[inst.InstanceID] = clone(inst)
	return nil
}

// Save 实现 InstanceStore。
func (s *MemoryStore) Save(_ context.Context, inst *domain.OrchestrationInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.InstanceID] = clone(inst)
	return nil
}

// Get 实现 InstanceStore。
func (s *MemoryStore) Get(_ context.Context, instanceID string) (*domain.OrchestrationInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	return clone(inst), nil
}

// Delete 实现 InstanceStore。
func (s *MemoryStore) Delete(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instanceID]; !ok {
		return domain.ErrInstanceNotFound
	}
	delete(s.instances, instanceID)
	return nil
}

// List 实现 InstanceStore。
func (s *MemoryStore) List(_ context.Context) ([]*domain.OrchestrationInstance, error) {
	s.mu.RLock()
	out := make([]*domain.OrchestrationInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, clone(inst))
	}
	s.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

// clone 复制实例，调用方修改返回值不影响存储。
func clone(inst *domain.OrchestrationInstance) *domain.OrchestrationInstance {
	c := *inst
	return &c
}

func sortByCreated(list []*domain.OrchestrationInstance) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].InstanceID < list[j].InstanceID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
