package engine

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize 是未指定容量时的缓存大小。
const DefaultCacheSize = 1024

// Cache 缓存已完成实例的引擎输出，重复分派时直接返回。
type Cache interface {
	Get(instanceID string) (string, bool)
	Put(instanceID, output string)
	Forget(instanceID string)
}

// MemoryCache 是有容量上限的 LRU Cache，可并发使用。
type MemoryCache struct {
	items *lru.Cache[string, string]
}

// NewMemoryCache 创建容量为 capacity 的缓存；capacity <= 0 时使用 DefaultCacheSize。
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	// 容量为正时 lru.New 不会返回错误
	items, _ := lru.New[string, string](capacity)
	return &MemoryCache{items: items}
}

// Get 返回缓存的输出。
func (c *MemoryCache) Get(instanceID string) (string, bool) {
	return c.items.Get(instanceID)
}

// Put 写入输出，超出容量时淘汰最久未使用的条目。
func (c *MemoryCache) Put(instanceID, output string) {
	c.items.Add(instanceID, output)
}

// Forget 删除条目。
func (c *MemoryCache) Forget(instanceID string) {
	c.items.Remove(instanceID)
}

// Len 返回当前条目数。
func (c *MemoryCache) Len() int {
	return c.items.Len()
}
