package ingest

import "sync"

// SeenCache 是固定容量的去重键缓存，用于在采集端快速跳过已处理邮件。
//
// 容量满时淘汰最旧的键。它只是性能优化，真正的去重裁决
// 由存储层的唯一约束完成。
type SeenCache struct {
	mu       sync.Mutex
	capacity int
	keys     map[string]struct{}
	order    []string
}

// NewSeenCache 创建指定容量的缓存，容量至少为 1。
func NewSeenCache(capacity int) *SeenCache {
	if capacity < 1 {
		capacity = 1
	}
	return &SeenCache{
		capacity: capacity,
		keys:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Contains 检查键是否已存在。
func (c *SeenCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[key]
	return ok
}

// Add 记录一个键，已存在时不做任何事。
func (c *SeenCache) Add(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.keys[key]; ok {
		return
	}

	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.keys, oldest)
	}

	c.keys[key] = struct{}{}
	c.order = append(c.order, key)
}

// Len 返回当前缓存的键数量。
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
