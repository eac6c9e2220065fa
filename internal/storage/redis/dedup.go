package redis

import (
	"context"
	"time"
)

// dedupKeyPrefix 去重键的命名空间前缀
const dedupKeyPrefix = "driftmail:dedup:"

// DedupCache 基于 Redis 的跨实例去重缓存。
//
// 这是摄取管线在存储唯一约束之前的一层快速旁路：
// 多实例共享同一上游邮箱时可以在落库前拦截重复邮件。
// 它只是性能辅助，正确性边界始终是存储层的唯一约束。
type DedupCache struct {
	client *Client
	ttl    time.Duration
}

// NewDedupCache 创建去重缓存，ttl 为键的保留时间。
func NewDedupCache(client *Client, ttl time.Duration) *DedupCache {
	return &DedupCache{
		client: client,
		ttl:    ttl,
	}
}

// Seen 原子地记录 dedup key 并返回此前是否已见过。
//
// SETNX 失败（返回 false）表示键已存在，即重复。
// Redis 故障时按"未见过"处理，让存储层唯一约束兜底。
func (c *DedupCache) Seen(ctx context.Context, key string) bool {
	ok, err := c.client.rdb.SetNX(ctx, dedupKeyPrefix+key, 1, c.ttl).Result()
	if err != nil {
		return false
	}
	return !ok
}
