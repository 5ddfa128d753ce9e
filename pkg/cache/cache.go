package cache

import (
	"sync"
	"time"
)

// InMemoryCache 带 TTL 的内存缓存
//
// Tracker 用它保存已终结订单：迟到的状态/成交更新先在这里找，
// 找不到才按 unknown-order 处理。
type InMemoryCache[K comparable, V any] struct {
	items      map[K]*cacheItem[V]
	mu         sync.RWMutex
	defaultTTL time.Duration
	maxSize    int
}

type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
	addedAt   time.Time
}

// NewInMemoryCache 创建新的内存缓存
// maxSize <= 0 表示不限制条目数
func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration, maxSize int) *InMemoryCache[K, V] {
	c := &InMemoryCache[K, V]{
		items:      make(map[K]*cacheItem[V]),
		defaultTTL: defaultTTL,
		maxSize:    maxSize,
	}
	go c.startCleanup()
	return c
}

// Get 获取缓存值
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists || time.Now().After(item.expiresAt) {
		var zero V
		return zero, false
	}
	return item.value, true
}

// Set 设置缓存值（ttl 为 0 使用默认 TTL）
// 超出 maxSize 时淘汰最旧条目
func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()

	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		if _, exists := c.items[key]; !exists {
			c.evictOldestLocked()
		}
	}

	c.items[key] = &cacheItem[V]{
		value:     value,
		expiresAt: now.Add(ttl),
		addedAt:   now,
	}
}

// Delete 删除缓存项
func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Size 获取缓存大小
func (c *InMemoryCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys 返回当前未过期的 key 列表
func (c *InMemoryCache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	keys := make([]K, 0, len(c.items))
	for k, item := range c.items {
		if now.Before(item.expiresAt) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *InMemoryCache[K, V]) evictOldestLocked() {
	var oldestKey K
	var oldestAt time.Time
	first := true
	for k, item := range c.items {
		if first || item.addedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = item.addedAt
			first = false
		}
	}
	if !first {
		delete(c.items, oldestKey)
	}
}

func (c *InMemoryCache[K, V]) startCleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.cleanup()
	}
}

func (c *InMemoryCache[K, V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}
