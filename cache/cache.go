// Package cache 提供带 LRU 驱逐和 TTL 过期的泛型缓存。
//
// 用于只读或不可变数据的进程内缓存（例如已终态的 Saga 状态）。
// 并发安全。
package cache

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCapacity 默认容量
const DefaultCapacity = 1024

// Config 缓存配置
type Config struct {
	// Capacity 最大条目数（<=0 表示 1024）
	Capacity int

	// TTL 条目存活时间（0 表示不过期）
	TTL time.Duration
}

// Stats 缓存统计
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type entry[K comparable, V any] struct {
	key      K
	value    V
	expireAt time.Time
}

// Cache 泛型 LRU 缓存
type Cache[K comparable, V any] struct {
	mutex    sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // 最近使用的在队首
	items    map[K]*list.Element

	hits      int64
	misses    int64
	evictions int64
}

// New 创建缓存
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Cache[K, V]{
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		order:    list.New(),
		items:    make(map[K]*list.Element),
	}
}

// Get 读取条目（过期条目按未命中处理并被删除）
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}

	ent := elem.Value.(*entry[K, V])
	if !ent.expireAt.IsZero() && time.Now().After(ent.expireAt) {
		c.removeElement(elem)
		c.misses++
		var zero V
		return zero, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return ent.value, true
}

// Set 写入条目（容量满时驱逐最久未使用的）
func (c *Cache[K, V]) Set(key K, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var expireAt time.Time
	if c.ttl > 0 {
		expireAt = time.Now().Add(c.ttl)
	}

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry[K, V])
		ent.value = value
		ent.expireAt = expireAt
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&entry[K, V]{key: key, value: value, expireAt: expireAt})
	c.items[key] = elem

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.removeElement(oldest)
			c.evictions++
		}
	}
}

// Delete 删除条目
func (c *Cache[K, V]) Delete(key K) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Len 当前条目数
func (c *Cache[K, V]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.order.Len()
}

// Clear 清空缓存（统计保留）
func (c *Cache[K, V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.order.Init()
	c.items = make(map[K]*list.Element)
}

// GetStats 返回统计快照
func (c *Cache[K, V]) GetStats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
	}
}

func (c *Cache[K, V]) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry[K, V])
	delete(c.items, ent.key)
	c.order.Remove(elem)
}
