package saga

import (
	"context"
	"time"

	"sagakit/cache"
)

// CachedStateStore 带终态缓存的状态存储装饰器
//
// 只缓存 completed/failed 的状态：终态记录不再变化，可以安全地在
// 进程内缓存，减轻监控和审计类读取对底层存储的压力。运行中的
// 状态永不缓存（可能被其他写入者更新）。
//
// 读写都返回克隆，调用方修改返回值不会污染缓存。
type CachedStateStore struct {
	store ISagaStateStore
	cache *cache.Cache[string, *SagaState]
}

// CachedStoreConfig 缓存装饰器配置
type CachedStoreConfig struct {
	// Capacity 最大缓存条目数（<=0 表示 1024）
	Capacity int

	// TTL 缓存条目存活时间（0 表示不过期）
	TTL time.Duration
}

// NewCachedStateStore 创建带终态缓存的状态存储
//
// 参数：
//   - store: 底层存储
//   - cfg: 缓存配置
//
// 返回：
//   - *CachedStateStore: 装饰后的存储
func NewCachedStateStore(store ISagaStateStore, cfg CachedStoreConfig) *CachedStateStore {
	return &CachedStateStore{
		store: store,
		cache: cache.New[string, *SagaState](cache.Config{
			Capacity: cfg.Capacity,
			TTL:      cfg.TTL,
		}),
	}
}

// Save 透传写入，终态进入缓存，非终态使旧条目失效
func (c *CachedStateStore) Save(ctx context.Context, state *SagaState) error {
	if err := c.store.Save(ctx, state); err != nil {
		return err
	}
	if state.IsTerminal() {
		c.cache.Set(state.SagaID, state.Clone())
	} else {
		c.cache.Delete(state.SagaID)
	}
	return nil
}

// Load 优先读缓存，未命中时穿透到底层并按终态回填
func (c *CachedStateStore) Load(ctx context.Context, sagaID string) (*SagaState, error) {
	if cached, ok := c.cache.Get(sagaID); ok {
		return cached.Clone(), nil
	}

	state, err := c.store.Load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if state.IsTerminal() {
		c.cache.Set(state.SagaID, state.Clone())
	}
	return state, nil
}

// FindByStatus 始终穿透到底层存储（集合查询不缓存）
func (c *CachedStateStore) FindByStatus(ctx context.Context, status SagaStatus) ([]*SagaState, error) {
	return c.store.FindByStatus(ctx, status)
}

// Delete 透传删除并使缓存条目失效
func (c *CachedStateStore) Delete(ctx context.Context, sagaID string) error {
	c.cache.Delete(sagaID)
	return c.store.Delete(ctx, sagaID)
}

// CacheStats 返回缓存统计
func (c *CachedStateStore) CacheStats() cache.Stats {
	return c.cache.GetStats()
}

var _ ISagaStateStore = (*CachedStateStore)(nil)
