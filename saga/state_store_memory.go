package saga

import (
	"context"
	"sync"
)

// MemoryStateStore 内存 Saga 状态存储
//
// 不持久化，进程重启后数据丢失（即无崩溃恢复能力）。
// 仅用于单进程部署、开发和测试环境。
type MemoryStateStore struct {
	states map[string]*SagaState
	mutex  sync.RWMutex
}

// NewMemoryStateStore 创建内存状态存储
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states: make(map[string]*SagaState),
	}
}

// Save 保存状态（UPSERT）
func (s *MemoryStateStore) Save(ctx context.Context, state *SagaState) error {
	if state == nil || state.SagaID == "" {
		return ErrSagaInvalidState
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.states[state.SagaID] = state.Clone()
	return nil
}

// Load 加载状态
func (s *MemoryStateStore) Load(ctx context.Context, sagaID string) (*SagaState, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	state, exists := s.states[sagaID]
	if !exists {
		return nil, ErrSagaNotFound
	}

	return state.Clone(), nil
}

// FindByStatus 按状态查询
func (s *MemoryStateStore) FindByStatus(ctx context.Context, status SagaStatus) ([]*SagaState, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*SagaState
	for _, state := range s.states {
		if status == "" || state.Status == status {
			result = append(result, state.Clone())
		}
	}

	return result, nil
}

// Delete 删除状态
func (s *MemoryStateStore) Delete(ctx context.Context, sagaID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.states, sagaID)
	return nil
}

// Clear 清空所有状态（测试用）
func (s *MemoryStateStore) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.states = make(map[string]*SagaState)
}

// Count 返回状态数量（测试用）
func (s *MemoryStateStore) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.states)
}

// Ensure MemoryStateStore implements ISagaStateStore
var _ ISagaStateStore = (*MemoryStateStore)(nil)
