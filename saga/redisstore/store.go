// Package redisstore 提供基于 Redis 的 Saga 状态存储。
//
// 每个实例的状态序列化为 JSON 存入单个 key，另以 Set 维护按状态的
// 二级索引供恢复查询。适合需要跨进程共享状态但不要求 SQL 查询
// 能力的部署。
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sagakit/saga"
)

// DefaultKeyPrefix 默认 key 前缀
const DefaultKeyPrefix = "saga:"

// 全部合法状态，维护二级索引时用于清理旧成员
var allStatuses = []saga.SagaStatus{
	saga.SagaStatusRunning,
	saga.SagaStatusCompensating,
	saga.SagaStatusCompleted,
	saga.SagaStatusFailed,
}

// client 收窄存储依赖的 go-redis 命令子集，便于测试替换
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Close() error
}

// Config Redis 存储配置
type Config struct {
	// Client 已有的 redis 客户端（优先使用；nil 时按 Addr 自建）
	Client redis.UniversalClient

	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix key 前缀（空值默认 "saga:"）
	KeyPrefix string

	// TTL 终态实例的过期时间（0 表示不过期）
	//
	// 仅对 completed/failed 状态生效，运行中的实例永不过期。
	TTL time.Duration
}

// Store Redis Saga 状态存储
type Store struct {
	cfg       Config
	client    client
	ownClient bool
}

// NewStore 创建 Redis 状态存储
//
// 参数：
//   - cfg: 配置（Client 为 nil 时按 Addr 创建独立客户端）
//
// 返回：
//   - *Store: 存储实例
//   - error: 客户端未配置错误
func NewStore(cfg Config) (*Store, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else if cfg.Addr != "" {
		cl = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		own = true
	}
	if cl == nil {
		return nil, errors.New("redis client not configured")
	}

	return &Store{cfg: cfg, client: cl, ownClient: own}, nil
}

// Save 保存状态并更新状态索引
//
// 状态 key 写入与索引迁移在同一个事务管道中执行。
func (s *Store) Save(ctx context.Context, state *saga.SagaState) error {
	if state == nil || state.SagaID == "" {
		return fmt.Errorf("%w: missing saga id", saga.ErrSagaInvalidState)
	}

	data, err := state.ToJSON()
	if err != nil {
		return fmt.Errorf("serialize saga state %s: %w", state.SagaID, err)
	}

	key := s.stateKey(state.SagaID)
	var ttl time.Duration
	if s.cfg.TTL > 0 && state.IsTerminal() {
		ttl = s.cfg.TTL
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, ttl)
		for _, status := range allStatuses {
			if status == state.Status {
				pipe.SAdd(ctx, s.statusKey(status), state.SagaID)
			} else {
				pipe.SRem(ctx, s.statusKey(status), state.SagaID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save saga state %s: %w", state.SagaID, err)
	}
	return nil
}

// Load 按 ID 加载状态
func (s *Store) Load(ctx context.Context, sagaID string) (*saga.SagaState, error) {
	data, err := s.client.Get(ctx, s.stateKey(sagaID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
		}
		return nil, fmt.Errorf("load saga state %s: %w", sagaID, err)
	}
	state := &saga.SagaState{}
	if err := state.FromJSON(data); err != nil {
		return nil, fmt.Errorf("deserialize saga state %s: %w", sagaID, err)
	}
	return state, nil
}

// FindByStatus 按状态查询（status 为空返回全部状态的并集）
//
// 索引中引用但已过期的 key 被静默跳过（TTL 清理与索引删除之间的窗口）。
func (s *Store) FindByStatus(ctx context.Context, status saga.SagaStatus) ([]*saga.SagaState, error) {
	var ids []string
	if status != "" {
		members, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("find sagas by status %q: %w", status, err)
		}
		ids = members
	} else {
		for _, st := range allStatuses {
			members, err := s.client.SMembers(ctx, s.statusKey(st)).Result()
			if err != nil {
				return nil, fmt.Errorf("find sagas by status %q: %w", st, err)
			}
			ids = append(ids, members...)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.stateKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load saga states: %w", err)
	}

	result := make([]*saga.SagaState, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		state := &saga.SagaState{}
		if err := state.FromJSON([]byte(raw)); err != nil {
			return nil, fmt.Errorf("deserialize saga state: %w", err)
		}
		result = append(result, state)
	}
	return result, nil
}

// Delete 删除状态及其索引成员（存储维护用，编排器不调用）
func (s *Store) Delete(ctx context.Context, sagaID string) error {
	if err := s.client.Get(ctx, s.stateKey(sagaID)).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
		}
		return fmt.Errorf("delete saga state %s: %w", sagaID, err)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.stateKey(sagaID))
		for _, status := range allStatuses {
			pipe.SRem(ctx, s.statusKey(status), sagaID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete saga state %s: %w", sagaID, err)
	}
	return nil
}

// Close 关闭自建的 redis 客户端（注入的客户端由调用方管理）
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) stateKey(sagaID string) string {
	return s.cfg.KeyPrefix + "state:" + sagaID
}

func (s *Store) statusKey(status saga.SagaStatus) string {
	return s.cfg.KeyPrefix + "status:" + string(status)
}

var _ saga.ISagaStateStore = (*Store)(nil)
