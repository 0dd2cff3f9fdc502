package saga

import "context"

// ISagaStateStore Saga 状态存储接口
//
// 定义最小化的状态持久化契约，易于第三方实现。
// 存储是跨进程重启的唯一事实来源：编排器在每次状态迁移后写入，
// 重启后通过 FindByStatus 找回 running 实例继续执行。
//
// 实现要求：
//   - Save 必须是整条记录的原子 UPSERT（并发读不可见部分写入）
//   - FindByStatus 必须反映调用前已完成的全部写入（不容忍过期读；
//     若底层为最终一致存储，实现方必须自行文档化并处理恢复缺口）
//   - 终态记录的保留/归档是存储层职责，编排器永不删除
//
// 可选实现：
//   - 内存存储（单进程/测试，无崩溃恢复）
//   - SQL 数据库（见 saga/sqlstore）
//   - Redis（见 saga/redisstore）
type ISagaStateStore interface {
	// Save 保存 Saga 状态（UPSERT 整条记录）
	//
	// 参数：
	//   - ctx: 上下文
	//   - state: 状态数据
	//
	// 返回：
	//   - error: 保存失败错误
	Save(ctx context.Context, state *SagaState) error

	// Load 加载 Saga 状态
	//
	// 参数：
	//   - ctx: 上下文
	//   - sagaID: Saga 实例 ID
	//
	// 返回：
	//   - *SagaState: 状态数据
	//   - error: ErrSagaNotFound 表示不存在，其他错误表示存储失败
	Load(ctx context.Context, sagaID string) (*SagaState, error)

	// FindByStatus 按状态查询 Saga 状态列表
	//
	// 参数：
	//   - ctx: 上下文
	//   - status: 状态过滤（空字符串表示全部）
	//
	// 返回：
	//   - []*SagaState: 状态列表
	//   - error: 查询失败错误
	FindByStatus(ctx context.Context, status SagaStatus) ([]*SagaState, error)

	// Delete 删除 Saga 状态（仅供存储层维护/归档使用）
	//
	// 参数：
	//   - ctx: 上下文
	//   - sagaID: Saga 实例 ID
	//
	// 返回：
	//   - error: 删除失败错误
	Delete(ctx context.Context, sagaID string) error
}
