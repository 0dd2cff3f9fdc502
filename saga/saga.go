// Package saga 提供 Saga 编排引擎，用于管理分布式长时事务
//
// Saga 模式将长时事务拆分为多个本地步骤，每个步骤都有对应的补偿操作。
// 如果某个步骤失败，引擎会按相反顺序执行补偿操作回滚之前的副作用。
//
// 设计原则：
//   - 事件驱动：注册的 Saga 通过 CanHandle 谓词匹配进入的领域事件
//   - 状态持久化：每次状态迁移后写入 ISagaStateStore，进程重启后可恢复
//   - 自动补偿：步骤失败后从失败步骤开始倒序补偿，尽力完成全部回滚
//   - 协作式取消：取消信号在步骤边界和执行器中检查，不会强行中断步骤
package saga

import (
	"context"
	"time"

	"sagakit/eventing"
)

// Context Saga 执行上下文
//
// 步骤之间共享的可变工作数据，由 CreateContext 根据触发事件构建。
// 必须可 JSON 序列化（随 SagaState 一起持久化）。
type Context map[string]any

// StepFunc 步骤操作函数
//
// 参数：
//   - ctx: 上下文（携带超时与取消信号）
//   - sctx: Saga 执行上下文
//   - sagaID: Saga 实例 ID
//
// 返回：
//   - error: 操作失败错误
type StepFunc func(ctx context.Context, sctx Context, sagaID string) error

// SagaStep Saga 步骤
//
// 每个步骤包含一个正向操作和一个可选的补偿操作。
//
// 特性：
//   - 使用函数而非接口（灵活）
//   - 补偿操作是可选的
//   - 支持步骤级超时覆盖
//   - Name 在同一个 Saga 内应保持唯一，用于标识步骤与记录补偿日志
//
// 注意：引擎不做重试，也不对触发事件去重；上游传输为至少一次投递时，
// Execute/Compensate 必须由步骤作者实现为幂等操作。
type SagaStep struct {
	// Name 步骤名称（唯一标识）
	Name string

	// Execute 正向操作
	//
	// 如果返回 error，Saga 进入失败路径并触发补偿。
	Execute StepFunc

	// Compensate 补偿操作（可选）
	//
	// 当本步骤或后续步骤失败时，会执行此操作回滚副作用。
	// 如果为 nil，表示该步骤不需要补偿。
	Compensate StepFunc

	// Timeout 步骤级超时（可选）
	//
	// 0 表示使用编排器的默认超时。
	Timeout time.Duration
}

// NewSagaStep 创建 Saga 步骤
//
// 参数：
//   - name: 步骤名称
//   - execute: 正向操作
//
// 返回：
//   - *SagaStep: 步骤实例
func NewSagaStep(name string, execute StepFunc) *SagaStep {
	return &SagaStep{
		Name:    name,
		Execute: execute,
	}
}

// WithCompensation 添加补偿操作（支持链式调用）
func (s *SagaStep) WithCompensation(compensate StepFunc) *SagaStep {
	s.Compensate = compensate
	return s
}

// WithTimeout 设置步骤级超时（支持链式调用）
func (s *SagaStep) WithTimeout(timeout time.Duration) *SagaStep {
	s.Timeout = timeout
	return s
}

// HasCompensation 检查是否有补偿操作
func (s *SagaStep) HasCompensation() bool {
	return s.Compensate != nil
}

// ISagaDefinition Saga 定义接口
//
// 定义一个 Saga 类型的全部行为：步骤列表、事件匹配谓词、上下文工厂
// 和生命周期回调。注册到编排器后不可变。
//
// 示例：
//
//	type OrderSaga struct {
//	    saga.BaseDefinition
//	}
//
//	func (s *OrderSaga) GetName() string { return "OrderFulfillment" }
//
//	func (s *OrderSaga) GetSteps() []*saga.SagaStep {
//	    return []*saga.SagaStep{
//	        saga.NewSagaStep("reserveStock", reserve).WithCompensation(release),
//	        saga.NewSagaStep("chargePayment", charge).WithCompensation(refund),
//	    }
//	}
//
//	func (s *OrderSaga) CanHandle(evt eventing.IEvent) bool {
//	    return evt.GetType() == "order.created"
//	}
type ISagaDefinition interface {
	// GetName 返回 Saga 类型名称（注册表键）
	GetName() string

	// GetSteps 返回有序的步骤列表（注册后不可变）
	GetSteps() []*SagaStep

	// CanHandle 判断事件是否应启动此 Saga 的新实例（纯谓词）
	CanHandle(evt eventing.IEvent) bool

	// CreateContext 根据触发事件构建初始执行上下文
	CreateContext(evt eventing.IEvent) Context

	// OnCompleted Saga 成功完成时的回调（终态迁移时恰好调用一次）
	OnCompleted(ctx context.Context, sctx Context, sagaID string) error

	// OnFailed Saga 失败时的回调（终态迁移时恰好调用一次）
	OnFailed(ctx context.Context, sctx Context, sagaID string, err error) error
}

// BaseDefinition 基础 Saga 定义实现
//
// 提供默认的上下文工厂和回调实现，用户可以嵌入此结构体以减少代码。
type BaseDefinition struct{}

// CreateContext 默认上下文工厂（空上下文）
func (b *BaseDefinition) CreateContext(evt eventing.IEvent) Context {
	return Context{}
}

// OnCompleted 默认完成回调（无操作）
func (b *BaseDefinition) OnCompleted(ctx context.Context, sctx Context, sagaID string) error {
	return nil
}

// OnFailed 默认失败回调（无操作）
func (b *BaseDefinition) OnFailed(ctx context.Context, sctx Context, sagaID string, err error) error {
	return nil
}

// Definition 声明式 Saga 定义
//
// 按事件类型匹配的通用定义实现，适合不需要自定义 CanHandle 谓词的
// 场景；更复杂的匹配逻辑可实现 ISagaDefinition 接口。
type Definition struct {
	BaseDefinition
	name      string
	eventType string
	steps     []*SagaStep

	contextFactory func(evt eventing.IEvent) Context
	onCompleted    func(ctx context.Context, sctx Context, sagaID string) error
	onFailed       func(ctx context.Context, sctx Context, sagaID string, err error) error
}

// NewDefinition 创建声明式 Saga 定义
//
// 参数：
//   - name: Saga 类型名称
//   - eventType: 触发事件类型（CanHandle 按此精确匹配）
//   - steps: 有序步骤列表
//
// 返回：
//   - *Definition: 定义实例
func NewDefinition(name, eventType string, steps ...*SagaStep) *Definition {
	return &Definition{
		name:      name,
		eventType: eventType,
		steps:     steps,
	}
}

// WithContextFactory 设置上下文工厂（支持链式调用）
func (d *Definition) WithContextFactory(factory func(evt eventing.IEvent) Context) *Definition {
	d.contextFactory = factory
	return d
}

// WithOnCompleted 设置完成回调（支持链式调用）
func (d *Definition) WithOnCompleted(fn func(ctx context.Context, sctx Context, sagaID string) error) *Definition {
	d.onCompleted = fn
	return d
}

// WithOnFailed 设置失败回调（支持链式调用）
func (d *Definition) WithOnFailed(fn func(ctx context.Context, sctx Context, sagaID string, err error) error) *Definition {
	d.onFailed = fn
	return d
}

func (d *Definition) GetName() string       { return d.name }
func (d *Definition) GetSteps() []*SagaStep { return d.steps }

func (d *Definition) CanHandle(evt eventing.IEvent) bool {
	return evt.GetType() == d.eventType
}

func (d *Definition) CreateContext(evt eventing.IEvent) Context {
	if d.contextFactory != nil {
		return d.contextFactory(evt)
	}
	return d.BaseDefinition.CreateContext(evt)
}

func (d *Definition) OnCompleted(ctx context.Context, sctx Context, sagaID string) error {
	if d.onCompleted != nil {
		return d.onCompleted(ctx, sctx, sagaID)
	}
	return nil
}

func (d *Definition) OnFailed(ctx context.Context, sctx Context, sagaID string, err error) error {
	if d.onFailed != nil {
		return d.onFailed(ctx, sctx, sagaID, err)
	}
	return nil
}

var _ ISagaDefinition = (*Definition)(nil)
