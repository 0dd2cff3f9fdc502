package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sagakit/eventing"
	"sagakit/logging"
)

// 默认配置
const (
	// DefaultStepTimeout 步骤默认超时
	DefaultStepTimeout = 30 * time.Second

	// DefaultMaxConcurrentSagas 默认并发实例上限
	DefaultMaxConcurrentSagas = 100
)

// Config 编排器配置
type Config struct {
	// StateStore 状态存储（nil 表示使用内存存储，无崩溃恢复）
	StateStore ISagaStateStore

	// DefaultStepTimeout 步骤默认超时（<=0 表示 30s）
	DefaultStepTimeout time.Duration

	// MaxConcurrentSagas 并发实例上限（<=0 表示 100）
	//
	// 达到上限后新实例被丢弃并记录日志，不排队、不阻塞。
	MaxConcurrentSagas int

	// DisableMetrics 禁用指标收集（默认启用）
	DisableMetrics bool

	// Logger 日志（nil 表示使用组件默认）
	Logger logging.Logger
}

// Orchestrator Saga 编排器
//
// 顶层协调者，也是唯一知道所有已注册 Saga 定义和所有活跃实例的组件。
// 负责：注册定义、接收触发事件、创建并驱动实例、失败时调用补偿引擎、
// 持久化状态迁移、实施全局并发上限、提供从存储恢复和手动取消能力。
//
// # 并发模型与线程安全
//
//   - Handle/CancelSaga/RegisterSaga/ResumeIncompleteSagas 可以被并发调用；
//   - 每个实例由且仅由一个 goroutine 驱动（同一 sagaID 不会被并发执行）；
//   - 不同实例彼此独立推进，对共享存储的 I/O 可以任意交错；
//   - 活跃实例表是进程内唯一的可变共享状态，由互斥锁保护；
//     存储才是跨重启的事实来源，内存状态只是它的缓存。
//
// # 投递语义
//
// 编排器假设上游传输为至少一次投递，本层不做事件去重：
// 同一事件投递两次会启动两个独立实例（各自有独立的 sagaID）。
// 容忍重复触发依赖步骤作者实现幂等的 Execute/Compensate。
type Orchestrator struct {
	store       ISagaStateStore
	executor    *StepExecutor
	compensator *CompensationEngine
	metrics     *Metrics
	logger      logging.Logger
	maxActive   int

	mutex       sync.Mutex
	definitions map[string]ISagaDefinition
	active      map[string]context.CancelCauseFunc
	wg          sync.WaitGroup
}

// NewOrchestrator 创建 Saga 编排器
//
// 参数：
//   - cfg: 配置（零值可用：内存存储、30s 超时、100 并发、指标启用）
//
// 返回：
//   - *Orchestrator: 编排器实例
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.StateStore == nil {
		cfg.StateStore = NewMemoryStateStore()
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = DefaultStepTimeout
	}
	if cfg.MaxConcurrentSagas <= 0 {
		cfg.MaxConcurrentSagas = DefaultMaxConcurrentSagas
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("saga.orchestrator")
	}

	executor := NewStepExecutor(cfg.DefaultStepTimeout)

	var metrics *Metrics
	if !cfg.DisableMetrics {
		metrics = NewMetrics()
	}

	return &Orchestrator{
		store:       cfg.StateStore,
		executor:    executor,
		compensator: NewCompensationEngine(cfg.StateStore, executor, cfg.Logger),
		metrics:     metrics,
		logger:      cfg.Logger,
		maxActive:   cfg.MaxConcurrentSagas,
		definitions: make(map[string]ISagaDefinition),
		active:      make(map[string]context.CancelCauseFunc),
	}
}

// RegisterSaga 注册 Saga 定义
//
// 定义按名称存入注册表。重复注册同名定义返回 ErrSagaAlreadyRegistered，
// 不做静默覆盖。
//
// 参数：
//   - def: Saga 定义
//
// 返回：
//   - error: 名称为空、无步骤或重名错误
func (o *Orchestrator) RegisterSaga(def ISagaDefinition) error {
	name := def.GetName()
	if name == "" {
		return fmt.Errorf("saga definition has empty name")
	}
	if len(def.GetSteps()) == 0 {
		return fmt.Errorf("%w: %s", ErrSagaNoSteps, name)
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	if _, exists := o.definitions[name]; exists {
		return fmt.Errorf("%w: %s", ErrSagaAlreadyRegistered, name)
	}
	o.definitions[name] = def

	o.logger.Info(context.Background(), "saga registered",
		logging.String("saga_type", name),
		logging.Int("steps", len(def.GetSteps())))
	return nil
}

// Handle 处理触发事件（外部传输层的入口，每条消息调用一次）
//
// 遍历所有已注册的 Saga，为每个 CanHandle 返回 true 的定义启动一个新
// 实例——一个事件可以启动零个、一个或多个实例（扇出）。
//
// Handle 在所有匹配的启动完成分派后返回；它不等待 Saga 执行完成。
// Handle 正常返回意味着初始状态已持久化，而非业务流程已结束。
// 步骤执行中的业务错误永远不会传给 Handle 的调用方。
//
// 参数：
//   - ctx: 上下文（仅覆盖启动阶段的存储 I/O；实例执行使用独立上下文）
//   - evt: 领域事件
//
// 返回：
//   - error: 启动阶段错误（初始状态持久化失败）；并发上限丢弃不算错误
func (o *Orchestrator) Handle(ctx context.Context, evt eventing.IEvent) error {
	o.mutex.Lock()
	matched := make([]ISagaDefinition, 0, len(o.definitions))
	for _, def := range o.definitions {
		if def.CanHandle(evt) {
			matched = append(matched, def)
		}
	}
	o.mutex.Unlock()

	var errs []error
	for _, def := range matched {
		if err := o.startSaga(ctx, def, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startSaga 启动一个新的 Saga 实例
//
// 同步完成：并发上限检查、取消句柄注册、初始状态持久化；
// 之后在独立 goroutine 中驱动步骤执行。初始持久化失败是致命的
// （实例不启动，错误返回给调用方）。
func (o *Orchestrator) startSaga(ctx context.Context, def ISagaDefinition, evt eventing.IEvent) error {
	sagaID := uuid.NewString()
	sagaType := def.GetName()

	// 实例的生命周期独立于触发事件的投递上下文
	runCtx, cancel := context.WithCancelCause(context.Background())

	o.mutex.Lock()
	if len(o.active) >= o.maxActive {
		o.mutex.Unlock()
		cancel(nil)
		// 设计限制：不排队，直接丢弃并记录
		o.logger.Warn(ctx, "saga dropped: max concurrent sagas reached",
			logging.String("saga_type", sagaType),
			logging.Int("max_concurrent", o.maxActive))
		o.metrics.RecordDropped(sagaType)
		return nil
	}
	o.active[sagaID] = cancel
	o.mutex.Unlock()

	state := NewSagaState(sagaID, sagaType, def.CreateContext(evt))
	if err := o.store.Save(ctx, state); err != nil {
		o.removeActive(sagaID)
		o.logger.Error(ctx, "failed to persist initial saga state", logging.Error(err),
			logging.String("saga_id", sagaID),
			logging.String("saga_type", sagaType))
		return fmt.Errorf("save initial state for saga %s: %w", sagaID, err)
	}

	o.logger.Info(ctx, "saga started",
		logging.String("saga_id", sagaID),
		logging.String("saga_type", sagaType),
		logging.String("event_type", evt.GetType()))
	o.metrics.RecordStarted(sagaType)

	o.wg.Add(1)
	go o.runSaga(runCtx, def, state)
	return nil
}

// runSaga 驱动一个实例的步骤执行（每实例一个 goroutine）
func (o *Orchestrator) runSaga(ctx context.Context, def ISagaDefinition, state *SagaState) {
	defer o.wg.Done()
	defer o.removeActive(state.SagaID)

	steps := def.GetSteps()

	for i := state.NextStep(); i < len(steps); i++ {
		// 取消信号在每个步骤边界检查（协作式）
		if err := context.Cause(ctx); err != nil {
			o.failSaga(ctx, def, state, i, fmt.Errorf("%w: %v", ErrSagaAborted, err))
			return
		}

		step := steps[i]
		state.CurrentStep = i

		o.logger.Info(ctx, "executing saga step",
			logging.String("saga_id", state.SagaID),
			logging.Int("step_index", i),
			logging.String("step_name", step.Name))

		if err := o.executor.Run(ctx, step.Execute, state.Context, state.SagaID, step.Timeout); err != nil {
			o.failSaga(ctx, def, state, i, err)
			return
		}

		state.MarkStepCompleted(i, step.Name)
		if err := o.store.Save(ctx, state); err != nil {
			// 中途持久化失败不中断业务流程，但会降低崩溃恢复的精度
			o.logger.Error(ctx, "failed to persist saga state", logging.Error(err),
				logging.String("saga_id", state.SagaID),
				logging.Int("step_index", i))
		}
	}

	state.MarkCompleted()
	if err := o.store.Save(ctx, state); err != nil {
		o.logger.Error(ctx, "failed to persist completed saga state", logging.Error(err),
			logging.String("saga_id", state.SagaID))
	}

	if err := def.OnCompleted(ctx, state.Context, state.SagaID); err != nil {
		o.logger.Warn(ctx, "saga completion callback failed", logging.Error(err),
			logging.String("saga_id", state.SagaID))
	}

	elapsed := time.Since(state.StartedAt)
	o.metrics.RecordCompleted(state.SagaType, elapsed)
	o.logger.Info(ctx, "saga completed",
		logging.String("saga_id", state.SagaID),
		logging.String("saga_type", state.SagaType),
		logging.Duration("elapsed", elapsed))
}

// failSaga 失败路径：持久化失败状态、倒序补偿、触发失败回调
func (o *Orchestrator) failSaga(ctx context.Context, def ISagaDefinition, state *SagaState, stepIndex int, stepErr error) {
	steps := def.GetSteps()
	stepName := ""
	if stepIndex < len(steps) {
		stepName = steps[stepIndex].Name
	}

	o.logger.Error(ctx, "saga step failed", logging.Error(stepErr),
		logging.String("saga_id", state.SagaID),
		logging.Int("step_index", stepIndex),
		logging.String("step_name", stepName))

	// 补偿和终态持久化不受实例取消影响
	detached := context.WithoutCancel(ctx)

	// 以存储中的最新状态为准，避免基于过期的内存副本做终态迁移
	if stored, err := o.store.Load(detached, state.SagaID); err == nil {
		stored.Context = state.Context
		state = stored
	} else {
		o.logger.Warn(detached, "failed to reload saga state, using in-memory copy", logging.Error(err),
			logging.String("saga_id", state.SagaID))
	}

	// 记录失败信息后交给补偿引擎：状态依次迁移为 compensating、failed，
	// failed 只在完整回滚扫描结束后出现在存储中
	state.RecordStepError(stepIndex, stepErr)
	o.compensator.Run(detached, def, state)

	if err := def.OnFailed(detached, state.Context, state.SagaID, stepErr); err != nil {
		o.logger.Warn(detached, "saga failure callback failed", logging.Error(err),
			logging.String("saga_id", state.SagaID))
	}

	o.metrics.RecordFailed(state.SagaType, time.Since(state.StartedAt))
}

// CancelSaga 取消一个活跃实例
//
// 向实例的取消句柄发出信号。取消是协作式的：在步骤边界和执行器的
// 竞速中被观察，不会强行中断正在运行的步骤操作。已进入补偿的实例
// 不受影响（补偿一旦开始就运行到底）。
//
// 参数：
//   - sagaID: Saga 实例 ID
//
// 返回：
//   - bool: 实例是否处于活跃状态并收到了取消信号；
//     已结束或不属于本进程的实例返回 false
func (o *Orchestrator) CancelSaga(sagaID string) bool {
	o.mutex.Lock()
	cancel, ok := o.active[sagaID]
	o.mutex.Unlock()

	if !ok {
		return false
	}
	cancel(ErrSagaAborted)
	o.logger.Info(context.Background(), "saga cancel requested",
		logging.String("saga_id", sagaID))
	return true
}

// ResumeIncompleteSagas 从存储恢复未完成的 Saga
//
// 查询所有 status=running 的实例并继续执行。恢复从已持久化的最后
// 完成步骤之后开始（尚未完成任何步骤的实例从步骤 0 开始），
// 不重新持久化已存在的初始状态。
//
// 定义已被移除的实例无法恢复：记录错误并跳过，存储中的 running
// 记录保留供人工检查。
//
// 宿主进程应在开始接收新流量前调用一次。
//
// 参数：
//   - ctx: 上下文
//
// 返回：
//   - error: 存储查询错误
func (o *Orchestrator) ResumeIncompleteSagas(ctx context.Context) error {
	states, err := o.store.FindByStatus(ctx, SagaStatusRunning)
	if err != nil {
		return fmt.Errorf("find running sagas: %w", err)
	}

	resumed := 0
	for _, state := range states {
		o.mutex.Lock()
		def, ok := o.definitions[state.SagaType]
		if !ok {
			o.mutex.Unlock()
			o.logger.Error(ctx, "cannot resume saga: definition not found",
				logging.String("saga_id", state.SagaID),
				logging.String("saga_type", state.SagaType))
			continue
		}
		if _, running := o.active[state.SagaID]; running {
			// 本进程已在驱动该实例
			o.mutex.Unlock()
			continue
		}
		if len(o.active) >= o.maxActive {
			o.mutex.Unlock()
			o.logger.Warn(ctx, "saga not resumed: max concurrent sagas reached",
				logging.String("saga_id", state.SagaID),
				logging.String("saga_type", state.SagaType))
			o.metrics.RecordDropped(state.SagaType)
			continue
		}
		runCtx, cancel := context.WithCancelCause(context.Background())
		o.active[state.SagaID] = cancel
		o.mutex.Unlock()

		o.logger.Info(ctx, "resuming saga",
			logging.String("saga_id", state.SagaID),
			logging.String("saga_type", state.SagaType),
			logging.Int("next_step", state.NextStep()))

		o.wg.Add(1)
		go o.runSaga(runCtx, def, state)
		resumed++
	}

	o.logger.Info(ctx, "saga recovery finished",
		logging.Int("found", len(states)),
		logging.Int("resumed", resumed))
	return nil
}

// GetMetrics 获取指标收集器
//
// 指标被禁用时返回 nil（Metrics 的方法对 nil 接收者安全）。
func (o *Orchestrator) GetMetrics() *Metrics {
	return o.metrics
}

// ActiveCount 返回当前活跃实例数
func (o *Orchestrator) ActiveCount() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return len(o.active)
}

// Shutdown 等待所有活跃实例结束
//
// 不取消任何实例，只是排空。需要加速停机时先对活跃实例调用
// CancelSaga，再调用 Shutdown。
//
// 参数：
//   - ctx: 上下文（到期后放弃等待并返回 ctx.Err()）
//
// 返回：
//   - error: 等待超时错误
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// removeActive 注销实例的取消句柄并释放其上下文
func (o *Orchestrator) removeActive(sagaID string) {
	o.mutex.Lock()
	cancel, ok := o.active[sagaID]
	delete(o.active, sagaID)
	o.mutex.Unlock()
	if ok {
		cancel(nil)
	}
}
