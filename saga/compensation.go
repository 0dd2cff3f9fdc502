package saga

import (
	"context"

	"sagakit/logging"
)

// CompensationEngine 补偿引擎
//
// 负责撤销部分执行的 Saga 的副作用：从失败步骤开始，严格倒序执行
// 每个步骤的 Compensate 操作，直到步骤 0（含）。
//
// 补偿是尽力而为的：某个补偿操作失败不会中止剩余的回滚——中止会比
// 继续扫描留下更多未撤销的副作用。每次补偿尝试（包括失败的）都追加
// 到 CompensationLog，运维可据此定位失败的补偿并人工介入。
type CompensationEngine struct {
	store    ISagaStateStore
	executor *StepExecutor
	logger   logging.Logger
}

// NewCompensationEngine 创建补偿引擎
//
// 参数：
//   - store: 状态存储
//   - executor: 步骤执行器（与正向执行共用超时语义）
//   - logger: 日志（nil 时使用组件默认）
func NewCompensationEngine(store ISagaStateStore, executor *StepExecutor, logger logging.Logger) *CompensationEngine {
	if logger == nil {
		logger = logging.ComponentLogger("saga.compensation")
	}
	return &CompensationEngine{
		store:    store,
		executor: executor,
		logger:   logger,
	}
}

// Run 执行补偿
//
// 从 state.CurrentStep（失败步骤）倒序补偿到步骤 0。进入时将状态迁移
// 为 compensating 并持久化；完整回滚循环结束后一次性持久化最终的
// failed 状态和补偿日志（不逐步持久化）。
//
// 参数：
//   - ctx: 上下文。调用方应传入与取消信号解耦的上下文，
//     补偿一旦开始就不可取消
//   - def: Saga 定义
//   - state: 失败实例的状态（CurrentStep 为失败步骤索引）
func (ce *CompensationEngine) Run(ctx context.Context, def ISagaDefinition, state *SagaState) {
	steps := def.GetSteps()
	failedStep := state.CurrentStep

	ce.logger.Info(ctx, "starting saga compensation",
		logging.String("saga_id", state.SagaID),
		logging.String("saga_type", state.SagaType),
		logging.Int("failed_step", failedStep))

	state.MarkCompensating()
	if err := ce.store.Save(ctx, state); err != nil {
		ce.logger.Error(ctx, "failed to persist compensating status", logging.Error(err),
			logging.String("saga_id", state.SagaID))
	}

	// 倒序补偿（从失败步骤自身开始，它可能已产生部分副作用）
	for i := failedStep; i >= 0; i-- {
		if i >= len(steps) {
			continue
		}
		step := steps[i]
		state.CurrentStep = i

		if !step.HasCompensation() {
			ce.logger.Info(ctx, "step has no compensation, skipping",
				logging.String("saga_id", state.SagaID),
				logging.String("step", step.Name))
			continue
		}

		ce.logger.Info(ctx, "executing compensation",
			logging.String("saga_id", state.SagaID),
			logging.Int("step_index", i),
			logging.String("step", step.Name))

		if err := ce.executor.Run(ctx, step.Compensate, state.Context, state.SagaID, step.Timeout); err != nil {
			// 补偿失败不中止回滚，记录后继续向更低的步骤推进
			ce.logger.Error(ctx, "compensation step failed", logging.Error(err),
				logging.String("saga_id", state.SagaID),
				logging.Int("step_index", i),
				logging.String("step", step.Name))
			state.AppendCompensation(i, step.Name, false)
			continue
		}

		state.AppendCompensation(i, step.Name, true)
	}

	state.MarkCompensationFinished()
	if err := ce.store.Save(ctx, state); err != nil {
		ce.logger.Error(ctx, "failed to persist compensation result", logging.Error(err),
			logging.String("saga_id", state.SagaID))
	}

	ce.logger.Info(ctx, "saga compensation completed",
		logging.String("saga_id", state.SagaID),
		logging.Int("log_entries", len(state.CompensationLog)))
}
