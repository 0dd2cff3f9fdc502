package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StepExecutor 步骤执行器
//
// 在有界等待和协作式取消下运行单个步骤的 Execute 或 Compensate 操作：
// 操作在携带超时的派生上下文中执行，操作完成与上下文结束竞速，
// 先到者决定结果。
//
// 注意：
//   - 取消是协作式的。超时或取消后操作 goroutine 可能仍在运行，
//     直到它自己观察到 ctx 结束；执行器只保证上下文已关闭、
//     调用方不再等待。共享 Context 的写入必须在观察到 ctx 结束前停止。
//   - 本层不做重试。重试（如需要）是步骤作者在 Execute/Compensate
//     内部的职责，编排器对重试策略保持中立。
type StepExecutor struct {
	defaultTimeout time.Duration
}

// NewStepExecutor 创建步骤执行器
//
// 参数：
//   - defaultTimeout: 步骤未指定超时时使用的默认超时
func NewStepExecutor(defaultTimeout time.Duration) *StepExecutor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultStepTimeout
	}
	return &StepExecutor{defaultTimeout: defaultTimeout}
}

// Run 执行一个步骤操作
//
// 操作收到的 ctx 是带超时的派生上下文：超时到期或调用方取消时关闭，
// 守规矩的操作据此自行停止。Run 返回时派生上下文一定已关闭。
//
// 参数：
//   - ctx: 上下文（携带取消信号）
//   - op: 要执行的操作（Execute 或 Compensate）
//   - sctx: Saga 执行上下文
//   - sagaID: Saga 实例 ID
//   - timeout: 步骤级超时，<=0 时使用默认超时
//
// 返回：
//   - error: 操作自身的错误；超时返回 ErrStepTimeout（消息含配置时长）；
//     取消返回 ErrSagaAborted
func (e *StepExecutor) Run(ctx context.Context, op StepFunc, sctx Context, sagaID string, timeout time.Duration) error {
	if op == nil {
		return fmt.Errorf("step operation is nil")
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx, sctx, sagaID)
	}()

	select {
	case err := <-done:
		// 操作因上下文结束而返回时按超时/取消归类，其余错误原样透传
		if opCtx.Err() == nil || !errors.Is(err, opCtx.Err()) {
			return err
		}
	case <-opCtx.Done():
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrSagaAborted, context.Cause(ctx))
	}
	return fmt.Errorf("%w after %s", ErrStepTimeout, timeout)
}
