// Package retry 提供带指数退避的重试工具。
//
// Saga 引擎本身不做重试（失败立即进入补偿路径）；需要重试瞬时故障的
// 步骤由作者用 Step 包装自己的操作，在单次步骤执行内完成重试。
// 包装后的重试仍受步骤超时约束。
package retry

import (
	"context"
	"time"

	"sagakit/saga"
)

// Operation 可重试的操作函数类型
type Operation func(ctx context.Context) error

// Config 重试配置
type Config struct {
	MaxAttempts   int           // 最大尝试次数（包括首次）
	InitialDelay  time.Duration // 初始退避延迟
	BackoffFactor float64       // 退避倍数（指数退避）
	MaxDelay      time.Duration // 最大延迟
}

// DefaultConfig 返回默认配置
//
// 默认值：
//   - MaxAttempts: 3（1次初始 + 2次重试）
//   - InitialDelay: 50ms
//   - BackoffFactor: 2.0（指数退避）
//   - MaxDelay: 1s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      1 * time.Second,
	}
}

// Do 执行带重试的操作
//
// 参数：
//   - ctx: 上下文（支持取消，退避等待期间也响应取消）
//   - op: 要执行的操作
//   - cfg: 重试配置
//
// 返回：
//   - error: 最后一次执行的错误（所有尝试都失败时），任意一次成功返回 nil
func Do(ctx context.Context, op Operation, cfg Config) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := op(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		// 最后一次尝试不需要等待
		if attempt < cfg.MaxAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}

	return lastErr
}

// Step 包装步骤操作，使其在单次执行内按配置重试
//
// 使用示例：
//
//	saga.NewSagaStep("chargePayment", retry.Step(charge, retry.DefaultConfig()))
func Step(op saga.StepFunc, cfg Config) saga.StepFunc {
	return func(ctx context.Context, sctx saga.Context, sagaID string) error {
		return Do(ctx, func(ctx context.Context) error {
			return op(ctx, sctx, sagaID)
		}, cfg)
	}
}
