package saga

import "errors"

// Saga 相关错误
var (
	// ErrSagaNotFound Saga 状态不存在
	ErrSagaNotFound = errors.New("saga not found")

	// ErrSagaAlreadyRegistered 同名 Saga 已注册
	ErrSagaAlreadyRegistered = errors.New("saga already registered")

	// ErrDefinitionNotFound Saga 定义未注册（恢复时定义已被移除）
	ErrDefinitionNotFound = errors.New("saga definition not found")

	// ErrSagaNoSteps Saga 没有步骤
	ErrSagaNoSteps = errors.New("saga has no steps")

	// ErrSagaInvalidState Saga 状态无效
	ErrSagaInvalidState = errors.New("saga invalid state")

	// ErrStepTimeout 步骤超时
	ErrStepTimeout = errors.New("saga step timed out")

	// ErrSagaAborted Saga 被取消
	ErrSagaAborted = errors.New("saga aborted")

	// ErrConcurrencyLimit 达到并发上限，新实例被丢弃
	ErrConcurrencyLimit = errors.New("max concurrent sagas reached")
)
