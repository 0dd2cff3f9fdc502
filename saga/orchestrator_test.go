package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagakit/eventing"
	"sagakit/logging"
)

// testDefinition 测试用 Saga 定义
type testDefinition struct {
	BaseDefinition
	name          string
	eventType     string
	steps         []*SagaStep
	completedHook func(sagaID string)
	failedHook    func(sagaID string, err error)
}

func (d *testDefinition) GetName() string        { return d.name }
func (d *testDefinition) GetSteps() []*SagaStep  { return d.steps }
func (d *testDefinition) CanHandle(evt eventing.IEvent) bool {
	return evt.GetType() == d.eventType
}

func (d *testDefinition) OnCompleted(ctx context.Context, sctx Context, sagaID string) error {
	if d.completedHook != nil {
		d.completedHook(sagaID)
	}
	return nil
}

func (d *testDefinition) OnFailed(ctx context.Context, sctx Context, sagaID string, err error) error {
	if d.failedHook != nil {
		d.failedHook(sagaID, err)
	}
	return nil
}

// callRecorder 记录步骤调用顺序（并发安全）
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func recordingStep(rec *callRecorder, name string) StepFunc {
	return func(ctx context.Context, sctx Context, sagaID string) error {
		rec.record(name)
		return nil
	}
}

func failingStep(rec *callRecorder, name string, err error) StepFunc {
	return func(ctx context.Context, sctx Context, sagaID string) error {
		rec.record(name)
		return err
	}
}

func newTestOrchestrator(store ISagaStateStore) *Orchestrator {
	return NewOrchestrator(Config{
		StateStore: store,
		Logger:     logging.NewNoopLogger(),
	})
}

// waitForStatus 等待存储中出现 n 条指定状态的记录
func waitForStatus(t *testing.T, store ISagaStateStore, status SagaStatus, n int) []*SagaState {
	t.Helper()
	var states []*SagaState
	require.Eventually(t, func() bool {
		var err error
		states, err = store.FindByStatus(context.Background(), status)
		return err == nil && len(states) == n
	}, 3*time.Second, 5*time.Millisecond)
	return states
}

// TestOrchestrator_ForwardOrder 成功路径：步骤按定义顺序各执行一次
func TestOrchestrator_ForwardOrder(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	rec := &callRecorder{}
	var completedIDs []string
	var mu sync.Mutex

	def := &testDefinition{
		name:      "OrderFulfillment",
		eventType: "order.created",
		steps: []*SagaStep{
			NewSagaStep("reserveStock", recordingStep(rec, "reserveStock")),
			NewSagaStep("chargePayment", recordingStep(rec, "chargePayment")),
			NewSagaStep("shipOrder", recordingStep(rec, "shipOrder")),
		},
		completedHook: func(sagaID string) {
			mu.Lock()
			completedIDs = append(completedIDs, sagaID)
			mu.Unlock()
		},
	}
	require.NoError(t, o.RegisterSaga(def))

	require.NoError(t, o.Handle(context.Background(), eventing.NewEvent("evt-1", "order.created", nil)))

	states := waitForStatus(t, store, SagaStatusCompleted, 1)
	state := states[0]

	assert.Equal(t, []string{"reserveStock", "chargePayment", "shipOrder"}, rec.snapshot())
	assert.Equal(t, []string{"reserveStock", "chargePayment", "shipOrder"}, state.CompletedSteps)
	assert.Equal(t, 2, state.CurrentStep)
	assert.Nil(t, state.Error)
	assert.Empty(t, state.CompensationLog)
	assert.NotNil(t, state.CompletedAt)

	// 完成回调在终态持久化之后触发
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completedIDs) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, state.SagaID, completedIDs[0])
}

// TestOrchestrator_FailureScenario 失败路径：chargePayment 抛错后倒序补偿
//
// 预期：reserveStock.Compensate 恰好调用一次；shipOrder 的任何操作都不被
// 调用；终态 failed，error.step=1，补偿日志按 [1, 0] 顺序各一条。
func TestOrchestrator_FailureScenario(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	rec := &callRecorder{}
	insufficientFunds := errors.New("insufficient funds")

	var failedErr error
	var failedCalls int
	var mu sync.Mutex

	def := &testDefinition{
		name:      "OrderFulfillment",
		eventType: "order.created",
		steps: []*SagaStep{
			NewSagaStep("reserveStock", recordingStep(rec, "reserveStock.execute")).
				WithCompensation(recordingStep(rec, "reserveStock.compensate")),
			NewSagaStep("chargePayment", failingStep(rec, "chargePayment.execute", insufficientFunds)).
				WithCompensation(recordingStep(rec, "chargePayment.compensate")),
			NewSagaStep("shipOrder", recordingStep(rec, "shipOrder.execute")).
				WithCompensation(recordingStep(rec, "shipOrder.compensate")),
		},
		failedHook: func(sagaID string, err error) {
			mu.Lock()
			failedCalls++
			failedErr = err
			mu.Unlock()
		},
	}
	require.NoError(t, o.RegisterSaga(def))

	require.NoError(t, o.Handle(context.Background(), eventing.NewEvent("evt-1", "order.created", nil)))

	states := waitForStatus(t, store, SagaStatusFailed, 1)
	state := states[0]

	// 正向执行到失败步骤为止，补偿从失败步骤倒序到 0
	assert.Equal(t, []string{
		"reserveStock.execute",
		"chargePayment.execute",
		"chargePayment.compensate",
		"reserveStock.compensate",
	}, rec.snapshot())

	require.NotNil(t, state.Error)
	assert.Equal(t, 1, state.Error.Step)
	assert.Contains(t, state.Error.Message, "insufficient funds")

	require.Len(t, state.CompensationLog, 2)
	assert.Equal(t, 1, state.CompensationLog[0].Step)
	assert.Equal(t, "chargePayment", state.CompensationLog[0].Action)
	assert.True(t, state.CompensationLog[0].Success)
	assert.Equal(t, 0, state.CompensationLog[1].Step)
	assert.Equal(t, "reserveStock", state.CompensationLog[1].Action)
	assert.True(t, state.CompensationLog[1].Success)

	// 失败回调在终态持久化之后触发
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failedCalls == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, failedErr, insufficientFunds)
}

// TestOrchestrator_BestEffortUnwind 补偿失败不中止回滚
func TestOrchestrator_BestEffortUnwind(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	rec := &callRecorder{}
	compErr := errors.New("release failed")

	def := &testDefinition{
		name:      "BestEffort",
		eventType: "trigger",
		steps: []*SagaStep{
			NewSagaStep("s0", recordingStep(rec, "s0.execute")).
				WithCompensation(recordingStep(rec, "s0.compensate")),
			NewSagaStep("s1", recordingStep(rec, "s1.execute")).
				WithCompensation(failingStep(rec, "s1.compensate", compErr)),
			NewSagaStep("s2", failingStep(rec, "s2.execute", assert.AnError)).
				WithCompensation(recordingStep(rec, "s2.compensate")),
		},
	}
	require.NoError(t, o.RegisterSaga(def))

	require.NoError(t, o.Handle(context.Background(), eventing.NewEvent("evt-1", "trigger", nil)))

	states := waitForStatus(t, store, SagaStatusFailed, 1)
	state := states[0]

	// s1 的补偿失败，但 s0 仍被补偿
	assert.Equal(t, []string{
		"s0.execute", "s1.execute", "s2.execute",
		"s2.compensate", "s1.compensate", "s0.compensate",
	}, rec.snapshot())

	require.Len(t, state.CompensationLog, 3)
	assert.Equal(t, 2, state.CompensationLog[0].Step)
	assert.True(t, state.CompensationLog[0].Success)
	assert.Equal(t, 1, state.CompensationLog[1].Step)
	assert.False(t, state.CompensationLog[1].Success)
	assert.Equal(t, 0, state.CompensationLog[2].Step)
	assert.True(t, state.CompensationLog[2].Success)
}

// TestOrchestrator_StepWithoutCompensation 无补偿操作的步骤被跳过且不记日志
func TestOrchestrator_StepWithoutCompensation(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	rec := &callRecorder{}
	def := &testDefinition{
		name:      "PartialComp",
		eventType: "trigger",
		steps: []*SagaStep{
			NewSagaStep("s0", recordingStep(rec, "s0.execute")), // 无补偿
			NewSagaStep("s1", failingStep(rec, "s1.execute", assert.AnError)).
				WithCompensation(recordingStep(rec, "s1.compensate")),
		},
	}
	require.NoError(t, o.RegisterSaga(def))

	require.NoError(t, o.Handle(context.Background(), eventing.NewEvent("evt-1", "trigger", nil)))

	states := waitForStatus(t, store, SagaStatusFailed, 1)
	state := states[0]

	assert.Equal(t, []string{"s0.execute", "s1.execute", "s1.compensate"}, rec.snapshot())
	require.Len(t, state.CompensationLog, 1)
	assert.Equal(t, 1, state.CompensationLog[0].Step)
}

// TestOrchestrator_FanOut 一个事件可启动多个 Saga，不匹配的不启动
func TestOrchestrator_FanOut(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	rec := &callRecorder{}
	newDef := func(name, eventType string) *testDefinition {
		return &testDefinition{
			name:      name,
			eventType: eventType,
			steps:     []*SagaStep{NewSagaStep("s0", recordingStep(rec, name))},
		}
	}
	require.NoError(t, o.RegisterSaga(newDef("A", "order.created")))
	require.NoError(t, o.RegisterSaga(newDef("B", "order.created")))
	require.NoError(t, o.RegisterSaga(newDef("C", "user.created")))

	require.NoError(t, o.Handle(context.Background(), eventing.NewEvent("evt-1", "order.created", nil)))

	states := waitForStatus(t, store, SagaStatusCompleted, 2)
	types := map[string]bool{}
	for _, s := range states {
		types[s.SagaType] = true
	}
	assert.True(t, types["A"])
	assert.True(t, types["B"])
	assert.False(t, types["C"])
}

// TestOrchestrator_DuplicateEventsStartIndependentInstances 本层不做事件去重
func TestOrchestrator_DuplicateEventsStartIndependentInstances(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	def := &testDefinition{
		name:      "A",
		eventType: "order.created",
		steps: []*SagaStep{NewSagaStep("s0", func(ctx context.Context, sctx Context, sagaID string) error {
			return nil
		})},
	}
	require.NoError(t, o.RegisterSaga(def))

	evt := eventing.NewEvent("evt-1", "order.created", nil)
	require.NoError(t, o.Handle(context.Background(), evt))
	require.NoError(t, o.Handle(context.Background(), evt))

	states := waitForStatus(t, store, SagaStatusCompleted, 2)
	assert.NotEqual(t, states[0].SagaID, states[1].SagaID)
}

// TestOrchestrator_RegisterDuplicate 重复注册被拒绝
func TestOrchestrator_RegisterDuplicate(t *testing.T) {
	o := newTestOrchestrator(NewMemoryStateStore())

	def := &testDefinition{
		name:      "A",
		eventType: "trigger",
		steps:     []*SagaStep{NewSagaStep("s0", recordingStep(&callRecorder{}, "s0"))},
	}
	require.NoError(t, o.RegisterSaga(def))
	assert.ErrorIs(t, o.RegisterSaga(def), ErrSagaAlreadyRegistered)
}

// TestOrchestrator_RegisterInvalid 无名称或无步骤的定义被拒绝
func TestOrchestrator_RegisterInvalid(t *testing.T) {
	o := newTestOrchestrator(NewMemoryStateStore())

	assert.Error(t, o.RegisterSaga(&testDefinition{name: "", eventType: "t",
		steps: []*SagaStep{NewSagaStep("s0", recordingStep(&callRecorder{}, "s0"))}}))
	assert.ErrorIs(t, o.RegisterSaga(&testDefinition{name: "NoSteps", eventType: "t"}), ErrSagaNoSteps)
}

// TestOrchestrator_ResumeContinuity 恢复从已持久化步骤的下一步开始
func TestOrchestrator_ResumeContinuity(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	rec := &callRecorder{}
	def := &testDefinition{
		name:      "Resumable",
		eventType: "trigger",
		steps: []*SagaStep{
			NewSagaStep("s0", recordingStep(rec, "s0")),
			NewSagaStep("s1", recordingStep(rec, "s1")),
			NewSagaStep("s2", recordingStep(rec, "s2")),
			NewSagaStep("s3", recordingStep(rec, "s3")),
		},
	}
	require.NoError(t, o.RegisterSaga(def))

	// 模拟崩溃前持久化的状态：步骤 0..2 已完成
	state := NewSagaState("saga-resume", "Resumable", Context{})
	state.MarkStepCompleted(0, "s0")
	state.MarkStepCompleted(1, "s1")
	state.MarkStepCompleted(2, "s2")
	require.Equal(t, 2, state.CurrentStep)
	require.NoError(t, store.Save(context.Background(), state))

	require.NoError(t, o.ResumeIncompleteSagas(context.Background()))

	waitForStatus(t, store, SagaStatusCompleted, 1)

	// 步骤 2 不被重跑，只执行步骤 3
	assert.Equal(t, []string{"s3"}, rec.snapshot())
}

// TestOrchestrator_ResumeFreshInstance 未完成任何步骤的实例从步骤 0 恢复
func TestOrchestrator_ResumeFreshInstance(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	rec := &callRecorder{}
	def := &testDefinition{
		name:      "Resumable",
		eventType: "trigger",
		steps: []*SagaStep{
			NewSagaStep("s0", recordingStep(rec, "s0")),
			NewSagaStep("s1", recordingStep(rec, "s1")),
		},
	}
	require.NoError(t, o.RegisterSaga(def))

	// 崩溃发生在初始持久化之后、第一个步骤完成之前
	state := NewSagaState("saga-fresh", "Resumable", Context{})
	require.NoError(t, store.Save(context.Background(), state))

	require.NoError(t, o.ResumeIncompleteSagas(context.Background()))

	waitForStatus(t, store, SagaStatusCompleted, 1)
	assert.Equal(t, []string{"s0", "s1"}, rec.snapshot())
}

// TestOrchestrator_ResumeMissingDefinition 定义缺失时跳过并保留记录
func TestOrchestrator_ResumeMissingDefinition(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	state := NewSagaState("saga-ghost", "Ghost", Context{})
	require.NoError(t, store.Save(context.Background(), state))

	require.NoError(t, o.ResumeIncompleteSagas(context.Background()))

	// 记录保留在 running 状态供人工检查
	loaded, err := store.Load(context.Background(), "saga-ghost")
	require.NoError(t, err)
	assert.Equal(t, SagaStatusRunning, loaded.Status)
	assert.Equal(t, 0, o.ActiveCount())
}

// TestOrchestrator_ConcurrencyCeiling 超出并发上限的实例被丢弃而非排队
func TestOrchestrator_ConcurrencyCeiling(t *testing.T) {
	store := NewMemoryStateStore()
	o := NewOrchestrator(Config{
		StateStore:         store,
		MaxConcurrentSagas: 2,
		Logger:             logging.NewNoopLogger(),
	})

	release := make(chan struct{})
	def := &testDefinition{
		name:      "Bounded",
		eventType: "trigger",
		steps: []*SagaStep{
			NewSagaStep("block", func(ctx context.Context, sctx Context, sagaID string) error {
				<-release
				return nil
			}).WithTimeout(5 * time.Second),
		},
	}
	require.NoError(t, o.RegisterSaga(def))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, o.Handle(ctx, eventing.NewEvent("evt", "trigger", nil)))
	}

	// 只有 2 个实例被创建并持久化，其余 3 个被丢弃
	assert.Equal(t, 2, o.ActiveCount())
	assert.Equal(t, 2, store.Count())

	stats := o.GetMetrics().GetStats()
	assert.Equal(t, int64(2), stats.Types["Bounded"].Started)
	assert.Equal(t, int64(3), stats.Types["Bounded"].Dropped)

	close(release)
	waitForStatus(t, store, SagaStatusCompleted, 2)

	// 容量释放后可以再次启动
	require.Eventually(t, func() bool { return o.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, o.Handle(ctx, eventing.NewEvent("evt", "trigger", nil)))
	waitForStatus(t, store, SagaStatusCompleted, 3)
}

// TestOrchestrator_StepTimeoutTriggersCompensation 超时按步骤失败处理
func TestOrchestrator_StepTimeoutTriggersCompensation(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	rec := &callRecorder{}
	def := &testDefinition{
		name:      "Timeouts",
		eventType: "trigger",
		steps: []*SagaStep{
			NewSagaStep("s0", recordingStep(rec, "s0.execute")).
				WithCompensation(recordingStep(rec, "s0.compensate")),
			NewSagaStep("hang", func(ctx context.Context, sctx Context, sagaID string) error {
				<-ctx.Done() // 永不主动完成
				return ctx.Err()
			}).WithTimeout(50 * time.Millisecond),
		},
	}
	require.NoError(t, o.RegisterSaga(def))

	start := time.Now()
	require.NoError(t, o.Handle(context.Background(), eventing.NewEvent("evt-1", "trigger", nil)))

	states := waitForStatus(t, store, SagaStatusFailed, 1)
	state := states[0]

	assert.Less(t, time.Since(start), 2*time.Second)
	require.NotNil(t, state.Error)
	assert.Equal(t, 1, state.Error.Step)
	assert.Contains(t, state.Error.Message, "50ms")
	assert.Equal(t, []string{"s0.execute", "s0.compensate"}, rec.snapshot())
}

// TestOrchestrator_CancelSaga 取消活跃实例触发补偿
func TestOrchestrator_CancelSaga(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	rec := &callRecorder{}
	started := make(chan string, 1)
	def := &testDefinition{
		name:      "Cancellable",
		eventType: "trigger",
		steps: []*SagaStep{
			NewSagaStep("s0", recordingStep(rec, "s0.execute")).
				WithCompensation(recordingStep(rec, "s0.compensate")),
			NewSagaStep("wait", func(ctx context.Context, sctx Context, sagaID string) error {
				started <- sagaID
				<-ctx.Done()
				return context.Cause(ctx)
			}).WithTimeout(5 * time.Second),
		},
	}
	require.NoError(t, o.RegisterSaga(def))

	require.NoError(t, o.Handle(context.Background(), eventing.NewEvent("evt-1", "trigger", nil)))

	var sagaID string
	select {
	case sagaID = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("saga did not reach the blocking step")
	}

	assert.True(t, o.CancelSaga(sagaID))

	states := waitForStatus(t, store, SagaStatusFailed, 1)
	state := states[0]

	assert.Contains(t, state.Error.Message, "aborted")
	assert.Equal(t, []string{"s0.execute", "s0.compensate"}, rec.snapshot())

	// 已结束或未知的实例取消无效果
	require.Eventually(t, func() bool { return o.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, o.CancelSaga(sagaID))
	assert.False(t, o.CancelSaga("unknown"))
}

// failingSaveStore 可配置 Save 失败的存储包装（测试存储故障策略）
type failingSaveStore struct {
	ISagaStateStore
	mu        sync.Mutex
	failAfter int // 第 failAfter+1 次 Save 开始失败；-1 表示全部失败
	saves     int
}

func (s *failingSaveStore) Save(ctx context.Context, state *SagaState) error {
	s.mu.Lock()
	s.saves++
	fail := s.failAfter < 0 || s.saves > s.failAfter
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.ISagaStateStore.Save(ctx, state)
}

// TestOrchestrator_InitialSaveFailureAbortsStart 初始持久化失败时实例不启动
func TestOrchestrator_InitialSaveFailureAbortsStart(t *testing.T) {
	store := &failingSaveStore{ISagaStateStore: NewMemoryStateStore(), failAfter: -1}
	o := newTestOrchestrator(store)

	executed := false
	def := &testDefinition{
		name:      "A",
		eventType: "trigger",
		steps: []*SagaStep{NewSagaStep("s0", func(ctx context.Context, sctx Context, sagaID string) error {
			executed = true
			return nil
		})},
	}
	require.NoError(t, o.RegisterSaga(def))

	err := o.Handle(context.Background(), eventing.NewEvent("evt-1", "trigger", nil))
	require.Error(t, err)
	assert.Equal(t, 0, o.ActiveCount())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, executed)
}

// TestOrchestrator_MidFlightSaveFailureDoesNotAbort 中途持久化失败不影响业务流程
func TestOrchestrator_MidFlightSaveFailureDoesNotAbort(t *testing.T) {
	store := &failingSaveStore{ISagaStateStore: NewMemoryStateStore(), failAfter: 1}
	o := newTestOrchestrator(store)

	rec := &callRecorder{}
	completed := make(chan struct{})
	def := &testDefinition{
		name:      "A",
		eventType: "trigger",
		steps: []*SagaStep{
			NewSagaStep("s0", recordingStep(rec, "s0")),
			NewSagaStep("s1", recordingStep(rec, "s1")),
		},
		completedHook: func(sagaID string) { close(completed) },
	}
	require.NoError(t, o.RegisterSaga(def))

	require.NoError(t, o.Handle(context.Background(), eventing.NewEvent("evt-1", "trigger", nil)))

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("saga did not complete despite mid-flight save failures")
	}
	assert.Equal(t, []string{"s0", "s1"}, rec.snapshot())
}

// TestOrchestrator_NoMatchNoInstance 无匹配定义时不创建实例
func TestOrchestrator_NoMatchNoInstance(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	def := &testDefinition{
		name:      "A",
		eventType: "order.created",
		steps:     []*SagaStep{NewSagaStep("s0", recordingStep(&callRecorder{}, "s0"))},
	}
	require.NoError(t, o.RegisterSaga(def))

	require.NoError(t, o.Handle(context.Background(), eventing.NewEvent("evt-1", "user.created", nil)))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, store.Count())
}

// TestOrchestrator_Shutdown 排空所有活跃实例
func TestOrchestrator_Shutdown(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	def := &testDefinition{
		name:      "Slow",
		eventType: "trigger",
		steps: []*SagaStep{
			NewSagaStep("s0", func(ctx context.Context, sctx Context, sagaID string) error {
				time.Sleep(50 * time.Millisecond)
				return nil
			}),
		},
	}
	require.NoError(t, o.RegisterSaga(def))

	require.NoError(t, o.Handle(context.Background(), eventing.NewEvent("evt-1", "trigger", nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	assert.Equal(t, 0, o.ActiveCount())

	states, err := store.FindByStatus(context.Background(), SagaStatusCompleted)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

// TestOrchestrator_MetricsDisabled 禁用指标时 GetMetrics 返回 nil 且不 panic
func TestOrchestrator_MetricsDisabled(t *testing.T) {
	store := NewMemoryStateStore()
	o := NewOrchestrator(Config{
		StateStore:     store,
		DisableMetrics: true,
		Logger:         logging.NewNoopLogger(),
	})

	def := &testDefinition{
		name:      "A",
		eventType: "trigger",
		steps:     []*SagaStep{NewSagaStep("s0", recordingStep(&callRecorder{}, "s0"))},
	}
	require.NoError(t, o.RegisterSaga(def))
	require.NoError(t, o.Handle(context.Background(), eventing.NewEvent("evt-1", "trigger", nil)))

	waitForStatus(t, store, SagaStatusCompleted, 1)
	assert.Nil(t, o.GetMetrics())
}

// TestDeclarativeDefinition 声明式定义按事件类型匹配并透传回调
func TestDeclarativeDefinition(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	var completedID string
	var mu sync.Mutex

	def := NewDefinition("Declarative", "order.created",
		NewSagaStep("s0", func(ctx context.Context, sctx Context, sagaID string) error {
			assert.Equal(t, "order-42", sctx["orderId"])
			return nil
		}),
	).WithContextFactory(func(evt eventing.IEvent) Context {
		payload, _ := evt.GetPayload().(map[string]any)
		return Context{"orderId": payload["orderId"]}
	}).WithOnCompleted(func(ctx context.Context, sctx Context, sagaID string) error {
		mu.Lock()
		completedID = sagaID
		mu.Unlock()
		return nil
	})

	assert.True(t, def.CanHandle(eventing.NewEvent("e", "order.created", nil)))
	assert.False(t, def.CanHandle(eventing.NewEvent("e", "order.cancelled", nil)))

	require.NoError(t, o.RegisterSaga(def))
	require.NoError(t, o.Handle(context.Background(),
		eventing.NewEvent("evt-1", "order.created", map[string]any{"orderId": "order-42"})))

	states := waitForStatus(t, store, SagaStatusCompleted, 1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completedID == states[0].SagaID
	}, time.Second, 5*time.Millisecond)
}

// TestOrchestrator_Metrics 成功与失败都被计入指标
func TestOrchestrator_Metrics(t *testing.T) {
	store := NewMemoryStateStore()
	o := newTestOrchestrator(store)

	ok := &testDefinition{
		name:      "OK",
		eventType: "ok",
		steps:     []*SagaStep{NewSagaStep("s0", recordingStep(&callRecorder{}, "s0"))},
	}
	bad := &testDefinition{
		name:      "Bad",
		eventType: "bad",
		steps:     []*SagaStep{NewSagaStep("s0", failingStep(&callRecorder{}, "s0", assert.AnError))},
	}
	require.NoError(t, o.RegisterSaga(ok))
	require.NoError(t, o.RegisterSaga(bad))

	ctx := context.Background()
	require.NoError(t, o.Handle(ctx, eventing.NewEvent("e1", "ok", nil)))
	require.NoError(t, o.Handle(ctx, eventing.NewEvent("e2", "bad", nil)))

	waitForStatus(t, store, SagaStatusCompleted, 1)
	waitForStatus(t, store, SagaStatusFailed, 1)

	require.Eventually(t, func() bool {
		stats := o.GetMetrics().GetStats()
		return stats.Types["OK"].Completed == 1 && stats.Types["Bad"].Failed == 1
	}, time.Second, 5*time.Millisecond)

	stats := o.GetMetrics().GetStats()
	assert.Equal(t, int64(1), stats.Types["OK"].Started)
	assert.Equal(t, 1.0, stats.Types["OK"].SuccessRate)
	assert.Equal(t, int64(1), stats.Types["Bad"].Started)
	assert.Equal(t, 0.0, stats.Types["Bad"].SuccessRate)
}
