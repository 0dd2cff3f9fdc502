package saga

import (
	"encoding/json"
	"time"
)

// SagaStatus Saga 状态枚举
type SagaStatus string

const (
	// SagaStatusRunning 执行中
	SagaStatusRunning SagaStatus = "running"

	// SagaStatusCompensating 补偿中
	SagaStatusCompensating SagaStatus = "compensating"

	// SagaStatusCompleted 已完成
	SagaStatusCompleted SagaStatus = "completed"

	// SagaStatusFailed 已失败
	SagaStatusFailed SagaStatus = "failed"
)

// StepError 步骤失败信息
type StepError struct {
	// Message 错误消息
	Message string `json:"message"`

	// Step 失败步骤索引
	Step int `json:"step"`

	// Timestamp 失败时间
	Timestamp time.Time `json:"timestamp"`
}

// CompensationEntry 补偿日志条目
//
// 每次补偿尝试（包括失败的）追加一条，仅追加、永不改写，
// 为运维提供完整的回滚审计轨迹。
type CompensationEntry struct {
	// Step 被补偿的步骤索引
	Step int `json:"step"`

	// Action 步骤名称
	Action string `json:"action"`

	// Timestamp 补偿时间
	Timestamp time.Time `json:"timestamp"`

	// Success 补偿是否成功
	Success bool `json:"success"`
}

// SagaState Saga 实例状态
//
// 持久化单元，每个运行中/已结束的 Saga 实例对应一条记录。
// 状态存储是跨进程重启的唯一事实来源，内存中的副本只是它的缓存。
//
// CurrentStep 语义：
//   - running 状态下为最后完成（或正在尝试）的步骤索引，单调不减
//   - compensating 状态下为当前补偿的步骤索引，单调不增
//   - len(CompletedSteps) 始终等于下一个待执行的步骤索引（用于恢复）
type SagaState struct {
	// SagaID Saga 实例唯一标识
	SagaID string `json:"saga_id" db:"saga_id"`

	// SagaType 来源定义的名称
	SagaType string `json:"saga_type" db:"saga_type"`

	// Status 实例状态
	Status SagaStatus `json:"status" db:"status"`

	// CurrentStep 当前步骤索引（从 0 开始）
	CurrentStep int `json:"current_step" db:"current_step"`

	// CompletedSteps 已完成的步骤名称列表
	CompletedSteps []string `json:"completed_steps" db:"completed_steps"`

	// Context Saga 执行上下文（JSON 可序列化）
	Context Context `json:"context,omitempty" db:"context"`

	// StartedAt 启动时间
	StartedAt time.Time `json:"started_at" db:"started_at"`

	// UpdatedAt 最近更新时间
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// CompletedAt 完成时间（仅终态）
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// Error 失败信息（仅失败时设置）
	Error *StepError `json:"error,omitempty" db:"error"`

	// CompensationLog 补偿日志（仅追加）
	CompensationLog []CompensationEntry `json:"compensation_log,omitempty" db:"compensation_log"`
}

// NewSagaState 创建新的 Saga 实例状态
//
// 参数：
//   - sagaID: Saga 实例 ID
//   - sagaType: Saga 类型名称
//   - sctx: 初始执行上下文
//
// 返回：
//   - *SagaState: status=running、currentStep=0 的初始状态
func NewSagaState(sagaID, sagaType string, sctx Context) *SagaState {
	now := time.Now()
	return &SagaState{
		SagaID:         sagaID,
		SagaType:       sagaType,
		Status:         SagaStatusRunning,
		CurrentStep:    0,
		CompletedSteps: []string{},
		Context:        sctx,
		StartedAt:      now,
		UpdatedAt:      now,
	}
}

// NextStep 返回下一个待执行的步骤索引
//
// 恢复路径据此继续执行：已完成 n 个步骤则从索引 n 开始。
// 尚未完成任何步骤的新实例返回 0。
func (s *SagaState) NextStep() int {
	return len(s.CompletedSteps)
}

// MarkStepCompleted 标记步骤完成
//
// 参数：
//   - index: 步骤索引
//   - stepName: 步骤名称
func (s *SagaState) MarkStepCompleted(index int, stepName string) {
	s.CurrentStep = index
	s.CompletedSteps = append(s.CompletedSteps, stepName)
	s.UpdatedAt = time.Now()
}

// MarkFailed 标记 Saga 失败
//
// 参数：
//   - stepIndex: 失败步骤索引
//   - err: 失败原因
func (s *SagaState) MarkFailed(stepIndex int, err error) {
	now := time.Now()
	s.Status = SagaStatusFailed
	s.CurrentStep = stepIndex
	s.Error = &StepError{
		Message:   err.Error(),
		Step:      stepIndex,
		Timestamp: now,
	}
	s.CompletedAt = &now
	s.UpdatedAt = now
}

// RecordStepError 记录失败步骤信息（不迁移状态）
//
// 失败路径先记录错误再进入补偿，终态由补偿结束时的
// MarkCompensationFinished 落定。
func (s *SagaState) RecordStepError(stepIndex int, err error) {
	s.CurrentStep = stepIndex
	s.Error = &StepError{
		Message:   err.Error(),
		Step:      stepIndex,
		Timestamp: time.Now(),
	}
	s.UpdatedAt = time.Now()
}

// MarkCompensationFinished 补偿结束后回到失败终态
//
// 无论个别补偿是否成功，完整回滚扫描结束后实例都落在 failed，
// 绝不停留在 compensating。
func (s *SagaState) MarkCompensationFinished() {
	now := time.Now()
	s.Status = SagaStatusFailed
	s.CompletedAt = &now
	s.UpdatedAt = now
}

// MarkCompensating 标记开始补偿
func (s *SagaState) MarkCompensating() {
	s.Status = SagaStatusCompensating
	s.UpdatedAt = time.Now()
}

// MarkCompleted 标记 Saga 完成
func (s *SagaState) MarkCompleted() {
	now := time.Now()
	s.Status = SagaStatusCompleted
	s.CompletedAt = &now
	s.UpdatedAt = now
}

// AppendCompensation 追加补偿日志条目
//
// 参数：
//   - step: 被补偿的步骤索引
//   - action: 步骤名称
//   - success: 补偿是否成功
func (s *SagaState) AppendCompensation(step int, action string, success bool) {
	s.CompensationLog = append(s.CompensationLog, CompensationEntry{
		Step:      step,
		Action:    action,
		Timestamp: time.Now(),
		Success:   success,
	})
	s.UpdatedAt = time.Now()
}

// IsRunning 检查是否正在运行
func (s *SagaState) IsRunning() bool {
	return s.Status == SagaStatusRunning
}

// IsCompensating 检查是否正在补偿
func (s *SagaState) IsCompensating() bool {
	return s.Status == SagaStatusCompensating
}

// IsCompleted 检查是否已完成
func (s *SagaState) IsCompleted() bool {
	return s.Status == SagaStatusCompleted
}

// IsFailed 检查是否已失败
func (s *SagaState) IsFailed() bool {
	return s.Status == SagaStatusFailed
}

// IsTerminal 检查是否处于终态
func (s *SagaState) IsTerminal() bool {
	return s.IsCompleted() || s.IsFailed()
}

// Clone 克隆状态
//
// 存储实现用它在读写边界做深拷贝，避免调用方与存储共享可变切片。
func (s *SagaState) Clone() *SagaState {
	clone := &SagaState{
		SagaID:      s.SagaID,
		SagaType:    s.SagaType,
		Status:      s.Status,
		CurrentStep: s.CurrentStep,
		StartedAt:   s.StartedAt,
		UpdatedAt:   s.UpdatedAt,
	}

	clone.CompletedSteps = make([]string, len(s.CompletedSteps))
	copy(clone.CompletedSteps, s.CompletedSteps)

	if s.Context != nil {
		clone.Context = make(Context, len(s.Context))
		for k, v := range s.Context {
			clone.Context[k] = v
		}
	}

	if s.CompletedAt != nil {
		t := *s.CompletedAt
		clone.CompletedAt = &t
	}

	if s.Error != nil {
		e := *s.Error
		clone.Error = &e
	}

	if s.CompensationLog != nil {
		clone.CompensationLog = make([]CompensationEntry, len(s.CompensationLog))
		copy(clone.CompensationLog, s.CompensationLog)
	}

	return clone
}

// ToJSON 转换为 JSON
func (s *SagaState) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// FromJSON 从 JSON 加载
func (s *SagaState) FromJSON(data []byte) error {
	return json.Unmarshal(data, s)
}
