package saga

import (
	"sync"
	"time"
)

// durationWindowSize 每个 Saga 类型保留的最近完成耗时样本数
const durationWindowSize = 100

// typeMetrics 单个 Saga 类型的指标
type typeMetrics struct {
	Started   int64 // 启动的实例总数
	Completed int64 // 成功完成的实例总数
	Failed    int64 // 失败的实例总数
	Dropped   int64 // 因并发上限被丢弃的实例总数

	durations []time.Duration // 最近 durationWindowSize 次完成耗时
}

// Metrics Saga 指标收集器
//
// 按 Saga 类型被动计数启动/完成/失败/丢弃，并维护最近
// durationWindowSize 次完成耗时的滚动窗口用于平均值计算。
// 不在关键路径上：没有任何行为依赖这些数字，纯粹用于可观测性。
//
// 所有方法对 nil 接收者安全（指标被禁用时编排器持有 nil）。
type Metrics struct {
	mutex     sync.RWMutex
	types     map[string]*typeMetrics
	startTime time.Time
}

// NewMetrics 创建指标收集器
func NewMetrics() *Metrics {
	return &Metrics{
		types:     make(map[string]*typeMetrics),
		startTime: time.Now(),
	}
}

func (m *Metrics) forType(sagaType string) *typeMetrics {
	tm, ok := m.types[sagaType]
	if !ok {
		tm = &typeMetrics{}
		m.types[sagaType] = tm
	}
	return tm
}

// RecordStarted 记录实例启动
func (m *Metrics) RecordStarted(sagaType string) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.forType(sagaType).Started++
}

// RecordCompleted 记录实例成功完成
func (m *Metrics) RecordCompleted(sagaType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	tm := m.forType(sagaType)
	tm.Completed++
	tm.recordDuration(duration)
}

// RecordFailed 记录实例失败
func (m *Metrics) RecordFailed(sagaType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	tm := m.forType(sagaType)
	tm.Failed++
	tm.recordDuration(duration)
}

// RecordDropped 记录实例因并发上限被丢弃
func (m *Metrics) RecordDropped(sagaType string) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.forType(sagaType).Dropped++
}

func (tm *typeMetrics) recordDuration(d time.Duration) {
	if len(tm.durations) == durationWindowSize {
		copy(tm.durations, tm.durations[1:])
		tm.durations[durationWindowSize-1] = d
		return
	}
	tm.durations = append(tm.durations, d)
}

// TypeStats 单个 Saga 类型的指标快照
type TypeStats struct {
	Started     int64         `json:"started"`
	Completed   int64         `json:"completed"`
	Failed      int64         `json:"failed"`
	Dropped     int64         `json:"dropped"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Stats 全部指标快照
type Stats struct {
	Types  map[string]TypeStats `json:"types"`
	Uptime time.Duration        `json:"uptime"`
}

// GetStats 获取当前指标快照
func (m *Metrics) GetStats() Stats {
	if m == nil {
		return Stats{Types: map[string]TypeStats{}}
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := Stats{
		Types:  make(map[string]TypeStats, len(m.types)),
		Uptime: time.Since(m.startTime),
	}
	for name, tm := range m.types {
		stats.Types[name] = TypeStats{
			Started:     tm.Started,
			Completed:   tm.Completed,
			Failed:      tm.Failed,
			Dropped:     tm.Dropped,
			SuccessRate: successRate(tm.Completed, tm.Started),
			AvgDuration: avgDuration(tm.durations),
		}
	}
	return stats
}

// ToMap 转换为map格式（便于JSON序列化）
func (s Stats) ToMap() map[string]any {
	types := make(map[string]any, len(s.Types))
	for name, ts := range s.Types {
		types[name] = map[string]any{
			"started":         ts.Started,
			"completed":       ts.Completed,
			"failed":          ts.Failed,
			"dropped":         ts.Dropped,
			"success_rate":    ts.SuccessRate,
			"avg_duration_ms": ts.AvgDuration.Milliseconds(),
		}
	}
	return map[string]any{
		"uptime_seconds": s.Uptime.Seconds(),
		"sagas":          types,
	}
}

// helpers
func successRate(completed, started int64) float64 {
	if started == 0 {
		return 0
	}
	return float64(completed) / float64(started)
}

func avgDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples))
}
