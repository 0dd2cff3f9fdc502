// Package eventing 提供触发 Saga 的领域事件抽象
package eventing

import (
	"encoding/json"
	"time"
)

// IEvent 领域事件接口
//
// Saga 编排器通过 CanHandle 谓词检查事件，并根据事件内容创建执行上下文。
// 事件的投递语义（至少一次、去重、确认）由上游传输层负责。
type IEvent interface {
	// GetID 获取事件ID
	GetID() string

	// GetType 获取事件类型
	GetType() string

	// GetTimestamp 获取时间戳
	GetTimestamp() time.Time

	// GetPayload 获取事件数据
	GetPayload() interface{}

	// GetMetadata 获取元数据
	GetMetadata() map[string]interface{}
}

// Event 事件基础实现
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   interface{}            `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// GetID 获取事件ID
func (e *Event) GetID() string {
	return e.ID
}

// GetType 获取事件类型
func (e *Event) GetType() string {
	return e.Type
}

// GetTimestamp 获取时间戳
func (e *Event) GetTimestamp() time.Time {
	return e.Timestamp
}

// GetPayload 获取事件数据
func (e *Event) GetPayload() interface{} {
	return e.Payload
}

// GetMetadata 获取元数据
func (e *Event) GetMetadata() map[string]interface{} {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	return e.Metadata
}

// SetMetadata 设置元数据
func (e *Event) SetMetadata(key string, value interface{}) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
}

// NewEvent 创建新事件
//
// 参数：
//   - eventID: 事件唯一标识
//   - eventType: 事件类型（例如 "order.created"）
//   - payload: 事件数据
func NewEvent(eventID, eventType string, payload interface{}) *Event {
	return &Event{
		ID:        eventID,
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
		Metadata:  make(map[string]interface{}),
	}
}

// Marshal 将事件序列化为 JSON（用于传输层）
func Marshal(evt IEvent) ([]byte, error) {
	e := &Event{
		ID:        evt.GetID(),
		Type:      evt.GetType(),
		Timestamp: evt.GetTimestamp(),
		Payload:   evt.GetPayload(),
		Metadata:  evt.GetMetadata(),
	}
	return json.Marshal(e)
}

// Unmarshal 从 JSON 反序列化事件（用于传输层）
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
