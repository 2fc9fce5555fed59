package gateway

import (
	"encoding/json"
)

// Event 投递给应用层的一个事件。
// 解码失败时Payload为nil、DecodeErr携带失败原因，原始负载仍然投递——
// 事件永不静默丢弃。
type Event struct {
	Name      string
	Sequence  int64
	Payload   interface{}
	Raw       json.RawMessage
	DecodeErr error
}

// EventHandler 事件处理器。
// 在独立的投递goroutine中被调用，不会阻塞会话的帧处理循环；
// 处理器自身的慢工作仍应自行移交（如再转发到队列）。
type EventHandler func(event Event)

// EventDecoder 事件模式解码协作方。
// 不在本组件范围内实现，这里只消费其契约。
type EventDecoder interface {
	Decode(eventName string, raw json.RawMessage) (interface{}, error)
}

// RawDecoder 默认解码器：原样透传JSON负载
type RawDecoder struct{}

// Decode 原样返回
func (RawDecoder) Decode(_ string, raw json.RawMessage) (interface{}, error) {
	return raw, nil
}
