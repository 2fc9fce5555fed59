package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// 最大帧大小限制（防止内存攻击）
	MaxFrameSize = 1024 * 1024 // 1MB
)

var (
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrMissingOpcode    = errors.New("frame missing opcode")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidFrame     = errors.New("invalid frame format")
)

// Frame 表示一个完整的网关帧。
// 线上格式为JSON信封: {"op": 操作码, "d": 负载, "s": 序列号, "t": 事件名}
// 其中s和t仅在Dispatch帧上出现。
type Frame struct {
	Opcode    Opcode          `json:"op"`
	Payload   json.RawMessage `json:"d,omitempty"`
	Sequence  *int64          `json:"s,omitempty"`
	EventName string          `json:"t,omitempty"`
}

// wireFrame 解码用的中间结构：op用指针区分"缺失"和"0"（Dispatch恰好是0）
type wireFrame struct {
	Opcode    *int            `json:"op"`
	Payload   json.RawMessage `json:"d"`
	Sequence  *int64          `json:"s"`
	EventName string          `json:"t"`
}

// EncodeFrame 将帧编码为JSON字节流
func EncodeFrame(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, ErrInvalidFrame
	}

	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame failed: %w", err)
	}

	if len(raw) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	return raw, nil
}

// DecodeFrame 从原始字节流中解码网关帧。
// 缺失操作码或已知操作码的负载形状不合法时返回错误；
// 未知操作码不报错，原样透传（前向兼容）。
func DecodeFrame(raw []byte) (*Frame, error) {
	if len(raw) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	var wf wireFrame
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	if wf.Opcode == nil {
		return nil, ErrMissingOpcode
	}

	frame := &Frame{
		Opcode:    Opcode(*wf.Opcode),
		Payload:   wf.Payload,
		Sequence:  wf.Sequence,
		EventName: wf.EventName,
	}

	if err := validatePayloadShape(frame); err != nil {
		return nil, err
	}

	return frame, nil
}

// validatePayloadShape 对已知操作码做负载形状校验。
// 未知操作码跳过校验，由状态机决定是否忽略。
func validatePayloadShape(f *Frame) error {
	switch f.Opcode {
	case OpDispatch:
		// Dispatch帧必须携带序列号和事件名
		if f.Sequence == nil {
			return fmt.Errorf("%w: dispatch frame without sequence", ErrMalformedPayload)
		}
		if f.EventName == "" {
			return fmt.Errorf("%w: dispatch frame without event name", ErrMalformedPayload)
		}

	case OpHello:
		var hello HelloPayload
		if err := json.Unmarshal(f.Payload, &hello); err != nil || hello.HeartbeatIntervalMs <= 0 {
			return fmt.Errorf("%w: hello frame requires heartbeat_interval", ErrMalformedPayload)
		}

	case OpInvalidSession:
		// d字段是显式的bool：区分"可恢复"和"必须重新认证"
		var resumable bool
		if err := json.Unmarshal(f.Payload, &resumable); err != nil {
			return fmt.Errorf("%w: invalid_session frame requires explicit resumable flag", ErrMalformedPayload)
		}

	case OpHeartbeatAck, OpReconnect:
		// 无负载要求
	}

	return nil
}

// HelloData 解析Hello帧负载
func (f *Frame) HelloData() (*HelloPayload, error) {
	if f.Opcode != OpHello {
		return nil, fmt.Errorf("%w: not a hello frame", ErrInvalidFrame)
	}
	var hello HelloPayload
	if err := json.Unmarshal(f.Payload, &hello); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if hello.HeartbeatIntervalMs <= 0 {
		return nil, fmt.Errorf("%w: hello requires positive heartbeat_interval", ErrMalformedPayload)
	}
	return &hello, nil
}

// InvalidSessionResumable 解析InvalidSession帧的可恢复标记
func (f *Frame) InvalidSessionResumable() (bool, error) {
	if f.Opcode != OpInvalidSession {
		return false, fmt.Errorf("%w: not an invalid_session frame", ErrInvalidFrame)
	}
	var resumable bool
	if err := json.Unmarshal(f.Payload, &resumable); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return resumable, nil
}

// ReadyData 解析Ready事件负载（Dispatch帧，事件名READY）
func (f *Frame) ReadyData() (*ReadyPayload, error) {
	if f.Opcode != OpDispatch || f.EventName != EventReady {
		return nil, fmt.Errorf("%w: not a ready dispatch", ErrInvalidFrame)
	}
	var ready ReadyPayload
	if err := json.Unmarshal(f.Payload, &ready); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ready.SessionID == "" {
		return nil, fmt.Errorf("%w: ready dispatch without session_id", ErrMalformedPayload)
	}
	return &ready, nil
}

// NewDispatchFrame 构造一个Dispatch帧（测试服务器使用）
func NewDispatchFrame(eventName string, seq int64, payload interface{}) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch payload failed: %w", err)
	}
	return &Frame{
		Opcode:    OpDispatch,
		Payload:   raw,
		Sequence:  &seq,
		EventName: eventName,
	}, nil
}

// NewCommandFrame 构造一个指令帧
func NewCommandFrame(op Opcode, payload interface{}) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal command payload failed: %w", err)
	}
	return &Frame{Opcode: op, Payload: raw}, nil
}
