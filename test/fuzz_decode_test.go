package test

import (
	"encoding/json"
	"testing"

	"GoGatewaySession/internal/protocol"
)

// FuzzDecodeFrame 模糊测试帧解码：任意字节输入不应panic，
// 解码成功的帧重新编码再解码应保持语义不变。
func FuzzDecodeFrame(f *testing.F) {
	// 合法帧种子
	f.Add([]byte(`{"op":10,"d":{"heartbeat_interval":45000}}`))
	f.Add([]byte(`{"op":0,"d":{"id":"1"},"s":42,"t":"MESSAGE_CREATE"}`))
	f.Add([]byte(`{"op":11}`))
	f.Add([]byte(`{"op":9,"d":false}`))
	f.Add([]byte(`{"op":1,"d":null}`))
	f.Add([]byte(`{"op":7}`))

	// 边界情况种子
	f.Add([]byte{})
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"d":{}}`))                      // 缺op
	f.Add([]byte(`{"op":0,"d":{}}`))               // Dispatch缺s/t
	f.Add([]byte(`{"op":10,"d":{}}`))              // Hello缺间隔
	f.Add([]byte(`{"op":999,"d":"future"}`))       // 未知操作码
	f.Add([]byte(`{"op":"not-a-number"}`))         // 类型错误
	f.Add([]byte{0xFF, 0xFE, 0x00})                // 非JSON
	f.Add([]byte(`{"op":0,"s":-1,"t":"X","d":1}`)) // 负序列号

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			return
		}

		// 解码成功的帧必须能重新编码
		// （转义膨胀可能让临界大小的帧超限，那不算编码缺陷）
		raw, err := protocol.EncodeFrame(frame)
		if err == protocol.ErrFrameTooLarge {
			return
		}
		if err != nil {
			t.Fatalf("encode failed after successful decode: %v", err)
		}

		// 再解码应保持操作码、序列号和事件名不变
		again, err := protocol.DecodeFrame(raw)
		if err != nil {
			t.Fatalf("re-decode failed: %v", err)
		}
		if again.Opcode != frame.Opcode {
			t.Fatalf("opcode changed: %d -> %d", frame.Opcode, again.Opcode)
		}
		if again.EventName != frame.EventName {
			t.Fatalf("event name changed: %q -> %q", frame.EventName, again.EventName)
		}
		if (frame.Sequence == nil) != (again.Sequence == nil) {
			t.Fatal("sequence presence changed")
		}
		if frame.Sequence != nil && *frame.Sequence != *again.Sequence {
			t.Fatalf("sequence changed: %d -> %d", *frame.Sequence, *again.Sequence)
		}
	})
}

// FuzzHelloPayload 模糊测试Hello负载解析
func FuzzHelloPayload(f *testing.F) {
	f.Add([]byte(`{"heartbeat_interval":45000}`))
	f.Add([]byte(`{"heartbeat_interval":0}`))
	f.Add([]byte(`{"heartbeat_interval":-1}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		if !json.Valid(data) {
			return
		}

		frame := &protocol.Frame{Opcode: protocol.OpHello, Payload: data}
		hello, err := frame.HelloData()
		if err != nil {
			return
		}
		// 解析成功时间隔必须为正
		if hello.HeartbeatIntervalMs <= 0 {
			t.Fatalf("accepted non-positive heartbeat interval: %d", hello.HeartbeatIntervalMs)
		}
	})
}
