package gateway

import (
	"errors"
	"fmt"

	"GoGatewaySession/internal/protocol"
)

// 错误分类：
//   - ErrTransport       连接断开/DNS/TLS失败，总是可通过退避重连恢复
//   - 协议违例            畸形帧、序列号回退、当前状态下的意外操作码；
//     记日志、拆除连接并强制全新握手（会话状态已不可信，绝不静默恢复）
//   - ErrAuthFailure     凭证被拒，致命，上抛给调用方，不自动重试
//   - 限流                内部消化，等待解决，从不作为失败上抛
//   - ErrHeartbeatStale  按传输错误处理，走重连
var (
	ErrTransport        = errors.New("transport error")
	ErrAuthFailure      = errors.New("authentication failed")
	ErrHeartbeatStale   = errors.New("heartbeat stale")
	ErrFatalClose       = errors.New("fatal close code")
	ErrRetriesExceeded  = errors.New("handshake retries exceeded")
	ErrSessionClosed    = errors.New("session closed")
	ErrNotReady         = errors.New("session not ready")
	ErrServerReconnect  = errors.New("server requested reconnect")
	ErrInvalidSession   = errors.New("session invalidated by server")
	ErrAlreadyStarted   = errors.New("session already started")
)

// ProtocolViolationError 协议违例：连接会被拆除并强制全新握手
type ProtocolViolationError struct {
	Reason string
	Frame  *protocol.Frame
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// ClosedError 传输层带关闭代码的断开
type ClosedError struct {
	Code   int
	Reason string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("connection closed: code=%d reason=%q", e.Code, e.Reason)
}

// CloseCode 转换为协议关闭代码
func (e *ClosedError) CloseCode() protocol.CloseCode {
	return protocol.CloseCode(e.Code)
}

// IsTerminal 判断错误是否终止性（不再自动重试）
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuthFailure) ||
		errors.Is(err, ErrFatalClose) ||
		errors.Is(err, ErrRetriesExceeded)
}
