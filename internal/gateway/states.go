package gateway

// State 会话状态机状态
type State int32

const (
	StateConnecting State = iota
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateReady
	StateDegraded
	StateReconnecting
	StateClosed
)

// String 将状态转换为可读字符串，用于调试和日志
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingHello:
		return "AWAITING_HELLO"
	case StateIdentifying:
		return "IDENTIFYING"
	case StateResuming:
		return "RESUMING"
	case StateReady:
		return "READY"
	case StateDegraded:
		return "DEGRADED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState State)
