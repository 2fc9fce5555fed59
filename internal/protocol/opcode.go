package protocol

// Opcode 网关操作码 - 用于识别不同类型的网关帧
type Opcode int

const (
	// 接收类
	OpDispatch       Opcode = 0  // 服务端事件分发（携带序列号与事件名）
	OpReconnect      Opcode = 7  // 服务端要求重连
	OpInvalidSession Opcode = 9  // 会话无效（d字段显式标记是否可恢复）
	OpHello          Opcode = 10 // 连接建立后的握手帧（携带心跳间隔）
	OpHeartbeatAck   Opcode = 11 // 心跳确认

	// 发送类
	OpHeartbeat           Opcode = 1 // 心跳（服务端也可能主动下发要求立即心跳）
	OpIdentify            Opcode = 2 // 初次握手认证
	OpPresenceUpdate      Opcode = 3 // 状态更新
	OpVoiceStateUpdate    Opcode = 4 // 语音状态更新
	OpResume              Opcode = 6 // 恢复会话
	OpRequestGuildMembers Opcode = 8 // 请求公会成员
)

// String 将操作码转换为可读字符串，用于调试和日志
func (op Opcode) String() string {
	switch op {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpIdentify:
		return "IDENTIFY"
	case OpPresenceUpdate:
		return "PRESENCE_UPDATE"
	case OpVoiceStateUpdate:
		return "VOICE_STATE_UPDATE"
	case OpResume:
		return "RESUME"
	case OpReconnect:
		return "RECONNECT"
	case OpRequestGuildMembers:
		return "REQUEST_GUILD_MEMBERS"
	case OpInvalidSession:
		return "INVALID_SESSION"
	case OpHello:
		return "HELLO"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return "UNKNOWN"
	}
}

// IsKnownOpcode 检查操作码是否在已知集合内。
// 未知操作码不是解码错误：为了前向兼容，它们会原样透传给状态机忽略。
func IsKnownOpcode(op Opcode) bool {
	switch op {
	case OpDispatch, OpHeartbeat, OpIdentify, OpPresenceUpdate,
		OpVoiceStateUpdate, OpResume, OpReconnect,
		OpRequestGuildMembers, OpInvalidSession, OpHello, OpHeartbeatAck:
		return true
	default:
		return false
	}
}

// IsCommandOpcode 判断是否为客户端主动发送的指令类操作码
func IsCommandOpcode(op Opcode) bool {
	switch op {
	case OpIdentify, OpPresenceUpdate, OpVoiceStateUpdate,
		OpResume, OpRequestGuildMembers:
		return true
	default:
		return false
	}
}

// BypassesRateLimit 判断该操作码是否绕过发送限流。
// 心跳绝不能被限流，否则客户端会把自己的存活信号憋死。
// Identify/Resume 仍然计入预算（协议对握手并发另有限制，不在此层豁免）。
func BypassesRateLimit(op Opcode) bool {
	return op == OpHeartbeat
}
