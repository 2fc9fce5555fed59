package protocol

// CloseCode 网关关闭代码（4000-4014段为协议自定义）
type CloseCode int

const (
	CloseUnknownError         CloseCode = 4000
	CloseUnknownOpcode        CloseCode = 4001
	CloseDecodeError          CloseCode = 4002
	CloseNotAuthenticated     CloseCode = 4003
	CloseAuthenticationFailed CloseCode = 4004
	CloseAlreadyAuthenticated CloseCode = 4005
	CloseInvalidSeq           CloseCode = 4007
	CloseRateLimited          CloseCode = 4008
	CloseSessionTimedOut      CloseCode = 4009
	CloseInvalidShard         CloseCode = 4010
	CloseShardingRequired     CloseCode = 4011
	CloseInvalidAPIVersion    CloseCode = 4012
	CloseInvalidIntents       CloseCode = 4013
	CloseDisallowedIntents    CloseCode = 4014
)

// IsAuthFailure 判断关闭代码是否代表认证失败。
// 认证失败是致命错误，绝不自动重试。
func (c CloseCode) IsAuthFailure() bool {
	return c == CloseAuthenticationFailed
}

// IsFatal 判断关闭代码是否致命（不应再重连）。
// 认证、分片和intent配置错误重试也不会好转，直接上抛给调用方。
func (c CloseCode) IsFatal() bool {
	switch c {
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return true
	default:
		return false
	}
}

// CanResume 判断断连后是否还可以尝试恢复会话。
// 无效序列号和会话超时说明会话状态已不可信，必须重新握手。
func (c CloseCode) CanResume() bool {
	if c.IsFatal() {
		return false
	}
	switch c {
	case CloseInvalidSeq, CloseSessionTimedOut:
		return false
	default:
		return true
	}
}

// String 关闭代码的可读形式，用于日志
func (c CloseCode) String() string {
	switch c {
	case CloseUnknownError:
		return "UNKNOWN_ERROR"
	case CloseUnknownOpcode:
		return "UNKNOWN_OPCODE"
	case CloseDecodeError:
		return "DECODE_ERROR"
	case CloseNotAuthenticated:
		return "NOT_AUTHENTICATED"
	case CloseAuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	case CloseAlreadyAuthenticated:
		return "ALREADY_AUTHENTICATED"
	case CloseInvalidSeq:
		return "INVALID_SEQ"
	case CloseRateLimited:
		return "RATE_LIMITED"
	case CloseSessionTimedOut:
		return "SESSION_TIMED_OUT"
	case CloseInvalidShard:
		return "INVALID_SHARD"
	case CloseShardingRequired:
		return "SHARDING_REQUIRED"
	case CloseInvalidAPIVersion:
		return "INVALID_API_VERSION"
	case CloseInvalidIntents:
		return "INVALID_INTENTS"
	case CloseDisallowedIntents:
		return "DISALLOWED_INTENTS"
	default:
		return "UNKNOWN"
	}
}
