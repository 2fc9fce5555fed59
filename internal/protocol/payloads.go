package protocol

// 会话簿记相关的事件名
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

// HelloPayload Hello帧负载 - 服务端在连接建立后下发心跳间隔
type HelloPayload struct {
	HeartbeatIntervalMs int64 `json:"heartbeat_interval"`
}

// ReadyPayload READY事件负载 - 初次握手成功后下发会话信息
type ReadyPayload struct {
	Version   int    `json:"v"`
	SessionID string `json:"session_id"`
	ResumeURL string `json:"resume_gateway_url"`
	Shard     []int  `json:"shard,omitempty"`
}

// ConnectionProperties Identify的连接属性
type ConnectionProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// IdentifyPayload Identify指令负载 - 触发初次握手
type IdentifyPayload struct {
	Token          string               `json:"token"`
	Properties     ConnectionProperties `json:"properties"`
	Compress       bool                 `json:"compress,omitempty"`
	LargeThreshold int                  `json:"large_threshold,omitempty"`
	Shard          []int                `json:"shard,omitempty"`
	Intents        int                  `json:"intents"`
}

// ResumePayload Resume指令负载 - 携带上次会话的id和最后序列号
type ResumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// HeartbeatPayload 心跳负载就是最后收到的Dispatch序列号，
// 没有收到过任何Dispatch时为null，因此用指针表达。
type HeartbeatPayload *int64

// RequestGuildMembersPayload 请求公会成员负载
type RequestGuildMembersPayload struct {
	GuildID   string   `json:"guild_id"`
	Query     string   `json:"query"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// UpdatePresencePayload 状态更新负载
type UpdatePresencePayload struct {
	Since      *int64                   `json:"since"`
	Activities []map[string]interface{} `json:"activities"`
	Status     string                   `json:"status"`
	AFK        bool                     `json:"afk"`
}

// UpdateVoiceStatePayload 语音状态更新负载
type UpdateVoiceStatePayload struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}
