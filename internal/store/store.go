package store

import (
	"context"
	"sync"
)

// ResumeState 一个分片会话的可恢复状态。
// 核心不强制持久化：调用方可以在进程重启后用它尝试Resume而不是
// 重新握手；完全没有持久化时核心照常退化为全新Connecting。
type ResumeState struct {
	ShardID   int    `json:"shard_id"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"sequence"`
	ResumeURL string `json:"resume_url"`
}

// Store 恢复状态存储接口
type Store interface {
	// Save 保存指定分片的恢复状态（覆盖旧值）
	Save(ctx context.Context, state ResumeState) error
	// Load 读取指定分片的恢复状态，不存在时返回(nil, nil)
	Load(ctx context.Context, shardID int) (*ResumeState, error)
	// Clear 清除指定分片的恢复状态（会话被判定不可恢复时）
	Clear(ctx context.Context, shardID int) error
}

// MemoryStore 进程内存储，测试和单进程场景使用
type MemoryStore struct {
	mu     sync.RWMutex
	states map[int]ResumeState
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[int]ResumeState),
	}
}

// Save 保存恢复状态
func (m *MemoryStore) Save(_ context.Context, state ResumeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[state.ShardID] = state
	return nil
}

// Load 读取恢复状态
func (m *MemoryStore) Load(_ context.Context, shardID int) (*ResumeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[shardID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// Clear 清除恢复状态
func (m *MemoryStore) Clear(_ context.Context, shardID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, shardID)
	return nil
}
