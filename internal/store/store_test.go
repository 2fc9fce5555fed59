package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryStoreSaveLoad 保存后读取同一分片返回保存值
func TestMemoryStoreSaveLoad(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	state := ResumeState{
		ShardID:   1,
		SessionID: "abc123",
		Sequence:  57,
		ResumeURL: "ws://resume.example",
	}
	require.NoError(t, s.Save(ctx, state))

	loaded, err := s.Load(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, state, *loaded)
}

// TestMemoryStoreLoadMissing 不存在的分片返回(nil, nil)
func TestMemoryStoreLoadMissing(t *testing.T) {
	s := NewMemoryStore()

	loaded, err := s.Load(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

// TestMemoryStoreOverwrite 重复保存覆盖旧值
func TestMemoryStoreOverwrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, ResumeState{ShardID: 0, SessionID: "old", Sequence: 1}))
	require.NoError(t, s.Save(ctx, ResumeState{ShardID: 0, SessionID: "new", Sequence: 99}))

	loaded, err := s.Load(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "new", loaded.SessionID)
	assert.Equal(t, int64(99), loaded.Sequence)
}

// TestMemoryStoreClear 清除后读取返回nil
func TestMemoryStoreClear(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, ResumeState{ShardID: 2, SessionID: "x", Sequence: 5}))
	require.NoError(t, s.Clear(ctx, 2))

	loaded, err := s.Load(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
