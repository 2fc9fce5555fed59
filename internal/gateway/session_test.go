package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoGatewaySession/internal/protocol"
	"GoGatewaySession/internal/store"
)

// fakeConn 内存管道连接：服务端侧直接注入帧和读取错误，
// 不依赖真实网络，场景测试完全确定。
type fakeConn struct {
	in        chan []byte // 服务端 -> 客户端
	out       chan []byte // 客户端 -> 服务端
	readErrCh chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	closeCode int
	url       string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:        make(chan []byte, 64),
		out:       make(chan []byte, 64),
		readErrCh: make(chan error, 1),
		closed:    make(chan struct{}),
	}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.readErrCh:
		return nil, err
	case <-c.closed:
		return nil, &ClosedError{Code: 1000, Reason: "closed"}
	}
}

func (c *fakeConn) Write(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return &ClosedError{Code: 1000, Reason: "closed"}
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// failWith 模拟服务端以指定关闭代码断开
func (c *fakeConn) failWith(code int, reason string) {
	c.readErrCh <- &ClosedError{Code: code, Reason: reason}
}

// sendFrame 服务端下发一帧
func (c *fakeConn) sendFrame(t *testing.T, frame *protocol.Frame) {
	t.Helper()
	raw, err := protocol.EncodeFrame(frame)
	require.NoError(t, err)
	select {
	case c.in <- raw:
	case <-time.After(2 * time.Second):
		t.Fatal("下发帧超时")
	}
}

// expectFrame 读取客户端写出的下一帧
func (c *fakeConn) expectFrame(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case raw := <-c.out:
		frame, err := protocol.DecodeFrame(raw)
		require.NoError(t, err)
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("等待客户端帧超时")
		return nil
	}
}

func (c *fakeConn) hello(t *testing.T, intervalMs int64) {
	t.Helper()
	raw, _ := json.Marshal(protocol.HelloPayload{HeartbeatIntervalMs: intervalMs})
	c.sendFrame(t, &protocol.Frame{Opcode: protocol.OpHello, Payload: raw})
}

func (c *fakeConn) dispatch(t *testing.T, name string, seq int64, payload interface{}) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	c.sendFrame(t, &protocol.Frame{
		Opcode:    protocol.OpDispatch,
		Payload:   raw,
		Sequence:  &seq,
		EventName: name,
	})
}

func (c *fakeConn) ready(t *testing.T, sessionID, resumeURL string, seq int64) {
	t.Helper()
	c.dispatch(t, protocol.EventReady, seq, protocol.ReadyPayload{
		Version:   10,
		SessionID: sessionID,
		ResumeURL: resumeURL,
	})
}

// fakeTransport 按序交付预置连接
type fakeTransport struct {
	conns chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 8)}
}

func (ft *fakeTransport) Connect(ctx context.Context, url string) (Conn, error) {
	select {
	case c := <-ft.conns:
		c.mu.Lock()
		c.url = url
		c.mu.Unlock()
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ft *fakeTransport) offer() *fakeConn {
	c := newFakeConn()
	ft.conns <- c
	return c
}

// testSession 构造带假传输的测试会话（事件收集到evCh）
func testSession(t *testing.T, opts ...Option) (*Session, *fakeTransport, chan Event) {
	t.Helper()

	cfg := DefaultConfig("ws://gateway.local", "test-token")
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond

	ft := newFakeTransport()
	opts = append([]Option{WithTransport(ft)}, opts...)
	s := New(cfg, opts...)

	evCh := make(chan Event, 64)
	s.SetEventHandler(func(ev Event) { evCh <- ev })
	return s, ft, evCh
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("等待状态 %s 超时，当前 %s", want, s.State())
}

func expectEvent(t *testing.T, evCh chan Event) Event {
	t.Helper()
	select {
	case ev := <-evCh:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("等待事件超时")
		return Event{}
	}
}

// 全新握手：Hello → Identify → READY → Ready状态，事件按序投递
func TestSessionFreshHandshake(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn.hello(t, 45000)

	identify := conn.expectFrame(t)
	require.Equal(t, protocol.OpIdentify, identify.Opcode)

	var idPayload protocol.IdentifyPayload
	require.NoError(t, json.Unmarshal(identify.Payload, &idPayload))
	assert.Equal(t, "test-token", idPayload.Token)
	assert.Equal(t, []int{0, 1}, idPayload.Shard)

	conn.ready(t, "sess-1", "ws://resume.local", 1)
	waitState(t, s, StateReady)

	assert.Equal(t, "sess-1", s.SessionID())
	seq, ok := s.Sequence()
	require.True(t, ok)
	assert.Equal(t, int64(1), seq)

	// Dispatch按接收顺序投递
	conn.dispatch(t, "MESSAGE_CREATE", 2, map[string]string{"id": "a"})
	conn.dispatch(t, "MESSAGE_CREATE", 3, map[string]string{"id": "b"})

	first := expectEvent(t, evCh) // READY本身也投递
	assert.Equal(t, protocol.EventReady, first.Name)
	assert.Equal(t, int64(2), expectEvent(t, evCh).Sequence)
	assert.Equal(t, int64(3), expectEvent(t, evCh).Sequence)
}

// 断连后重连走Resume，序列号带上最后观察值
func TestSessionResumeAfterDisconnect(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn1 := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn1.hello(t, 45000)
	conn1.expectFrame(t) // Identify
	conn1.ready(t, "sess-1", "ws://resume.local", 1)
	conn1.dispatch(t, "MESSAGE_CREATE", 5, nil)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)
	expectEvent(t, evCh)

	// 可恢复的断开
	conn2 := ft.offer()
	conn1.failWith(int(protocol.CloseUnknownError), "oops")

	conn2.hello(t, 45000)
	resume := conn2.expectFrame(t)
	require.Equal(t, protocol.OpResume, resume.Opcode)

	var resumePayload protocol.ResumePayload
	require.NoError(t, json.Unmarshal(resume.Payload, &resumePayload))
	assert.Equal(t, "sess-1", resumePayload.SessionID)
	assert.Equal(t, int64(5), resumePayload.Sequence)

	// 重连端点用的是READY里给的恢复端点
	conn2.mu.Lock()
	assert.Equal(t, "ws://resume.local", conn2.url)
	conn2.mu.Unlock()

	// 回放缺失事件后RESUMED收尾
	conn2.dispatch(t, "MESSAGE_CREATE", 6, nil)
	conn2.dispatch(t, "MESSAGE_CREATE", 7, nil)
	conn2.dispatch(t, protocol.EventResumed, 7, nil)
	waitState(t, s, StateReady)

	assert.Equal(t, int64(6), expectEvent(t, evCh).Sequence)
	assert.Equal(t, int64(7), expectEvent(t, evCh).Sequence)
}

// Resuming中收到不可恢复的InvalidSession：同一连接上就地重新认证
func TestSessionInvalidSessionDuringResume(t *testing.T) {
	s, ft, _ := testSession(t)
	s.SeedResumeState(store.ResumeState{SessionID: "stale-sess", Sequence: 42})
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn.hello(t, 45000)
	resume := conn.expectFrame(t)
	require.Equal(t, protocol.OpResume, resume.Opcode)

	// d=false：显式不可恢复
	conn.sendFrame(t, &protocol.Frame{
		Opcode:  protocol.OpInvalidSession,
		Payload: json.RawMessage("false"),
	})

	identify := conn.expectFrame(t)
	require.Equal(t, protocol.OpIdentify, identify.Opcode)

	conn.ready(t, "sess-new", "", 1)
	waitState(t, s, StateReady)
	assert.Equal(t, "sess-new", s.SessionID())
}

// 可恢复的InvalidSession：拆连接，重连继续Resume
func TestSessionInvalidSessionResumable(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn1 := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn1.hello(t, 45000)
	conn1.expectFrame(t)
	conn1.ready(t, "sess-1", "", 3)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)

	conn2 := ft.offer()
	conn1.sendFrame(t, &protocol.Frame{
		Opcode:  protocol.OpInvalidSession,
		Payload: json.RawMessage("true"),
	})

	conn2.hello(t, 45000)
	resume := conn2.expectFrame(t)
	assert.Equal(t, protocol.OpResume, resume.Opcode)
}

// 序列号回退是协议违例：拆连接并强制全新握手
func TestSessionSequenceRegression(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn1 := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn1.hello(t, 45000)
	conn1.expectFrame(t)
	conn1.ready(t, "sess-1", "", 1)
	conn1.dispatch(t, "MESSAGE_CREATE", 10, nil)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)
	expectEvent(t, evCh)

	conn2 := ft.offer()
	conn1.dispatch(t, "MESSAGE_CREATE", 4, nil) // 回退

	conn2.hello(t, 45000)
	next := conn2.expectFrame(t)
	// 会话状态已清空，只能Identify
	assert.Equal(t, protocol.OpIdentify, next.Opcode)
}

// 恢复回放时服务端可能重复边界序列号：去重而非违例
func TestSessionSequenceEqualDeduplicated(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn.hello(t, 45000)
	conn.expectFrame(t)
	conn.ready(t, "sess-1", "", 5)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)

	// 相等序列号的事件视为回放边界重复：丢弃但不算违例
	conn.dispatch(t, "MESSAGE_CREATE", 5, nil)
	conn.dispatch(t, "MESSAGE_CREATE", 6, nil)
	assert.Equal(t, int64(6), expectEvent(t, evCh).Sequence)
	assert.Equal(t, StateReady, s.State())
}

// 服务端Reconnect指令：保留会话状态重连并Resume
func TestSessionServerReconnect(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn1 := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn1.hello(t, 45000)
	conn1.expectFrame(t)
	conn1.ready(t, "sess-1", "", 2)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)

	conn2 := ft.offer()
	conn1.sendFrame(t, &protocol.Frame{Opcode: protocol.OpReconnect})

	conn2.hello(t, 45000)
	resume := conn2.expectFrame(t)
	require.Equal(t, protocol.OpResume, resume.Opcode)

	var resumePayload protocol.ResumePayload
	require.NoError(t, json.Unmarshal(resume.Payload, &resumePayload))
	assert.Equal(t, int64(2), resumePayload.Sequence)
}

// 认证失败关闭代码是终止性失败，绝不重试
func TestSessionAuthFailureTerminal(t *testing.T) {
	s, ft, _ := testSession(t)
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))

	conn.hello(t, 45000)
	conn.expectFrame(t)
	conn.failWith(int(protocol.CloseAuthenticationFailed), "bad token")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("等待会话终止超时")
	}

	assert.ErrorIs(t, s.Err(), ErrAuthFailure)
	assert.Equal(t, StateClosed, s.State())
}

// 分片数超限关闭代码同样终止
func TestSessionFatalCloseCode(t *testing.T) {
	s, ft, _ := testSession(t)
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))

	conn.hello(t, 45000)
	conn.expectFrame(t)
	conn.failWith(int(protocol.CloseShardingRequired), "shard your connection")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("等待会话终止超时")
	}
	assert.ErrorIs(t, s.Err(), ErrFatalClose)
}

// 服务端主动下发Heartbeat操作码：立即回心跳，不等下个tick
func TestSessionServerRequestedHeartbeat(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn.hello(t, 45000)
	conn.expectFrame(t)
	conn.ready(t, "sess-1", "", 7)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)

	conn.sendFrame(t, &protocol.Frame{Opcode: protocol.OpHeartbeat})

	beat := conn.expectFrame(t)
	require.Equal(t, protocol.OpHeartbeat, beat.Opcode)

	var seq *int64
	require.NoError(t, json.Unmarshal(beat.Payload, &seq))
	require.NotNil(t, seq)
	assert.Equal(t, int64(7), *seq)
}

// 心跳周期发送且负载携带当前序列号
func TestSessionHeartbeatLoop(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn.hello(t, 50) // 50ms间隔，真实时钟下很快触发
	conn.expectFrame(t)
	conn.ready(t, "sess-1", "", 1)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)

	beat := conn.expectFrame(t)
	require.Equal(t, protocol.OpHeartbeat, beat.Opcode)
	conn.sendFrame(t, &protocol.Frame{Opcode: protocol.OpHeartbeatAck})

	// 确认后下一个周期照常到来
	beat2 := conn.expectFrame(t)
	assert.Equal(t, protocol.OpHeartbeat, beat2.Opcode)
}

// 心跳超时未确认：拆除连接并重连
func TestSessionHeartbeatStaleTearsDown(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn1 := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn1.hello(t, 30)
	conn1.expectFrame(t)
	conn1.ready(t, "sess-1", "", 1)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)

	conn2 := ft.offer()

	// 不回Ack：第一个心跳发出后，下个到期点判定过期
	beat := conn1.expectFrame(t)
	require.Equal(t, protocol.OpHeartbeat, beat.Opcode)

	conn2.hello(t, 45000)
	resume := conn2.expectFrame(t)
	assert.Equal(t, protocol.OpResume, resume.Opcode)
}

// Ready状态下Send可用，非Ready返回ErrNotReady
func TestSessionSendRequiresReady(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn.hello(t, 45000)
	conn.expectFrame(t)
	conn.ready(t, "sess-1", "", 1)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)

	err := s.UpdatePresence(context.Background(), protocol.UpdatePresencePayload{Status: "online"})
	require.NoError(t, err)

	frame := conn.expectFrame(t)
	assert.Equal(t, protocol.OpPresenceUpdate, frame.Opcode)
}

// 非指令操作码不允许通过Send发出
func TestSessionSendRejectsNonCommand(t *testing.T) {
	s, _, _ := testSession(t)
	err := s.Send(context.Background(), protocol.OpHello, nil)
	require.Error(t, err)
}

// Close在一次循环迭代内被观察到并发出优雅关闭帧
func TestSessionGracefulClose(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))

	conn.hello(t, 45000)
	conn.expectFrame(t)
	conn.ready(t, "sess-1", "", 1)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close超时")
	}

	assert.Equal(t, StateClosed, s.State())
	assert.NoError(t, s.Err())

	conn.mu.Lock()
	assert.Equal(t, 1000, conn.closeCode)
	conn.mu.Unlock()
}

// 重复Start返回ErrAlreadyStarted
func TestSessionDoubleStart(t *testing.T) {
	s, ft, _ := testSession(t)
	ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

// 从未Start过的会话Close后Done也要解除阻塞
func TestSessionCloseWithoutStart(t *testing.T) {
	s, _, _ := testSession(t)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done应在Close后立即就绪")
	}

	// 再次Close幂等
	require.NoError(t, s.Close())
}

// 恢复状态持久化：READY后写入，seq推进后断连时更新，清空会话时删除
func TestSessionResumeStorePersistence(t *testing.T) {
	st := store.NewMemoryStore()
	s, ft, evCh := testSession(t, WithResumeStore(st))
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn.hello(t, 45000)
	conn.expectFrame(t)
	conn.ready(t, "sess-1", "ws://resume.local", 1)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)

	saved, err := st.Load(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "sess-1", saved.SessionID)
	assert.Equal(t, int64(1), saved.Sequence)
	assert.Equal(t, "ws://resume.local", saved.ResumeURL)
}

// 冷启动时从存储载入恢复状态，首连接直接走Resume
func TestSessionResumeFromStoreOnStart(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Save(context.Background(), store.ResumeState{
		ShardID:   0,
		SessionID: "sess-old",
		Sequence:  99,
		ResumeURL: "ws://resume.local",
	}))

	s, ft, _ := testSession(t, WithResumeStore(st))
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn.hello(t, 45000)
	resume := conn.expectFrame(t)
	require.Equal(t, protocol.OpResume, resume.Opcode)

	var resumePayload protocol.ResumePayload
	require.NoError(t, json.Unmarshal(resume.Payload, &resumePayload))
	assert.Equal(t, "sess-old", resumePayload.SessionID)
	assert.Equal(t, int64(99), resumePayload.Sequence)
}

// 状态变化回调按转换顺序触发
func TestSessionStateChangeCallbacks(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn := ft.offer()

	var mu sync.Mutex
	var transitions []State
	s.SetStateChangeHandler(func(old, new State) {
		mu.Lock()
		transitions = append(transitions, new)
		mu.Unlock()
	})

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn.hello(t, 45000)
	conn.expectFrame(t)
	conn.ready(t, "sess-1", "", 1)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateAwaitingHello, StateIdentifying, StateReady}, transitions)
}

// 统计快照包含状态与计数
func TestSessionGetStats(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn.hello(t, 45000)
	conn.expectFrame(t)
	conn.ready(t, "sess-1", "", 3)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)

	stats := s.GetStats()
	assert.Equal(t, "READY", stats["state"])
	assert.Equal(t, "sess-1", stats["session_id"])
	assert.Equal(t, int64(3), stats["sequence"])
}

// 运维侧从其它goroutine读会话快照，与run循环的属性更新并发（-race下验证）
func TestSessionConcurrentSnapshotReads(t *testing.T) {
	s, ft, evCh := testSession(t)
	conn := ft.offer()

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	conn.hello(t, 45000)
	conn.expectFrame(t)
	conn.ready(t, "sess-1", "", 1)
	waitState(t, s, StateReady)
	expectEvent(t, evCh)

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		for i := 0; i < 200; i++ {
			_ = s.SessionID()
			_, _ = s.Sequence()
			_ = s.GetStats()
		}
	}()

	for i := int64(2); i <= 50; i++ {
		conn.dispatch(t, "MESSAGE_CREATE", i, nil)
		expectEvent(t, evCh)
	}
	<-pollDone

	seq, ok := s.Sequence()
	require.True(t, ok)
	assert.Equal(t, int64(50), seq)
	assert.Equal(t, "sess-1", s.SessionID())
}
