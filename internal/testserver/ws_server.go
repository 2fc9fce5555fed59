// Package testserver 测试用网关服务器：完整实现Hello/Identify/Resume
// 握手、心跳确认、带序列号的事件下发和故障注入，供集成测试驱动
// 真实WebSocket链路。
package testserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"GoGatewaySession/internal/protocol"
)

// ServerConfig 测试服务器配置
type ServerConfig struct {
	Addr                string
	Token               string        // 期望的认证token，不匹配时以4004关闭
	HeartbeatIntervalMs int64         // 下发给客户端的心跳间隔
	ReplayWindow        int           // 每会话保留的可回放事件条数
	IdentifyTimeout     time.Duration // 等待首条Identify/Resume的超时
	MaxConnections      int
	ReadBufferSize      int
	WriteBufferSize     int
	EnableCompression   bool
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:                addr,
		Token:               "test-token",
		HeartbeatIntervalMs: 45000,
		ReplayWindow:        256,
		IdentifyTimeout:     10 * time.Second,
		MaxConnections:      1000,
		ReadBufferSize:      1024,
		WriteBufferSize:     1024,
		EnableCompression:   false,
	}
}

// sessionRecord 服务端侧的会话记录：恢复判定和事件回放都靠它
type sessionRecord struct {
	mu     sync.Mutex
	id     string
	seq    int64
	events []*protocol.Frame // 回放缓冲，按序列号升序
}

func (r *sessionRecord) nextSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

func (r *sessionRecord) remember(frame *protocol.Frame, window int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, frame)
	if len(r.events) > window {
		r.events = r.events[len(r.events)-window:]
	}
}

// replayable 判断客户端声明的序列号是否还在回放窗口内
func (r *sessionRecord) replayable(fromSeq int64) ([]*protocol.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fromSeq > r.seq {
		return nil, false // 客户端声明了未来的序列号
	}
	if len(r.events) > 0 && fromSeq < *r.events[0].Sequence-1 {
		return nil, false // 缺口超出缓冲
	}

	var missed []*protocol.Frame
	for _, ev := range r.events {
		if *ev.Sequence > fromSeq {
			missed = append(missed, ev)
		}
	}
	return missed, true
}

// Connection 表示一个WebSocket连接
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	ShardID int

	session *sessionRecord
	pushCh  chan *protocol.Frame

	stopChan  chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Server 测试用网关服务器
type Server struct {
	config   *ServerConfig
	server   *http.Server
	upgrader websocket.Upgrader

	// 连接管理
	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	// 会话注册表
	sessionMu  sync.Mutex
	sessions   map[string]*sessionRecord
	sessionSeq atomic.Uint64

	stopCh    chan struct{}
	isRunning atomic.Bool

	// 故障注入
	rejectResume   atomic.Bool // Resume一律回不可恢复的InvalidSession
	dropHeartbeats atomic.Bool // 不再回HeartbeatAck

	// 统计信息
	totalConnections   atomic.Uint64
	identifiesReceived atomic.Uint64
	resumesReceived    atomic.Uint64
	heartbeatsReceived atomic.Uint64

	// 非心跳帧到达时间，用于核验客户端限流
	frameMu    sync.Mutex
	frameTimes []time.Time
}

// New 创建新的测试服务器
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig("127.0.0.1:0")
	}

	server := &Server{
		config:   config,
		sessions: make(map[string]*sessionRecord),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		stopCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", server.handleWebSocket)

	server.server = &http.Server{
		Addr:    config.Addr,
		Handler: mux,
	}

	return server
}

// Start 启动服务器
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	log.Printf("Starting mock gateway on %s", s.config.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// URL 网关端点
func (s *Server) URL() string {
	return fmt.Sprintf("ws://%s/gateway", s.config.Addr)
}

// Shutdown 关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	close(s.stopCh)

	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		conn.safeClose()
		return true
	})
	s.connWg.Wait()

	return s.server.Shutdown(ctx)
}

// handleWebSocket 处理WebSocket连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	connID := fmt.Sprintf("conn_%d_%d", time.Now().UnixNano(), s.totalConnections.Add(1))
	conn := &Connection{
		ID:       connID,
		Conn:     wsConn,
		pushCh:   make(chan *protocol.Frame, 64),
		stopChan: make(chan struct{}),
	}

	s.connections.Store(connID, conn)
	s.connCount.Add(1)
	s.connWg.Add(1)

	go func() {
		defer func() {
			conn.safeClose()
			conn.Conn.Close()
			s.connections.Delete(connID)
			s.connCount.Add(-1)
			s.connWg.Done()
		}()
		s.handleConnection(conn)
	}()
}

// handleConnection 处理单个连接的生命周期：
// Hello → 等Identify/Resume → 稳态（心跳确认 + 下发注入事件）
func (s *Server) handleConnection(conn *Connection) {
	helloRaw, _ := json.Marshal(protocol.HelloPayload{HeartbeatIntervalMs: s.config.HeartbeatIntervalMs})
	if err := s.writeFrame(conn, &protocol.Frame{Opcode: protocol.OpHello, Payload: helloRaw}); err != nil {
		return
	}

	if !s.handleHandshake(conn) {
		return
	}

	go s.pushLoop(conn)
	s.readLoop(conn)
}

// handleHandshake 等待并处理首条Identify/Resume。
// 就地重新认证也在这里闭环：不可恢复的Resume回InvalidSession后
// 继续等下一条Identify，不拆连接。
func (s *Server) handleHandshake(conn *Connection) bool {
	deadline := time.Now().Add(s.config.IdentifyTimeout)

	for {
		conn.Conn.SetReadDeadline(deadline)
		_, rawData, err := conn.Conn.ReadMessage()
		if err != nil {
			log.Printf("Read handshake message failed: %v", err)
			return false
		}
		s.recordFrameTime()

		frame, err := protocol.DecodeFrame(rawData)
		if err != nil {
			log.Printf("Handshake decode failed: %v", err)
			return false
		}

		switch frame.Opcode {
		case protocol.OpIdentify:
			return s.handleIdentify(conn, frame)

		case protocol.OpResume:
			done, ok := s.handleResume(conn, frame)
			if done {
				return ok
			}
			// 不可恢复：已回InvalidSession(false)，等客户端就地Identify

		default:
			log.Printf("Unexpected handshake opcode: %s", frame.Opcode)
			s.closeWith(conn, protocol.CloseNotAuthenticated, "identify first")
			return false
		}
	}
}

// handleIdentify 认证并建立新会话
func (s *Server) handleIdentify(conn *Connection, frame *protocol.Frame) bool {
	s.identifiesReceived.Add(1)

	var identify protocol.IdentifyPayload
	if err := json.Unmarshal(frame.Payload, &identify); err != nil {
		s.closeWith(conn, protocol.CloseDecodeError, "bad identify")
		return false
	}

	if identify.Token != s.config.Token {
		log.Printf("Authentication failed for %s", conn.ID)
		s.closeWith(conn, protocol.CloseAuthenticationFailed, "authentication failed")
		return false
	}

	shardID := 0
	if len(identify.Shard) == 2 {
		shardID = identify.Shard[0]
	}
	conn.ShardID = shardID

	record := &sessionRecord{id: fmt.Sprintf("mock-sess-%d", s.sessionSeq.Add(1))}
	s.sessionMu.Lock()
	s.sessions[record.id] = record
	s.sessionMu.Unlock()
	conn.session = record

	readyRaw, _ := json.Marshal(protocol.ReadyPayload{
		Version:   10,
		SessionID: record.id,
		ResumeURL: s.URL(),
		Shard:     identify.Shard,
	})
	seq := record.nextSeq()
	ready := &protocol.Frame{
		Opcode:    protocol.OpDispatch,
		Payload:   readyRaw,
		Sequence:  &seq,
		EventName: protocol.EventReady,
	}
	record.remember(ready, s.config.ReplayWindow)

	log.Printf("Session established: %s (shard %d)", record.id, shardID)
	return s.writeFrame(conn, ready) == nil
}

// handleResume 处理恢复请求。
// 返回 (是否结束握手, 握手是否成功)。
func (s *Server) handleResume(conn *Connection, frame *protocol.Frame) (bool, bool) {
	s.resumesReceived.Add(1)

	var resume protocol.ResumePayload
	if err := json.Unmarshal(frame.Payload, &resume); err != nil {
		s.closeWith(conn, protocol.CloseDecodeError, "bad resume")
		return true, false
	}

	if resume.Token != s.config.Token {
		s.closeWith(conn, protocol.CloseAuthenticationFailed, "authentication failed")
		return true, false
	}

	s.sessionMu.Lock()
	record := s.sessions[resume.SessionID]
	s.sessionMu.Unlock()

	var missed []*protocol.Frame
	replayOK := false
	if record != nil && !s.rejectResume.Load() {
		missed, replayOK = record.replayable(resume.Sequence)
	}

	if !replayOK {
		// 显式不可恢复：客户端应就地重新认证
		log.Printf("Resume rejected for session %s (seq %d)", resume.SessionID, resume.Sequence)
		if record != nil {
			s.sessionMu.Lock()
			delete(s.sessions, resume.SessionID)
			s.sessionMu.Unlock()
		}
		s.writeFrame(conn, &protocol.Frame{
			Opcode:  protocol.OpInvalidSession,
			Payload: json.RawMessage("false"),
		})
		return false, false
	}

	conn.session = record
	for _, ev := range missed {
		if err := s.writeFrame(conn, ev); err != nil {
			return true, false
		}
	}

	record.mu.Lock()
	resumedSeq := record.seq
	record.mu.Unlock()
	resumed := &protocol.Frame{
		Opcode:    protocol.OpDispatch,
		Payload:   json.RawMessage("null"),
		Sequence:  &resumedSeq,
		EventName: protocol.EventResumed,
	}

	log.Printf("Session resumed: %s (replayed %d events)", record.id, len(missed))
	return true, s.writeFrame(conn, resumed) == nil
}

// readLoop 稳态读取循环：确认心跳，其余指令只计数
func (s *Server) readLoop(conn *Connection) {
	conn.Conn.SetReadDeadline(time.Time{})

	for {
		_, rawData, err := conn.Conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := protocol.DecodeFrame(rawData)
		if err != nil {
			log.Printf("Decode failed on %s: %v", conn.ID, err)
			s.closeWith(conn, protocol.CloseDecodeError, "decode error")
			return
		}

		if frame.Opcode == protocol.OpHeartbeat {
			s.heartbeatsReceived.Add(1)
			if s.dropHeartbeats.Load() {
				continue
			}
			if err := s.writeFrame(conn, &protocol.Frame{Opcode: protocol.OpHeartbeatAck}); err != nil {
				return
			}
			continue
		}

		s.recordFrameTime()
	}
}

// pushLoop 将注入的帧写给客户端
func (s *Server) pushLoop(conn *Connection) {
	for {
		select {
		case <-conn.stopChan:
			return
		case frame := <-conn.pushCh:
			if err := s.writeFrame(conn, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *Connection, frame *protocol.Frame) error {
	raw, err := protocol.EncodeFrame(frame)
	if err != nil {
		return err
	}
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.Conn.WriteMessage(websocket.TextMessage, raw)
}

// closeWith 发送关闭帧后断开
func (s *Server) closeWith(conn *Connection, code protocol.CloseCode, reason string) {
	conn.writeMu.Lock()
	conn.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(int(code), reason),
		time.Now().Add(time.Second))
	conn.writeMu.Unlock()
	conn.safeClose()
	conn.Conn.Close()
}

// Dispatch 向所有活跃连接下发一个事件（每会话独立编号并进入回放缓冲）
func (s *Server) Dispatch(eventName string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		if conn.session == nil {
			return true
		}
		seq := conn.session.nextSeq()
		frame := &protocol.Frame{
			Opcode:    protocol.OpDispatch,
			Payload:   raw,
			Sequence:  &seq,
			EventName: eventName,
		}
		conn.session.remember(frame, s.config.ReplayWindow)
		select {
		case conn.pushCh <- frame:
		case <-conn.stopChan:
		}
		return true
	})
	return nil
}

// DisconnectAll 以指定关闭代码断开所有连接（会话记录保留，可Resume）
func (s *Server) DisconnectAll(code protocol.CloseCode, reason string) {
	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		s.closeWith(conn, code, reason)
		return true
	})
}

// RequestReconnect 向所有连接下发Reconnect指令
func (s *Server) RequestReconnect() {
	s.broadcast(&protocol.Frame{Opcode: protocol.OpReconnect})
}

// InvalidateSessions 向所有连接下发InvalidSession；
// resumable=false时同时丢弃服务端会话记录。
func (s *Server) InvalidateSessions(resumable bool) {
	payload := json.RawMessage("true")
	if !resumable {
		payload = json.RawMessage("false")
		s.sessionMu.Lock()
		s.sessions = make(map[string]*sessionRecord)
		s.sessionMu.Unlock()
	}
	s.broadcast(&protocol.Frame{Opcode: protocol.OpInvalidSession, Payload: payload})
}

// SetRejectResume 注入恢复失败：后续所有Resume都回不可恢复
func (s *Server) SetRejectResume(reject bool) {
	s.rejectResume.Store(reject)
}

// SetDropHeartbeats 注入心跳黑洞：收到心跳不再确认
func (s *Server) SetDropHeartbeats(drop bool) {
	s.dropHeartbeats.Store(drop)
}

func (s *Server) broadcast(frame *protocol.Frame) {
	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		select {
		case conn.pushCh <- frame:
		case <-conn.stopChan:
		}
		return true
	})
}

// ConnectionCount 当前活跃连接数
func (s *Server) ConnectionCount() int {
	return int(s.connCount.Load())
}

// recordFrameTime 记录一个非心跳客户端帧的到达时间
func (s *Server) recordFrameTime() {
	s.frameMu.Lock()
	s.frameTimes = append(s.frameTimes, time.Now())
	s.frameMu.Unlock()
}

// MaxFramesInWindow 统计任意滑动窗口内收到的最大非心跳帧数，
// 用于核验客户端侧限流确实生效。
func (s *Server) MaxFramesInWindow(window time.Duration) int {
	s.frameMu.Lock()
	times := make([]time.Time, len(s.frameTimes))
	copy(times, s.frameTimes)
	s.frameMu.Unlock()

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	maxCount := 0
	start := 0
	for end := range times {
		for times[end].Sub(times[start]) > window {
			start++
		}
		if count := end - start + 1; count > maxCount {
			maxCount = count
		}
	}
	return maxCount
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"active_connections":  s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"identifies_received": s.identifiesReceived.Load(),
		"resumes_received":    s.resumesReceived.Load(),
		"heartbeats_received": s.heartbeatsReceived.Load(),
	}
}
