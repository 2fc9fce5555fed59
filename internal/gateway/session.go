package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"GoGatewaySession/internal/heartbeat"
	"GoGatewaySession/internal/protocol"
	"GoGatewaySession/internal/ratelimit"
	"GoGatewaySession/internal/store"
)

// Config 会话配置
type Config struct {
	GatewayURL string // 初始发现端点
	Token      string
	Intents    int

	ShardID    int
	ShardCount int

	Properties     protocol.ConnectionProperties
	LargeThreshold int
	Compress       bool

	HandshakeTimeout    time.Duration
	ReconnectBaseDelay  time.Duration // 退避下限，Ready后重置回这里
	ReconnectMaxDelay   time.Duration // 退避上限
	MaxHandshakeRetries int           // 连续握手失败超过该值作为终止性失败上抛

	DeliveryBuffer int // 事件投递队列容量
	CommandBuffer  int // 指令队列容量
	UserAgent      string
}

// DefaultConfig 返回默认配置
func DefaultConfig(url, token string) *Config {
	return &Config{
		GatewayURL:          url,
		Token:               token,
		Properties:          protocol.ConnectionProperties{OS: "linux", Browser: "GoGatewaySession", Device: "GoGatewaySession"},
		LargeThreshold:      50,
		ShardCount:          1,
		HandshakeTimeout:    10 * time.Second,
		ReconnectBaseDelay:  time.Second,
		ReconnectMaxDelay:   60 * time.Second,
		MaxHandshakeRetries: 10,
		DeliveryBuffer:      256,
		CommandBuffer:       64,
		UserAgent:           "GoGatewaySession/1.0",
	}
}

// Session 网关会话状态机。
// 一个Session独占拥有一条逻辑连接的全部会话属性（session_id、
// resume_url、序列号、心跳间隔、分片标识），这些属性只在run循环内
// 因收到的帧而变化——状态转换永远不会和自身并发求值。
//
// 三路事件源（入站帧、心跳tick/超时、调用方指令）复用进同一个有序
// 决策循环；事件投递走独立队列，解码和应用回调不会阻塞帧处理。
type Session struct {
	config    *Config
	transport Transport
	decoder   EventDecoder
	limiter   *ratelimit.Limiter
	hb        *heartbeat.Timer
	clk       clock.Clock
	resume    store.Store

	state   atomic.Int32
	started atomic.Bool

	onState StateChangeHandler
	onEvent EventHandler

	// 会话属性：仅由run循环修改；attrMu保护跨协程的快照读取
	attrMu            sync.RWMutex
	sessionID         string
	resumeURL         string
	sequence          *int64
	heartbeatInterval time.Duration
	handshakeFails    int
	sawReady          bool // 本次连接是否到达过Ready（用于重置退避）

	cmdCh      chan *outboundCommand
	deliveryCh chan Event
	stopCh     chan struct{}
	stopOnce   sync.Once
	doneOnce   sync.Once
	doneCh     chan struct{}

	termMu  sync.Mutex
	termErr error

	// 统计
	reconnects    atomic.Int32
	beatsSent     atomic.Int64
	delivered     atomic.Int64
	throttleWaits atomic.Int64
}

// outboundCommand 一条待发送的指令
type outboundCommand struct {
	op      protocol.Opcode
	payload interface{}
	result  chan error
}

// Option 会话选项
type Option func(*Session)

// WithTransport 注入传输实现（测试用）
func WithTransport(t Transport) Option {
	return func(s *Session) { s.transport = t }
}

// WithDecoder 注入事件模式解码器
func WithDecoder(d EventDecoder) Option {
	return func(s *Session) { s.decoder = d }
}

// WithResumeStore 注入恢复状态存储（可选，跨进程重启恢复会话用）
func WithResumeStore(st store.Store) Option {
	return func(s *Session) { s.resume = st }
}

// WithClock 注入时钟（测试用mock时钟，同时作用于限流器与心跳）
func WithClock(clk clock.Clock) Option {
	return func(s *Session) { s.clk = clk }
}

// WithRateLimiter 注入限流器（覆盖预算时用）
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Session) { s.limiter = l }
}

// New 创建会话状态机
func New(config *Config, opts ...Option) *Session {
	if config == nil {
		panic("config cannot be nil")
	}

	s := &Session{
		config:     config,
		decoder:    RawDecoder{},
		clk:        clock.New(),
		cmdCh:      make(chan *outboundCommand),
		deliveryCh: make(chan Event, config.DeliveryBuffer),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.transport == nil {
		s.transport = NewWebSocketTransport(config.HandshakeTimeout, config.Compress, config.UserAgent)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(ratelimit.WithClock(s.clk))
	}
	s.hb = heartbeat.NewTimer(heartbeat.WithClock(s.clk))

	s.state.Store(int32(StateConnecting))
	return s
}

// SetStateChangeHandler 设置状态变化处理器（Start之前调用）
func (s *Session) SetStateChangeHandler(handler StateChangeHandler) {
	s.onState = handler
}

// SetEventHandler 设置事件处理器（Start之前调用）
func (s *Session) SetEventHandler(handler EventHandler) {
	s.onEvent = handler
}

// SeedResumeState 在Start之前注入上次进程的恢复状态，
// 首次连接将尝试Resume而不是全新握手。
func (s *Session) SeedResumeState(state store.ResumeState) {
	seq := state.Sequence
	s.attrMu.Lock()
	s.sessionID = state.SessionID
	s.sequence = &seq
	s.resumeURL = state.ResumeURL
	s.attrMu.Unlock()
}

// Start 启动会话。异步运行：状态进展通过StateChangeHandler观察，
// 终止原因通过Done/Err观察。
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// 调用方Close时同步取消派生ctx，让限流等待等挂起点立即退出
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-s.stopCh
		cancel()
	}()

	// 本地持久化的恢复状态（调用方没有手动Seed时）
	if s.resume != nil && s.sessionID == "" {
		if saved, err := s.resume.Load(ctx, s.config.ShardID); err != nil {
			log.Printf("[shard %d] 读取恢复状态失败: %v", s.config.ShardID, err)
		} else if saved != nil {
			s.SeedResumeState(*saved)
			log.Printf("[shard %d] 载入恢复状态 session_id=%s seq=%d",
				s.config.ShardID, saved.SessionID, saved.Sequence)
		}
	}

	go s.deliveryLoop()
	go s.run(runCtx)
	return nil
}

// Close 关闭会话：在一次循环迭代内被观察到，
// 优雅发送关闭帧后进入Closed终态。
func (s *Session) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	if s.started.Load() {
		<-s.doneCh
	} else {
		// 从未启动过：直接进终态并释放Done等待者
		s.setState(StateClosed)
		s.doneOnce.Do(func() { close(s.doneCh) })
	}
	return nil
}

// Done 会话终止信号
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// Err 终止原因；正常Close时为nil
func (s *Session) Err() error {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	return s.termErr
}

// State 当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// run 重连外层循环：每次连接尝试失败后按指数退避（带抖动、封顶）
// 等待，Ready成功后退避重置回下限。
func (s *Session) run(ctx context.Context) {
	defer s.doneOnce.Do(func() { close(s.doneCh) })
	defer close(s.deliveryCh)
	defer s.setState(StateClosed)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.ReconnectBaseDelay
	bo.MaxInterval = s.config.ReconnectMaxDelay
	bo.MaxElapsedTime = 0 // 上限由握手失败计数控制
	bo.Reset()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.setTerminal(ctx.Err())
			return
		default:
		}

		s.sawReady = false
		err := s.runConnection(ctx)
		if err == nil {
			// 调用方主动关闭
			return
		}

		if IsTerminal(err) {
			log.Printf("[shard %d] 会话终止: %v", s.config.ShardID, err)
			s.setTerminal(err)
			return
		}

		if s.sawReady {
			// 到达过Ready：退避和失败计数都重置
			bo.Reset()
			s.handshakeFails = 0
		} else {
			s.handshakeFails++
			if s.handshakeFails > s.config.MaxHandshakeRetries {
				s.setTerminal(fmt.Errorf("%w: %d consecutive failures, last: %v",
					ErrRetriesExceeded, s.handshakeFails, err))
				return
			}
		}

		s.setState(StateReconnecting)
		wait := bo.NextBackOff()
		log.Printf("[shard %d] 连接中断: %v，%v后重试", s.config.ShardID, err, wait)

		timer := s.clk.Timer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			s.setTerminal(ctx.Err())
			return
		case <-timer.C:
		}
		s.reconnects.Add(1)
	}
}

// runConnection 单次连接的完整生命周期：
// 建立传输 → 等Hello → Identify或Resume → 事件循环直到断开。
// 返回nil表示调用方主动关闭；其余返回值由run分类处理。
func (s *Session) runConnection(ctx context.Context) error {
	canResume := s.sessionID != "" && s.sequence != nil
	url := s.config.GatewayURL
	if canResume && s.resumeURL != "" {
		url = s.resumeURL // 恢复端点与初始发现端点是两回事
	}

	s.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	conn, err := s.transport.Connect(dialCtx, url)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	s.setState(StateAwaitingHello)

	connStop := make(chan struct{})
	defer close(connStop)

	frames := make(chan *protocol.Frame, 16)
	readErrCh := make(chan error, 1)
	go s.readPump(conn, frames, readErrCh, connStop)

	hello, err := s.awaitHello(frames, readErrCh)
	if err != nil {
		conn.Close(int(protocol.CloseUnknownError), "")
		return err
	}

	// Hello一到就带抖动启动心跳
	s.heartbeatInterval = time.Duration(hello.HeartbeatIntervalMs) * time.Millisecond
	s.hb.Start(s.heartbeatInterval)
	defer s.hb.Stop()

	if canResume {
		s.setState(StateResuming)
		err = s.writeCommand(ctx, conn, protocol.OpResume, protocol.ResumePayload{
			Token:     s.config.Token,
			SessionID: s.sessionID,
			Sequence:  *s.sequence,
		})
	} else {
		s.setState(StateIdentifying)
		err = s.writeCommand(ctx, conn, protocol.OpIdentify, s.identifyPayload())
	}
	if err != nil {
		conn.Close(int(protocol.CloseUnknownError), "")
		return err
	}

	// 指令发送走独立goroutine：决策循环不会卡在限流等待上，
	// 心跳因此永远不会被指令排队拖慢
	sendQ := make(chan *outboundCommand, s.config.CommandBuffer)
	senderDone := make(chan struct{})
	go s.senderLoop(ctx, conn, sendQ, senderDone)
	defer func() {
		close(sendQ)
		<-senderDone
	}()

	return s.eventLoop(ctx, conn, frames, readErrCh, sendQ)
}

// awaitHello 握手第一步：在超时内等待Hello帧
func (s *Session) awaitHello(frames <-chan *protocol.Frame, readErrCh <-chan error) (*protocol.HelloPayload, error) {
	timeout := s.clk.Timer(s.config.HandshakeTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-s.stopCh:
			return nil, ErrSessionClosed
		case <-timeout.C:
			return nil, fmt.Errorf("%w: hello timeout", ErrTransport)
		case err := <-readErrCh:
			return nil, s.classifyReadError(err)
		case frame := <-frames:
			switch frame.Opcode {
			case protocol.OpHello:
				return frame.HelloData()
			default:
				// 握手前收到别的帧属于协议违例
				s.clearSession()
				return nil, &ProtocolViolationError{
					Reason: fmt.Sprintf("unexpected opcode %s before hello", frame.Opcode),
					Frame:  frame,
				}
			}
		}
	}
}

// eventLoop 连接稳态的有序决策循环
func (s *Session) eventLoop(ctx context.Context, conn Conn, frames <-chan *protocol.Frame, readErrCh <-chan error, sendQ chan<- *outboundCommand) error {
	for {
		select {
		case <-s.stopCh:
			// 优雅关闭：发close帧再断开
			conn.Close(1000, "shutting down")
			return nil

		case <-ctx.Done():
			conn.Close(1000, "context canceled")
			return ctx.Err()

		case err := <-readErrCh:
			s.degrade(conn)
			return s.classifyReadError(err)

		case <-s.hb.C():
			// 心跳绕过限流：存活信号绝不自我节流
			if err := s.sendHeartbeat(conn); err != nil {
				s.degrade(conn)
				return fmt.Errorf("%w: heartbeat write: %v", ErrTransport, err)
			}

		case <-s.hb.Stale():
			log.Printf("[shard %d] 心跳超时未确认，拆除连接", s.config.ShardID)
			s.degrade(conn)
			return ErrHeartbeatStale

		case cmd := <-s.cmdCh:
			if s.State() != StateReady {
				cmd.result <- ErrNotReady
				continue
			}
			select {
			case sendQ <- cmd:
			case <-s.stopCh:
				cmd.result <- ErrSessionClosed
			}

		case frame := <-frames:
			if err := s.handleFrame(ctx, conn, frame); err != nil {
				s.degrade(conn)
				return err
			}
		}
	}
}

// handleFrame 处理一个入站帧；返回非nil错误时连接被拆除
func (s *Session) handleFrame(ctx context.Context, conn Conn, frame *protocol.Frame) error {
	switch frame.Opcode {
	case protocol.OpDispatch:
		return s.handleDispatch(ctx, frame)

	case protocol.OpHeartbeatAck:
		s.hb.Ack()
		return nil

	case protocol.OpHeartbeat:
		// 服务端主动要求立即心跳
		return s.sendHeartbeat(conn)

	case protocol.OpReconnect:
		log.Printf("[shard %d] 服务端要求重连", s.config.ShardID)
		return ErrServerReconnect // 会话状态保留，重连时优先Resume

	case protocol.OpInvalidSession:
		return s.handleInvalidSession(ctx, conn, frame)

	case protocol.OpHello:
		// 稳态中再收到Hello：按新间隔重启心跳
		hello, err := frame.HelloData()
		if err != nil {
			s.clearSession()
			return &ProtocolViolationError{Reason: "malformed hello in steady state", Frame: frame}
		}
		s.hb.Stop()
		s.heartbeatInterval = time.Duration(hello.HeartbeatIntervalMs) * time.Millisecond
		s.hb.Start(s.heartbeatInterval)
		return nil

	default:
		if !protocol.IsKnownOpcode(frame.Opcode) {
			// 前向兼容：未知操作码直接忽略
			log.Printf("[shard %d] 忽略未知操作码 %d", s.config.ShardID, frame.Opcode)
			return nil
		}
		// 已知但不该由服务端下发的操作码
		s.clearSession()
		return &ProtocolViolationError{
			Reason: fmt.Sprintf("unexpected opcode %s in state %s", frame.Opcode, s.State()),
			Frame:  frame,
		}
	}
}

// handleDispatch 处理Dispatch帧：会话簿记 + 序列号推进 + 投递
func (s *Session) handleDispatch(ctx context.Context, frame *protocol.Frame) error {
	// 序列号回退意味着协议违例：上报并强制全新握手，绝不静默接受
	if s.sequence != nil && *frame.Sequence < *s.sequence {
		current := *s.sequence
		log.Printf("[shard %d] 序列号回退: got=%d current=%d",
			s.config.ShardID, *frame.Sequence, current)
		s.clearSession()
		return &ProtocolViolationError{
			Reason: fmt.Sprintf("sequence regression: got %d, have %d", *frame.Sequence, current),
			Frame:  frame,
		}
	}

	switch frame.EventName {
	case protocol.EventReady:
		ready, err := frame.ReadyData()
		if err != nil {
			s.clearSession()
			return &ProtocolViolationError{Reason: "malformed ready payload", Frame: frame}
		}
		s.attrMu.Lock()
		s.sessionID = ready.SessionID
		s.resumeURL = ready.ResumeURL
		s.attrMu.Unlock()
		s.advanceSequence(*frame.Sequence)
		s.sawReady = true
		s.setState(StateReady)
		s.persistResume(ctx)
		log.Printf("[shard %d] 握手完成 session_id=%s seq=%d",
			s.config.ShardID, s.sessionID, *s.sequence)

	case protocol.EventResumed:
		s.advanceSequence(*frame.Sequence)
		s.sawReady = true
		s.setState(StateReady)
		s.persistResume(ctx)
		log.Printf("[shard %d] 会话恢复完成 seq=%d", s.config.ShardID, *s.sequence)

	default:
		// 相等的序列号是恢复回放的边界重复：跳过投递，不算违例
		if s.sequence != nil && *frame.Sequence == *s.sequence {
			log.Printf("[shard %d] 丢弃重复事件 event=%s seq=%d",
				s.config.ShardID, frame.EventName, *frame.Sequence)
			return nil
		}
		s.advanceSequence(*frame.Sequence)
	}

	// 按接收顺序投递——序列号只用来查漏和去重，绝不用来重排
	s.deliveryCh <- Event{
		Name:     frame.EventName,
		Sequence: *frame.Sequence,
		Raw:      frame.Payload,
	}
	return nil
}

// handleInvalidSession 处理InvalidSession帧。
// 可恢复与否由帧负载里的显式bool决定，绝不靠字段缺失推断。
func (s *Session) handleInvalidSession(ctx context.Context, conn Conn, frame *protocol.Frame) error {
	resumable, err := frame.InvalidSessionResumable()
	if err != nil {
		s.clearSession()
		return &ProtocolViolationError{Reason: "invalid_session without explicit resumable flag", Frame: frame}
	}

	if resumable {
		// 会话还可恢复：拆除连接，重连时继续走Resume
		log.Printf("[shard %d] 会话失效（可恢复），走重连恢复", s.config.ShardID)
		return ErrInvalidSession
	}

	// 不可恢复：清空会话状态。
	// 正在Resuming时就地转入Identifying重新认证，不拆连接。
	s.clearSession()
	if s.State() == StateResuming {
		log.Printf("[shard %d] 会话不可恢复，就地重新认证", s.config.ShardID)
		s.setState(StateIdentifying)
		if err := s.writeCommand(ctx, conn, protocol.OpIdentify, s.identifyPayload()); err != nil {
			return err
		}
		return nil
	}

	log.Printf("[shard %d] 会话不可恢复，强制全新握手", s.config.ShardID)
	return ErrInvalidSession
}

// readPump 入站读取泵：每条连接一个，把帧解码后投进决策循环
func (s *Session) readPump(conn Conn, frames chan<- *protocol.Frame, readErrCh chan<- error, connStop <-chan struct{}) {
	for {
		data, err := conn.Read()
		if err != nil {
			select {
			case readErrCh <- err:
			case <-connStop:
			}
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			select {
			case readErrCh <- &ProtocolViolationError{Reason: fmt.Sprintf("decode failed: %v", err)}:
			case <-connStop:
			}
			return
		}

		select {
		case frames <- frame:
		case <-connStop:
			return
		}
	}
}

// senderLoop 指令发送协程：限流等待在这里发生，不占用决策循环
func (s *Session) senderLoop(ctx context.Context, conn Conn, sendQ <-chan *outboundCommand, done chan<- struct{}) {
	defer close(done)

	for cmd := range sendQ {
		if ok, _ := s.limiter.TryConsume(); !ok {
			s.throttleWaits.Add(1)
			if err := s.limiter.Wait(ctx); err != nil {
				cmd.result <- err
				continue
			}
		}

		cmd.result <- s.writeFrame(conn, &protocol.Frame{
			Opcode:  cmd.op,
			Payload: mustMarshal(cmd.payload),
		})
	}
}

// sendHeartbeat 发送心跳（负载是最后收到的Dispatch序列号，无则null）
func (s *Session) sendHeartbeat(conn Conn) error {
	raw, err := json.Marshal(protocol.HeartbeatPayload(s.sequence))
	if err != nil {
		return err
	}

	if err := s.writeFrame(conn, &protocol.Frame{Opcode: protocol.OpHeartbeat, Payload: raw}); err != nil {
		return err
	}

	s.hb.BeatSent()
	s.beatsSent.Add(1)
	return nil
}

// writeCommand 限流后编码写出一条指令（握手阶段的Identify/Resume走这里）
func (s *Session) writeCommand(ctx context.Context, conn Conn, op protocol.Opcode, payload interface{}) error {
	if !protocol.BypassesRateLimit(op) {
		if ok, _ := s.limiter.TryConsume(); !ok {
			s.throttleWaits.Add(1)
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}
	}

	frame, err := protocol.NewCommandFrame(op, payload)
	if err != nil {
		return err
	}
	return s.writeFrame(conn, frame)
}

// writeFrame 编码并写出
func (s *Session) writeFrame(conn Conn, frame *protocol.Frame) error {
	raw, err := protocol.EncodeFrame(frame)
	if err != nil {
		return err
	}
	if err := conn.Write(raw); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// deliveryLoop 事件投递协程：解码协作方在这里介入，
// 失败时记日志并带着解码失败标记照常投递原始负载。
func (s *Session) deliveryLoop() {
	for ev := range s.deliveryCh {
		if s.decoder != nil {
			decoded, err := s.decoder.Decode(ev.Name, ev.Raw)
			if err != nil {
				log.Printf("[shard %d] 事件解码失败 event=%s: %v", s.config.ShardID, ev.Name, err)
				ev.DecodeErr = err
			} else {
				ev.Payload = decoded
			}
		}

		if s.onEvent != nil {
			s.onEvent(ev)
		}
		s.delivered.Add(1)
	}
}

// Send 发送一条指令类帧。只在Ready状态可用；
// 限流通过等待消化，不作为失败返回。
func (s *Session) Send(ctx context.Context, op protocol.Opcode, payload interface{}) error {
	if !protocol.IsCommandOpcode(op) {
		return fmt.Errorf("opcode %s is not a caller command", op)
	}

	cmd := &outboundCommand{op: op, payload: payload, result: make(chan error, 1)}

	select {
	case s.cmdCh <- cmd:
	case <-s.stopCh:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdatePresence 发送状态更新
func (s *Session) UpdatePresence(ctx context.Context, p protocol.UpdatePresencePayload) error {
	return s.Send(ctx, protocol.OpPresenceUpdate, p)
}

// UpdateVoiceState 发送语音状态更新
func (s *Session) UpdateVoiceState(ctx context.Context, p protocol.UpdateVoiceStatePayload) error {
	return s.Send(ctx, protocol.OpVoiceStateUpdate, p)
}

// RequestGuildMembers 请求公会成员
func (s *Session) RequestGuildMembers(ctx context.Context, p protocol.RequestGuildMembersPayload) error {
	return s.Send(ctx, protocol.OpRequestGuildMembers, p)
}

// classifyReadError 读取错误分类：
// 关闭代码决定致命/可恢复/可Resume；解码失败是协议违例
func (s *Session) classifyReadError(err error) error {
	var closedErr *ClosedError
	if errors.As(err, &closedErr) {
		code := closedErr.CloseCode()
		if code.IsAuthFailure() {
			return fmt.Errorf("%w: close code %d (%s)", ErrAuthFailure, closedErr.Code, code)
		}
		if code.IsFatal() {
			return fmt.Errorf("%w: close code %d (%s)", ErrFatalClose, closedErr.Code, code)
		}
		if !code.CanResume() {
			// 会话状态不可信，重连走全新握手
			s.clearSession()
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	var violation *ProtocolViolationError
	if errors.As(err, &violation) {
		s.clearSession()
		return violation
	}

	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// degrade 稳态 → Degraded：拆除当前传输（心跳由defer停止，
// 限流预算保留——它是按连接窗口计的，不跟会话走）
func (s *Session) degrade(conn Conn) {
	s.setState(StateDegraded)
	s.persistResumeBestEffort()
	conn.Close(1000, "")
}

// advanceSequence 推进序列号（单调不减）
func (s *Session) advanceSequence(seq int64) {
	if s.sequence == nil || seq > *s.sequence {
		v := seq
		s.attrMu.Lock()
		s.sequence = &v
		s.attrMu.Unlock()
	}
}

// clearSession 清空会话状态，下次连接走全新握手
func (s *Session) clearSession() {
	s.attrMu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.sequence = nil
	s.attrMu.Unlock()

	if s.resume != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.resume.Clear(ctx, s.config.ShardID); err != nil {
			log.Printf("[shard %d] 清除恢复状态失败: %v", s.config.ShardID, err)
		}
		cancel()
	}
}

// persistResume 保存当前恢复状态
func (s *Session) persistResume(ctx context.Context) {
	if s.resume == nil || s.sessionID == "" || s.sequence == nil {
		return
	}

	err := s.resume.Save(ctx, store.ResumeState{
		ShardID:   s.config.ShardID,
		SessionID: s.sessionID,
		Sequence:  *s.sequence,
		ResumeURL: s.resumeURL,
	})
	if err != nil {
		log.Printf("[shard %d] 保存恢复状态失败: %v", s.config.ShardID, err)
	}
}

// persistResumeBestEffort 断连时尽力保存最新序列号
func (s *Session) persistResumeBestEffort() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.persistResume(ctx)
}

// identifyPayload 构造Identify负载
func (s *Session) identifyPayload() protocol.IdentifyPayload {
	return protocol.IdentifyPayload{
		Token:          s.config.Token,
		Properties:     s.config.Properties,
		Compress:       s.config.Compress,
		LargeThreshold: s.config.LargeThreshold,
		Shard:          []int{s.config.ShardID, s.config.ShardCount},
		Intents:        s.config.Intents,
	}
}

// setState 状态转换（原子写 + 回调）
func (s *Session) setState(newState State) {
	oldState := State(s.state.Swap(int32(newState)))
	if oldState != newState && s.onState != nil {
		s.onState(oldState, newState)
	}
}

// setTerminal 记录终止原因
func (s *Session) setTerminal(err error) {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	if s.termErr == nil {
		s.termErr = err
	}
}

// mustMarshal 指令负载编码；负载由本包构造，失败属于编程错误
func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal command payload: %v", err))
	}
	return raw
}

// SessionID 当前会话id（Ready之前为空）
func (s *Session) SessionID() string {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	return s.sessionID
}

// Sequence 最后观察到的Dispatch序列号，未收到过时返回(0, false)
func (s *Session) Sequence() (int64, bool) {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	if s.sequence == nil {
		return 0, false
	}
	return *s.sequence, true
}

// GetStats 获取会话统计信息
func (s *Session) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"state":          s.State().String(),
		"shard_id":       s.config.ShardID,
		"shard_count":    s.config.ShardCount,
		"session_id":     s.SessionID(),
		"reconnects":     s.reconnects.Load(),
		"beats_sent":     s.beatsSent.Load(),
		"delivered":      s.delivered.Load(),
		"throttle_waits": s.throttleWaits.Load(),
		"rate_pending":   s.limiter.Pending(),
	}
	if seq, ok := s.Sequence(); ok {
		stats["sequence"] = seq
	}
	return stats
}
