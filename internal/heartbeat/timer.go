package heartbeat

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Status 心跳状态：最后一次心跳是否被确认，以及它的发送时间。
// 每次发出新心跳或收到确认时重置。
type Status struct {
	Acked  bool
	SentAt time.Time
}

// Timer 心跳定时器。
// 按服务端在Hello里宣告的间隔发出"该发心跳了"的信号；
// 首拍带抖动（interval * uniform_random(0,1)），避免大量会话
// 同时重连后形成心跳风暴。
//
// 每次心跳发出后以间隔作为确认期限：下一拍到来时上一拍仍未确认，
// 就向持有者上报Stale——这对当前连接是致命信号，不在本层恢复。
// tick和确认处理都通过通道投递进会话的决策循环，绝不阻塞其他部分。
type Timer struct {
	clk    clock.Clock
	jitter func() float64

	mu       sync.Mutex
	interval time.Duration
	status   Status
	running  bool
	stopCh   chan struct{}

	beatCh  chan time.Time
	staleCh chan struct{}
}

// Option 定时器选项
type Option func(*Timer)

// WithClock 注入时钟（测试用mock时钟）
func WithClock(clk clock.Clock) Option {
	return func(t *Timer) {
		t.clk = clk
	}
}

// WithJitterFunc 注入首拍抖动因子来源（测试用固定值）
func WithJitterFunc(f func() float64) Option {
	return func(t *Timer) {
		t.jitter = f
	}
}

// NewTimer 创建心跳定时器
func NewTimer(opts ...Option) *Timer {
	t := &Timer{
		clk:     clock.New(),
		jitter:  rand.Float64,
		beatCh:  make(chan time.Time, 1),
		staleCh: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start 以给定间隔启动心跳循环。重复Start前必须先Stop。
func (t *Timer) Start(interval time.Duration) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.interval = interval
	t.status = Status{Acked: true} // 还没发过心跳，不算欠确认
	t.stopCh = make(chan struct{})
	stopCh := t.stopCh
	t.mu.Unlock()

	// 丢弃上一轮残留的信号，避免误伤新连接
	select {
	case <-t.beatCh:
	default:
	}
	select {
	case <-t.staleCh:
	default:
	}

	go t.loop(interval, stopCh)
}

// loop 心跳循环：首拍抖动，之后按固定间隔
func (t *Timer) loop(interval time.Duration, stopCh chan struct{}) {
	first := time.Duration(float64(interval) * t.jitter())
	timer := t.clk.Timer(first)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}

		// 停止与到点同时就绪时select随机取分支，这里补一次停止检查
		select {
		case <-stopCh:
			return
		default:
		}

		t.mu.Lock()
		stale := !t.status.Acked
		t.mu.Unlock()

		if stale {
			// 上一拍没等到确认，上报后退出：连接已经死了
			select {
			case t.staleCh <- struct{}{}:
			default:
			}
			return
		}

		select {
		case t.beatCh <- t.clk.Now():
		default:
			// 会话循环还没消费上一个信号，不重复排队
		}

		timer.Reset(interval)
	}
}

// Stop 停止心跳循环
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)

	// 丢弃已排队未消费的信号：Stop之后不再出拍
	select {
	case <-t.beatCh:
	default:
	}
	select {
	case <-t.staleCh:
	default:
	}
}

// C 返回"该发心跳了"的信号通道
func (t *Timer) C() <-chan time.Time {
	return t.beatCh
}

// Stale 返回心跳超时信号通道
func (t *Timer) Stale() <-chan struct{} {
	return t.staleCh
}

// BeatSent 记录一次心跳已发出，开始等待确认
func (t *Timer) BeatSent() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = Status{Acked: false, SentAt: t.clk.Now()}
}

// Ack 收到确认帧：清除欠确认标记，重置期限
func (t *Timer) Ack() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Acked = true
}

// LastStatus 返回当前心跳状态快照
func (t *Timer) LastStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}
