package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// 默认预算：60秒滚动窗口内最多120个非心跳帧
	DefaultBudget = 120
	DefaultWindow = 60 * time.Second
)

// Limiter 发送限流器 - 滚动窗口计数。
// 超出预算不丢帧，返回需要等待的时长，由调用方背压等待后重试。
// 基于clock.Clock的单调时间做窗口核算，不受系统时钟调整影响；
// 多个生产者并发提交是安全的。
type Limiter struct {
	mu     sync.Mutex
	budget int
	window time.Duration
	clk    clock.Clock

	// 窗口内每次放行的时间戳，队首最旧
	sent []time.Time
}

// Option 限流器选项
type Option func(*Limiter)

// WithClock 注入时钟（测试用mock时钟）
func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) {
		l.clk = clk
	}
}

// WithBudget 覆盖窗口预算（服务端未来可能在握手元数据里下发新限额）
func WithBudget(budget int, window time.Duration) Option {
	return func(l *Limiter) {
		l.budget = budget
		l.window = window
	}
}

// New 创建限流器
func New(opts ...Option) *Limiter {
	l := &Limiter{
		budget: DefaultBudget,
		window: DefaultWindow,
		clk:    clock.New(),
	}

	for _, opt := range opts {
		opt(l)
	}

	l.sent = make([]time.Time, 0, l.budget)
	return l
}

// TryConsume 尝试消耗一个发送配额。
// 返回 (true, 0) 表示放行；返回 (false, d) 表示需等待d后重试。
func (l *Limiter) TryConsume() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	l.evict(now)

	if len(l.sent) < l.budget {
		l.sent = append(l.sent, now)
		return true, 0
	}

	// 等到最旧的一次发送滑出窗口
	wait := l.window - now.Sub(l.sent[0])
	if wait < 0 {
		wait = 0
	}
	return false, wait
}

// Wait 阻塞直到拿到配额或ctx取消。
// 限流对调用方不算失败，只是等待；只有ctx取消才返回错误。
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		ok, wait := l.TryConsume()
		if ok {
			return nil
		}

		timer := l.clk.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Pending 返回当前窗口内已消耗的配额数
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(l.clk.Now())
	return len(l.sent)
}

// evict 移除已滑出窗口的记录，调用方需持锁
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.sent) && !l.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.sent = l.sent[i:]
	}
}
