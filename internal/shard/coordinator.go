// Package shard 分片协调器：管理一组网关会话，
// 每个分片一个，负责错峰启动、公会路由和故障隔离。
package shard

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"GoGatewaySession/internal/gateway"
)

// Config 协调器配置
type Config struct {
	Gateway       *gateway.Config // 会话配置模板，每个分片克隆后填入分片标识
	ShardCount    int
	StartInterval time.Duration // 相邻分片Identify之间的错峰间隔
}

// DefaultConfig 返回默认协调器配置
func DefaultConfig(gw *gateway.Config, shardCount int) *Config {
	return &Config{
		Gateway:       gw,
		ShardCount:    shardCount,
		StartInterval: 5 * time.Second,
	}
}

// SessionFactory 会话构造钩子（测试时注入假传输用）
type SessionFactory func(shardID int, cfg *gateway.Config) *gateway.Session

// EventHandler 带分片标识的事件处理器
type EventHandler func(shardID int, ev gateway.Event)

// StateChangeHandler 带分片标识的状态变化处理器
type StateChangeHandler func(shardID int, oldState, newState gateway.State)

// ShardDownHandler 分片终止通知（终止原因为nil表示正常关闭）
type ShardDownHandler func(shardID int, err error)

// Coordinator 分片协调器。
// 会话表只增不减：分片终止后条目保留，统计和路由仍可见其终态。
// 一个分片的终止性失败绝不波及其他分片。
type Coordinator struct {
	config  *Config
	factory SessionFactory
	clk     clock.Clock

	mu       sync.RWMutex
	sessions map[int]*gateway.Session
	downErrs map[int]error

	onEvent EventHandler
	onState StateChangeHandler
	onDown  ShardDownHandler

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option 协调器选项
type Option func(*Coordinator)

// WithSessionFactory 注入会话构造钩子
func WithSessionFactory(f SessionFactory) Option {
	return func(c *Coordinator) { c.factory = f }
}

// WithClock 注入时钟（错峰等待用）
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clk = clk }
}

// New 创建协调器
func New(config *Config, opts ...Option) *Coordinator {
	if config == nil || config.Gateway == nil {
		panic("config and config.Gateway cannot be nil")
	}
	if config.ShardCount < 1 {
		config.ShardCount = 1
	}

	c := &Coordinator{
		config:   config,
		clk:      clock.New(),
		sessions: make(map[int]*gateway.Session, config.ShardCount),
		downErrs: make(map[int]error),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.factory == nil {
		c.factory = func(_ int, cfg *gateway.Config) *gateway.Session {
			return gateway.New(cfg)
		}
	}
	return c
}

// SetEventHandler 设置事件处理器（Start之前调用）
func (c *Coordinator) SetEventHandler(handler EventHandler) {
	c.onEvent = handler
}

// SetStateChangeHandler 设置状态变化处理器（Start之前调用）
func (c *Coordinator) SetStateChangeHandler(handler StateChangeHandler) {
	c.onState = handler
}

// SetShardDownHandler 设置分片终止通知（Start之前调用）
func (c *Coordinator) SetShardDownHandler(handler ShardDownHandler) {
	c.onDown = handler
}

// Start 按分片序号依次启动会话，相邻启动之间等待错峰间隔。
// 任一分片启动失败不阻止后续分片启动。
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	for shardID := 0; shardID < c.config.ShardCount; shardID++ {
		if shardID > 0 && c.config.StartInterval > 0 {
			timer := c.clk.Timer(c.config.StartInterval)
			select {
			case <-timer.C:
			case <-c.stopCh:
				timer.Stop()
				return nil
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		sess := c.spawn(ctx, shardID)
		c.mu.Lock()
		c.sessions[shardID] = sess
		c.mu.Unlock()
	}
	return nil
}

// spawn 构造并启动单个分片的会话
func (c *Coordinator) spawn(ctx context.Context, shardID int) *gateway.Session {
	cfg := *c.config.Gateway // 浅拷贝模板
	cfg.ShardID = shardID
	cfg.ShardCount = c.config.ShardCount

	sess := c.factory(shardID, &cfg)

	if c.onEvent != nil {
		id := shardID
		sess.SetEventHandler(func(ev gateway.Event) {
			c.onEvent(id, ev)
		})
	}
	if c.onState != nil {
		id := shardID
		sess.SetStateChangeHandler(func(oldState, newState gateway.State) {
			c.onState(id, oldState, newState)
		})
	}

	if err := sess.Start(ctx); err != nil {
		log.Printf("[coordinator] 分片 %d 启动失败: %v", shardID, err)
		c.recordDown(shardID, err)
		return sess
	}

	// 每个分片一个看护协程：终止只影响自己
	c.wg.Add(1)
	go func(id int) {
		defer c.wg.Done()
		<-sess.Done()
		err := sess.Err()
		if err != nil {
			log.Printf("[coordinator] 分片 %d 终止: %v", id, err)
		}
		c.recordDown(id, err)
	}(shardID)

	return sess
}

func (c *Coordinator) recordDown(shardID int, err error) {
	c.mu.Lock()
	c.downErrs[shardID] = err
	c.mu.Unlock()

	if c.onDown != nil {
		c.onDown(shardID, err)
	}
}

// ShardForGuild 公会到分片的路由
func (c *Coordinator) ShardForGuild(guildID int64) int {
	return int((guildID >> 22) % int64(c.config.ShardCount))
}

// SessionForGuild 返回负责某公会的会话
func (c *Coordinator) SessionForGuild(guildID int64) (*gateway.Session, bool) {
	return c.Session(c.ShardForGuild(guildID))
}

// Session 按分片序号查会话
func (c *Coordinator) Session(shardID int) (*gateway.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[shardID]
	return sess, ok
}

// ShardCount 分片总数
func (c *Coordinator) ShardCount() int {
	return c.config.ShardCount
}

// ShardError 分片的终止原因；仍在运行时返回(nil, false)
func (c *Coordinator) ShardError(shardID int) (error, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	err, ok := c.downErrs[shardID]
	return err, ok
}

// Close 关闭所有分片会话并等待看护协程收尾
func (c *Coordinator) Close() error {
	select {
	case <-c.stopCh:
		return nil
	default:
		close(c.stopCh)
	}

	c.mu.RLock()
	sessions := make([]*gateway.Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.mu.RUnlock()

	for _, sess := range sessions {
		sess.Close()
	}
	c.wg.Wait()
	return nil
}

// GetStats 聚合所有分片的统计信息
func (c *Coordinator) GetStats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	shards := make(map[string]interface{}, len(c.sessions))
	ready := 0
	for shardID, sess := range c.sessions {
		stats := sess.GetStats()
		if down, ok := c.downErrs[shardID]; ok && down != nil {
			stats["terminal_error"] = down.Error()
		}
		shards[fmt.Sprintf("shard_%d", shardID)] = stats
		if sess.State() == gateway.StateReady {
			ready++
		}
	}

	return map[string]interface{}{
		"shard_count":  c.config.ShardCount,
		"ready_shards": ready,
		"shards":       shards,
	}
}
