// Package config 网关会话配置：viper加载，支持YAML文件、
// 环境变量覆盖和文件热更新。
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"GoGatewaySession/internal/gateway"
	"GoGatewaySession/internal/protocol"
	"GoGatewaySession/internal/shard"
	"GoGatewaySession/internal/store"
)

// GatewayConfig 网关连接配置
type GatewayConfig struct {
	URL            string `yaml:"url" mapstructure:"url"`
	Token          string `yaml:"token" mapstructure:"token"`
	Intents        int    `yaml:"intents" mapstructure:"intents"`
	LargeThreshold int    `yaml:"large_threshold" mapstructure:"large_threshold"`
	Compress       bool   `yaml:"compress" mapstructure:"compress"`
}

// IdentityConfig 连接属性配置
type IdentityConfig struct {
	OS      string `yaml:"os" mapstructure:"os"`
	Browser string `yaml:"browser" mapstructure:"browser"`
	Device  string `yaml:"device" mapstructure:"device"`
}

// ShardConfig 分片配置
type ShardConfig struct {
	Count         int           `yaml:"count" mapstructure:"count"`
	StartInterval time.Duration `yaml:"start_interval" mapstructure:"start_interval"`
}

// ReconnectConfig 重连配置
type ReconnectConfig struct {
	BaseDelay           time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay            time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	MaxHandshakeRetries int           `yaml:"max_handshake_retries" mapstructure:"max_handshake_retries"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
}

// RateLimitConfig 出站限流配置
type RateLimitConfig struct {
	Budget int           `yaml:"budget" mapstructure:"budget"`
	Window time.Duration `yaml:"window" mapstructure:"window"`
}

// StoreConfig 恢复状态存储配置
type StoreConfig struct {
	Backend  string `yaml:"backend" mapstructure:"backend"` // memory 或 postgres
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// OpsConfig 运维HTTP服务配置
type OpsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// Config 完整配置
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway" mapstructure:"gateway"`
	Identity  IdentityConfig  `yaml:"identity" mapstructure:"identity"`
	Shard     ShardConfig     `yaml:"shard" mapstructure:"shard"`
	Reconnect ReconnectConfig `yaml:"reconnect" mapstructure:"reconnect"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Ops       OpsConfig       `yaml:"ops" mapstructure:"ops"`
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url 不能为空")
	}
	if c.Gateway.Token == "" {
		return fmt.Errorf("gateway.token 不能为空")
	}
	if c.Shard.Count < 1 {
		return fmt.Errorf("shard.count 必须大于0，当前: %d", c.Shard.Count)
	}
	if c.RateLimit.Budget < 1 {
		return fmt.Errorf("rate_limit.budget 必须大于0，当前: %d", c.RateLimit.Budget)
	}
	if c.Reconnect.BaseDelay > c.Reconnect.MaxDelay {
		return fmt.Errorf("reconnect.base_delay 不能大于 max_delay")
	}
	switch c.Store.Backend {
	case "", "memory", "postgres":
	default:
		return fmt.Errorf("未知的存储后端: %s", c.Store.Backend)
	}
	return nil
}

// ToSessionConfig 转换为会话配置
func (c *Config) ToSessionConfig() *gateway.Config {
	cfg := gateway.DefaultConfig(c.Gateway.URL, c.Gateway.Token)
	cfg.Intents = c.Gateway.Intents
	cfg.LargeThreshold = c.Gateway.LargeThreshold
	cfg.Compress = c.Gateway.Compress
	cfg.Properties = protocol.ConnectionProperties{
		OS:      c.Identity.OS,
		Browser: c.Identity.Browser,
		Device:  c.Identity.Device,
	}
	cfg.HandshakeTimeout = c.Reconnect.HandshakeTimeout
	cfg.ReconnectBaseDelay = c.Reconnect.BaseDelay
	cfg.ReconnectMaxDelay = c.Reconnect.MaxDelay
	cfg.MaxHandshakeRetries = c.Reconnect.MaxHandshakeRetries
	return cfg
}

// ToShardConfig 转换为分片协调器配置
func (c *Config) ToShardConfig() *shard.Config {
	cfg := shard.DefaultConfig(c.ToSessionConfig(), c.Shard.Count)
	cfg.StartInterval = c.Shard.StartInterval
	return cfg
}

// ToPgxConfig 转换为Postgres存储配置；非postgres后端返回nil
func (c *Config) ToPgxConfig() *store.PgxConfig {
	if c.Store.Backend != "postgres" {
		return nil
	}
	return &store.PgxConfig{
		Host:     c.Store.Host,
		Port:     c.Store.Port,
		User:     c.Store.User,
		Password: c.Store.Password,
		DBName:   c.Store.Database,
		SSLMode:  c.Store.SSLMode,
	}
}

// Load 从文件加载配置（使用viper），环境取自GATEWAY_ENV
func Load(configPath string) (*Config, error) {
	config, _, err := load(configPath, CurrentEnvironment())
	return config, err
}

// LoadEnvironment 从文件加载指定环境的配置
func LoadEnvironment(configPath string, env EnvironmentType) (*Config, error) {
	config, _, err := load(configPath, env)
	return config, err
}

func load(configPath string, env EnvironmentType) (*Config, *viper.Viper, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// 环境变量覆盖：GATEWAY_GATEWAY_TOKEN 等
	v.SetEnvPrefix("GATEWAY")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 没有配置文件时用默认值加环境变量
	}

	// 环境段覆盖：environments.<env>下的键叠加到顶层
	if sub := v.Sub("environments." + env.String()); sub != nil {
		if err := v.MergeConfigMap(sub.AllSettings()); err != nil {
			return nil, nil, fmt.Errorf("合并环境配置失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, v, nil
}

// setDefaults 设置默认值（不覆盖文件中的值）
func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.large_threshold", 50)
	v.SetDefault("gateway.compress", false)

	v.SetDefault("identity.os", "linux")
	v.SetDefault("identity.browser", "GoGatewaySession")
	v.SetDefault("identity.device", "GoGatewaySession")

	v.SetDefault("shard.count", 1)
	v.SetDefault("shard.start_interval", "5s")

	v.SetDefault("reconnect.base_delay", "1s")
	v.SetDefault("reconnect.max_delay", "60s")
	v.SetDefault("reconnect.max_handshake_retries", 10)
	v.SetDefault("reconnect.handshake_timeout", "10s")

	v.SetDefault("rate_limit.budget", 120)
	v.SetDefault("rate_limit.window", "60s")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.ssl_mode", "disable")

	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.addr", ":8080")
}

// Manager 配置管理器：缓存已加载配置并支持热更新
type Manager struct {
	mu         sync.RWMutex
	config     *Config
	viperInst  *viper.Viper
	configPath string
	env        EnvironmentType
	watch      bool
	onChange   func(*Config)
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) { m.configPath = path }
}

// WithEnvironment 指定环境（默认取GATEWAY_ENV）
func WithEnvironment(env EnvironmentType) ManagerOption {
	return func(m *Manager) { m.env = env }
}

// WithWatch 启用配置文件监控
func WithWatch(enabled bool) ManagerOption {
	return func(m *Manager) { m.watch = enabled }
}

// WithChangeHandler 设置配置变化回调
func WithChangeHandler(handler func(*Config)) ManagerOption {
	return func(m *Manager) { m.onChange = handler }
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{env: CurrentEnvironment()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get 获取配置（首次调用时加载）
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()

	return m.loadAndCache()
}

func (m *Manager) loadAndCache() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	config, v, err := load(m.configPath, m.env)
	if err != nil {
		return nil, err
	}

	m.config = config
	m.viperInst = v

	if m.watch {
		m.watchConfig()
	}
	return config, nil
}

// Reload 重新加载配置
func (m *Manager) Reload() error {
	config, v, err := load(m.configPath, m.env)
	if err != nil {
		return fmt.Errorf("重新加载配置失败: %w", err)
	}

	m.mu.Lock()
	m.config = config
	m.viperInst = v
	handler := m.onChange
	m.mu.Unlock()

	if handler != nil {
		handler(config)
	}
	return nil
}

// watchConfig 监控配置文件变化（调用方持有锁）
func (m *Manager) watchConfig() {
	if m.viperInst == nil {
		return
	}

	m.viperInst.WatchConfig()
	m.viperInst.OnConfigChange(func(e fsnotify.Event) {
		m.Reload()
	})
}
