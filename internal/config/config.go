// Package config 负责加载和验证 YAML 配置文件。
// 提供应用程序所需的所有配置项，包括推送连接、REST 接口、订阅目标、输出设置等。
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"coingecko-live-feed/internal/core/model"
)

// 环境变量名称
const (
	// EnvWebSocketURL 推送地址
	EnvWebSocketURL = "COINGECKO_WEBSOCKET_URL"
	// EnvAPIKey CoinGecko API Key（推送与 REST 共用）
	EnvAPIKey = "COINGECKO_API_KEY"
	// EnvBaseURL REST 基础地址
	EnvBaseURL = "COINGECKO_BASE_URL"
)

// Config 应用配置根结构
// 包含所有子模块的配置项
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// WS 推送连接配置
	WS WSConfig `yaml:"ws"`
	// REST REST 接口配置
	REST RESTConfig `yaml:"rest"`
	// Live 实时状态配置
	Live LiveConfig `yaml:"live"`
	// Target 启动时的订阅目标
	Target model.Target `yaml:"target"`
	// Output 输出配置
	Output OutputConfig `yaml:"output"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// WSConfig 推送连接配置
type WSConfig struct {
	// URL 推送地址
	URL string `yaml:"url"`
	// APIKey 以 x_cg_pro_api_key 查询参数附加到 URL
	APIKey string `yaml:"api_key"`
	// HandshakeTimeoutMs 握手超时（毫秒）
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
	// ReadTimeoutMs 读取超时（毫秒），0 表示不设置
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
	// WriteTimeoutMs 写入超时（毫秒）
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
	// ReconnectEnabled 连接异常关闭后是否按退避重连（默认关闭）
	ReconnectEnabled bool `yaml:"reconnect_enabled"`
	// ReconnectBaseMs 重连基础间隔（毫秒）
	ReconnectBaseMs int `yaml:"reconnect_base_ms"`
	// ReconnectMaxMs 重连最大间隔（毫秒）
	ReconnectMaxMs int `yaml:"reconnect_max_ms"`
}

// RESTConfig REST 接口配置
type RESTConfig struct {
	// BaseURL REST 基础地址
	BaseURL string `yaml:"base_url"`
	// APIKey 以 x-cg-pro-api-key 请求头发送，为空则不发送
	APIKey string `yaml:"api_key"`
	// TimeoutMs HTTP 请求超时时间（毫秒）
	TimeoutMs int `yaml:"timeout_ms"`
	// RatePerSec 每秒请求数上限
	RatePerSec float64 `yaml:"rate_per_sec"`
	// Burst 突发请求数
	Burst int `yaml:"burst"`
}

// LiveConfig 实时状态配置
type LiveConfig struct {
	// TradeCap 成交队列长度上限
	TradeCap int `yaml:"trade_cap"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	// Dir 输出目录
	Dir string `yaml:"dir"`
	// SnapshotsEnabled 是否将每次状态更新写入 snapshots.jsonl
	SnapshotsEnabled bool `yaml:"snapshots_enabled"`
	// BufferSize 异步写入缓冲区大小
	BufferSize int `yaml:"buffer_size"`
	// MetricsEnabled 是否周期性写入 metrics.jsonl
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// MetricsIntervalMs 连接指标输出间隔（毫秒）
	MetricsIntervalMs int `yaml:"metrics_interval_ms"`
}

// Load 从文件加载配置并验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	// 读取配置文件
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析 YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.setDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置配置默认值
func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "coingecko-live-feed"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	// 推送默认配置
	if c.WS.URL == "" {
		c.WS.URL = "wss://stream.coingecko.com/v1"
	}
	if c.WS.HandshakeTimeoutMs == 0 {
		c.WS.HandshakeTimeoutMs = 10000 // 10 秒
	}
	if c.WS.ReadTimeoutMs == 0 {
		c.WS.ReadTimeoutMs = 60000 // 60 秒
	}
	if c.WS.WriteTimeoutMs == 0 {
		c.WS.WriteTimeoutMs = 5000 // 5 秒
	}
	if c.WS.ReconnectBaseMs == 0 {
		c.WS.ReconnectBaseMs = 1000
	}
	if c.WS.ReconnectMaxMs == 0 {
		c.WS.ReconnectMaxMs = 30000
	}

	// REST 默认配置
	if c.REST.BaseURL == "" {
		c.REST.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if c.REST.TimeoutMs == 0 {
		c.REST.TimeoutMs = 10000 // 10 秒
	}
	if c.REST.RatePerSec == 0 {
		c.REST.RatePerSec = 0.5 // 免费档约 30 次/分钟
	}
	if c.REST.Burst == 0 {
		c.REST.Burst = 2
	}

	if c.Live.TradeCap == 0 {
		c.Live.TradeCap = 7
	}

	if c.Target.Interval == "" {
		c.Target.Interval = model.Interval1s
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "./output"
	}
	if c.Output.BufferSize == 0 {
		c.Output.BufferSize = 1000
	}
	if c.Output.MetricsIntervalMs == 0 {
		c.Output.MetricsIntervalMs = 10000 // 10 秒
	}
}

// applyEnv 使用环境变量覆盖配置
// API Key 同时作用于推送与 REST（仅在对应配置为空时）
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvWebSocketURL); v != "" {
		c.WS.URL = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.REST.BaseURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		if c.WS.APIKey == "" {
			c.WS.APIKey = v
		}
		if c.REST.APIKey == "" {
			c.REST.APIKey = v
		}
	}
}

// Validate 验证配置合法性
// 检查所有必填项和数值范围
// 返回: 若配置无效则返回描述性错误
func (c *Config) Validate() error {
	var errs []string

	// 验证推送配置
	if c.WS.URL == "" {
		errs = append(errs, "ws.url: 推送地址不能为空")
	} else if u, err := url.Parse(c.WS.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Sprintf("ws.url: 无效的推送地址 '%s'，必须以 ws:// 或 wss:// 开头", c.WS.URL))
	}
	if c.WS.HandshakeTimeoutMs <= 0 {
		errs = append(errs, "ws.handshake_timeout_ms: 握手超时必须为正数")
	}
	if c.WS.ReadTimeoutMs < 0 {
		errs = append(errs, "ws.read_timeout_ms: 读取超时不能为负数")
	}
	if c.WS.WriteTimeoutMs <= 0 {
		errs = append(errs, "ws.write_timeout_ms: 写入超时必须为正数")
	}
	if c.WS.ReconnectBaseMs <= 0 || c.WS.ReconnectMaxMs < c.WS.ReconnectBaseMs {
		errs = append(errs, "ws.reconnect_base_ms/reconnect_max_ms: 重连间隔必须为正数且最大值不小于基础值")
	}

	// 验证 REST 配置
	if c.REST.BaseURL == "" {
		errs = append(errs, "rest.base_url: REST 地址不能为空")
	}
	if c.REST.TimeoutMs <= 0 {
		errs = append(errs, "rest.timeout_ms: 请求超时必须为正数")
	}
	if c.REST.RatePerSec <= 0 {
		errs = append(errs, "rest.rate_per_sec: 请求速率必须为正数")
	}
	if c.REST.Burst <= 0 {
		errs = append(errs, "rest.burst: 突发请求数必须为正数")
	}

	// 验证实时状态配置
	if c.Live.TradeCap <= 0 {
		errs = append(errs, "live.trade_cap: 成交队列上限必须为正数")
	}

	// 订阅目标允许为空（仅使用 REST），配置了 coin_id 时需完整有效
	if c.Target.CoinID != "" {
		if err := c.Target.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("target: %v", err))
		}
	} else if c.Target.PoolID != "" {
		errs = append(errs, "target.pool_id: 配置池子时必须同时配置 coin_id")
	}

	if c.Output.BufferSize <= 0 {
		errs = append(errs, "output.buffer_size: 缓冲区大小必须为正数")
	}
	if c.Output.MetricsIntervalMs < 0 {
		errs = append(errs, "output.metrics_interval_ms: 指标输出间隔不能为负数")
	}

	// 验证日志级别
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.App.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证错误:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// TargetOrNil 返回启动订阅目标，未配置 coin_id 时返回 nil
func (c *Config) TargetOrNil() *model.Target {
	if c.Target.CoinID == "" {
		return nil
	}
	t := c.Target
	return &t
}
