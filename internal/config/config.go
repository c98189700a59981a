// Package config 提供了 Durable 工作进程的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖部署相关的配置项（如密码和地址）。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/nimbus-durable/internal/listener"
	"github.com/oriys/nimbus-durable/internal/taskhub"
	"gopkg.in/yaml.v3"
)

// 存储后端
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config 是工作进程的主配置结构体，包含所有子系统的配置。
type Config struct {
	// Server HTTP 轮询接口配置
	Server ServerConfig `yaml:"server"`
	// Listener 本地 RPC 侧通道监听器配置
	Listener listener.Config `yaml:"listener"`
	// Engine 编排执行配置
	Engine EngineConfig `yaml:"engine"`
	// TaskHub 任务中心配置
	TaskHub taskhub.Config `yaml:"taskhub"`
	// Storage 实例存储配置
	Storage StorageConfig `yaml:"storage"`
	// Events 生命周期事件配置
	Events EventsConfig `yaml:"events"`
	// Logging 日志配置
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig HTTP 服务配置结构体。
type ServerConfig struct {
	// HTTPPort HTTP 端口
	// 默认值：8080
	HTTPPort int `yaml:"http_port"`
	// ShutdownTimeout 优雅关闭超时
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RetryAfter 202 响应中 Retry-After 头的秒数
	// 默认值：10
	RetryAfter int `yaml:"retry_after"`
}

// EngineConfig 编排执行配置结构体。
type EngineConfig struct {
	// OrchestrationTimeout 单次编排执行的最长时间
	// 默认值：5 分钟
	OrchestrationTimeout time.Duration `yaml:"orchestration_timeout"`
	// CacheSize 已完成编排输出缓存的容量
	// 默认值：1024
	CacheSize int `yaml:"cache_size"`
}

// StorageConfig 存储配置结构体。
type StorageConfig struct {
	// Backend 存储后端，可选值：memory、redis
	// 默认值：memory
	Backend string `yaml:"backend"`
	// Redis Redis 连接配置
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig Redis 连接配置结构体。
type RedisConfig struct {
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 NIMBUS_DURABLE_REDIS_PASSWORD 或
	// NIMBUS_DURABLE_REDIS_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
}

// EventsConfig 事件配置结构体。
type EventsConfig struct {
	// NatsURL NATS 消息服务器 URL，如 "nats://localhost:4222"；为空时不发布事件
	NatsURL string `yaml:"nats_url"`
	// Source 事件来源标识
	// 默认值：durable-worker
	Source string `yaml:"source"`
	// RelayDurable 外部事件转发订阅的 durable 名称
	// 默认值：durable-raise-relay
	RelayDurable string `yaml:"relay_durable"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否暴露 /metrics
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址
	// 默认值：localhost:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称
	// 默认值：nimbus-durable-worker
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1（10% 采样）
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Default 返回只包含默认值的配置（同样应用环境变量覆盖）。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// Load 从指定路径加载配置文件，path 为空时返回 Default()。
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// Validate 检查配置的一致性。
func (c *Config) Validate() error {
	if err := c.Listener.Validate(); err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.Redis.Address == "" {
			return fmt.Errorf("storage: redis backend requires an address")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server: http_port %d out of range", c.Server.HTTPPort)
	}
	return nil
}

// applyEnvOverrides 应用环境变量覆盖。
// 密码支持通过 _FILE 后缀指定包含密钥的文件路径，_FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFileAny(
		[]string{"NIMBUS_DURABLE_REDIS_PASSWORD"},
		[]string{"NIMBUS_DURABLE_REDIS_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := env("NIMBUS_DURABLE_REDIS_ADDRESS"); v != "" {
		c.Storage.Redis.Address = v
	}
	if v := env("NIMBUS_DURABLE_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := env("NIMBUS_DURABLE_NATS_URL"); v != "" {
		c.Events.NatsURL = v
	}
	if v := env("NIMBUS_DURABLE_LISTENER_MODE"); v != "" {
		if mode, err := listener.ParseMode(v); err == nil {
			c.Listener.Mode = mode
		}
	}
	if v := env("NIMBUS_DURABLE_LISTENER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Listener.DefaultPort = port
		}
	}
	if v := env("NIMBUS_DURABLE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := env("NIMBUS_DURABLE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := env("NIMBUS_DURABLE_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// readEnvOrFileAny 从环境变量或文件读取配置值。
// 优先从 fileKeys 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKeys 指定的环境变量读取。
func readEnvOrFileAny(envKeys []string, fileKeys []string) string {
	for _, fileKey := range fileKeys {
		if filePath := env(fileKey); filePath != "" {
			if b, err := os.ReadFile(filePath); err == nil {
				return strings.TrimSpace(string(b))
			}
		}
	}

	for _, envKey := range envKeys {
		if v := env(envKey); v != "" {
			return v
		}
	}

	return ""
}

// applyDefaults 应用默认配置值。
func (c *Config) applyDefaults() {
	// HTTP 端口默认为 8080
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	// 优雅关闭超时默认为 30 秒
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.RetryAfter == 0 {
		c.Server.RetryAfter = 10
	}
	// 监听器：默认端口 4001，回退区间 30000-31000
	c.Listener = c.Listener.WithDefaults()
	if c.Engine.OrchestrationTimeout == 0 {
		c.Engine.OrchestrationTimeout = 5 * time.Minute
	}
	if c.Engine.CacheSize == 0 {
		c.Engine.CacheSize = 1024
	}
	// 任务中心默认值
	hub := taskhub.DefaultConfig()
	if c.TaskHub.Workers == 0 {
		c.TaskHub.Workers = hub.Workers
	}
	if c.TaskHub.QueueSize == 0 {
		c.TaskHub.QueueSize = hub.QueueSize
	}
	if c.TaskHub.PurgeSchedule == "" {
		c.TaskHub.PurgeSchedule = hub.PurgeSchedule
	}
	if c.TaskHub.Retention == 0 {
		c.TaskHub.Retention = hub.Retention
	}
	if c.TaskHub.StopTimeout == 0 {
		c.TaskHub.StopTimeout = hub.StopTimeout
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}
	if c.Events.Source == "" {
		c.Events.Source = "durable-worker"
	}
	if c.Events.RelayDurable == "" {
		c.Events.RelayDurable = "durable-raise-relay"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "nimbus_durable"
	}
	// 遥测服务名称默认为 nimbus-durable-worker
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "nimbus-durable-worker"
	}
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "localhost:4317"
	}
	// 采样率默认为 10%
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}
