// Package listener 提供 Durable 工作进程的本地 gRPC 侧通道监听器。
//
// 两种可互换的策略共享 Start / Stop / ListenAddress 契约：
//   - ModeEmbedded: 在 HTTP 服务器上以明文 HTTP/2 (h2c) 挂载 gRPC 服务
//   - ModeDirect: 直接绑定原生 gRPC 服务器，绑定冲突时重建服务器并重试
package listener

import (
	"fmt"
	"strings"
	"time"
)

// 端口协商的默认值，与现有运维工具和防火墙规则保持一致。
const (
	DefaultPort          = 4001
	DefaultFallbackMin   = 30000
	DefaultFallbackMax   = 31000
	DefaultProbeAttempts = 50
	DefaultBindAttempts  = 10
	DefaultHost          = "127.0.0.1"
)

// Mode 选择监听器策略。
type Mode string

// 监听器策略常量定义
const (
	// ModeEmbedded 使用内嵌 HTTP 服务器承载 gRPC
	ModeEmbedded Mode = "embedded"
	// ModeDirect 直接绑定原生 gRPC 服务器
	ModeDirect Mode = "direct"
)

// ParseMode 解析策略名称，大小写不敏感。
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeEmbedded, "":
		return ModeEmbedded, nil
	case ModeDirect, "legacy":
		return ModeDirect, nil
	}
	return "", fmt.Errorf("unknown listener mode %q", s)
}

// Config 是监听器配置。
type Config struct {
	// Mode 是监听器策略
	Mode Mode `yaml:"mode"`
	// Host 是绑定的回环地址
	Host string `yaml:"host"`
	// DefaultPort 是首选端口
	DefaultPort int `yaml:"default_port"`
	// FallbackMin 和 FallbackMax 是回退端口区间 [FallbackMin, FallbackMax)
	FallbackMin int `yaml:"fallback_min"`
	FallbackMax int `yaml:"fallback_max"`
	// ProbeAttempts 是回退区间内的最大探测次数
	ProbeAttempts int `yaml:"probe_attempts"`
	// BindAttempts 是绑定冲突时的最大尝试次数
	BindAttempts int `yaml:"bind_attempts"`
	// RetryBackoff 是两次绑定尝试之间的等待时间
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// ShutdownTimeout 是优雅关闭的最长等待时间
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Mode:            ModeEmbedded,
		Host:            DefaultHost,
		DefaultPort:     DefaultPort,
		FallbackMin:     DefaultFallbackMin,
		FallbackMax:     DefaultFallbackMax,
		ProbeAttempts:   DefaultProbeAttempts,
		BindAttempts:    DefaultBindAttempts,
		RetryBackoff:    50 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}
}

// WithDefaults 用默认值填充零值字段。
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.DefaultPort == 0 {
		c.DefaultPort = d.DefaultPort
	}
	if c.FallbackMin == 0 {
		c.FallbackMin = d.FallbackMin
	}
	if c.FallbackMax == 0 {
		c.FallbackMax = d.FallbackMax
	}
	if c.ProbeAttempts == 0 {
		c.ProbeAttempts = d.ProbeAttempts
	}
	if c.BindAttempts == 0 {
		c.BindAttempts = d.BindAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Validate 检查配置。
func (c Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.DefaultPort <= 0 || c.DefaultPort > 65535 {
		return fmt.Errorf("invalid default port %d", c.DefaultPort)
	}
	if c.FallbackMin <= 1024 || c.FallbackMax > 65536 || c.FallbackMin >= c.FallbackMax {
		return fmt.Errorf("invalid fallback port range %d-%d", c.FallbackMin, c.FallbackMax)
	}
	if c.ProbeAttempts < 1 || c.BindAttempts < 1 {
		return fmt.Errorf("probe and bind attempts must be positive")
	}
	return nil
}
