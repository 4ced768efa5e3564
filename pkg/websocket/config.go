package websocket

import (
	"fmt"
	"time"
)

// Config WebSocket配置
type Config struct {
	// 最大连接数
	MaxConnections int64
	// 心跳间隔
	HeartbeatInterval time.Duration
	// 连接超时时间，超过该时长未收到 pong 的连接会被关闭
	ConnectionTimeout time.Duration
	// 每个连接的发送缓冲区大小
	MessageBufferSize int
	// 每个广播worker的队列长度
	MessageQueueSize int
	// 读缓冲区大小
	ReadBufferSize int
	// 写缓冲区大小
	WriteBufferSize int
	// 最大入站消息大小
	MaxMessageSize int
	// 是否启用压缩
	EnableCompression bool
	// 广播worker数量，同一主题总是落在同一个worker上
	BroadcastWorkerCount int
	// 慢消费者策略：发送缓冲区满时直接断开
	CloseOnBackpressure bool
	// 允许的 Origin，为空表示不限制
	AllowedOrigins []string
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:       DefaultMaxConnections,
		HeartbeatInterval:    30 * time.Second,
		ConnectionTimeout:    60 * time.Second,
		MessageBufferSize:    DefaultMessageBufferSize,
		MessageQueueSize:     DefaultMessageQueueSize,
		ReadBufferSize:       DefaultReadBufferSize,
		WriteBufferSize:      DefaultWriteBufferSize,
		MaxMessageSize:       DefaultMaxMessageSize,
		EnableCompression:    false,
		BroadcastWorkerCount: DefaultBroadcastWorkers,
	}
}

// ValidateConfig 验证配置
func ValidateConfig(config *Config) error {
	if config.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if config.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if config.ConnectionTimeout <= config.HeartbeatInterval {
		return fmt.Errorf("connection timeout must be greater than heartbeat interval")
	}
	if config.MessageBufferSize <= 0 {
		return fmt.Errorf("message buffer size must be positive")
	}
	if config.MessageQueueSize <= 0 {
		return fmt.Errorf("message queue size must be positive")
	}
	return nil
}

// CloneConfig 克隆配置
func CloneConfig(config *Config) *Config {
	if config == nil {
		return nil
	}
	cloned := *config
	if config.AllowedOrigins != nil {
		cloned.AllowedOrigins = append([]string(nil), config.AllowedOrigins...)
	}
	return &cloned
}

// normalize 补齐零值字段
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ConnectionTimeout <= c.HeartbeatInterval {
		c.ConnectionTimeout = 2 * c.HeartbeatInterval
	}
	if c.MessageBufferSize <= 0 {
		c.MessageBufferSize = def.MessageBufferSize
	}
	if c.MessageQueueSize <= 0 {
		c.MessageQueueSize = def.MessageQueueSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = def.WriteBufferSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.BroadcastWorkerCount <= 0 {
		c.BroadcastWorkerCount = 1
	}
}
