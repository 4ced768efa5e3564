package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"Mamori/pkg/logger"
	"Mamori/pkg/util"
)

// Config 全局配置，全部来自环境变量
type Config struct {
	Env       string `env:"APP_ENV"`
	MachineID int64  `env:"MACHINE_ID"`
	DBDriver  string `env:"DB_DRIVER"`
	DSN       string `env:"DSN"`
	Log       logger.LogConfig
	Addr      string `env:"ADDR"`
	Mode      string `env:"MODE"`
	APIPrefix string `env:"API_PREFIX"`
	JWTSecret string `env:"JWT_SECRET"`
	Language  string `env:"LANGUAGE"`
	RateLimit string `env:"RATE_LIMIT"`

	HomePrefix string `env:"RISK_HOME_PREFIX"`

	Breaker  BreakerConfig
	Analyzer AnalyzerConfig
	Cache    CacheConfig
	Push     PushConfig
	Tasks    TaskConfig
	Outbox   OutboxConfig
	WS       WSConfig
	Backup   BackupConfig
}

// BreakerConfig 分析服务的熔断与重试
type BreakerConfig struct {
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD"`
	ResetTimeout     time.Duration `env:"BREAKER_RESET_TIMEOUT"`
	MaxRetries       int           `env:"RETRY_MAX"`
	BaseDelay        time.Duration `env:"RETRY_BASE_DELAY"`
	MaxDelay         time.Duration `env:"RETRY_MAX_DELAY"`
	AttemptTimeout   time.Duration `env:"ATTEMPT_TIMEOUT"`
}

type AnalyzerConfig struct {
	Kind           string        `env:"ANALYZER"` // http | openai | none
	BaseURL        string        `env:"ANALYZER_BASE_URL"`
	APIKey         string        `env:"LLM_API_KEY"`
	LLMBaseURL     string        `env:"LLM_BASE_URL"`
	Model          string        `env:"LLM_MODEL"`
	Timeout        time.Duration `env:"ANALYZER_TIMEOUT"`
	SummaryTimeout time.Duration `env:"ANALYZER_SUMMARY_TIMEOUT"`
}

type CacheConfig struct {
	Backend        string        `env:"CACHE_BACKEND"` // local | redis
	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REDIS_DB"`
	DefaultTTL     time.Duration `env:"CACHE_TTL"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL"`
}

type PushConfig struct {
	Provider     string `env:"PUSH_PROVIDER"` // log | jpush
	AppKey       string `env:"JPUSH_APP_KEY"`
	MasterSecret string `env:"JPUSH_MASTER_SECRET"`
	Production   bool   `env:"JPUSH_PRODUCTION"`
}

type TaskConfig struct {
	Workers int           `env:"TASK_WORKERS"`
	Queue   int           `env:"TASK_QUEUE"`
	Timeout time.Duration `env:"TASK_TIMEOUT"`
}

// OutboxConfig 客户端 outbox 使用，服务端只用于 cmd/mamori-agent
type OutboxConfig struct {
	DSN           string        `env:"OUTBOX_DSN"`
	BackendURL    string        `env:"OUTBOX_BACKEND_URL"`
	Token         string        `env:"OUTBOX_TOKEN"`
	MaxRetries    int           `env:"OUTBOX_MAX_RETRIES"`
	BaseDelay     time.Duration `env:"OUTBOX_BASE_DELAY"`
	MaxDelay      time.Duration `env:"OUTBOX_MAX_DELAY"`
	FlushInterval time.Duration `env:"OUTBOX_FLUSH_INTERVAL"`
}

type WSConfig struct {
	MaxConnections    int           `env:"WS_MAX_CONNECTIONS"`
	SendBuffer        int           `env:"WS_SEND_BUFFER"`
	BroadcastWorkers  int           `env:"WS_BROADCAST_WORKERS"`
	HeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL"`
	AllowedOrigins    []string      `env:"WS_ALLOWED_ORIGINS"`
}

// BackupConfig sqlite 快照，Schedule 为空时不启用
type BackupConfig struct {
	Schedule string `env:"BACKUP_SCHEDULE"`
	Dir      string `env:"BACKUP_DIR"`
	Keep     int    `env:"BACKUP_KEEP"`
}

var GlobalConfig *Config

// Load 加载 .env.{APP_ENV} 后读取全部配置并校验服务端必需项
func Load() (*Config, error) {
	cfg := load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	GlobalConfig = cfg
	return cfg, nil
}

// LoadClient 设备端只需要 outbox 与日志配置，不做服务端校验
func LoadClient() (*Config, error) {
	cfg := load()
	if cfg.Outbox.BackendURL == "" {
		return nil, fmt.Errorf("OUTBOX_BACKEND_URL is required")
	}
	return cfg, nil
}

func load() *Config {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	if err := util.LoadEnv(env); err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	cfg := &Config{
		Env:       env,
		MachineID: util.GetIntEnv("MACHINE_ID"),
		DBDriver:  util.GetEnvOr("DB_DRIVER", "sqlite"),
		DSN:       util.GetEnvOr("DSN", "mamori.db"),
		Addr:      util.GetEnvOr("ADDR", ":8080"),
		Mode:      util.GetEnvOr("MODE", "release"),
		APIPrefix: util.GetEnvOr("API_PREFIX", "/api/v1"),
		JWTSecret: util.GetEnv("JWT_SECRET"),
		Language:  util.GetEnvOr("LANGUAGE", "ja"),
		RateLimit: util.GetEnvOr("RATE_LIMIT", "120-M"),
		Log: logger.LogConfig{
			Level:      util.GetEnvOr("LOG_LEVEL", "info"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
		HomePrefix: util.GetEnvOr("RISK_HOME_PREFIX", "+81"),
		Breaker: BreakerConfig{
			FailureThreshold: int(util.GetIntEnvOr("BREAKER_FAILURE_THRESHOLD", 5)),
			ResetTimeout:     util.GetDurationEnvOr("BREAKER_RESET_TIMEOUT", 30*time.Second),
			MaxRetries:       int(util.GetIntEnvOr("RETRY_MAX", 2)),
			BaseDelay:        util.GetDurationEnvOr("RETRY_BASE_DELAY", 200*time.Millisecond),
			MaxDelay:         util.GetDurationEnvOr("RETRY_MAX_DELAY", 2*time.Second),
			AttemptTimeout:   util.GetDurationEnvOr("ATTEMPT_TIMEOUT", 3*time.Second),
		},
		Analyzer: AnalyzerConfig{
			Kind:           strings.ToLower(util.GetEnvOr("ANALYZER", "http")),
			BaseURL:        util.GetEnvOr("ANALYZER_BASE_URL", "http://localhost:8000"),
			APIKey:         util.GetEnv("LLM_API_KEY"),
			LLMBaseURL:     util.GetEnv("LLM_BASE_URL"),
			Model:          util.GetEnvOr("LLM_MODEL", "gpt-4o-mini"),
			Timeout:        util.GetDurationEnvOr("ANALYZER_TIMEOUT", 3*time.Second),
			SummaryTimeout: util.GetDurationEnvOr("ANALYZER_SUMMARY_TIMEOUT", 5*time.Second),
		},
		Cache: CacheConfig{
			Backend:        strings.ToLower(util.GetEnvOr("CACHE_BACKEND", "local")),
			RedisAddr:      util.GetEnvOr("REDIS_ADDR", "localhost:6379"),
			RedisPassword:  util.GetEnv("REDIS_PASSWORD"),
			RedisDB:        int(util.GetIntEnv("REDIS_DB")),
			DefaultTTL:     util.GetDurationEnvOr("CACHE_TTL", time.Minute),
			IdempotencyTTL: util.GetDurationEnvOr("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Push: PushConfig{
			Provider:     strings.ToLower(util.GetEnvOr("PUSH_PROVIDER", "log")),
			AppKey:       util.GetEnv("JPUSH_APP_KEY"),
			MasterSecret: util.GetEnv("JPUSH_MASTER_SECRET"),
			Production:   util.GetBoolEnv("JPUSH_PRODUCTION"),
		},
		Tasks: TaskConfig{
			Workers: int(util.GetIntEnvOr("TASK_WORKERS", 8)),
			Queue:   int(util.GetIntEnvOr("TASK_QUEUE", 1024)),
			Timeout: util.GetDurationEnvOr("TASK_TIMEOUT", 15*time.Second),
		},
		Outbox: OutboxConfig{
			DSN:           util.GetEnvOr("OUTBOX_DSN", "outbox.db"),
			BackendURL:    util.GetEnvOr("OUTBOX_BACKEND_URL", "http://localhost:8080/api/v1"),
			Token:         util.GetEnv("OUTBOX_TOKEN"),
			MaxRetries:    int(util.GetIntEnvOr("OUTBOX_MAX_RETRIES", 5)),
			BaseDelay:     util.GetDurationEnvOr("OUTBOX_BASE_DELAY", time.Second),
			MaxDelay:      util.GetDurationEnvOr("OUTBOX_MAX_DELAY", 30*time.Second),
			FlushInterval: util.GetDurationEnvOr("OUTBOX_FLUSH_INTERVAL", 15*time.Second),
		},
		WS: WSConfig{
			MaxConnections:    int(util.GetIntEnvOr("WS_MAX_CONNECTIONS", 10000)),
			SendBuffer:        int(util.GetIntEnvOr("WS_SEND_BUFFER", 256)),
			BroadcastWorkers:  int(util.GetIntEnvOr("WS_BROADCAST_WORKERS", 4)),
			HeartbeatInterval: util.GetDurationEnvOr("WS_HEARTBEAT_INTERVAL", 30*time.Second),
			AllowedOrigins:    splitList(util.GetEnv("WS_ALLOWED_ORIGINS")),
		},
		Backup: BackupConfig{
			Schedule: util.GetEnv("BACKUP_SCHEDULE"),
			Dir:      util.GetEnvOr("BACKUP_DIR", "backups"),
			Keep:     int(util.GetIntEnvOr("BACKUP_KEEP", 7)),
		},
	}
	return cfg
}

// Validate 校验必须项
func (c *Config) Validate() error {
	if c.JWTSecret == "" && c.Mode == "release" {
		return fmt.Errorf("JWT_SECRET is required in release mode")
	}
	switch c.Analyzer.Kind {
	case "http", "openai", "none":
	default:
		return fmt.Errorf("unknown ANALYZER %q", c.Analyzer.Kind)
	}
	if c.Analyzer.Kind == "openai" && c.Analyzer.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required when ANALYZER=openai")
	}
	switch c.Push.Provider {
	case "log":
	case "jpush":
		if c.Push.AppKey == "" || c.Push.MasterSecret == "" {
			return fmt.Errorf("JPUSH_APP_KEY and JPUSH_MASTER_SECRET are required when PUSH_PROVIDER=jpush")
		}
	default:
		return fmt.Errorf("unknown PUSH_PROVIDER %q", c.Push.Provider)
	}
	if c.Backup.Schedule != "" && c.DBDriver != "sqlite" {
		return fmt.Errorf("BACKUP_SCHEDULE is only supported with DB_DRIVER=sqlite")
	}
	if !strings.HasPrefix(c.HomePrefix, "+") {
		return fmt.Errorf("RISK_HOME_PREFIX must start with '+', got %q", c.HomePrefix)
	}
	return nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
