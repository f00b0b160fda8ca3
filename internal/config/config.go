package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述礼宾服务在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Metrics     MetricsConfig     `json:"metrics"`
	Storage     StorageConfig     `json:"storage"`
	TaskQueue   TaskQueueConfig   `json:"task_queue"`
	Policy      PolicyConfig      `json:"policy"`
	Providers   ProvidersConfig   `json:"providers"`
	Settlement  SettlementConfig  `json:"settlement"`
	Rails       RailsConfig       `json:"rails"`
	Idempotency IdempotencyConfig `json:"idempotency"`
	Logging     LoggingConfig     `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标服务的监听地址，留空则不启动。
type MetricsConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述任务、订单与结算台账的持久化后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN                string `json:"dsn"`
	MaxOpenConns       int    `json:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns"`
	ConnMaxLifetimeMin int    `json:"conn_max_lifetime_min"`
}

// TaskQueueConfig 描述任务队列后端。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数，队列与幂等键共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// PolicyConfig 是执行器的运行期策略开关。
type PolicyConfig struct {
	StrictSLA              bool   `json:"strict_sla"`
	SimulateBreaches       bool   `json:"simulate_breaches"`
	BreachPct              uint32 `json:"breach_pct"`
	ForcedFallbackPct      uint32 `json:"forced_fallback_pct"`
	HandoffEnabled         bool   `json:"handoff_enabled"`
	CallTimeoutMs          int    `json:"call_timeout_ms"`
	SkipStatusWhenFlexible bool   `json:"skip_status_when_flexible"`
	DefaultCategory        string `json:"default_category"`
}

// CallTimeout 返回单次工具调用的上下文超时。
func (p PolicyConfig) CallTimeout() time.Duration {
	if p.CallTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(p.CallTimeoutMs) * time.Millisecond
}

// ProvidersConfig 控制提供方调用的限流与契约覆盖。
type ProvidersConfig struct {
	RateLimitQPS  float64 `json:"rate_limit_qps"`
	RateBurst     int     `json:"rate_burst"`
	ContractsPath string  `json:"contracts_path"`
}

// SettlementConfig 控制结算费率与对账扰动。
type SettlementConfig struct {
	FeeRate float64 `json:"fee_rate"`
	SkewPct uint32  `json:"skew_pct"`
}

// RailsConfig 列出被禁用与未认证的支付通道。
type RailsConfig struct {
	Disabled    []string `json:"disabled"`
	Uncertified []string `json:"uncertified"`
}

// IdempotencyConfig 控制幂等键的存储与有效期。
type IdempotencyConfig struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// TTL 返回幂等键有效期。
func (c IdempotencyConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志的独立落盘与轮转。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}

	if c.Policy.CallTimeoutMs <= 0 {
		c.Policy.CallTimeoutMs = 5000
	}
	if c.Policy.DefaultCategory == "" {
		c.Policy.DefaultCategory = "dining"
	}

	if c.Providers.RateLimitQPS <= 0 {
		c.Providers.RateLimitQPS = 50
	}
	if c.Providers.RateBurst <= 0 {
		c.Providers.RateBurst = 10
	}
	if c.Providers.ContractsPath != "" && !filepath.IsAbs(c.Providers.ContractsPath) {
		c.Providers.ContractsPath = filepath.Join(baseDir, c.Providers.ContractsPath)
	}

	if c.Settlement.FeeRate <= 0 {
		c.Settlement.FeeRate = 0.006
	}

	if c.Idempotency.TTLSeconds <= 0 {
		c.Idempotency.TTLSeconds = 600
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else if !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
	}
}
