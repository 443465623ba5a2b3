package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncPolicy 同步策略配置（可热更新）
type SyncPolicy struct {
	TradeWindowHours     int `yaml:"trade_window_hours" json:"trade_window_hours"`         // 单次成交查询最大窗口（小时，默认24）
	TransferWindowDays   int `yaml:"transfer_window_days" json:"transfer_window_days"`     // 单次划转查询最大窗口（天，默认90）
	SymbolBatchSize      int `yaml:"symbol_batch_size" json:"symbol_batch_size"`           // 并发查询的交易对批次大小（默认5）
	BatchDelayMs         int `yaml:"batch_delay_ms" json:"batch_delay_ms"`                 // 批次之间的固定延迟（毫秒，默认1000）
	CSVBatchSize         int `yaml:"csv_batch_size" json:"csv_batch_size"`                 // CSV 行处理批次大小（默认200）
	PersistRetries       int `yaml:"persist_retries" json:"persist_retries"`               // 单条记录持久化失败后的重试次数（默认1，-1 表示不重试）
	JobRetentionMinutes  int `yaml:"job_retention_minutes" json:"job_retention_minutes"`   // 终态任务保留时间（分钟，默认60）
	JobPurgeIntervalMin  int `yaml:"job_purge_interval_min" json:"job_purge_interval_min"` // 任务清理周期（分钟，默认10）
	RequestRatePerSecond int `yaml:"request_rate_per_second" json:"request_rate_per_second"` // 交易所请求速率上限（默认10）
}

// VaultConfig 凭证保险库配置
type VaultConfig struct {
	MasterKey string `yaml:"master_key"` // 主密钥（也可通过 COINSYNC_VAULT_KEY 环境变量提供）
	Salt      string `yaml:"salt"`       // PBKDF2 盐值
}

// ExchangeConfig 交易所接入配置
type ExchangeConfig struct {
	Name       string `yaml:"name"`        // 交易所名称（目前仅 binance）
	UseTestnet bool   `yaml:"use_testnet"` // 是否使用测试网
	RelayURL   string `yaml:"relay_url"`   // 可选的中继地址（为空时直连）
	RecvWindow int64  `yaml:"recv_window"` // 请求有效窗口（毫秒，默认5000）
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type            string `yaml:"type"`               // sqlite, postgres, mysql
	DSN             string `yaml:"dsn"`                // 数据源名称
	MaxOpenConns    int    `yaml:"max_open_conns"`     // 最大打开连接数
	MaxIdleConns    int    `yaml:"max_idle_conns"`     // 最大空闲连接数
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`  // 连接最大生命周期（秒）
	LogLevel        string `yaml:"log_level"`          // gorm 日志级别: silent, error, warn, info
}

// LockConfig 分布式锁配置
type LockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"`   // redis
	Prefix  string `yaml:"prefix"` // 键前缀
	Redis   struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`
}

// WebhookConfig 任务终态通知配置
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Timeout int    `yaml:"timeout"` // 秒
}

// Config 对账服务配置
type Config struct {
	Web struct {
		Port    int    `yaml:"port"`     // HTTP 端口（默认 28990）
		Host    string `yaml:"host"`     // 监听地址
		GinMode string `yaml:"gin_mode"` // debug / release
	} `yaml:"web"`

	Database DatabaseConfig `yaml:"database"`

	Exchange ExchangeConfig `yaml:"exchange"`

	Vault VaultConfig `yaml:"vault"`

	Sync SyncPolicy `yaml:"sync"`

	Lock LockConfig `yaml:"lock"`

	Notifications struct {
		Webhook WebhookConfig `yaml:"webhook"`
	} `yaml:"notifications"`

	System struct {
		LogLevel string `yaml:"log_level"`
		Timezone string `yaml:"timezone"` // 时区，如 "America/Sao_Paulo"
	} `yaml:"system"`
}

// LoadConfig 从文件加载配置
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节流加载配置
func LoadConfigFromBytes(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 敏感项支持环境变量覆盖
	if v := os.Getenv("COINSYNC_VAULT_KEY"); v != "" {
		cfg.Vault.MasterKey = v
	}
	if v := os.Getenv("COINSYNC_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置并填充默认值
func (c *Config) Validate() error {
	if c.Web.Port <= 0 {
		c.Web.Port = 28990
	}
	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.GinMode == "" {
		c.Web.GinMode = "release"
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" {
		if c.Database.Type != "sqlite" {
			return fmt.Errorf("数据库类型 %s 需要配置 DSN", c.Database.Type)
		}
		c.Database.DSN = "./data/coinsync.db"
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "silent"
	}

	if c.Exchange.Name == "" {
		c.Exchange.Name = "binance"
	}
	if c.Exchange.Name != "binance" {
		return fmt.Errorf("不支持的交易所: %s", c.Exchange.Name)
	}
	if c.Exchange.RecvWindow <= 0 {
		c.Exchange.RecvWindow = 5000
	}

	if c.Vault.MasterKey == "" {
		return fmt.Errorf("未配置凭证主密钥（vault.master_key 或 COINSYNC_VAULT_KEY）")
	}
	if c.Vault.Salt == "" {
		c.Vault.Salt = "coinsync-vault"
	}

	c.Sync.applyDefaults()

	if c.Lock.Enabled {
		if c.Lock.Type == "" {
			c.Lock.Type = "redis"
		}
		if c.Lock.Prefix == "" {
			c.Lock.Prefix = "coinsync:lock:"
		}
		if c.Lock.Redis.Addr == "" {
			return fmt.Errorf("启用分布式锁时必须配置 redis 地址")
		}
	}

	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return fmt.Errorf("启用 Webhook 通知时必须配置 URL")
	}

	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}

	return nil
}

// applyDefaults 填充同步策略默认值
func (p *SyncPolicy) applyDefaults() {
	if p.TradeWindowHours <= 0 {
		p.TradeWindowHours = 24
	}
	if p.TransferWindowDays <= 0 {
		p.TransferWindowDays = 90
	}
	if p.SymbolBatchSize <= 0 {
		p.SymbolBatchSize = 5
	}
	if p.BatchDelayMs <= 0 {
		p.BatchDelayMs = 1000
	}
	if p.CSVBatchSize <= 0 {
		p.CSVBatchSize = 200
	}
	// 0 表示未设置，取默认值；负数表示显式关闭重试
	if p.PersistRetries == 0 {
		p.PersistRetries = 1
	} else if p.PersistRetries < 0 {
		p.PersistRetries = 0
	}
	if p.JobRetentionMinutes <= 0 {
		p.JobRetentionMinutes = 60
	}
	if p.JobPurgeIntervalMin <= 0 {
		p.JobPurgeIntervalMin = 10
	}
	if p.RequestRatePerSecond <= 0 {
		p.RequestRatePerSecond = 10
	}
}

// TradeWindow 返回单次成交查询的最大时间窗口
func (p *SyncPolicy) TradeWindow() time.Duration {
	return time.Duration(p.TradeWindowHours) * time.Hour
}

// TransferWindow 返回单次划转查询的最大时间窗口
func (p *SyncPolicy) TransferWindow() time.Duration {
	return time.Duration(p.TransferWindowDays) * 24 * time.Hour
}

// BatchDelay 返回批次间延迟
func (p *SyncPolicy) BatchDelay() time.Duration {
	return time.Duration(p.BatchDelayMs) * time.Millisecond
}

// JobRetention 返回终态任务保留时间
func (p *SyncPolicy) JobRetention() time.Duration {
	return time.Duration(p.JobRetentionMinutes) * time.Minute
}

// JobPurgeInterval 返回任务清理周期
func (p *SyncPolicy) JobPurgeInterval() time.Duration {
	return time.Duration(p.JobPurgeIntervalMin) * time.Minute
}
