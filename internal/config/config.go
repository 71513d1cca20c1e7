package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Guardrail  GuardrailConfig  `mapstructure:"guardrail"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Connectors ConnectorsConfig `mapstructure:"connectors"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres, sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	Path            string `mapstructure:"path"` // sqlite 数据库文件路径
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置（asynq 后台任务队列）
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// QueueConfig 作业队列配置
type QueueConfig struct {
	WorkspaceConcurrency int    `mapstructure:"workspace_concurrency"` // 单工作区并发上限，默认 10
	DefaultMaxRetries    int    `mapstructure:"default_max_retries"`   // 后台作业默认重试次数
	DrainInterval        string `mapstructure:"drain_interval"`        // 后台排空间隔（cron 表达式或 "@every 30s"）
	WorkerConcurrency    int    `mapstructure:"worker_concurrency"`    // asynq worker 并发数
}

// GuardrailConfig 速率限制默认值（Agent 未单独配置时生效）
type GuardrailConfig struct {
	MaxActionsPerHour int `mapstructure:"max_actions_per_hour"`
	MaxMessagesPerDay int `mapstructure:"max_messages_per_day"`
	MaxErrorsPerHour  int `mapstructure:"max_errors_per_hour"`
}

// FeaturesConfig 渠道实投开关，关闭时仅产出草稿
type FeaturesConfig struct {
	LiveEmailSend   bool `mapstructure:"live_email_send"`
	LiveSMSSend     bool `mapstructure:"live_sms_send"`
	LiveWebhookCall bool `mapstructure:"live_webhook_call"`
	LiveSFMCSync    bool `mapstructure:"live_sfmc_sync"`
}

// ConnectorsConfig 外部连接器白名单配置
type ConnectorsConfig struct {
	Webhook WebhookConnectorConfig `mapstructure:"webhook"`
	SFMC    SFMCConnectorConfig    `mapstructure:"sfmc"`
}

// WebhookConnectorConfig Webhook 连接器：仅允许访问固定 base_url 下的白名单路径
type WebhookConnectorConfig struct {
	BaseURL      string   `mapstructure:"base_url"`
	AllowedPaths []string `mapstructure:"allowed_paths"`
}

// SFMCConnectorConfig 营销自动化连接器：仅允许白名单内的数据扩展与旅程
type SFMCConnectorConfig struct {
	AllowedDataExtensions []string `mapstructure:"allowed_data_extensions"`
	AllowedJourneys       []string `mapstructure:"allowed_journeys"`
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP") // 环境变量前缀：APP_
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_DATABASE_HOST

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)
	globalConfig = &cfg
	return &cfg, nil
}

// applyDefaults 填充关键默认值
func applyDefaults(cfg *Config) {
	if cfg.Queue.WorkspaceConcurrency <= 0 {
		cfg.Queue.WorkspaceConcurrency = 10
	}
	if cfg.Queue.DefaultMaxRetries < 0 {
		cfg.Queue.DefaultMaxRetries = 0
	}
	if cfg.Queue.DrainInterval == "" {
		cfg.Queue.DrainInterval = "@every 30s"
	}
	if cfg.Queue.WorkerConcurrency <= 0 {
		cfg.Queue.WorkerConcurrency = 10
	}
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
