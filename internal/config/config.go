package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"MetaHost/pkg/logger"
	"MetaHost/pkg/plugin"
)

const (
	// EnvConfigPath 指定配置文件路径的环境变量。
	EnvConfigPath = "METAHOST_CONFIG"
	// EnvAPIToken 覆盖管理接口的访问令牌。
	EnvAPIToken = "METAHOST_API_TOKEN"
	// EnvMySQLDSN 覆盖历史记录库的 DSN。
	EnvMySQLDSN = "METAHOST_MYSQL_DSN"
	// EnvRedisPassword 覆盖事件总线 Redis 的密码。
	EnvRedisPassword = "METAHOST_REDIS_PASSWORD"

	// DefaultPath 是未设置环境变量时使用的配置文件。
	DefaultPath = "configs/metahost.yaml"
)

// Config 描述了 MetaHost 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Logging  logger.Config   `yaml:"logging"`
	Plugins  plugin.Settings `yaml:"plugins"`
	Events   EventsConfig    `yaml:"events"`
	History  HistoryConfig   `yaml:"history"`
	Proofs   ProofsConfig    `yaml:"proofs"`
	Alerting AlertingConfig  `yaml:"alerting"`
}

// ServerConfig 控制管理接口的监听地址与鉴权。MetricsAddress 非空时额外启动
// 一个只暴露 /metrics 的独立监听，且不受令牌鉴权约束。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	APIToken        string        `yaml:"apiToken"`
	ReadToken       string        `yaml:"readToken"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// EventsConfig 描述插件生命周期事件的发布方式。
type EventsConfig struct {
	Driver   string         `yaml:"driver"`
	Buffer   int            `yaml:"buffer"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 是 Redis 事件总线的连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"maxLen"`
}

// RabbitMQConfig 是 RabbitMQ 事件总线的连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Durable  bool   `yaml:"durable"`
}

// HistoryConfig 描述插件加载历史的存储方式。
type HistoryConfig struct {
	Driver string      `yaml:"driver"`
	Limit  int         `yaml:"limit"`
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig 是历史记录库的连接池参数。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
}

// ProofsConfig 控制模块指纹与事件签名。
type ProofsConfig struct {
	Fingerprint bool   `yaml:"fingerprint"`
	SigningKey  string `yaml:"signingKey"`
}

// AlertingConfig 控制插件加载失败时的告警渠道。
type AlertingConfig struct {
	Log        bool   `yaml:"log"`
	WebhookURL string `yaml:"webhookURL"`
}

// Path 返回当前进程应当读取的配置文件路径。
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 YAML 内容，baseDir 用于解析相对路径。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置是否自洽。
func (c *Config) Validate() error {
	if err := c.Plugins.Validate(); err != nil {
		return fmt.Errorf("plugins 配置无效: %w", err)
	}
	switch c.Events.Driver {
	case "memory", "none":
	case "redis":
		if c.Events.Redis.Address == "" {
			return errors.New("events.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			return errors.New("events.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}
	switch c.History.Driver {
	case "memory", "none":
	case "mysql":
		if strings.TrimSpace(c.History.MySQL.DSN) == "" {
			return errors.New("history.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("未知的历史存储驱动: %s", c.History.Driver)
	}
	if c.Server.MetricsAddress != "" && c.Server.MetricsAddress == c.Server.Address {
		return errors.New("server.metricsAddress 不能与 server.address 相同")
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		return errors.New("logging.audit.path 不能为空")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)

	if c.Plugins.Dir == "" {
		c.Plugins.Dir = filepath.Join(baseDir, "plugins")
	} else {
		c.Plugins.Dir = resolve(baseDir, c.Plugins.Dir)
	}
	if c.Plugins.ListFile == "" {
		c.Plugins.ListFile = filepath.Join(baseDir, "metaplugins.ini")
	} else {
		c.Plugins.ListFile = resolve(baseDir, c.Plugins.ListFile)
	}
	if c.Plugins.Loader == "" {
		c.Plugins.Loader = "auto"
	}
	if c.Plugins.ErrorLimit == 0 {
		c.Plugins.ErrorLimit = plugin.DefaultErrorLimit
	}
	if c.Plugins.MinAPIVersion == 0 {
		c.Plugins.MinAPIVersion = plugin.MinAPIVersion
	}
	for i, dir := range c.Plugins.Policy.AllowedDirs {
		c.Plugins.Policy.AllowedDirs[i] = resolve(baseDir, dir)
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Redis.Channel == "" {
		c.Events.Redis.Channel = "metahost:plugins"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "metahost.plugins"
	}

	if c.History.Driver == "" {
		c.History.Driver = "memory"
	}
	if c.History.Limit <= 0 {
		c.History.Limit = 512
	}
}

// applyEnv 使用环境变量覆盖敏感配置。
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.Server.APIToken = v
	}
	if v := os.Getenv(EnvMySQLDSN); v != "" {
		c.History.MySQL.DSN = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Events.Redis.Password = v
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
