package config

import (
	"fmt"

	"trustfund/pkg/config"
)

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level"`
}

// WorkerConfig 审计消费者配置
type WorkerConfig struct {
	AuditQueue  string `yaml:"audit_queue"`
	MaxRetries  int64  `yaml:"max_retries"`
	MetricsPort string `yaml:"metrics_port"`
}

type Config struct {
	Env         string                   `yaml:"-"`
	Log         LogConfig                `yaml:"log"`
	DB          config.DBConfig          `yaml:"db"`
	MQ          config.MQConfig          `yaml:"mq"`
	NATS        config.NATSConfig        `yaml:"nats"`
	Redis       config.RedisConfig       `yaml:"redis"`
	JWT         config.JWTConfig         `yaml:"jwt"`
	Server      config.ServerConfig      `yaml:"server"`
	Store       config.StoreConfig       `yaml:"store"`
	Events      config.EventsConfig      `yaml:"events"`
	Idempotency config.IdempotencyConfig `yaml:"idempotency"`
	OTel        config.OTelConfig        `yaml:"otel"`
	Worker      WorkerConfig             `yaml:"worker"`
}

// Load 读取 config/ 下的分层配置（CONFIG_ENV 选择环境），再应用环境变量覆盖
func Load(configDir string) (*Config, error) {
	env := config.GetConfigEnv()
	raw, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.Env = env

	// 环境变量覆盖
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideNATSFromEnv(&cfg.NATS)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideStoreFromEnv(&cfg.Store)
	config.OverrideEventsFromEnv(&cfg.Events)
	config.OverrideOTelFromEnv(&cfg.OTel)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "postgres"
	}
	if c.Events.Transport == "" {
		c.Events.Transport = "rabbitmq"
	}
	if c.Worker.AuditQueue == "" {
		c.Worker.AuditQueue = "escrow.audit"
	}
	if c.Worker.MetricsPort == "" {
		c.Worker.MetricsPort = ":9090"
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = 3
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "trustfund"
	}
}

// Validate 检查取值合法的配置项
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Events.Transport {
	case "rabbitmq", "nats":
	default:
		return fmt.Errorf("unknown events transport %q", c.Events.Transport)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	return nil
}
