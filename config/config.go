// Package config 提供 Saga 服务的分层配置加载。
//
// 优先级从低到高：内置默认值、配置文件（YAML/JSON）、环境变量、
// 程序内覆盖。环境变量使用 SAGAKIT_ 前缀，嵌套键以下划线分隔
// （SAGAKIT_SAGA_MAX_CONCURRENT -> saga.max_concurrent）。
package config

import (
	"fmt"
	"time"

	"sagakit/storage/database"
)

// Config 服务配置根
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Saga    SagaConfig    `mapstructure:"saga"`
	Storage StorageConfig `mapstructure:"storage"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// AppConfig 应用标识
type AppConfig struct {
	Name string `mapstructure:"name"`
}

// SagaConfig 编排器参数
type SagaConfig struct {
	// StepTimeout 步骤默认超时
	StepTimeout time.Duration `mapstructure:"step_timeout"`

	// MaxConcurrent 并发实例上限
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// DisableMetrics 禁用指标收集
	DisableMetrics bool `mapstructure:"disable_metrics"`
}

// StorageConfig 状态存储选择
type StorageConfig struct {
	// Backend 存储后端：memory、sqlite 或 redis
	Backend string `mapstructure:"backend"`

	// TableName Saga 状态表名（sqlite 后端）
	TableName string `mapstructure:"table_name"`

	// Database 数据库连接（sqlite 后端）
	Database database.DBConfig `mapstructure:"database"`
}

// NATSConfig 事件接入配置
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

// RedisConfig Redis 连接配置（redis 存储后端）
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DefaultConfig 内置默认配置
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name: "sagakit",
		},
		Saga: SagaConfig{
			StepTimeout:   30 * time.Second,
			MaxConcurrent: 100,
		},
		Storage: StorageConfig{
			Backend:   "memory",
			TableName: "saga_states",
			Database: database.DBConfig{
				Driver:   "sqlite",
				Database: "sagakit.db",
			},
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "saga.events",
			Queue:   "saga-orchestrator",
		},
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "saga:",
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unsupported storage backend: %q", c.Storage.Backend)
	}
	if c.Saga.StepTimeout < 0 {
		return fmt.Errorf("saga.step_timeout must not be negative")
	}
	if c.Saga.MaxConcurrent < 0 {
		return fmt.Errorf("saga.max_concurrent must not be negative")
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Database.Database == "" {
		return fmt.Errorf("storage.database.database is required for sqlite backend")
	}
	if c.Storage.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for redis backend")
	}
	return nil
}
