// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Chat     ChatConfig     `mapstructure:"chat"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
// Brokers 为空时不启用事件发布。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey                string              `mapstructure:"api_key"`
	BaseURL               string              `mapstructure:"base_url"`
	DefaultModel          string              `mapstructure:"default_model"`
	RequestTimeoutSeconds int                 `mapstructure:"request_timeout_seconds"`
	Generation            LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选，零值表示使用模型默认值）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// ChatConfig 存储意图路由与会话记忆相关的配置。
type ChatConfig struct {
	ContextBudgets ContextBudgetConfig `mapstructure:"context_budgets"`
	SummaryWindow  int                 `mapstructure:"summary_window"`
	Page           PageConfig          `mapstructure:"page"`
	Session        SessionConfig       `mapstructure:"session"`
}

// ContextBudgetConfig 为每种意图配置上下文字符预算。
type ContextBudgetConfig struct {
	Casual    int `mapstructure:"casual"`
	Technical int `mapstructure:"technical"`
	Summary   int `mapstructure:"summary"`
	Help      int `mapstructure:"help"`
}

// PageConfig 配置列表接口的默认分页参数。
type PageConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	HistoryLimit int `mapstructure:"history_limit"`
}

// SessionConfig 配置进程内会话记忆的容量上限。
type SessionConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}

	applyDefaults(&Conf)
}

// applyDefaults 为省略的配置项填充默认值。
func applyDefaults(c *Config) {
	if c.Chat.ContextBudgets.Casual == 0 {
		c.Chat.ContextBudgets.Casual = 500
	}
	if c.Chat.ContextBudgets.Technical == 0 {
		c.Chat.ContextBudgets.Technical = 800
	}
	if c.Chat.ContextBudgets.Summary == 0 {
		c.Chat.ContextBudgets.Summary = 2000
	}
	// help 固定为 0：帮助类回复不携带历史上下文
	if c.Chat.SummaryWindow == 0 {
		c.Chat.SummaryWindow = 20
	}
	if c.Chat.Page.DefaultLimit == 0 {
		c.Chat.Page.DefaultLimit = 20
	}
	if c.Chat.Page.HistoryLimit == 0 {
		c.Chat.Page.HistoryLimit = 50
	}
	if c.Chat.Session.MaxEntries == 0 {
		c.Chat.Session.MaxEntries = 1000
	}
	if c.LLM.RequestTimeoutSeconds == 0 {
		c.LLM.RequestTimeoutSeconds = 30
	}
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = "llama-3.1-8b"
	}
}
