package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Player  PlayerConfig  `yaml:"player"`
	Cache   CacheConfig   `yaml:"cache"`
	Preload PreloadConfig `yaml:"preload"`
	Gateway GatewayConfig `yaml:"gateway"`
	Logging LoggingConfig `yaml:"logging"`
	Paths   PathsConfig   `yaml:"paths"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PlayerConfig 播放编排相关配置
type PlayerConfig struct {
	// TickInterval 引擎进度 tick 间隔
	TickInterval time.Duration `yaml:"tick_interval"`
	// RatePresets 前端可选的倍速档位
	RatePresets []float64 `yaml:"rate_presets"`
	// StartUnlocked 为 true 时跳过输出门控（无头部署没有浏览器手势可等）
	StartUnlocked bool `yaml:"start_unlocked"`
}

// CacheConfig 音频缓存配置
type CacheConfig struct {
	// Backend 取值 memory | sqlite
	Backend string `yaml:"backend"`
	// Path sqlite 后端的数据库文件路径
	Path string `yaml:"path"`
}

// PreloadConfig 预加载器配置
type PreloadConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type GatewayConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	// PushInterval 快照推送间隔
	PushInterval time.Duration `yaml:"push_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type PathsConfig struct {
	// Debates 辩论目录 JSON 文件路径
	Debates string `yaml:"debates"`
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	fmt.Printf("📋 Loading config from: %s\n", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	fmt.Printf("✅ Config file read successfully (%d bytes)\n", len(data))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	fmt.Printf("✅ Config parsed successfully\n")

	// 从环境变量覆盖部署相关项
	if dbPath := os.Getenv("DEBATE_CACHE_PATH"); dbPath != "" {
		fmt.Printf("💾 Using DEBATE_CACHE_PATH from environment: %s\n", dbPath)
		cfg.Cache.Path = dbPath
	}
	if debates := os.Getenv("DEBATE_CATALOG_PATH"); debates != "" {
		fmt.Printf("📚 Using DEBATE_CATALOG_PATH from environment: %s\n", debates)
		cfg.Paths.Debates = debates
	}

	cfg.applyDefaults()

	// 打印关键配置
	fmt.Printf("\n📊 Configuration Summary:\n")
	fmt.Printf("   Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Cache Backend: %s\n", cfg.Cache.Backend)
	if cfg.Cache.Backend == "sqlite" {
		fmt.Printf("   Cache Path: %s\n", cfg.Cache.Path)
	}
	fmt.Printf("   Tick Interval: %s\n", cfg.Player.TickInterval)
	fmt.Printf("   Debates Path: %s\n", cfg.Paths.Debates)
	fmt.Printf("\n")

	// 验证必需配置
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	fmt.Printf("✅ Config validation passed\n\n")

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Player.TickInterval <= 0 {
		c.Player.TickInterval = 50 * time.Millisecond
	}
	if len(c.Player.RatePresets) == 0 {
		c.Player.RatePresets = []float64{0.75, 1.0, 1.25, 1.5, 2.0}
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Preload.Concurrency <= 0 {
		c.Preload.Concurrency = 3
	}
	if c.Gateway.PingInterval <= 0 {
		c.Gateway.PingInterval = 30 * time.Second
	}
	if c.Gateway.PushInterval <= 0 {
		c.Gateway.PushInterval = 200 * time.Millisecond
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Cache.Backend != "memory" && c.Cache.Backend != "sqlite" {
		return fmt.Errorf("unknown cache backend: %s (expected memory or sqlite)", c.Cache.Backend)
	}
	if c.Cache.Backend == "sqlite" && c.Cache.Path == "" {
		return fmt.Errorf("cache path is required for the sqlite backend")
	}
	if c.Paths.Debates == "" {
		return fmt.Errorf("debates path is required")
	}
	for _, r := range c.Player.RatePresets {
		if r <= 0 {
			return fmt.Errorf("rate presets must be positive, got %v", r)
		}
	}
	return nil
}
