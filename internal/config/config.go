package config

import (
	"encoding/json"
	"fmt"
	"os"
	"signal-engine-go/internal/models"
	"signal-engine-go/internal/strategy"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides 可由环境变量 (或 .env 文件) 覆盖的配置项。密钥只从这里读取。
type envOverrides struct {
	APIKey        string `env:"BINANCE_API_KEY"`
	SecretKey     string `env:"BINANCE_SECRET_KEY"`
	RedisURL      string `env:"REDIS_URL"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	FeedURL       string `env:"FEED_URL"`
	HTTPAddr      string `env:"HTTP_ADDR"`
	DBPath        string `env:"DB_PATH"`
	LogLevel      string `env:"LOG_LEVEL"`

	MaxDailyLossUSD    *float64 `env:"RISK_MAX_DAILY_LOSS_USD"`
	MaxLeverage        *float64 `env:"RISK_MAX_LEVERAGE"`
	MaxPositions       *int     `env:"RISK_MAX_POSITIONS"`
	MaxDrawdownPercent *float64 `env:"RISK_MAX_DRAWDOWN_PERCENT"`
}

// Load 读取JSON配置, 应用环境变量覆盖和默认值, 然后校验
func Load(path string) (*models.Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}
	return config, nil
}

// ApplyEnv 用环境变量覆盖配置。未设置的变量不改变原值。
func ApplyEnv(cfg *models.Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("failed to parse environment variables: %w", err)
	}

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&cfg.Venue.APIKey, o.APIKey)
	setString(&cfg.Venue.SecretKey, o.SecretKey)
	setString(&cfg.Redis.URL, o.RedisURL)
	setString(&cfg.Redis.Password, o.RedisPassword)
	setString(&cfg.Feed.URL, o.FeedURL)
	setString(&cfg.HTTPAddr, o.HTTPAddr)
	setString(&cfg.DBPath, o.DBPath)
	setString(&cfg.LogConfig.Level, o.LogLevel)

	if o.MaxDailyLossUSD != nil {
		cfg.Risk.MaxDailyLossUSD = *o.MaxDailyLossUSD
	}
	if o.MaxLeverage != nil {
		cfg.Risk.MaxLeverage = *o.MaxLeverage
	}
	if o.MaxPositions != nil {
		cfg.Risk.MaxPositions = *o.MaxPositions
	}
	if o.MaxDrawdownPercent != nil {
		cfg.Risk.MaxDrawdownPercent = *o.MaxDrawdownPercent
	}
	return nil
}

// ApplyDefaults 填充未配置的可选项
func ApplyDefaults(cfg *models.Config) {
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
	if cfg.Venue.Mode == "" {
		cfg.Venue.Mode = "paper"
	}
	if cfg.Venue.Name == "" {
		cfg.Venue.Name = cfg.Venue.Mode
	}
	if cfg.Venue.QuantityPrecision == 0 {
		cfg.Venue.QuantityPrecision = 3
	}
	if cfg.Venue.PricePrecision == 0 {
		cfg.Venue.PricePrecision = 2
	}
	if cfg.Feed.ReconnectDelaySec <= 0 {
		cfg.Feed.ReconnectDelaySec = 5
	}
	if cfg.Feed.PingIntervalSec <= 0 {
		cfg.Feed.PingIntervalSec = 30
	}
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "signal-engine:alerts"
	}
	if cfg.Redis.MaxLength <= 0 {
		cfg.Redis.MaxLength = 10000
	}
	if cfg.Warmup.Interval == "" {
		cfg.Warmup.Interval = "1m"
	}
	if cfg.Warmup.Limit <= 0 {
		cfg.Warmup.Limit = 200
	}
	if cfg.Risk.TradingDayLocation == "" {
		cfg.Risk.TradingDayLocation = "UTC"
	}
	if cfg.Monitor.MonitoringIntervalMs <= 0 {
		cfg.Monitor.MonitoringIntervalMs = 5000
	}
	if cfg.Monitor.AlertRetentionHours <= 0 {
		cfg.Monitor.AlertRetentionHours = 24
	}
	if cfg.Monitor.MaxAlertHistory <= 0 {
		cfg.Monitor.MaxAlertHistory = 1000
	}
}

// Validate 校验配置。策略配置通过实际构造策略来校验。
func Validate(cfg *models.Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.LogConfig.Level)] {
		return fmt.Errorf("invalid log level: %s", cfg.LogConfig.Level)
	}

	switch cfg.Venue.Mode {
	case "paper":
	case "binance":
		if cfg.Venue.APIKey == "" || cfg.Venue.SecretKey == "" {
			return fmt.Errorf("binance venue requires BINANCE_API_KEY and BINANCE_SECRET_KEY")
		}
	default:
		return fmt.Errorf("unknown venue mode %q: want paper or binance", cfg.Venue.Mode)
	}

	r := cfg.Risk
	if r.MaxDailyLossUSD <= 0 {
		return fmt.Errorf("risk.max_daily_loss_usd must be positive")
	}
	if r.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be positive")
	}
	if r.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be positive")
	}
	if r.MaxDrawdownPercent <= 0 || r.MaxDrawdownPercent >= 1 {
		return fmt.Errorf("risk.max_drawdown_percent must be a fraction in (0, 1), got %g", r.MaxDrawdownPercent)
	}
	if r.InitialEquity <= 0 {
		return fmt.Errorf("risk.initial_equity must be positive")
	}

	if len(cfg.Strategies) == 0 {
		return fmt.Errorf("at least one strategy must be configured")
	}
	seen := make(map[string]bool)
	for i, sc := range cfg.Strategies {
		if sc.ID == "" {
			return fmt.Errorf("strategies[%d]: id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("duplicate strategy id %q", sc.ID)
		}
		seen[sc.ID] = true
		if _, err := strategy.New(sc); err != nil {
			return fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
	}
	return nil
}
