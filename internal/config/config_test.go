package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "db_path": "data/risk",
  "log": {"level": "debug", "output": "console"},
  "feed": {"url": "ws://localhost:9000/ticks"},
  "venue": {"mode": "paper"},
  "risk": {
    "max_daily_loss_usd": 500,
    "max_leverage": 10,
    "max_positions": 5,
    "max_drawdown_percent": 0.1,
    "initial_equity": 10000
  },
  "monitor": {
    "rules": [{"id": "dd", "condition": "portfolio.drawdown >= 0.08", "action": "pause", "enabled": true}]
  },
  "strategies": [
    {"id": "turtle-btc", "kind": "turtle_breakout", "symbol": "BTCUSDT", "size": 0.01, "leverage": 3},
    {"id": "mm-eth", "kind": "market_maker", "symbol": "ETHUSDT", "size": 0.1, "spread_percentage": 0.002, "max_inventory": 1}
  ]
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_DefaultsAndFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "data/risk", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogConfig.Level)
	assert.Equal(t, "paper", cfg.Venue.Name)
	assert.Equal(t, int32(3), cfg.Venue.QuantityPrecision)
	assert.Equal(t, 5, cfg.Feed.ReconnectDelaySec)
	assert.Equal(t, "UTC", cfg.Risk.TradingDayLocation)
	assert.Equal(t, 5000, cfg.Monitor.MonitoringIntervalMs)
	assert.Equal(t, 24, cfg.Monitor.AlertRetentionHours)
	assert.Equal(t, 1000, cfg.Monitor.MaxAlertHistory)
	assert.Equal(t, "signal-engine:alerts", cfg.Redis.Stream)
	require.Len(t, cfg.Monitor.Rules, 1)
	require.Len(t, cfg.Strategies, 2)
	assert.Equal(t, 0.002, cfg.Strategies[1].SpreadPercentage)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_SECRET_KEY", "secret")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("HTTP_ADDR", ":8080")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("RISK_MAX_POSITIONS", "2")
	t.Setenv("RISK_MAX_DAILY_LOSS_USD", "250.5")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "key", cfg.Venue.APIKey)
	assert.Equal(t, "secret", cfg.Venue.SecretKey)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "warn", cfg.LogConfig.Level)
	assert.Equal(t, 2, cfg.Risk.MaxPositions)
	assert.Equal(t, 250.5, cfg.Risk.MaxDailyLossUSD)
	// 未设置的变量保留文件中的值
	assert.Equal(t, 10.0, cfg.Risk.MaxLeverage)
	assert.Equal(t, "data/risk", cfg.DBPath)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("RISK_MAX_LEVERAGE", "lots")
	_, err := Load(writeConfig(t, sampleConfig))
	assert.Error(t, err)
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"unknown_field": 1}`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() string { return sampleConfig }
	cases := map[string]func(t *testing.T) string{
		"binance without keys": func(t *testing.T) string {
			return replace(t, base(), `"mode": "paper"`, `"mode": "binance"`)
		},
		"unknown venue": func(t *testing.T) string {
			return replace(t, base(), `"mode": "paper"`, `"mode": "ftx"`)
		},
		"drawdown as percent": func(t *testing.T) string {
			return replace(t, base(), `"max_drawdown_percent": 0.1`, `"max_drawdown_percent": 10`)
		},
		"no equity": func(t *testing.T) string {
			return replace(t, base(), `"initial_equity": 10000`, `"initial_equity": 0`)
		},
		"bad log level": func(t *testing.T) string {
			return replace(t, base(), `"level": "debug"`, `"level": "verbose"`)
		},
		"duplicate strategy": func(t *testing.T) string {
			return replace(t, base(), `"id": "mm-eth"`, `"id": "turtle-btc"`)
		},
		"unknown kind": func(t *testing.T) string {
			return replace(t, base(), `"kind": "market_maker"`, `"kind": "grid"`)
		},
		"missing symbol": func(t *testing.T) string {
			return replace(t, base(), `"symbol": "BTCUSDT", `, ``)
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, build(t)))
			assert.Error(t, err)
		})
	}
}

func replace(t *testing.T, s, old, repl string) string {
	t.Helper()
	require.Contains(t, s, old)
	return strings.Replace(s, old, repl, 1)
}
