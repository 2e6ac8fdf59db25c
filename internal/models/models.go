package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了信号引擎的所有配置参数
type Config struct {
	DBPath     string           `json:"db_path"`   // 风控状态数据库路径 (badger)，为空则不持久化
	HTTPAddr   string           `json:"http_addr"` // 运维HTTP接口监听地址，为空则不启动
	LogConfig  LogConfig        `json:"log"`
	Feed       FeedConfig       `json:"feed"`
	Venue      VenueConfig      `json:"venue"`
	Redis      RedisConfig      `json:"redis"`
	Warmup     WarmupConfig     `json:"warmup"`
	Risk       RiskConfig       `json:"risk"`
	Monitor    MonitorConfig    `json:"monitor"`
	Strategies []StrategyConfig `json:"strategies"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// FeedConfig 行情推送 (已归一化的tick) 的WebSocket配置
type FeedConfig struct {
	URL               string `json:"url"`                 // 行情WebSocket地址
	ReconnectDelaySec int    `json:"reconnect_delay_sec"` // 断线重连间隔(秒)
	PingIntervalSec   int    `json:"ping_interval_sec"`   // Ping消息发送间隔(秒)
}

// VenueConfig 下单场所配置
type VenueConfig struct {
	Mode              string  `json:"mode"`               // "paper" 或 "binance"
	Name              string  `json:"name"`               // 场所名称, 写入订单请求
	IsTestnet         bool    `json:"is_testnet"`         // 是否使用测试网
	APIKey            string  `json:"-"`                  // 仅从环境变量读取
	SecretKey         string  `json:"-"`                  // 仅从环境变量读取
	QuantityPrecision int32   `json:"quantity_precision"` // 下单数量小数位
	PricePrecision    int32   `json:"price_precision"`    // 下单价格小数位
	PaperSlippage     float64 `json:"paper_slippage"`     // 纸面场所市价单滑点, 0.0005 表示 0.05%
}

// RedisConfig 告警通知使用的Redis Stream配置
type RedisConfig struct {
	URL       string `json:"url"`        // 为空则不启用Redis通知
	Password  string `json:"-"`          // 仅从环境变量读取
	Stream    string `json:"stream"`     // Stream key
	MaxLength int64  `json:"max_length"` // Stream近似最大长度
}

// WarmupConfig 冷启动时用历史K线预热指标
type WarmupConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`  // K线周期, e.g., "1m"
	Limit    int    `json:"limit"`     // 每个交易对拉取的K线数量
	CacheDir string `json:"cache_dir"` // K线CSV缓存目录, 为空则不缓存
}

// RiskConfig 风控参数
type RiskConfig struct {
	MaxDailyLossUSD    float64 `json:"max_daily_loss_usd"`   // 当日最大亏损 (USD)
	MaxLeverage        float64 `json:"max_leverage"`         // 最大杠杆
	MaxPositions       int     `json:"max_positions"`        // 最大同时持仓数
	MaxDrawdownPercent float64 `json:"max_drawdown_percent"` // 最大回撤比例, 0.05 表示 5%
	InitialEquity      float64 `json:"initial_equity"`       // 初始权益
	TradingDayLocation string  `json:"trading_day_location"` // 交易日时区, 默认 UTC
}

// MonitorConfig 组合监控配置
type MonitorConfig struct {
	MonitoringIntervalMs int          `json:"monitoring_interval_ms"` // 监控周期(毫秒), 默认 5000
	AlertRetentionHours  int          `json:"alert_retention_hours"`  // 已解决告警的保留时长(小时), 默认 24
	MaxAlertHistory      int          `json:"max_alert_history"`      // 告警历史上限, 默认 1000
	Rules                []RuleConfig `json:"rules"`
}

// RuleConfig 单条监控规则的原始配置
type RuleConfig struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Condition string `json:"condition"` // e.g., "portfolio.drawdown >= 0.1"
	Severity  string `json:"severity"`  // info, warning, critical
	Action    string `json:"action"`    // notify, pause, reduce, emergency_exit
	Enabled   bool   `json:"enabled"`
}

// StrategyConfig 单个策略实例的配置。不同策略类型只使用其中与自身相关的字段。
// 所有百分比字段都是小数形式, 0.005 表示 0.5%。
type StrategyConfig struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"`            // turtle_breakout, correlation_lag, mean_reversion, arbitrage, market_maker, dynamic_leverage_trend
	Symbol         string   `json:"symbol"`          // 单交易对策略使用
	Symbols        []string `json:"symbols"`         // 多交易对策略使用 (均值回归)
	LookbackPeriod int      `json:"lookback_period"` // 回看周期
	Size           float64  `json:"size"`            // 每次下单数量
	Leverage       float64  `json:"leverage"`        // 固定杠杆 (动态杠杆策略忽略)
	MaxLeverage    float64  `json:"max_leverage"`    // 策略允许的最大杠杆

	// 海龟突破
	ATRPeriod     int     `json:"atr_period"`
	ATRMultiplier float64 `json:"atr_multiplier"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`

	// 均值回归
	EntryThreshold float64 `json:"entry_threshold"`
	ExitThreshold  float64 `json:"exit_threshold"`

	// 相关性滞后
	Leader            string   `json:"leader"`
	Followers         []string `json:"followers"`
	LagThresholdPct   float64  `json:"lag_threshold_pct"`
	MinCorrelation    float64  `json:"min_correlation"`
	CorrelationWindow int      `json:"correlation_window"`
	CooldownSec       int      `json:"cooldown_sec"`

	// 套利
	Venues       []string `json:"venues"`
	MinProfitPct float64  `json:"min_profit_pct"`
	CostPct      float64  `json:"cost_pct"`
	ExitSpread   float64  `json:"exit_spread"`

	// 做市
	SpreadPercentage float64 `json:"spread_percentage"`
	MaxInventory     float64 `json:"max_inventory"`
	SkewThreshold    float64 `json:"skew_threshold"`

	// 动态杠杆趋势
	EMAPeriod    int     `json:"ema_period"`
	ADXPeriod    int     `json:"adx_period"`
	ADXThreshold float64 `json:"adx_threshold"`
}

// AllSymbols 返回该策略订阅的全部交易对 (去重, 保持顺序)
func (c StrategyConfig) AllSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(c.Symbol)
	add(c.Leader)
	for _, s := range c.Symbols {
		add(s)
	}
	for _, s := range c.Followers {
		add(s)
	}
	return out
}

// Side 定义了订单方向
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Action 该方向开仓对应的信号动作
func (s Side) Action() Action {
	if s == Buy {
		return ActionBuy
	}
	return ActionSell
}

// PositionSide 定义了持仓方向
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// EntrySide 开仓使用的订单方向
func (p PositionSide) EntrySide() Side {
	if p == Long {
		return Buy
	}
	return Sell
}

// ExitSide 平仓使用的订单方向
func (p PositionSide) ExitSide() Side {
	return p.EntrySide().Opposite()
}

// Direction 多头为 1, 空头为 -1
func (p PositionSide) Direction() float64 {
	if p == Long {
		return 1
	}
	return -1
}

// Action 策略信号动作
type Action string

const (
	ActionHold  Action = "hold"
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionClose Action = "close" // 平掉该交易对的持仓 (止损/止盈/回归)
	ActionQuote Action = "quote" // 做市报价, Legs 为买卖两腿
	ActionPair  Action = "pair"  // 套利开仓, Legs 为同时执行的买低/卖高两腿
)

// Leg 多腿信号中的一条腿 (套利的买低卖高, 做市的买卖报价)
type Leg struct {
	Venue string  `json:"venue,omitempty"`
	Side  Side    `json:"side"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Signal 策略对单个tick给出的建议
type Signal struct {
	Symbol     string  `json:"symbol"`
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Price      float64 `json:"price"`
	Leverage   float64 `json:"leverage,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Legs       []Leg   `json:"legs,omitempty"`
}

// HoldSignal 构造一个观望信号
func HoldSignal(symbol, reason string) Signal {
	return Signal{Symbol: symbol, Action: ActionHold, Reason: reason}
}

// IsEntry 是否为单边开仓信号
func (s Signal) IsEntry() bool {
	return s.Action == ActionBuy || s.Action == ActionSell
}

// PositionSide 单边信号对应的持仓方向
func (s Signal) PositionSide() PositionSide {
	if s.Action == ActionSell {
		return Short
	}
	return Long
}

// OrderRequest 发往下单场所的订单请求, 只在风控授权之后产生
type OrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Venue         string  `json:"venue,omitempty"`
	Side          Side    `json:"side"`
	Size          float64 `json:"size"`
	Leverage      float64 `json:"leverage"`
	Price         float64 `json:"price,omitempty"` // 0 表示市价
	ReduceOnly    bool    `json:"reduce_only"`
}

func (o OrderRequest) String() string {
	kind := "MARKET"
	if o.Price > 0 {
		kind = fmt.Sprintf("LIMIT@%.8f", o.Price)
	}
	return fmt.Sprintf("%s %s %.8f %s x%.1f", o.Symbol, o.Side, o.Size, kind, o.Leverage)
}

// 订单状态, 与币安合约的状态字符串一致
const (
	OrderStatusNew    = "NEW"
	OrderStatusFilled = "FILLED"
)

// OrderAck 下单场所的回执
type OrderAck struct {
	ClientOrderID string    `json:"client_order_id"`
	VenueOrderID  string    `json:"venue_order_id"`
	Status        string    `json:"status"`
	FilledPrice   float64   `json:"filled_price"`
	Timestamp     time.Time `json:"timestamp"`
}

// Filled 订单是否已在下单时全部成交
func (a OrderAck) Filled() bool { return a.Status == OrderStatusFilled }
