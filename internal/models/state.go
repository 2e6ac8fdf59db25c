package models

import "time"

// Position 定义了一笔由风控授权后登记的持仓
type Position struct {
	ID         string       `json:"id"`          // 持仓唯一ID
	Owner      string       `json:"owner"`       // 所属策略实例ID
	Symbol     string       `json:"symbol"`      // 交易对
	Venue      string       `json:"venue"`       // 下单场所 (套利策略区分两条腿)
	Side       PositionSide `json:"side"`        // LONG / SHORT
	EntryPrice float64      `json:"entry_price"` // 开仓价格
	Size       float64      `json:"size"`        // 持仓数量
	Leverage   float64      `json:"leverage"`    // 杠杆
	StopLoss   float64      `json:"stop_loss,omitempty"`
	TakeProfit float64      `json:"take_profit,omitempty"`
	OpenedAt   time.Time    `json:"opened_at"`
}

// PnL 以给定价格计算未实现盈亏
func (p Position) PnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Size * p.Side.Direction()
}

// RiskState 进程级共享的风控状态, 只能通过 RiskGuard 修改
type RiskState struct {
	DailyLossUSD  float64    `json:"daily_loss_usd"`  // 当日净亏损 (盈利可抵消, 最低为0)
	PeakEquity    float64    `json:"peak_equity"`     // 历史最高权益 (跨日保留)
	CurrentEquity float64    `json:"current_equity"`  // 当前权益
	MaxDrawdown   float64    `json:"max_drawdown"`    // 最大回撤比例 (跨日保留)
	TradingDay    string     `json:"trading_day"`     // 当前交易日, YYYY-MM-DD
	RealizedPnL   float64    `json:"realized_pnl"`    // 累计已实现盈亏
	TotalTrades   int        `json:"total_trades"`    // 已平仓交易数
	WinningTrades int        `json:"winning_trades"`  // 盈利交易数
	OpenPositions []Position `json:"open_positions"`  // 当前持仓
	Version       int        `json:"version"`         // 状态模型的版本号，用于未来迁移
	LastUpdate    time.Time  `json:"last_update_time"`
}

// WinRate 胜率 (0-100)
func (s RiskState) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(s.TotalTrades) * 100
}

// IndicatorState 单个交易对的增量指标状态
type IndicatorState struct {
	Symbol     string    `json:"symbol"`
	Close      float64   `json:"close"`
	EMA        float64   `json:"ema"`
	ADX        float64   `json:"adx"`
	PlusDI     float64   `json:"plus_di"`
	MinusDI    float64   `json:"minus_di"`
	ATR        float64   `json:"atr"`
	Mean       float64   `json:"mean"`
	StdDev     float64   `json:"std_dev"`
	ZScore     float64   `json:"z_score"`
	Samples    int       `json:"samples"`
	Ready      bool      `json:"ready"`
	LastUpdate time.Time `json:"last_update"`
}

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertStatus 告警状态
type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// MetricsSnapshot 每个监控周期采集的组合指标快照
type MetricsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	PortfolioValue     float64 `json:"portfolio_value"`
	PortfolioPnL       float64 `json:"portfolio_pnl"`
	PortfolioDailyLoss float64 `json:"portfolio_daily_loss"`
	PortfolioDrawdown  float64 `json:"portfolio_drawdown"`

	PositionsOpen    int     `json:"positions_open"`
	PositionsTrades  int     `json:"positions_trades"`
	PositionsWinRate float64 `json:"positions_win_rate"`

	MarketVolatility float64 `json:"market_volatility"`
	MarketTrend      float64 `json:"market_trend"`

	SystemConnected        bool `json:"system_connected"`
	SystemActiveStrategies int  `json:"system_active_strategies"`
	SystemDroppedTicks     int  `json:"system_dropped_ticks"`
}

// Alert 规则触发时产生的告警
type Alert struct {
	ID          string          `json:"id"`
	RuleID      string          `json:"rule_id"`
	RuleName    string          `json:"rule_name"`
	Severity    Severity        `json:"severity"`
	Message     string          `json:"message"`
	Action      string          `json:"action"`
	TriggeredAt time.Time       `json:"triggered_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	Status      AlertStatus     `json:"status"`
	Snapshot    MetricsSnapshot `json:"metrics_snapshot"`
}
