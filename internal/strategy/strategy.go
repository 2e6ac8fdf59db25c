package strategy

import (
	"fmt"
	"signal-engine-go/internal/models"
)

// Kind 策略类型。新增类型时 New 中的 switch 必须同步扩展。
type Kind int

const (
	TurtleBreakout Kind = iota
	CorrelationLag
	MeanReversion
	Arbitrage
	MarketMaker
	DynamicLeverageTrend
)

var kindNames = map[Kind]string{
	TurtleBreakout:       "turtle_breakout",
	CorrelationLag:       "correlation_lag",
	MeanReversion:        "mean_reversion",
	Arbitrage:            "arbitrage",
	MarketMaker:          "market_maker",
	DynamicLeverageTrend: "dynamic_leverage_trend",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind 将配置中的字符串解析为策略类型
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy kind %q", s)
}

// Book 策略可见的只读持仓视图 (由所属实例提供)
type Book interface {
	// Position 返回该交易对的持仓 (多腿持仓返回第一条腿)
	Position(symbol string) (models.Position, bool)
}

// Strategy 单个策略变体。OnTick 对每个订阅交易对的tick给出信号, 历史不足时返回 hold。
type Strategy interface {
	Kind() Kind
	Symbols() []string
	// Warm 是否已经积累了足够的历史
	Warm() bool
	OnTick(tick models.PriceTick, book Book) models.Signal
}

// FillRecorder 需要成交回报的策略 (做市) 实现此接口
type FillRecorder interface {
	RecordFill(symbol string, side models.Side, size float64)
}

// New 根据配置创建策略
func New(cfg models.StrategyConfig) (Strategy, error) {
	kind, err := ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}

	switch kind {
	case TurtleBreakout:
		return newTurtle(cfg)
	case CorrelationLag:
		return newCorrelationLag(cfg)
	case MeanReversion:
		return newMeanReversion(cfg)
	case Arbitrage:
		return newArbitrage(cfg)
	case MarketMaker:
		return newMarketMaker(cfg)
	case DynamicLeverageTrend:
		return newTrend(cfg)
	}
	return nil, fmt.Errorf("strategy kind %s has no constructor", kind)
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func floatOr(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

func requireSymbol(cfg models.StrategyConfig) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("strategy %s (%s): symbol is required", cfg.ID, cfg.Kind)
	}
	return nil
}

// exitOnStops 根据持仓上记录的止损/止盈价判断是否平仓
func exitOnStops(pos models.Position, price float64) (bool, string) {
	if pos.Side == models.Long {
		if pos.StopLoss > 0 && price <= pos.StopLoss {
			return true, "stop loss"
		}
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return true, "take profit"
		}
		return false, ""
	}
	if pos.StopLoss > 0 && price >= pos.StopLoss {
		return true, "stop loss"
	}
	if pos.TakeProfit > 0 && price <= pos.TakeProfit {
		return true, "take profit"
	}
	return false, ""
}

// pctStops 以百分比计算止损/止盈价, 比例为0时对应价格为0 (不设置)
func pctStops(side models.PositionSide, price, stopPct, takePct float64) (stop, take float64) {
	dir := side.Direction()
	if stopPct > 0 {
		stop = price * (1 - dir*stopPct)
	}
	if takePct > 0 {
		take = price * (1 + dir*takePct)
	}
	return stop, take
}

func closeSignal(symbol string, price float64, reason string) models.Signal {
	return models.Signal{Symbol: symbol, Action: models.ActionClose, Confidence: 1, Price: price, Reason: reason}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
