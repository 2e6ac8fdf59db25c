package strategy

import (
	"errors"
	"fmt"
	"signal-engine-go/internal/indicator"
	"signal-engine-go/internal/models"
)

// turtle 海龟突破: 收盘价突破前N根K线的最高价买入, 跌破前N根K线的最低价卖出。
// 止损 = 入场价 ∓ k*ATR。
type turtle struct {
	symbol        string
	lookback      int
	atrMultiplier float64
	takeProfitPct float64
	stopLossPct   float64
	engine        *indicator.Engine
}

func newTurtle(cfg models.StrategyConfig) (*turtle, error) {
	if err := requireSymbol(cfg); err != nil {
		return nil, err
	}
	lookback := intOr(cfg.LookbackPeriod, 20)
	return &turtle{
		symbol:        cfg.Symbol,
		lookback:      lookback,
		atrMultiplier: floatOr(cfg.ATRMultiplier, 2),
		takeProfitPct: cfg.TakeProfitPct,
		stopLossPct:   cfg.StopLossPct,
		engine: indicator.NewEngine(cfg.Symbol, indicator.Params{
			ATRPeriod: intOr(cfg.ATRPeriod, 20),
			Window:    lookback,
		}),
	}, nil
}

func (s *turtle) Kind() Kind        { return TurtleBreakout }
func (s *turtle) Symbols() []string { return []string{s.symbol} }
func (s *turtle) Warm() bool        { return s.engine.HistoryLen() >= s.lookback }

func (s *turtle) OnTick(tick models.PriceTick, book Book) models.Signal {
	if tick.Symbol != s.symbol {
		return models.HoldSignal(tick.Symbol, "not subscribed")
	}

	// 前N根K线, 不含当前K线
	prior := s.engine.HistoryLen()
	highest := maxOf(s.engine.Highs(s.lookback))
	lowest := minOf(s.engine.Lows(s.lookback))

	if _, err := s.engine.Update(tick); err != nil && !errors.Is(err, models.ErrInsufficientData) {
		return models.HoldSignal(tick.Symbol, err.Error())
	}
	if prior < s.lookback {
		return models.HoldSignal(tick.Symbol, "warming up")
	}

	price := tick.Close
	atr, atrReady := s.engine.ATRValue()

	if pos, ok := book.Position(s.symbol); ok {
		if exit, reason := exitOnStops(pos, price); exit {
			return closeSignal(s.symbol, price, reason)
		}
		// 反向突破: 由实例先平仓再反手
		if pos.Side == models.Long && price < lowest {
			return s.entry(models.ActionSell, price, lowest, atr, atrReady)
		}
		if pos.Side == models.Short && price > highest {
			return s.entry(models.ActionBuy, price, highest, atr, atrReady)
		}
		return models.HoldSignal(s.symbol, "position open")
	}

	switch {
	case price > highest:
		return s.entry(models.ActionBuy, price, highest, atr, atrReady)
	case price < lowest:
		return s.entry(models.ActionSell, price, lowest, atr, atrReady)
	}
	return models.HoldSignal(s.symbol, "inside channel")
}

func (s *turtle) entry(action models.Action, price, level, atr float64, atrReady bool) models.Signal {
	sig := models.Signal{Symbol: s.symbol, Action: action, Price: price, Confidence: 0.5}
	side := sig.PositionSide()

	if atrReady && atr > 0 {
		sig.StopLoss = price - side.Direction()*s.atrMultiplier*atr
		sig.Confidence = clamp01(0.5 + (price-level)*side.Direction()/atr)
	} else if s.stopLossPct > 0 {
		sig.StopLoss, _ = pctStops(side, price, s.stopLossPct, 0)
	}
	if s.takeProfitPct > 0 {
		_, sig.TakeProfit = pctStops(side, price, 0, s.takeProfitPct)
	}
	sig.Reason = fmt.Sprintf("%d-period breakout through %.8g", s.lookback, level)
	return sig
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func minOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}
