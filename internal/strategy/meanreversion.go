package strategy

import (
	"errors"
	"fmt"
	"math"
	"signal-engine-go/internal/indicator"
	"signal-engine-go/internal/models"
)

// meanReversion 对每个交易对计算当前价格相对前 window 根收盘价的z-score,
// z ≤ -entry 买入, z ≥ +entry 卖出, 目标价为滚动均值。
type meanReversion struct {
	symbols        []string
	window         int
	entryThreshold float64
	exitThreshold  float64
	stopLossPct    float64
	engines        map[string]*indicator.Engine
}

func newMeanReversion(cfg models.StrategyConfig) (*meanReversion, error) {
	symbols := cfg.AllSymbols()
	if len(symbols) == 0 {
		return nil, fmt.Errorf("strategy %s (%s): at least one symbol is required", cfg.ID, cfg.Kind)
	}
	s := &meanReversion{
		symbols:        symbols,
		window:         intOr(cfg.LookbackPeriod, 20),
		entryThreshold: floatOr(cfg.EntryThreshold, 2),
		exitThreshold:  floatOr(cfg.ExitThreshold, 0.5),
		stopLossPct:    floatOr(cfg.StopLossPct, 0.05),
		engines:        make(map[string]*indicator.Engine, len(symbols)),
	}
	for _, sym := range symbols {
		s.engines[sym] = indicator.NewEngine(sym, indicator.Params{Window: s.window})
	}
	return s, nil
}

func (s *meanReversion) Kind() Kind        { return MeanReversion }
func (s *meanReversion) Symbols() []string { return s.symbols }

func (s *meanReversion) Warm() bool {
	for _, e := range s.engines {
		if e.HistoryLen() < s.window {
			return false
		}
	}
	return true
}

func (s *meanReversion) OnTick(tick models.PriceTick, book Book) models.Signal {
	engine, ok := s.engines[tick.Symbol]
	if !ok {
		return models.HoldSignal(tick.Symbol, "not subscribed")
	}

	prior := engine.HistoryLen()
	state, err := engine.Update(tick)
	if err != nil && !errors.Is(err, models.ErrInsufficientData) {
		return models.HoldSignal(tick.Symbol, err.Error())
	}
	if prior < s.window {
		return models.HoldSignal(tick.Symbol, "warming up")
	}

	price, z := tick.Close, state.ZScore

	if pos, ok := book.Position(tick.Symbol); ok {
		if exit, reason := exitOnStops(pos, price); exit {
			return closeSignal(tick.Symbol, price, reason)
		}
		// 多头在 z 回到 -exit 之上时平仓, 空头对称
		if (pos.Side == models.Long && z >= -s.exitThreshold) || (pos.Side == models.Short && z <= s.exitThreshold) {
			return closeSignal(tick.Symbol, price, fmt.Sprintf("reverted to mean (z=%.2f)", z))
		}
		return models.HoldSignal(tick.Symbol, "position open")
	}

	if state.StdDev == 0 {
		return models.HoldSignal(tick.Symbol, "flat window")
	}

	var action models.Action
	switch {
	case z <= -s.entryThreshold:
		action = models.ActionBuy
	case z >= s.entryThreshold:
		action = models.ActionSell
	default:
		return models.HoldSignal(tick.Symbol, "within band")
	}

	sig := models.Signal{
		Symbol:     tick.Symbol,
		Action:     action,
		Price:      price,
		Confidence: clamp01(math.Abs(z) / s.entryThreshold),
		TakeProfit: state.Mean,
		Reason:     fmt.Sprintf("z-score %.2f vs mean %.8g", z, state.Mean),
	}
	sig.StopLoss, _ = pctStops(sig.PositionSide(), price, s.stopLossPct, 0)
	return sig
}
