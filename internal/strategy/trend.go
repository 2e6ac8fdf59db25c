package strategy

import (
	"errors"
	"fmt"
	"math"
	"signal-engine-go/internal/indicator"
	"signal-engine-go/internal/models"
)

// trend 动态杠杆趋势: 收盘价相对EMA决定方向, ADX决定强度; 只在 ADX 高于阈值时交易,
// 杠杆按 ADX 分档。
type trend struct {
	symbol       string
	adxThreshold float64
	maxLeverage  float64
	stopLossPct  float64
	engine       *indicator.Engine
}

func newTrend(cfg models.StrategyConfig) (*trend, error) {
	if err := requireSymbol(cfg); err != nil {
		return nil, err
	}
	return &trend{
		symbol:       cfg.Symbol,
		adxThreshold: floatOr(cfg.ADXThreshold, 25),
		maxLeverage:  floatOr(cfg.MaxLeverage, 20),
		stopLossPct:  cfg.StopLossPct,
		engine: indicator.NewEngine(cfg.Symbol, indicator.Params{
			EMAPeriod: intOr(cfg.EMAPeriod, 50),
			ADXPeriod: intOr(cfg.ADXPeriod, 14),
			ATRPeriod: intOr(cfg.ATRPeriod, 14),
			Window:    intOr(cfg.LookbackPeriod, 20),
		}),
	}, nil
}

func (s *trend) Kind() Kind        { return DynamicLeverageTrend }
func (s *trend) Symbols() []string { return []string{s.symbol} }

func (s *trend) Warm() bool {
	_, emaReady := s.engine.EMAValue()
	_, adxReady := s.engine.ADXValue()
	return emaReady && adxReady
}

// LeverageFor ADX<30 → 5x, <50 → 10x, 否则最大杠杆; 均不超过最大杠杆
func (s *trend) LeverageFor(adx float64) float64 {
	lev := s.maxLeverage
	switch {
	case adx < 30:
		lev = 5
	case adx < 50:
		lev = 10
	}
	return math.Min(lev, s.maxLeverage)
}

func (s *trend) OnTick(tick models.PriceTick, book Book) models.Signal {
	if tick.Symbol != s.symbol {
		return models.HoldSignal(tick.Symbol, "not subscribed")
	}
	if _, err := s.engine.Update(tick); err != nil && !errors.Is(err, models.ErrInsufficientData) {
		return models.HoldSignal(tick.Symbol, err.Error())
	}
	if !s.Warm() {
		return models.HoldSignal(tick.Symbol, "warming up")
	}

	price := tick.Close
	ema, _ := s.engine.EMAValue()
	adx, _ := s.engine.ADXValue()

	want := models.Long
	if price < ema {
		want = models.Short
	}

	pos, hasPos := book.Position(s.symbol)
	if hasPos {
		if exit, reason := exitOnStops(pos, price); exit {
			return closeSignal(s.symbol, price, reason)
		}
	}
	if adx <= s.adxThreshold {
		return models.HoldSignal(s.symbol, fmt.Sprintf("weak trend (ADX %.1f)", adx))
	}
	if price == ema || (hasPos && pos.Side == want) {
		return models.HoldSignal(s.symbol, "trend unchanged")
	}

	// 方向改变时实例会先平掉反向持仓
	sig := models.Signal{
		Symbol:     s.symbol,
		Action:     want.EntrySide().Action(),
		Price:      price,
		Leverage:   s.LeverageFor(adx),
		Confidence: clamp01(adx / 100),
		Reason:     fmt.Sprintf("price %.8g vs EMA %.8g, ADX %.1f", price, ema, adx),
	}
	sig.StopLoss, _ = pctStops(want, price, s.stopLossPct, 0)
	return sig
}
