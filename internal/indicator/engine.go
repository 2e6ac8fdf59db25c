package indicator

import (
	"signal-engine-go/internal/models"
)

// historyMargin 历史缓冲区在回看周期之外额外保留的K线数量
const historyMargin = 16

// Params 指标周期参数, 0 值使用默认值
type Params struct {
	EMAPeriod int // 默认 20
	ADXPeriod int // 默认 14
	ATRPeriod int // 默认 14
	Window    int // 均值/标准差滚动窗口, 默认 20
}

func (p Params) withDefaults() Params {
	if p.EMAPeriod <= 0 {
		p.EMAPeriod = 20
	}
	if p.ADXPeriod <= 0 {
		p.ADXPeriod = 14
	}
	if p.ATRPeriod <= 0 {
		p.ATRPeriod = 14
	}
	if p.Window <= 0 {
		p.Window = 20
	}
	return p
}

// Lookback 所有指标就绪所需的最少K线数量
func (p Params) Lookback() int {
	p = p.withDefaults()
	n := p.EMAPeriod
	if v := 2 * p.ADXPeriod; v > n {
		n = v
	}
	if p.ATRPeriod > n {
		n = p.ATRPeriod
	}
	if v := p.Window + 1; v > n {
		n = v
	}
	return n
}

// Engine 单个交易对的增量指标引擎。拥有该交易对的有界价格历史。
// 不是并发安全的, 调用方需保证同一交易对的tick按时间顺序串行送入。
type Engine struct {
	symbol string
	params Params

	closes *Ring
	highs  *Ring
	lows   *Ring

	ema *EMA
	adx *ADX
	atr *ATR

	state models.IndicatorState
}

// NewEngine 创建指标引擎
func NewEngine(symbol string, params Params) *Engine {
	params = params.withDefaults()
	capacity := params.Lookback() + historyMargin
	return &Engine{
		symbol: symbol,
		params: params,
		closes: NewRing(capacity),
		highs:  NewRing(capacity),
		lows:   NewRing(capacity),
		ema:    NewEMA(params.EMAPeriod),
		adx:    NewADX(params.ADXPeriod),
		atr:    NewATR(params.ATRPeriod),
		state:  models.IndicatorState{Symbol: symbol},
	}
}

// Update 将一个tick折叠进指标状态。
// 均值/标准差/z-score 基于当前K线之前的 Window 根收盘价计算。
// 历史不足时返回部分状态和 ErrInsufficientData, 这不是失败。
func (e *Engine) Update(tick models.PriceTick) (models.IndicatorState, error) {
	if tick.Symbol != e.symbol {
		return e.state, &models.ValidationError{Symbol: tick.Symbol, Field: "symbol", Reason: "does not match engine " + e.symbol}
	}
	if err := tick.Validate(); err != nil {
		return e.state, err
	}
	if !e.state.LastUpdate.IsZero() && tick.Timestamp.Before(e.state.LastUpdate) {
		return e.state, &models.ValidationError{Symbol: tick.Symbol, Field: "timestamp", Reason: "out of order"}
	}

	high, low, close := tick.HighOrClose(), tick.LowOrClose(), tick.Close

	statsReady := e.closes.Len() >= e.params.Window
	if statsReady {
		prior := e.closes.Tail(e.params.Window)
		e.state.Mean = Mean(prior)
		e.state.StdDev = StdDev(prior)
		e.state.ZScore = ZScore(close, e.state.Mean, e.state.StdDev)
	}

	e.closes.Push(close)
	e.highs.Push(high)
	e.lows.Push(low)

	e.state.EMA, _ = e.ema.Update(close)
	e.state.ATR, _ = e.atr.Update(high, low, close)
	e.state.ADX, _ = e.adx.Update(high, low, close)
	e.state.PlusDI = e.adx.PlusDI()
	e.state.MinusDI = e.adx.MinusDI()
	e.state.Close = close
	e.state.Samples++
	e.state.LastUpdate = tick.Timestamp
	e.state.Ready = statsReady && e.ema.Ready() && e.adx.Ready() && e.atr.Ready()

	if !e.state.Ready {
		return e.state, models.ErrInsufficientData
	}
	return e.state, nil
}

func (e *Engine) Symbol() string               { return e.symbol }
func (e *Engine) State() models.IndicatorState { return e.state }
func (e *Engine) Params() Params               { return e.params }
func (e *Engine) Samples() int                 { return e.state.Samples }
func (e *Engine) Closes(n int) []float64       { return e.closes.Tail(n) }
func (e *Engine) Highs(n int) []float64        { return e.highs.Tail(n) }
func (e *Engine) Lows(n int) []float64         { return e.lows.Tail(n) }
func (e *Engine) HistoryLen() int              { return e.closes.Len() }
func (e *Engine) ATRValue() (float64, bool)    { return e.atr.Value(), e.atr.Ready() }
func (e *Engine) EMAValue() (float64, bool)    { return e.ema.Value(), e.ema.Ready() }
func (e *Engine) ADXValue() (float64, bool)    { return e.adx.Value(), e.adx.Ready() }
