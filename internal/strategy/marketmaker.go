package strategy

import (
	"fmt"
	"math"
	"signal-engine-go/internal/models"
)

// marketMaker 围绕中间价对称报价, 库存偏向一侧超过阈值时整体偏移报价以促进回平
type marketMaker struct {
	symbol        string
	spread        float64
	size          float64
	maxInventory  float64
	skewThreshold float64

	inventory       float64
	lastMid         float64
	quotedInventory float64 // 上次报价时的库存
}

func newMarketMaker(cfg models.StrategyConfig) (*marketMaker, error) {
	if err := requireSymbol(cfg); err != nil {
		return nil, err
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("strategy %s (%s): size must be positive", cfg.ID, cfg.Kind)
	}
	return &marketMaker{
		symbol:        cfg.Symbol,
		spread:        floatOr(cfg.SpreadPercentage, 0.002),
		size:          cfg.Size,
		maxInventory:  floatOr(cfg.MaxInventory, cfg.Size*10),
		skewThreshold: floatOr(cfg.SkewThreshold, 0.5),
	}, nil
}

func (s *marketMaker) Kind() Kind        { return MarketMaker }
func (s *marketMaker) Symbols() []string { return []string{s.symbol} }
func (s *marketMaker) Warm() bool        { return true }

// RecordFill 成交回报更新库存: 买入增加, 卖出减少
func (s *marketMaker) RecordFill(symbol string, side models.Side, size float64) {
	if symbol != s.symbol {
		return
	}
	if side == models.Buy {
		s.inventory += size
	} else {
		s.inventory -= size
	}
}

func (s *marketMaker) Inventory() float64 { return s.inventory }

func (s *marketMaker) OnTick(tick models.PriceTick, _ Book) models.Signal {
	if tick.Symbol != s.symbol {
		return models.HoldSignal(tick.Symbol, "not subscribed")
	}

	mid := tick.Close
	if tick.High > 0 && tick.Low > 0 {
		mid = (tick.High + tick.Low) / 2
	}
	// 库存未变且中间价移动不足四分之一个价差时不重新报价
	if s.lastMid > 0 && s.inventory == s.quotedInventory && math.Abs(mid-s.lastMid)/s.lastMid < s.spread/4 {
		return models.HoldSignal(s.symbol, "quotes still valid")
	}

	half := s.spread / 2
	bid := mid * (1 - half)
	ask := mid * (1 + half)
	bidSize, askSize := s.size, s.size

	ratio := s.inventory / s.maxInventory
	if math.Abs(ratio) >= s.skewThreshold {
		// 多头库存: 报价整体下移, 减少买单; 空头库存对称
		shift := mid * half * ratio
		bid -= shift
		ask -= shift
		if ratio > 0 {
			bidSize = s.size * (1 - math.Min(ratio, 1))
		} else {
			askSize = s.size * (1 - math.Min(-ratio, 1))
		}
	}

	// 不允许某一侧成交后库存超过上限
	if s.inventory+bidSize > s.maxInventory {
		bidSize = math.Max(0, s.maxInventory-s.inventory)
	}
	if s.inventory-askSize < -s.maxInventory {
		askSize = math.Max(0, s.maxInventory+s.inventory)
	}

	var legs []models.Leg
	if bidSize > 0 {
		legs = append(legs, models.Leg{Side: models.Buy, Price: bid, Size: bidSize})
	}
	if askSize > 0 {
		legs = append(legs, models.Leg{Side: models.Sell, Price: ask, Size: askSize})
	}
	if len(legs) == 0 {
		return models.HoldSignal(s.symbol, "inventory limits")
	}

	s.lastMid = mid
	s.quotedInventory = s.inventory
	return models.Signal{
		Symbol:     s.symbol,
		Action:     models.ActionQuote,
		Price:      mid,
		Confidence: clamp01(1 - math.Abs(ratio)),
		Reason:     fmt.Sprintf("inventory %.4f / %.4f", s.inventory, s.maxInventory),
		Legs:       legs,
	}
}
