package strategy

import (
	"fmt"
	"signal-engine-go/internal/models"
	"sort"
)

// arbitrage 同一品种在不同下单场所的价差套利。
// (high-low)/low 扣除成本后超过最小利润时, 同时在低价场所买入、高价场所卖出。
type arbitrage struct {
	symbol     string
	venues     map[string]bool
	minProfit  float64
	cost       float64
	exitSpread float64
	size       float64
	prices     map[string]float64
}

func newArbitrage(cfg models.StrategyConfig) (*arbitrage, error) {
	if err := requireSymbol(cfg); err != nil {
		return nil, err
	}
	s := &arbitrage{
		symbol:     cfg.Symbol,
		minProfit:  floatOr(cfg.MinProfitPct, 0.001),
		cost:       cfg.CostPct,
		exitSpread: cfg.ExitSpread,
		size:       cfg.Size,
		prices:     make(map[string]float64),
	}
	if len(cfg.Venues) > 0 {
		if len(cfg.Venues) < 2 {
			return nil, fmt.Errorf("strategy %s (%s): at least two venues are required", cfg.ID, cfg.Kind)
		}
		s.venues = make(map[string]bool, len(cfg.Venues))
		for _, v := range cfg.Venues {
			s.venues[v] = true
		}
	}
	return s, nil
}

func (s *arbitrage) Kind() Kind        { return Arbitrage }
func (s *arbitrage) Symbols() []string { return []string{s.symbol} }
func (s *arbitrage) Warm() bool        { return len(s.prices) >= 2 }

func (s *arbitrage) OnTick(tick models.PriceTick, book Book) models.Signal {
	if tick.Symbol != s.symbol {
		return models.HoldSignal(tick.Symbol, "not subscribed")
	}
	if tick.Venue == "" || (s.venues != nil && !s.venues[tick.Venue]) {
		return models.HoldSignal(tick.Symbol, "unknown venue")
	}
	s.prices[tick.Venue] = tick.Close
	if len(s.prices) < 2 {
		return models.HoldSignal(tick.Symbol, "waiting for second venue")
	}

	lowVenue, low, highVenue, high := s.extremes()
	net := (high-low)/low - s.cost

	if _, ok := book.Position(s.symbol); ok {
		if net <= s.exitSpread {
			return closeSignal(s.symbol, tick.Close, fmt.Sprintf("spread converged to %.4f%%", net*100))
		}
		return models.HoldSignal(s.symbol, "pair open")
	}

	if net < s.minProfit {
		return models.HoldSignal(s.symbol, "spread below threshold")
	}
	return models.Signal{
		Symbol:     s.symbol,
		Action:     models.ActionPair,
		Price:      low,
		Confidence: clamp01(net / (s.minProfit * 3)),
		Reason:     fmt.Sprintf("buy %s @%.8g / sell %s @%.8g, net %.4f%%", lowVenue, low, highVenue, high, net*100),
		Legs: []models.Leg{
			{Venue: lowVenue, Side: models.Buy, Price: low, Size: s.size},
			{Venue: highVenue, Side: models.Sell, Price: high, Size: s.size},
		},
	}
}

// extremes 最低价和最高价所在的场所。场所名排序保证结果确定。
func (s *arbitrage) extremes() (lowVenue string, low float64, highVenue string, high float64) {
	venues := make([]string, 0, len(s.prices))
	for v := range s.prices {
		venues = append(venues, v)
	}
	sort.Strings(venues)
	for i, v := range venues {
		p := s.prices[v]
		if i == 0 || p < low {
			lowVenue, low = v, p
		}
		if i == 0 || p > high {
			highVenue, high = v, p
		}
	}
	return lowVenue, low, highVenue, high
}
