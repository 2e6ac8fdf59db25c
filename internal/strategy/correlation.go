package strategy

import (
	"fmt"
	"math"
	"signal-engine-go/internal/indicator"
	"signal-engine-go/internal/models"
	"time"
)

// pairSeries 跟随者tick与领先者最近收盘价按时间对齐后的序列
type pairSeries struct {
	leader   *indicator.Ring
	follower *indicator.Ring
}

// correlationLag 领先者大幅波动而高相关的跟随者尚未跟上时, 按领先者方向交易跟随者
type correlationLag struct {
	leader         string
	followers      []string
	lookback       int
	window         int
	lagThreshold   float64
	minCorrelation float64
	cooldown       time.Duration
	stopLossPct    float64
	takeProfitPct  float64

	leaderPrice float64
	pairs       map[string]*pairSeries
	lastEntry   map[string]time.Time
}

func newCorrelationLag(cfg models.StrategyConfig) (*correlationLag, error) {
	if cfg.Leader == "" || len(cfg.Followers) == 0 {
		return nil, fmt.Errorf("strategy %s (%s): leader and followers are required", cfg.ID, cfg.Kind)
	}
	lookback := intOr(cfg.LookbackPeriod, 20)
	window := intOr(cfg.CorrelationWindow, 30)
	if window < lookback {
		window = lookback
	}

	s := &correlationLag{
		leader:         cfg.Leader,
		followers:      cfg.Followers,
		lookback:       lookback,
		window:         window,
		lagThreshold:   floatOr(cfg.LagThresholdPct, 0.005),
		minCorrelation: floatOr(cfg.MinCorrelation, 0.7),
		cooldown:       time.Duration(intOr(cfg.CooldownSec, 1800)) * time.Second,
		stopLossPct:    floatOr(cfg.StopLossPct, 0.002),
		takeProfitPct:  floatOr(cfg.TakeProfitPct, 0.0025),
		pairs:          make(map[string]*pairSeries, len(cfg.Followers)),
		lastEntry:      make(map[string]time.Time),
	}
	for _, f := range cfg.Followers {
		s.pairs[f] = &pairSeries{
			leader:   indicator.NewRing(window + 1),
			follower: indicator.NewRing(window + 1),
		}
	}
	return s, nil
}

func (s *correlationLag) Kind() Kind { return CorrelationLag }

func (s *correlationLag) Symbols() []string {
	return append([]string{s.leader}, s.followers...)
}

func (s *correlationLag) Warm() bool {
	for _, p := range s.pairs {
		if p.follower.Len() <= s.window {
			return false
		}
	}
	return true
}

func (s *correlationLag) OnTick(tick models.PriceTick, book Book) models.Signal {
	if tick.Symbol == s.leader {
		s.leaderPrice = tick.Close
		return models.HoldSignal(tick.Symbol, "leader tick")
	}
	pair, ok := s.pairs[tick.Symbol]
	if !ok {
		return models.HoldSignal(tick.Symbol, "not subscribed")
	}
	if s.leaderPrice == 0 {
		return models.HoldSignal(tick.Symbol, "no leader price yet")
	}

	// as-of join: 跟随者tick与领先者最近的收盘价对齐
	pair.leader.Push(s.leaderPrice)
	pair.follower.Push(tick.Close)

	if pos, ok := book.Position(tick.Symbol); ok {
		if exit, reason := exitOnStops(pos, tick.Close); exit {
			return closeSignal(tick.Symbol, tick.Close, reason)
		}
		return models.HoldSignal(tick.Symbol, "position open")
	}

	if pair.follower.Len() <= s.window {
		return models.HoldSignal(tick.Symbol, "warming up")
	}

	leaderMove := movement(pair.leader, s.lookback)
	followerMove := movement(pair.follower, s.lookback)
	if math.Abs(leaderMove) <= s.lagThreshold {
		return models.HoldSignal(tick.Symbol, "leader quiet")
	}

	r, err := indicator.Correlation(indicator.Returns(pair.leader.Values()), indicator.Returns(pair.follower.Values()))
	if err != nil {
		return models.HoldSignal(tick.Symbol, err.Error())
	}
	if r < s.minCorrelation {
		return models.HoldSignal(tick.Symbol, fmt.Sprintf("correlation %.2f below minimum", r))
	}

	lag := math.Abs(leaderMove*r - followerMove)
	if lag <= s.lagThreshold {
		return models.HoldSignal(tick.Symbol, "follower in line with leader")
	}
	if last, ok := s.lastEntry[tick.Symbol]; ok && tick.Timestamp.Sub(last) < s.cooldown {
		return models.HoldSignal(tick.Symbol, "cooldown")
	}

	action := models.ActionBuy
	if leaderMove < 0 {
		action = models.ActionSell
	}
	sig := models.Signal{
		Symbol:     tick.Symbol,
		Action:     action,
		Price:      tick.Close,
		Confidence: clamp01(r),
		Reason:     fmt.Sprintf("leader %s moved %.2f%%, lag %.2f%%, r=%.2f", s.leader, leaderMove*100, lag*100, r),
	}
	sig.StopLoss, sig.TakeProfit = pctStops(sig.PositionSide(), tick.Close, s.stopLossPct, s.takeProfitPct)
	s.lastEntry[tick.Symbol] = tick.Timestamp
	return sig
}

// movement 最近 lookback 个样本的涨跌幅 (小数)
func movement(r *indicator.Ring, lookback int) float64 {
	if r.Len() < lookback || lookback < 2 {
		return 0
	}
	tail := r.Tail(lookback)
	old := tail[0]
	if old == 0 {
		return 0
	}
	return (tail[len(tail)-1] - old) / old
}
