package strategy

import (
	"context"
	"errors"
	"signal-engine-go/internal/exchange"
	"signal-engine-go/internal/models"
	"signal-engine-go/internal/risk"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scripted 按顺序返回预设信号的策略, 用于测试实例的执行路径
type scripted struct {
	symbol  string
	signals []models.Signal
}

func (s *scripted) Kind() Kind        { return TurtleBreakout }
func (s *scripted) Symbols() []string { return []string{s.symbol} }
func (s *scripted) Warm() bool        { return true }

func (s *scripted) OnTick(tick models.PriceTick, _ Book) models.Signal {
	if len(s.signals) == 0 {
		return models.HoldSignal(tick.Symbol, "script exhausted")
	}
	sig := s.signals[0]
	s.signals = s.signals[1:]
	if sig.Symbol == "" {
		sig.Symbol = tick.Symbol
	}
	return sig
}

func testRiskConfig() models.RiskConfig {
	return models.RiskConfig{
		MaxDailyLossUSD:    1000,
		MaxLeverage:        20,
		MaxPositions:       5,
		MaxDrawdownPercent: 0.5,
		InitialEquity:      10000,
	}
}

type harness struct {
	inst  *Instance
	guard *risk.Guard
	venue *exchange.PaperVenue
}

func newHarness(t *testing.T, cfg models.StrategyConfig, riskCfg models.RiskConfig) *harness {
	t.Helper()
	guard := risk.NewGuard(riskCfg, zap.NewNop(), nil)
	venue := exchange.NewPaperVenue("paper", 0, zap.NewNop())
	inst, err := NewInstance(cfg, guard, venue, zap.NewNop(), nil)
	require.NoError(t, err)
	inst.Start()
	return &harness{inst: inst, guard: guard, venue: venue}
}

func newScriptedHarness(t *testing.T, signals ...models.Signal) *harness {
	h := newHarness(t, models.StrategyConfig{ID: "s1", Kind: "turtle_breakout", Symbol: "X", Size: 1}, testRiskConfig())
	h.inst.strategy = &scripted{symbol: "X", signals: signals}
	return h
}

// feed 先更新模拟盘标记价格再交给实例, 与编排器的顺序一致
func (h *harness) feed(tick models.PriceTick) Outcome {
	h.venue.ObservePrice(tick)
	return h.inst.HandleTick(context.Background(), tick)
}

func TestNewInstance_RequiresID(t *testing.T) {
	_, err := NewInstance(models.StrategyConfig{Kind: "turtle_breakout", Symbol: "X"}, nil, nil, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestInstance_TurtleWarmupThenEntry(t *testing.T) {
	h := newHarness(t, models.StrategyConfig{ID: "turtle-x", Kind: "turtle_breakout", Symbol: "X", LookbackPeriod: 20, Size: 2, Leverage: 3}, testRiskConfig())

	for i := 1; i <= 20; i++ {
		out := h.feed(closeTick("X", i, 99+float64(i)))
		assert.Equal(t, models.ActionHold, out.Signal.Action)
		assert.Empty(t, out.Orders)
	}
	assert.Equal(t, PhaseActive, h.inst.Phase())

	out := h.feed(closeTick("X", 21, 120))
	require.NoError(t, out.Err)
	require.Equal(t, models.ActionBuy, out.Signal.Action)
	require.Len(t, out.Orders, 1)
	assert.Equal(t, PhasePositionOpen, h.inst.Phase())

	positions := h.inst.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "turtle-x", positions[0].Owner)
	assert.Equal(t, models.Long, positions[0].Side)
	assert.Equal(t, 2.0, positions[0].Size)
	assert.Equal(t, 3.0, positions[0].Leverage)
	assert.True(t, h.guard.IsOpen(positions[0].ID))

	orders := h.venue.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, models.Buy, orders[0].Side)
	assert.Equal(t, "paper", orders[0].Venue)
	assert.NotEmpty(t, orders[0].ClientOrderID)

	// 同方向的后续突破不会加仓
	out = h.feed(closeTick("X", 22, 121))
	assert.Empty(t, out.Orders)
	assert.Len(t, h.venue.Orders(), 1)
}

func TestInstance_StoppedInstanceSkipsTicks(t *testing.T) {
	h := newScriptedHarness(t, models.Signal{Action: models.ActionBuy})
	h.inst.Stop()
	assert.False(t, h.inst.Running())

	out := h.feed(closeTick("X", 1, 100))
	assert.True(t, out.Skipped)
	assert.Empty(t, h.venue.Orders())

	h.inst.Start()
	out = h.feed(closeTick("X", 2, 100))
	assert.False(t, out.Skipped)
	assert.Len(t, out.Orders, 1)
}

func TestInstance_VenueFailureRollsBackRegistration(t *testing.T) {
	h := newScriptedHarness(t, models.Signal{Action: models.ActionBuy})
	boom := errors.New("venue down")
	h.venue.FailNext(boom)

	out := h.feed(closeTick("X", 1, 100))
	var execErr *models.ExecutionError
	require.ErrorAs(t, out.Err, &execErr)
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, "X", execErr.Request.Symbol)
	assert.Equal(t, 0, h.guard.OpenCount(), "registration released")
	assert.Empty(t, h.inst.Positions())
	assert.Equal(t, PhaseActive, h.inst.Phase())
}

func TestInstance_RiskRejection(t *testing.T) {
	h := newScriptedHarness(t, models.Signal{Action: models.ActionBuy, Leverage: 50})
	out := h.feed(closeTick("X", 1, 100))
	assert.True(t, out.Rejected, "signal leverage above the guard maximum")
	assert.Empty(t, h.venue.Orders())
}

func TestInstance_LeverageCappedByStrategyMax(t *testing.T) {
	h := newHarness(t, models.StrategyConfig{ID: "s1", Kind: "turtle_breakout", Symbol: "X", Size: 1, MaxLeverage: 4}, testRiskConfig())
	h.inst.strategy = &scripted{symbol: "X", signals: []models.Signal{{Action: models.ActionBuy, Leverage: 10}}}
	h.feed(closeTick("X", 1, 100))
	positions := h.inst.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, 4.0, positions[0].Leverage)
}

func TestInstance_FlipClosesOppositeFirst(t *testing.T) {
	h := newScriptedHarness(t,
		models.Signal{Action: models.ActionBuy},
		models.Signal{Action: models.ActionSell},
	)
	h.feed(closeTick("X", 1, 100))
	out := h.feed(closeTick("X", 2, 110))
	require.NoError(t, out.Err)
	require.Len(t, out.Orders, 2)

	orders := h.venue.Orders()
	require.Len(t, orders, 3)
	assert.Equal(t, models.Sell, orders[1].Side)
	assert.True(t, orders[1].ReduceOnly)
	assert.Equal(t, models.Sell, orders[2].Side)
	assert.False(t, orders[2].ReduceOnly)

	positions := h.inst.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, models.Short, positions[0].Side)
	assert.Equal(t, 1, h.guard.OpenCount())

	snap := h.guard.Snapshot()
	assert.InDelta(t, 10, snap.RealizedPnL, 1e-9)
	assert.Equal(t, 1, snap.TotalTrades)
	assert.Equal(t, 1, snap.WinningTrades)
}

func TestInstance_FailedCloseKeepsPosition(t *testing.T) {
	h := newScriptedHarness(t,
		models.Signal{Action: models.ActionBuy},
		models.Signal{Action: models.ActionSell},
		models.Signal{Action: models.ActionClose},
	)
	h.feed(closeTick("X", 1, 100))

	// 反手时平仓失败: 保留原持仓, 不开新仓
	h.venue.FailNext(errors.New("rejected"))
	out := h.feed(closeTick("X", 2, 95))
	require.Error(t, out.Err)
	positions := h.inst.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, models.Long, positions[0].Side)
	assert.Equal(t, 1, h.guard.OpenCount())
	assert.Equal(t, PhasePositionOpen, h.inst.Phase())

	out = h.feed(closeTick("X", 3, 90))
	require.NoError(t, out.Err)
	assert.Empty(t, h.inst.Positions())
	assert.Equal(t, 0, h.guard.OpenCount())
	assert.InDelta(t, 10, h.guard.Snapshot().DailyLossUSD, 1e-9)
	assert.Equal(t, PhaseActive, h.inst.Phase())
}

func TestInstance_PairOpensBothLegs(t *testing.T) {
	pair := models.Signal{Action: models.ActionPair, Legs: []models.Leg{
		{Venue: "a", Side: models.Buy, Price: 100, Size: 1},
		{Venue: "b", Side: models.Sell, Price: 100.5, Size: 1},
	}}
	h := newScriptedHarness(t, pair, models.Signal{Action: models.ActionClose})

	out := h.feed(closeTick("X", 1, 100))
	require.NoError(t, out.Err)
	require.Len(t, out.Orders, 2)
	assert.Len(t, h.inst.Positions(), 2)
	assert.Equal(t, 2, h.guard.OpenCount())

	orders := h.venue.Orders()
	assert.Equal(t, "a", orders[0].Venue)
	assert.Equal(t, "b", orders[1].Venue)

	out = h.feed(closeTick("X", 2, 100))
	require.NoError(t, out.Err)
	assert.Len(t, out.Orders, 2)
	assert.Empty(t, h.inst.Positions())
	assert.Equal(t, 0, h.guard.OpenCount())
}

func TestInstance_PairLegFailureUnwinds(t *testing.T) {
	pair := models.Signal{Action: models.ActionPair, Legs: []models.Leg{
		{Venue: "a", Side: models.Buy, Price: 100, Size: 1},
		{Venue: "b", Side: models.Sell, Price: 100.5, Size: 1},
	}}
	h := newScriptedHarness(t, pair)
	boom := errors.New("leg b failed")
	h.venue.FailNext(nil, boom)

	out := h.feed(closeTick("X", 1, 100))
	assert.ErrorIs(t, out.Err, boom)
	assert.Empty(t, h.inst.Positions())
	assert.Equal(t, 0, h.guard.OpenCount())

	orders := h.venue.Orders()
	require.Len(t, orders, 2, "leg a opened then closed")
	assert.Equal(t, models.Sell, orders[1].Side)
	assert.True(t, orders[1].ReduceOnly)
}

func TestInstance_PairRejectedByRiskUnwinds(t *testing.T) {
	riskCfg := testRiskConfig()
	riskCfg.MaxPositions = 1
	h := newHarness(t, models.StrategyConfig{ID: "s1", Kind: "turtle_breakout", Symbol: "X", Size: 1}, riskCfg)
	h.inst.strategy = &scripted{symbol: "X", signals: []models.Signal{{Action: models.ActionPair, Legs: []models.Leg{
		{Venue: "a", Side: models.Buy, Size: 1},
		{Venue: "b", Side: models.Sell, Size: 1},
	}}}}

	out := h.feed(closeTick("X", 1, 100))
	assert.True(t, out.Rejected)
	assert.NoError(t, out.Err)
	assert.Empty(t, h.inst.Positions())
	assert.Equal(t, 0, h.guard.OpenCount())
}

func TestInstance_MarketMakerQuotesAndFills(t *testing.T) {
	h := newHarness(t, models.StrategyConfig{ID: "mm", Kind: "market_maker", Symbol: "ETHUSDT", Size: 1, SpreadPercentage: 0.002}, testRiskConfig())
	h.venue.OnFill(func(f exchange.Fill) {
		h.inst.ReportFill(f.ClientOrderID, f.Symbol, f.Side, f.Size)
	})

	out := h.feed(closeTick("ETHUSDT", 1, 100))
	require.NoError(t, out.Err)
	require.Len(t, out.Orders, 2)
	assert.Equal(t, 2, h.venue.RestingCount())
	assert.Equal(t, 0, h.guard.OpenCount(), "quotes are not positions")

	// 行情下探到买单价, 买单成交
	h.venue.ObservePrice(models.PriceTick{Symbol: "ETHUSDT", Close: 99.95, High: 100, Low: 99.85, Timestamp: t0.Add(90 * time.Second)})
	assert.Equal(t, 1, h.venue.RestingCount())
	assert.Equal(t, 1.0, h.inst.strategy.(*marketMaker).Inventory())

	// 重新报价时撤掉旧的卖单
	out = h.feed(closeTick("ETHUSDT", 2, 99.5))
	require.NoError(t, out.Err)
	assert.Len(t, out.Orders, 2)
	assert.Equal(t, 2, h.venue.RestingCount())

	assert.False(t, h.inst.ReportFill("unknown", "ETHUSDT", models.Buy, 1))
	assert.True(t, h.inst.ReportFill("", "ETHUSDT", models.Sell, 1))
	assert.Equal(t, 0.0, h.inst.strategy.(*marketMaker).Inventory())
}

func TestInstance_PrunesPositionsClosedByEmergency(t *testing.T) {
	h := newScriptedHarness(t, models.Signal{Action: models.ActionBuy})
	h.feed(closeTick("X", 1, 100))
	require.Len(t, h.inst.Positions(), 1)

	report := h.guard.EmergencyCloseAll("test")
	assert.Len(t, report.Targeted, 1)

	h.feed(closeTick("X", 2, 100))
	assert.Empty(t, h.inst.Positions())
	assert.Equal(t, PhaseActive, h.inst.Phase())
}

func TestInstance_ScaleSize(t *testing.T) {
	h := newScriptedHarness(t, models.Signal{Action: models.ActionBuy})
	h.inst.ScaleSize(0.5)
	h.inst.ScaleSize(0) // 忽略
	h.feed(closeTick("X", 1, 100))

	orders := h.venue.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, 0.5, orders[0].Size)
	assert.Equal(t, 0.5, h.inst.Status().SizeScale)
}

func TestInstance_PrimeNeverTrades(t *testing.T) {
	h := newHarness(t, models.StrategyConfig{ID: "turtle-x", Kind: "turtle_breakout", Symbol: "X", LookbackPeriod: 20, Size: 1}, testRiskConfig())
	assert.Equal(t, PhaseWarmingUp, h.inst.Phase())
	for i := 1; i <= 30; i++ {
		h.inst.Prime(closeTick("X", i, 99+float64(i)))
	}
	assert.Empty(t, h.venue.Orders())
	assert.Equal(t, PhaseActive, h.inst.Phase())

	// 预热后的第一个实时tick即可突破
	out := h.feed(closeTick("X", 31, 200))
	assert.Equal(t, models.ActionBuy, out.Signal.Action)

	status := h.inst.Status()
	assert.Equal(t, "turtle-x", status.ID)
	assert.Equal(t, "turtle_breakout", status.Kind)
	assert.Equal(t, []string{"X"}, status.Symbols)
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.Positions)
}

// exitHookVenue 在第一笔只减仓订单到达场所前执行 hook, 用来模拟平仓期间其他实例触发的风控事件
type exitHookVenue struct {
	exchange.Venue
	hook func() error
}

func (v *exitHookVenue) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderAck, error) {
	if req.ReduceOnly && v.hook != nil {
		hook := v.hook
		v.hook = nil
		if err := hook(); err != nil {
			return nil, err
		}
	}
	return v.Venue.PlaceOrder(ctx, req)
}

// emergencyCloser 与编排器一样直接在场所平掉紧急平仓的目标
func emergencyCloser(venue exchange.Venue, targeted *[]models.Position) risk.EmergencyHandler {
	return func(r *risk.EmergencyReport) {
		for _, p := range r.Targeted {
			*targeted = append(*targeted, p)
			_, err := venue.PlaceOrder(context.Background(), models.OrderRequest{
				Symbol: p.Symbol, Venue: p.Venue, Side: p.Side.ExitSide(), Size: p.Size, Leverage: p.Leverage, ReduceOnly: true,
			})
			if err != nil {
				r.Failures[p.ID] = err
			}
		}
	}
}

func reduceOnlyOrders(orders []models.OrderRequest) int {
	n := 0
	for _, o := range orders {
		if o.ReduceOnly {
			n++
		}
	}
	return n
}

func TestInstance_EmergencyDuringCloseDoesNotCloseTwice(t *testing.T) {
	h := newScriptedHarness(t,
		models.Signal{Action: models.ActionBuy},
		models.Signal{Action: models.ActionClose},
	)
	var targeted []models.Position
	h.guard.SetEmergencyHandler(emergencyCloser(h.venue, &targeted))
	h.inst.venue = &exitHookVenue{Venue: h.venue, hook: func() error {
		h.guard.UpdateMetrics(-1000)
		return nil
	}}

	h.feed(closeTick("X", 1, 100))
	require.Len(t, h.inst.Positions(), 1)

	out := h.feed(closeTick("X", 2, 101))
	require.NoError(t, out.Err)
	assert.Empty(t, targeted, "position being closed by its owner is skipped")
	assert.Equal(t, 1, reduceOnlyOrders(h.venue.Orders()))
	assert.Empty(t, h.inst.Positions())
	assert.Equal(t, 0, h.guard.OpenCount())

	snap := h.guard.Snapshot()
	assert.Equal(t, 1, snap.TotalTrades)
	assert.InDelta(t, 1, snap.RealizedPnL, 1e-9)
	assert.InDelta(t, 999, snap.DailyLossUSD, 1e-9)
}

func TestInstance_FailedCloseAfterEmergencyIsClosedByGuard(t *testing.T) {
	h := newScriptedHarness(t,
		models.Signal{Action: models.ActionBuy},
		models.Signal{Action: models.ActionClose},
	)
	var targeted []models.Position
	h.guard.SetEmergencyHandler(emergencyCloser(h.venue, &targeted))
	boom := errors.New("exit rejected")
	h.inst.venue = &exitHookVenue{Venue: h.venue, hook: func() error {
		h.guard.UpdateMetrics(-1000)
		return boom
	}}

	h.feed(closeTick("X", 1, 100))
	positions := h.inst.Positions()
	require.Len(t, positions, 1)

	out := h.feed(closeTick("X", 2, 99))
	assert.ErrorIs(t, out.Err, boom)
	require.Len(t, targeted, 1)
	assert.Equal(t, positions[0].ID, targeted[0].ID)
	assert.Equal(t, 1, reduceOnlyOrders(h.venue.Orders()), "only the emergency exit reached the venue")
	assert.Empty(t, h.inst.Positions())
	assert.Equal(t, 0, h.guard.OpenCount())
	assert.Equal(t, 0, h.guard.Snapshot().TotalTrades)
}

func TestInstance_TrendFlipClosesLongBeforeShort(t *testing.T) {
	h := newHarness(t, models.StrategyConfig{
		ID: "trend-x", Kind: "dynamic_leverage_trend", Symbol: "X", Size: 1,
		EMAPeriod: 10, ADXPeriod: 5, ATRPeriod: 5, MaxLeverage: 20,
	}, testRiskConfig())

	for i := 0; i < 40; i++ {
		h.feed(trendTick(i, 100+float64(i)))
	}
	positions := h.inst.Positions()
	require.Len(t, positions, 1)
	require.Equal(t, models.Long, positions[0].Side)
	opened := len(h.venue.Orders())

	h.feed(trendTick(40, 136))
	out := h.feed(trendTick(41, 133))
	require.NoError(t, out.Err)
	require.Equal(t, models.ActionSell, out.Signal.Action, out.Signal.Reason)
	require.Len(t, out.Orders, 2)

	orders := h.venue.Orders()[opened:]
	require.Len(t, orders, 2)
	assert.Equal(t, models.Sell, orders[0].Side)
	assert.True(t, orders[0].ReduceOnly, "long closed first")
	assert.Equal(t, models.Sell, orders[1].Side)
	assert.False(t, orders[1].ReduceOnly)

	positions = h.inst.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, models.Short, positions[0].Side)
	assert.Equal(t, 1, h.guard.OpenCount())
	assert.Equal(t, 1, h.guard.Snapshot().TotalTrades)
	assert.Equal(t, PhasePositionOpen, h.inst.Phase())
}
