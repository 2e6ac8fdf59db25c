package strategy

import (
	"context"
	"errors"
	"fmt"
	"signal-engine-go/internal/exchange"
	"signal-engine-go/internal/instrumentation"
	"signal-engine-go/internal/models"
	"signal-engine-go/internal/risk"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Phase 策略实例所处的阶段
type Phase string

const (
	PhaseWarmingUp      Phase = "warming-up"
	PhaseActive         Phase = "active"
	PhasePositionOpen   Phase = "position-open"
	PhaseFlipping       Phase = "flipping"
	PhasePositionClosed Phase = "position-closed"
)

// Outcome 实例处理单个tick的结果
type Outcome struct {
	InstanceID string
	Signal     models.Signal
	Orders     []models.OrderAck
	Rejected   bool  // 至少一笔交易被风控拒绝
	Skipped    bool  // 实例未运行, tick 未被处理
	Err        error // 下单场所失败, 为 *models.ExecutionError
}

// InstanceStatus 实例的只读状态, 供报表和运维接口使用
type InstanceStatus struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Symbols   []string `json:"symbols"`
	Phase     Phase    `json:"phase"`
	Running   bool     `json:"running"`
	Positions int      `json:"positions"`
	SizeScale float64  `json:"size_scale"`
}

// Instance 包装一个策略, 负责持仓簿记、风控授权和下单。
// 每个实例有自己的锁, 同一实例的tick严格串行处理。
type Instance struct {
	mu        sync.Mutex
	id        string
	cfg       models.StrategyConfig
	strategy  Strategy
	guard     *risk.Guard
	venue     exchange.Venue
	positions map[string][]models.Position
	quotes    map[string]models.Leg // 做市挂单, key 为 clientOrderID
	phase     Phase
	running   bool
	sizeScale float64

	logger  *zap.Logger
	metrics *instrumentation.Metrics
}

// NewInstance 根据配置创建策略实例, 初始为停止状态
func NewInstance(cfg models.StrategyConfig, guard *risk.Guard, venue exchange.Venue, logger *zap.Logger, metrics *instrumentation.Metrics) (*Instance, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("strategy id is required (kind %s)", cfg.Kind)
	}
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &Instance{
		id:        cfg.ID,
		cfg:       cfg,
		strategy:  s,
		guard:     guard,
		venue:     venue,
		positions: make(map[string][]models.Position),
		quotes:    make(map[string]models.Leg),
		phase:     PhaseWarmingUp,
		sizeScale: 1,
		logger:    logger.With(zap.String("instance", cfg.ID), zap.String("kind", s.Kind().String())),
		metrics:   metrics,
	}, nil
}

func (i *Instance) ID() string        { return i.id }
func (i *Instance) Kind() Kind        { return i.strategy.Kind() }
func (i *Instance) Symbols() []string { return i.strategy.Symbols() }

// Start 开始接收tick
func (i *Instance) Start() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = true
	i.logger.Info("策略实例已启动")
}

// Stop 停止接收tick, 不会平掉已有持仓
func (i *Instance) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = false
	i.logger.Info("策略实例已停止", zap.Int("openPositions", i.countLocked()))
}

func (i *Instance) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

func (i *Instance) Phase() Phase {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.phase
}

// Positions 返回实例当前持仓的拷贝
func (i *Instance) Positions() []models.Position {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []models.Position
	for _, list := range i.positions {
		out = append(out, list...)
	}
	return out
}

// Status 返回实例状态快照
func (i *Instance) Status() InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return InstanceStatus{
		ID:        i.id,
		Kind:      i.strategy.Kind().String(),
		Symbols:   i.strategy.Symbols(),
		Phase:     i.phase,
		Running:   i.running,
		Positions: i.countLocked(),
		SizeScale: i.sizeScale,
	}
}

// ScaleSize 将之后的下单数量乘以 factor (0 < factor ≤ 1 用于降低仓位)
func (i *Instance) ScaleSize(factor float64) {
	if factor <= 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sizeScale *= factor
	i.logger.Warn("下单数量已缩放", zap.Float64("factor", factor), zap.Float64("scale", i.sizeScale))
}

// ReportFill 将挂单成交回报交给需要的策略。clientOrderID 为空时按交易对投递。
// 返回该成交是否属于本实例。
func (i *Instance) ReportFill(clientOrderID, symbol string, side models.Side, size float64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if clientOrderID != "" {
		if _, ok := i.quotes[clientOrderID]; !ok {
			return false
		}
		delete(i.quotes, clientOrderID)
	} else if !i.subscribedLocked(symbol) {
		return false
	}
	if rec, ok := i.strategy.(FillRecorder); ok {
		rec.RecordFill(symbol, side, size)
	}
	return true
}

// Prime 用历史tick预热指标, 不产生任何订单
func (i *Instance) Prime(tick models.PriceTick) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.strategy.OnTick(tick, lockedBook{i})
	i.settleLocked()
}

// HandleTick 处理一个tick: 运行策略, 通过风控授权后下单。
// 实例未运行时直接返回 Skipped。
func (i *Instance) HandleTick(ctx context.Context, tick models.PriceTick) Outcome {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := Outcome{InstanceID: i.id}
	if !i.running {
		out.Skipped = true
		return out
	}
	i.pruneLocked()

	sig := i.strategy.OnTick(tick, lockedBook{i})
	out.Signal = sig
	i.metrics.RecordSignal(i.strategy.Kind().String(), string(sig.Action))
	if sig.Price <= 0 {
		sig.Price = tick.Close
	}

	switch sig.Action {
	case models.ActionHold:
	case models.ActionBuy, models.ActionSell:
		i.enterLocked(ctx, tick, sig, &out)
	case models.ActionClose:
		i.phase = PhasePositionClosed
		if err := i.closeSymbolLocked(ctx, sig.Symbol, sig.Price, &out); err != nil {
			out.Err = err
		}
	case models.ActionPair:
		i.openPairLocked(ctx, tick, sig, &out)
	case models.ActionQuote:
		i.quoteLocked(ctx, sig, &out)
	default:
		i.logger.Warn("未知的信号动作", zap.String("action", string(sig.Action)))
	}

	if sig.Action != models.ActionHold {
		i.logger.Debug("信号已处理",
			zap.String("symbol", sig.Symbol),
			zap.String("action", string(sig.Action)),
			zap.String("reason", sig.Reason),
			zap.Int("orders", len(out.Orders)),
			zap.Bool("rejected", out.Rejected),
			zap.Error(out.Err))
	}
	i.settleLocked()
	return out
}

// --- 以下函数要求调用方持有 i.mu ---

// lockedBook 在持锁的情况下向策略暴露持仓
type lockedBook struct{ i *Instance }

func (b lockedBook) Position(symbol string) (models.Position, bool) {
	list := b.i.positions[symbol]
	if len(list) == 0 {
		return models.Position{}, false
	}
	return list[0], true
}

func (i *Instance) enterLocked(ctx context.Context, tick models.PriceTick, sig models.Signal, out *Outcome) {
	want := sig.PositionSide()
	if existing, ok := (lockedBook{i}).Position(sig.Symbol); ok {
		if existing.Side == want {
			return
		}
		// 反手: 先平掉反向持仓, 平仓失败则不开新仓
		i.phase = PhaseFlipping
		if err := i.closeSymbolLocked(ctx, sig.Symbol, sig.Price, out); err != nil {
			out.Err = err
			return
		}
	}

	pos := models.Position{
		ID:         uuid.NewString(),
		Owner:      i.id,
		Symbol:     sig.Symbol,
		Venue:      i.venue.Name(),
		Side:       want,
		EntryPrice: sig.Price,
		Size:       i.cfg.Size * i.sizeScale,
		Leverage:   i.leverageFor(sig),
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		OpenedAt:   tick.Timestamp,
	}
	if !i.guard.TryOpen(pos) {
		out.Rejected = true
		return
	}

	ack, err := i.placeLocked(ctx, models.OrderRequest{
		Symbol:   pos.Symbol,
		Venue:    pos.Venue,
		Side:     want.EntrySide(),
		Size:     pos.Size,
		Leverage: pos.Leverage,
	})
	if err != nil {
		i.guard.Release(pos.ID)
		out.Err = err
		return
	}
	if ack.FilledPrice > 0 {
		pos.EntryPrice = ack.FilledPrice
	}
	i.positions[pos.Symbol] = append(i.positions[pos.Symbol], pos)
	out.Orders = append(out.Orders, *ack)
	i.logger.Info("开仓",
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("size", pos.Size),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("leverage", pos.Leverage),
		zap.Float64("stopLoss", pos.StopLoss))
}

// closeSymbolLocked 平掉该交易对的全部持仓。平仓失败的持仓保留, 返回第一个错误。
// 下单前先在风控中认领持仓, 避免与紧急平仓重复下单。
func (i *Instance) closeSymbolLocked(ctx context.Context, symbol string, price float64, out *Outcome) error {
	var remaining []models.Position
	var firstErr error
	for _, pos := range i.positions[symbol] {
		if !i.guard.BeginClose(pos.ID) {
			// 已被紧急平仓
			continue
		}
		ack, err := i.placeLocked(ctx, models.OrderRequest{
			Symbol:     pos.Symbol,
			Venue:      pos.Venue,
			Side:       pos.Side.ExitSide(),
			Size:       pos.Size,
			Leverage:   pos.Leverage,
			ReduceOnly: true,
		})
		if err != nil {
			if i.guard.AbortClose(pos.ID) {
				remaining = append(remaining, pos)
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		exit := price
		if ack.FilledPrice > 0 {
			exit = ack.FilledPrice
		}
		pnl := pos.PnL(exit)
		if _, ok := i.guard.ClosePosition(pos.ID, pnl); !ok {
			i.logger.Warn("平仓盈亏未能计入风控, 持仓已不在登记集合中",
				zap.String("positionID", pos.ID),
				zap.Float64("pnl", pnl))
		}
		out.Orders = append(out.Orders, *ack)
		i.logger.Info("平仓",
			zap.String("symbol", pos.Symbol),
			zap.String("side", string(pos.Side)),
			zap.Float64("entry", pos.EntryPrice),
			zap.Float64("exit", exit),
			zap.Float64("pnl", pnl))
	}
	if len(remaining) == 0 {
		delete(i.positions, symbol)
	} else {
		i.positions[symbol] = remaining
	}
	return firstErr
}

// openPairLocked 套利双腿开仓。任一腿失败时平掉已成交的腿, 不留下单边敞口。
func (i *Instance) openPairLocked(ctx context.Context, tick models.PriceTick, sig models.Signal, out *Outcome) {
	if len(i.positions[sig.Symbol]) > 0 {
		return
	}
	lev := i.leverageFor(sig)
	var opened []models.Position
	for _, leg := range sig.Legs {
		pos := models.Position{
			ID:         uuid.NewString(),
			Owner:      i.id,
			Symbol:     sig.Symbol,
			Venue:      leg.Venue,
			Side:       positionSideOf(leg.Side),
			EntryPrice: leg.Price,
			Size:       leg.Size * i.sizeScale,
			Leverage:   lev,
			OpenedAt:   tick.Timestamp,
		}
		if !i.guard.TryOpen(pos) {
			out.Rejected = true
			break
		}
		ack, err := i.placeLocked(ctx, models.OrderRequest{
			Symbol:   pos.Symbol,
			Venue:    pos.Venue,
			Side:     leg.Side,
			Size:     pos.Size,
			Leverage: lev,
		})
		if err != nil {
			i.guard.Release(pos.ID)
			out.Err = err
			break
		}
		if ack.FilledPrice > 0 {
			pos.EntryPrice = ack.FilledPrice
		}
		opened = append(opened, pos)
		out.Orders = append(out.Orders, *ack)
	}

	i.positions[sig.Symbol] = opened
	if len(opened) == len(sig.Legs) {
		return
	}
	if len(opened) > 0 {
		i.logger.Warn("套利腿未能全部成交, 回滚已成交的腿", zap.Int("opened", len(opened)), zap.Int("legs", len(sig.Legs)))
		if err := i.closeSymbolLocked(ctx, sig.Symbol, sig.Price, out); err != nil && out.Err == nil {
			out.Err = err
		}
		return
	}
	delete(i.positions, sig.Symbol)
}

// quoteLocked 撤掉旧报价后挂出新的买卖报价。报价不登记为持仓, 成交通过 ReportFill 更新库存。
func (i *Instance) quoteLocked(ctx context.Context, sig models.Signal, out *Outcome) {
	for id := range i.quotes {
		if err := i.venue.CancelOrder(ctx, sig.Symbol, id); err != nil && !errors.Is(err, exchange.ErrUnknownOrder) {
			i.logger.Warn("撤销旧报价失败", zap.String("clientOrderID", id), zap.Error(err))
		}
		delete(i.quotes, id)
	}

	lev := i.leverageFor(sig)
	rec, _ := i.strategy.(FillRecorder)
	for _, leg := range sig.Legs {
		size := leg.Size * i.sizeScale
		if !i.guard.CheckTrade(risk.TradeRequest{Symbol: sig.Symbol, Size: size, Leverage: lev}) {
			out.Rejected = true
			continue
		}
		req := models.OrderRequest{
			ClientOrderID: exchange.NewClientOrderID(),
			Symbol:        sig.Symbol,
			Side:          leg.Side,
			Size:          size,
			Leverage:      lev,
			Price:         leg.Price,
		}
		ack, err := i.placeLocked(ctx, req)
		if err != nil {
			if out.Err == nil {
				out.Err = err
			}
			continue
		}
		out.Orders = append(out.Orders, *ack)
		if ack.Filled() {
			if rec != nil {
				rec.RecordFill(sig.Symbol, leg.Side, size)
			}
			continue
		}
		i.quotes[req.ClientOrderID] = leg
	}
}

func (i *Instance) placeLocked(ctx context.Context, req models.OrderRequest) (*models.OrderAck, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = exchange.NewClientOrderID()
	}
	if req.Venue == "" {
		req.Venue = i.venue.Name()
	}
	ack, err := i.venue.PlaceOrder(ctx, req)
	if err != nil {
		i.metrics.RecordOrderFailure(req.Venue)
		i.logger.Error("下单失败", zap.String("order", req.String()), zap.Error(err))
		return nil, &models.ExecutionError{Op: "place", Request: req, Err: err}
	}
	i.metrics.RecordOrder(req.Venue, string(req.Side))
	return ack, nil
}

// leverageFor 信号杠杆优先, 其次为配置杠杆, 不超过策略最大杠杆
func (i *Instance) leverageFor(sig models.Signal) float64 {
	lev := sig.Leverage
	if lev <= 0 {
		lev = i.cfg.Leverage
	}
	if lev <= 0 {
		lev = 1
	}
	if i.cfg.MaxLeverage > 0 && lev > i.cfg.MaxLeverage {
		lev = i.cfg.MaxLeverage
	}
	return lev
}

// pruneLocked 丢弃已不在风控登记集合中的持仓 (已被紧急平仓)
func (i *Instance) pruneLocked() {
	for symbol, list := range i.positions {
		kept := list[:0]
		for _, p := range list {
			if i.guard.IsOpen(p.ID) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(i.positions, symbol)
		} else {
			i.positions[symbol] = kept
		}
	}
}

func (i *Instance) settleLocked() {
	switch {
	case !i.strategy.Warm():
		i.phase = PhaseWarmingUp
	case i.countLocked() > 0:
		i.phase = PhasePositionOpen
	default:
		i.phase = PhaseActive
	}
}

func (i *Instance) countLocked() int {
	n := 0
	for _, list := range i.positions {
		n += len(list)
	}
	return n
}

func (i *Instance) subscribedLocked(symbol string) bool {
	for _, s := range i.strategy.Symbols() {
		if s == symbol {
			return true
		}
	}
	return false
}

func positionSideOf(side models.Side) models.PositionSide {
	if side == models.Buy {
		return models.Long
	}
	return models.Short
}
