package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"signal-engine-go/internal/exchange"
	"signal-engine-go/internal/indicator"
	"signal-engine-go/internal/instrumentation"
	"signal-engine-go/internal/models"
	"signal-engine-go/internal/risk"
	"signal-engine-go/internal/strategy"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// emergencyOrderTimeout 紧急平仓时单笔订单的超时
const emergencyOrderTimeout = 10 * time.Second

// ErrUnknownInstance 找不到指定ID的策略实例
var ErrUnknownInstance = errors.New("unknown strategy instance")

// Orchestrator 持有所有策略实例, 把tick路由给订阅了该交易对的运行中实例。
type Orchestrator struct {
	mu        sync.RWMutex
	instances []*strategy.Instance
	byID      map[string]*strategy.Instance
	bySymbol  map[string][]*strategy.Instance
	running   bool

	tickMu   sync.Mutex
	lastTick map[string]time.Time // key: venue|symbol

	marketMu sync.Mutex
	market   map[string]*indicator.Engine
	prices   map[string]float64

	guard     *risk.Guard
	venue     exchange.Venue
	connected func() bool
	dropped   atomic.Int64

	logger  *zap.Logger
	metrics *instrumentation.Metrics
}

// New 创建编排器, 并把自身注册为风控的紧急平仓处理器
func New(guard *risk.Guard, venue exchange.Venue, logger *zap.Logger, metrics *instrumentation.Metrics) *Orchestrator {
	o := &Orchestrator{
		byID:     make(map[string]*strategy.Instance),
		bySymbol: make(map[string][]*strategy.Instance),
		lastTick: make(map[string]time.Time),
		market:   make(map[string]*indicator.Engine),
		prices:   make(map[string]float64),
		guard:    guard,
		venue:    venue,
		logger:   logger,
		metrics:  metrics,
	}
	guard.SetEmergencyHandler(o.closeAtVenue)
	return o
}

// SetConnectivity 设置行情连接状态的来源, 用于 system.connected 指标
func (o *Orchestrator) SetConnectivity(fn func() bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected = fn
}

// AddStrategy 根据配置创建并注册一个策略实例。编排器运行中时实例立即启动。
func (o *Orchestrator) AddStrategy(cfg models.StrategyConfig) (*strategy.Instance, error) {
	inst, err := strategy.NewInstance(cfg, o.guard, o.venue, o.logger, o.metrics)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.byID[inst.ID()]; exists {
		return nil, fmt.Errorf("duplicate strategy id %q", inst.ID())
	}
	o.instances = append(o.instances, inst)
	o.byID[inst.ID()] = inst
	for _, sym := range inst.Symbols() {
		o.bySymbol[sym] = append(o.bySymbol[sym], inst)
	}
	if o.running {
		inst.Start()
	}
	o.logger.Info("策略实例已注册",
		zap.String("id", inst.ID()),
		zap.String("kind", inst.Kind().String()),
		zap.Strings("symbols", inst.Symbols()))
	return inst, nil
}

// Start 启动编排器和所有实例
func (o *Orchestrator) Start() {
	o.mu.Lock()
	o.running = true
	instances := o.snapshotLocked()
	o.mu.Unlock()

	for _, inst := range instances {
		inst.Start()
	}
	o.logger.Info("编排器已启动", zap.Int("instances", len(instances)))
}

// Stop 停止分发tick并停止所有实例。正在处理的tick会完成, 持仓不会被平掉。
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.running = false
	instances := o.snapshotLocked()
	o.mu.Unlock()

	for _, inst := range instances {
		inst.Stop()
	}
	o.logger.Info("编排器已停止")
}

// StartInstance 启动单个实例
func (o *Orchestrator) StartInstance(id string) error {
	inst, err := o.Instance(id)
	if err != nil {
		return err
	}
	inst.Start()
	return nil
}

// StopInstance 停止单个实例, 下一个tick起生效
func (o *Orchestrator) StopInstance(id string) error {
	inst, err := o.Instance(id)
	if err != nil {
		return err
	}
	inst.Stop()
	return nil
}

// PauseAll 暂停所有实例, 编排器仍然接收tick (用于更新行情指标)
func (o *Orchestrator) PauseAll() {
	for _, inst := range o.Instances() {
		inst.Stop()
	}
	o.logger.Warn("所有策略实例已暂停")
}

// ResumeAll 恢复所有实例
func (o *Orchestrator) ResumeAll() {
	for _, inst := range o.Instances() {
		inst.Start()
	}
	o.logger.Info("所有策略实例已恢复")
}

// Instance 按ID查找实例
func (o *Orchestrator) Instance(id string) (*strategy.Instance, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	inst, ok := o.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	return inst, nil
}

// Instances 返回所有实例 (注册顺序)
func (o *Orchestrator) Instances() []*strategy.Instance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshotLocked()
}

// Status 返回所有实例的状态
func (o *Orchestrator) Status() []strategy.InstanceStatus {
	instances := o.Instances()
	out := make([]strategy.InstanceStatus, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Status())
	}
	return out
}

// Dispatch 校验tick并同步地交给所有订阅了该交易对的运行中实例。
// 非法tick被丢弃并计数, 返回 nil。
func (o *Orchestrator) Dispatch(ctx context.Context, tick models.PriceTick) []strategy.Outcome {
	start := time.Now()
	if err := o.accept(tick); err != nil {
		o.drop(tick, err)
		return nil
	}

	o.guard.RollDay(tick.Timestamp)
	if obs, ok := o.venue.(exchange.PriceObserver); ok {
		obs.ObservePrice(tick)
	}
	o.observeMarket(tick)

	o.mu.RLock()
	if !o.running {
		o.mu.RUnlock()
		return nil
	}
	targets := append([]*strategy.Instance(nil), o.bySymbol[tick.Symbol]...)
	o.mu.RUnlock()

	var outcomes []strategy.Outcome
	for _, inst := range targets {
		out := inst.HandleTick(ctx, tick)
		if out.Skipped {
			continue
		}
		if out.Err != nil {
			o.metrics.RecordError("strategy", "execution")
			o.logger.Error("策略实例执行失败", zap.String("instance", out.InstanceID), zap.Error(out.Err))
		}
		outcomes = append(outcomes, out)
	}
	o.metrics.RecordTick(tick.Symbol, float64(time.Since(start).Microseconds())/1000)
	return outcomes
}

// Warmup 用历史tick预热所有订阅实例的指标, 不下单。返回被接受的tick数量。
func (o *Orchestrator) Warmup(ticks []models.PriceTick) int {
	accepted := 0
	for _, tick := range ticks {
		if err := o.accept(tick); err != nil {
			o.drop(tick, err)
			continue
		}
		o.observeMarket(tick)

		o.mu.RLock()
		targets := append([]*strategy.Instance(nil), o.bySymbol[tick.Symbol]...)
		o.mu.RUnlock()
		for _, inst := range targets {
			inst.Prime(tick)
		}
		accepted++
	}
	o.logger.Info("指标预热完成", zap.Int("ticks", accepted), zap.Int("dropped", len(ticks)-accepted))
	return accepted
}

// ReportFill 把挂单成交回报路由给下单的实例。返回是否有实例认领。
func (o *Orchestrator) ReportFill(clientOrderID, symbol string, side models.Side, size float64) bool {
	claimed := false
	for _, inst := range o.Instances() {
		if inst.ReportFill(clientOrderID, symbol, side, size) {
			claimed = true
			if clientOrderID != "" {
				break
			}
		}
	}
	if !claimed {
		o.logger.Warn("成交回报无人认领", zap.String("clientOrderID", clientOrderID), zap.String("symbol", symbol))
	}
	return claimed
}

// ReducePositionSizes 按比例缩小所有实例之后的下单数量
func (o *Orchestrator) ReducePositionSizes(factor float64) {
	if factor <= 0 || factor > 1 {
		o.logger.Warn("忽略无效的仓位缩放比例", zap.Float64("factor", factor))
		return
	}
	for _, inst := range o.Instances() {
		inst.ScaleSize(factor)
	}
}

// EmergencyExit 暂停所有实例并紧急平掉全部持仓
func (o *Orchestrator) EmergencyExit(reason string) *risk.EmergencyReport {
	o.PauseAll()
	return o.guard.EmergencyCloseAll(reason)
}

// DroppedTicks 被丢弃的非法tick数量
func (o *Orchestrator) DroppedTicks() int64 {
	return o.dropped.Load()
}

// CollectMetrics 采集组合指标快照。只读取风控快照和行情缓存, 不会阻塞tick处理。
func (o *Orchestrator) CollectMetrics() models.MetricsSnapshot {
	state := o.guard.Snapshot()

	o.marketMu.Lock()
	unrealized := 0.0
	for _, p := range state.OpenPositions {
		if price, ok := o.prices[p.Symbol]; ok {
			unrealized += p.PnL(price)
		}
	}
	volatility, trend := o.marketLocked()
	o.marketMu.Unlock()

	value := state.CurrentEquity + unrealized
	drawdown := 0.0
	if state.PeakEquity > 0 && value < state.PeakEquity {
		drawdown = (state.PeakEquity - value) / state.PeakEquity
	}

	o.mu.RLock()
	connected := o.connected
	instances := o.snapshotLocked()
	o.mu.RUnlock()

	active := 0
	for _, inst := range instances {
		if inst.Running() {
			active++
		}
	}

	return models.MetricsSnapshot{
		Timestamp:              time.Now(),
		PortfolioValue:         value,
		PortfolioPnL:           state.RealizedPnL + unrealized,
		PortfolioDailyLoss:     state.DailyLossUSD,
		PortfolioDrawdown:      drawdown,
		PositionsOpen:          len(state.OpenPositions),
		PositionsTrades:        state.TotalTrades,
		PositionsWinRate:       state.WinRate(),
		MarketVolatility:       volatility,
		MarketTrend:            trend,
		SystemConnected:        connected == nil || connected(),
		SystemActiveStrategies: active,
		SystemDroppedTicks:     int(o.dropped.Load()),
	}
}

// closeAtVenue 风控的紧急平仓处理器。在风控锁之外、可能在某个实例持锁期间被调用,
// 因此只能使用持仓数据直接下单, 不能获取任何实例的锁。
func (o *Orchestrator) closeAtVenue(report *risk.EmergencyReport) {
	for _, pos := range report.Targeted {
		req := models.OrderRequest{
			ClientOrderID: exchange.NewClientOrderID(),
			Symbol:        pos.Symbol,
			Venue:         pos.Venue,
			Side:          pos.Side.ExitSide(),
			Size:          pos.Size,
			Leverage:      pos.Leverage,
			ReduceOnly:    true,
		}
		ctx, cancel := context.WithTimeout(context.Background(), emergencyOrderTimeout)
		ack, err := o.venue.PlaceOrder(ctx, req)
		cancel()
		if err != nil {
			o.metrics.RecordOrderFailure(req.Venue)
			report.Failures[pos.ID] = &models.ExecutionError{Op: "emergency_close", Request: req, Err: err}
			continue
		}
		o.metrics.RecordOrder(req.Venue, string(req.Side))
		o.logger.Warn("紧急平仓已成交",
			zap.String("positionID", pos.ID),
			zap.String("owner", pos.Owner),
			zap.String("symbol", pos.Symbol),
			zap.Float64("exit", ack.FilledPrice))
	}
}

func (o *Orchestrator) snapshotLocked() []*strategy.Instance {
	return append([]*strategy.Instance(nil), o.instances...)
}

// accept 校验tick本身, 确认有实例订阅, 并检查同一来源的时间顺序
func (o *Orchestrator) accept(tick models.PriceTick) error {
	if err := tick.Validate(); err != nil {
		return err
	}

	o.mu.RLock()
	_, known := o.bySymbol[tick.Symbol]
	o.mu.RUnlock()
	if !known {
		return &models.ValidationError{Symbol: tick.Symbol, Field: "symbol", Reason: "no subscribed strategy"}
	}

	key := tick.Venue + "|" + tick.Symbol
	o.tickMu.Lock()
	defer o.tickMu.Unlock()
	if last, ok := o.lastTick[key]; ok && tick.Timestamp.Before(last) {
		return &models.ValidationError{Symbol: tick.Symbol, Field: "timestamp", Reason: "out of order"}
	}
	o.lastTick[key] = tick.Timestamp
	return nil
}

func (o *Orchestrator) drop(tick models.PriceTick, err error) {
	o.dropped.Add(1)
	reason := "invalid"
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		reason = ve.Field
	}
	o.metrics.RecordDroppedTick(reason)
	o.logger.Warn("丢弃非法tick", zap.String("symbol", tick.Symbol), zap.Float64("close", tick.Close), zap.Error(err))
}

// observeMarket 更新行情缓存, 供组合监控计算波动率和趋势
func (o *Orchestrator) observeMarket(tick models.PriceTick) {
	o.marketMu.Lock()
	defer o.marketMu.Unlock()
	o.prices[tick.Symbol] = tick.Close
	engine, ok := o.market[tick.Symbol]
	if !ok {
		engine = indicator.NewEngine(tick.Symbol, indicator.Params{})
		o.market[tick.Symbol] = engine
	}
	// 多场所的同一交易对可能乱序, 这里只用于监控, 错误直接忽略
	_, _ = engine.Update(tick)
}

// marketLocked 所有交易对的平均相对波动率 (stdev/mean) 和平均趋势 ((close-ema)/ema)
func (o *Orchestrator) marketLocked() (volatility, trend float64) {
	var nVol, nTrend int
	for _, e := range o.market {
		s := e.State()
		if s.Mean > 0 {
			volatility += s.StdDev / s.Mean
			nVol++
		}
		if ema, ready := e.EMAValue(); ready && ema > 0 {
			trend += (s.Close - ema) / ema
			nTrend++
		}
	}
	if nVol > 0 {
		volatility /= float64(nVol)
	}
	if nTrend > 0 {
		trend /= float64(nTrend)
	}
	return volatility, trend
}
