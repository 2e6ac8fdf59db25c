package risk

import (
	"signal-engine-go/internal/instrumentation"
	"signal-engine-go/internal/models"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	stateVersion = 1
	dayLayout    = "2006-01-02"
)

// 拒绝原因, 同时作为指标标签
const (
	ReasonDailyLoss    = "daily_loss"
	ReasonDrawdown     = "drawdown"
	ReasonLeverage     = "leverage"
	ReasonMaxPositions = "max_positions"
	ReasonInvalidSize  = "invalid_size"
)

// TradeRequest checkTrade 的参数
type TradeRequest struct {
	Symbol   string
	Size     float64
	Leverage float64
}

// EmergencyReport 一次紧急平仓的结果。Failures 记录在下单场所平仓失败的持仓 (按持仓ID)。
type EmergencyReport struct {
	Reason      string
	TriggeredAt time.Time
	Targeted    []models.Position
	Failures    map[string]error
}

// Failed 是否有持仓平仓失败
func (r *EmergencyReport) Failed() bool {
	return len(r.Failures) > 0
}

// EmergencyHandler 在风控锁之外被调用, 负责在下单场所关闭 report.Targeted 中的持仓并记录失败
type EmergencyHandler func(report *EmergencyReport)

// Guard 进程级共享的风控守卫。所有状态变更都在同一把锁下完成, 外部无法直接修改持仓集合。
type Guard struct {
	mu       sync.Mutex
	cfg      models.RiskConfig
	state    models.RiskState
	location *time.Location
	now      func() time.Time

	onEmergency EmergencyHandler
	onChange    func(models.RiskState)
	lastReport  *EmergencyReport

	// closing 正在由策略实例平仓的持仓, 紧急平仓会跳过它们;
	// deferred 记录跳过时的紧急平仓原因, 实例平仓失败后补做
	closing  map[string]bool
	deferred map[string]string

	logger  *zap.Logger
	metrics *instrumentation.Metrics
}

// NewGuard 创建风控守卫, 权益峰值和当前权益以 InitialEquity 初始化
func NewGuard(cfg models.RiskConfig, logger *zap.Logger, metrics *instrumentation.Metrics) *Guard {
	loc := time.UTC
	if cfg.TradingDayLocation != "" {
		if l, err := time.LoadLocation(cfg.TradingDayLocation); err == nil {
			loc = l
		} else {
			logger.Warn("无法加载交易日时区, 使用UTC", zap.String("location", cfg.TradingDayLocation), zap.Error(err))
		}
	}

	g := &Guard{
		cfg:      cfg,
		location: loc,
		now:      time.Now,
		closing:  make(map[string]bool),
		deferred: make(map[string]string),
		logger:   logger,
		metrics:  metrics,
	}
	g.state = models.RiskState{
		PeakEquity:    cfg.InitialEquity,
		CurrentEquity: cfg.InitialEquity,
		TradingDay:    g.dayOf(g.now()),
		Version:       stateVersion,
	}
	return g
}

// SetEmergencyHandler 注册紧急平仓处理器 (通常是编排器)
func (g *Guard) SetEmergencyHandler(h EmergencyHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onEmergency = h
}

// SetChangeListener 注册状态变更监听器, 每次变更后以快照调用 (用于异步持久化)
func (g *Guard) SetChangeListener(fn func(models.RiskState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = fn
}

// CheckTrade 判断一笔交易是否被允许。纯决策, 除日志和计数外没有副作用。
func (g *Guard) CheckTrade(req TradeRequest) bool {
	g.mu.Lock()
	reason := g.evaluate(req)
	g.mu.Unlock()

	if reason != "" {
		g.reject(req, reason)
		return false
	}
	return true
}

// RegisterTrade 登记持仓, 不做校验 (校验已在 CheckTrade 中完成)
func (g *Guard) RegisterTrade(p models.Position) {
	g.mu.Lock()
	g.state.OpenPositions = append(g.state.OpenPositions, p)
	snap, listener := g.changedLocked()
	g.mu.Unlock()

	g.publish(snap, listener)
}

// TryOpen 在同一把锁内完成检查和登记, 避免两个并发信号同时通过检查
func (g *Guard) TryOpen(p models.Position) bool {
	req := TradeRequest{Symbol: p.Symbol, Size: p.Size, Leverage: p.Leverage}

	g.mu.Lock()
	reason := g.evaluate(req)
	if reason != "" {
		g.mu.Unlock()
		g.reject(req, reason)
		return false
	}
	g.state.OpenPositions = append(g.state.OpenPositions, p)
	snap, listener := g.changedLocked()
	g.mu.Unlock()

	g.publish(snap, listener)
	return true
}

// Release 撤销一笔已登记但未能在下单场所成交的持仓, 不计入盈亏
func (g *Guard) Release(id string) bool {
	g.mu.Lock()
	g.unmarkLocked(id)
	_, ok := g.removeLocked(id)
	if !ok {
		g.mu.Unlock()
		return false
	}
	snap, listener := g.changedLocked()
	g.mu.Unlock()

	g.logger.Info("已回滚未成交的持仓登记", zap.String("positionID", id))
	g.publish(snap, listener)
	return true
}

// ClosePosition 移除持仓并以其已实现盈亏更新风控指标。持仓不存在 (例如已被紧急平仓) 时返回 false。
func (g *Guard) ClosePosition(id string, pnl float64) (models.Position, bool) {
	g.mu.Lock()
	g.unmarkLocked(id)
	pos, ok := g.removeLocked(id)
	if !ok {
		g.mu.Unlock()
		return models.Position{}, false
	}
	g.state.TotalTrades++
	if pnl > 0 {
		g.state.WinningTrades++
	}
	g.state.RealizedPnL += pnl
	lossBreach := g.applyPnLLocked(pnl)
	ddBreach := g.applyEquityLocked(g.state.CurrentEquity + pnl)
	snap, listener := g.changedLocked()
	g.mu.Unlock()

	g.publish(snap, listener)
	g.escalate(lossBreach, ddBreach)
	return pos, true
}

// BeginClose 标记持仓正在平仓, 之后的紧急平仓不会对它重复下单。
// 持仓不存在 (已被紧急平仓) 或已被标记时返回 false, 调用方不得再下平仓单。
func (g *Guard) BeginClose(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing[id] || g.indexLocked(id) < 0 {
		return false
	}
	g.closing[id] = true
	return true
}

// AbortClose 平仓单失败后取消标记, 持仓保持登记并返回 true。
// 若标记期间发生过紧急平仓, 该持仓会立即补做紧急平仓并返回 false。
func (g *Guard) AbortClose(id string) bool {
	g.mu.Lock()
	reason, skipped := g.deferred[id]
	g.unmarkLocked(id)
	if !skipped {
		ok := g.indexLocked(id) >= 0
		g.mu.Unlock()
		return ok
	}
	pos, ok := g.removeLocked(id)
	if !ok {
		g.mu.Unlock()
		return false
	}
	report := &EmergencyReport{
		Reason:      reason,
		TriggeredAt: g.now(),
		Targeted:    []models.Position{pos},
		Failures:    make(map[string]error),
	}
	handler := g.onEmergency
	snap, listener := g.changedLocked()
	g.mu.Unlock()

	g.logger.Warn("平仓失败, 补做紧急平仓", zap.String("positionID", id), zap.String("reason", reason))
	g.publish(snap, listener)
	g.runEmergency(report, handler)
	return false
}

// UpdateMetrics 按当日净额记账: 亏损增加 dailyLoss, 盈利抵减 dailyLoss (最低为0)。
// 超过当日最大亏损时触发紧急平仓。
func (g *Guard) UpdateMetrics(pnl float64) {
	g.mu.Lock()
	breach := g.applyPnLLocked(pnl)
	snap, listener := g.changedLocked()
	g.mu.Unlock()

	g.publish(snap, listener)
	g.escalate(breach, false)
}

// UpdateEquity 更新当前权益, 峰值单调递增, 最大回撤取历史最大值
func (g *Guard) UpdateEquity(equity float64) {
	g.mu.Lock()
	breach := g.applyEquityLocked(equity)
	snap, listener := g.changedLocked()
	g.mu.Unlock()

	g.publish(snap, listener)
	g.escalate(false, breach)
}

// EmergencyCloseAll 清空持仓集合并返回被平仓的持仓列表。正在由实例平仓 (BeginClose) 的持仓除外。
// 处理器负责在下单场所平仓, 部分失败会记录在报告中, 不会自动重试。
func (g *Guard) EmergencyCloseAll(reason string) *EmergencyReport {
	g.mu.Lock()
	report := &EmergencyReport{
		Reason:      reason,
		TriggeredAt: g.now(),
		Failures:    make(map[string]error),
	}
	var kept []models.Position
	for _, p := range g.state.OpenPositions {
		if g.closing[p.ID] {
			// 实例正在平仓, 由它完成或在失败时补做
			g.deferred[p.ID] = reason
			kept = append(kept, p)
			continue
		}
		report.Targeted = append(report.Targeted, p)
	}
	g.state.OpenPositions = kept
	handler := g.onEmergency
	snap, listener := g.changedLocked()
	g.mu.Unlock()

	g.logger.Error("触发紧急平仓",
		zap.String("reason", reason),
		zap.Int("targeted", len(report.Targeted)),
		zap.Int("closing", len(kept)))
	g.publish(snap, listener)
	g.runEmergency(report, handler)
	return report
}

// ResetDailyMetrics 每个交易日调用一次, 只重置当日亏损; 峰值和最大回撤保留
func (g *Guard) ResetDailyMetrics() {
	g.mu.Lock()
	g.state.DailyLossUSD = 0
	g.state.TradingDay = g.dayOf(g.now())
	snap, listener := g.changedLocked()
	g.mu.Unlock()

	g.logger.Info("当日风控指标已重置", zap.String("tradingDay", snap.TradingDay))
	g.publish(snap, listener)
}

// RollDay 当 t 属于新的交易日时重置当日指标, 返回是否发生了重置
func (g *Guard) RollDay(t time.Time) bool {
	day := g.dayOf(t)
	g.mu.Lock()
	if day == g.state.TradingDay {
		g.mu.Unlock()
		return false
	}
	g.state.DailyLossUSD = 0
	g.state.TradingDay = day
	snap, listener := g.changedLocked()
	g.mu.Unlock()

	g.logger.Info("进入新的交易日, 当日亏损已重置", zap.String("tradingDay", day))
	g.publish(snap, listener)
	return true
}

// Snapshot 返回风控状态的深拷贝
func (g *Guard) Snapshot() models.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return copyState(g.state)
}

// Restore 以持久化的状态替换当前状态 (启动时调用)
func (g *Guard) Restore(state models.RiskState) {
	g.mu.Lock()
	g.state = copyState(state)
	g.state.Version = stateVersion
	g.closing = make(map[string]bool)
	g.deferred = make(map[string]string)
	if g.state.TradingDay == "" {
		g.state.TradingDay = g.dayOf(g.now())
	}
	g.mu.Unlock()
	g.logger.Info("已恢复风控状态",
		zap.Float64("dailyLoss", state.DailyLossUSD),
		zap.Float64("peakEquity", state.PeakEquity),
		zap.Int("openPositions", len(state.OpenPositions)))
}

// IsOpen 持仓是否仍在登记集合中
func (g *Guard) IsOpen(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.indexLocked(id) >= 0
}

// OpenCount 当前持仓数
func (g *Guard) OpenCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.state.OpenPositions)
}

// LastEmergency 最近一次紧急平仓报告, 没有则为 nil
func (g *Guard) LastEmergency() *EmergencyReport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastReport
}

// Config 风控参数
func (g *Guard) Config() models.RiskConfig {
	return g.cfg
}

// --- 以下函数要求调用方持有 g.mu ---

func (g *Guard) evaluate(req TradeRequest) string {
	switch {
	case req.Size <= 0:
		return ReasonInvalidSize
	case g.state.DailyLossUSD >= g.cfg.MaxDailyLossUSD:
		return ReasonDailyLoss
	case g.state.MaxDrawdown >= g.cfg.MaxDrawdownPercent:
		return ReasonDrawdown
	case req.Leverage > g.cfg.MaxLeverage:
		return ReasonLeverage
	case len(g.state.OpenPositions) >= g.cfg.MaxPositions:
		return ReasonMaxPositions
	}
	return ""
}

func (g *Guard) applyPnLLocked(pnl float64) bool {
	if pnl < 0 {
		g.state.DailyLossUSD += -pnl
	} else {
		g.state.DailyLossUSD -= pnl
		if g.state.DailyLossUSD < 0 {
			g.state.DailyLossUSD = 0
		}
	}
	return g.state.DailyLossUSD >= g.cfg.MaxDailyLossUSD
}

// applyEquityLocked 返回回撤是否在本次更新中首次达到上限
func (g *Guard) applyEquityLocked(equity float64) bool {
	wasBreached := g.state.MaxDrawdown >= g.cfg.MaxDrawdownPercent
	g.state.CurrentEquity = equity
	if equity > g.state.PeakEquity {
		g.state.PeakEquity = equity
	}
	if g.state.PeakEquity > 0 {
		dd := (g.state.PeakEquity - equity) / g.state.PeakEquity
		if dd > g.state.MaxDrawdown {
			g.state.MaxDrawdown = dd
		}
	}
	return !wasBreached && g.state.MaxDrawdown >= g.cfg.MaxDrawdownPercent
}

func (g *Guard) indexLocked(id string) int {
	for i, p := range g.state.OpenPositions {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (g *Guard) removeLocked(id string) (models.Position, bool) {
	i := g.indexLocked(id)
	if i < 0 {
		return models.Position{}, false
	}
	p := g.state.OpenPositions[i]
	g.state.OpenPositions = append(g.state.OpenPositions[:i:i], g.state.OpenPositions[i+1:]...)
	return p, true
}

func (g *Guard) unmarkLocked(id string) {
	delete(g.closing, id)
	delete(g.deferred, id)
}

func (g *Guard) changedLocked() (models.RiskState, func(models.RiskState)) {
	g.state.LastUpdate = g.now()
	return copyState(g.state), g.onChange
}

// --- 以下函数在锁外调用 ---

func (g *Guard) publish(snap models.RiskState, listener func(models.RiskState)) {
	g.metrics.RecordRiskState(len(snap.OpenPositions), snap.DailyLossUSD, snap.MaxDrawdown, snap.CurrentEquity)
	if listener != nil {
		listener(snap)
	}
}

func (g *Guard) escalate(lossBreach, drawdownBreach bool) {
	switch {
	case lossBreach:
		g.EmergencyCloseAll("daily loss limit reached")
	case drawdownBreach:
		g.EmergencyCloseAll("max drawdown reached")
	}
}

// runEmergency 调用处理器在下单场所平仓并记录报告
func (g *Guard) runEmergency(report *EmergencyReport, handler EmergencyHandler) {
	g.metrics.RecordEmergencyClose()
	if handler != nil && len(report.Targeted) > 0 {
		handler(report)
	}
	for id, err := range report.Failures {
		g.logger.Error("紧急平仓失败", zap.String("positionID", id), zap.Error(err))
	}

	g.mu.Lock()
	g.lastReport = report
	g.mu.Unlock()
}

func (g *Guard) reject(req TradeRequest, reason string) {
	g.logger.Warn("风控拒绝交易",
		zap.String("symbol", req.Symbol),
		zap.Float64("size", req.Size),
		zap.Float64("leverage", req.Leverage),
		zap.String("reason", reason))
	g.metrics.RecordRiskRejection(reason)
}

func (g *Guard) dayOf(t time.Time) string {
	return t.In(g.location).Format(dayLayout)
}

func copyState(s models.RiskState) models.RiskState {
	out := s
	if s.OpenPositions != nil {
		out.OpenPositions = make([]models.Position, len(s.OpenPositions))
		copy(out.OpenPositions, s.OpenPositions)
	}
	return out
}
