package monitor

import (
	"context"
	"errors"
	"fmt"
	"signal-engine-go/internal/instrumentation"
	"signal-engine-go/internal/models"
	"signal-engine-go/internal/notify"
	"signal-engine-go/internal/risk"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultInterval   = 5 * time.Second
	defaultRetention  = 24 * time.Hour
	defaultMaxHistory = 1000
	notifyTimeout     = 5 * time.Second

	// reduceFactor reduce 动作对后续下单数量的缩放比例
	reduceFactor = 0.5
)

// 规则动作
const (
	ActionNotify        = "notify"
	ActionPause         = "pause"
	ActionReduce        = "reduce"
	ActionEmergencyExit = "emergency_exit"
)

var (
	ErrUnknownAlert = errors.New("unknown alert")
	ErrUnknownRule  = errors.New("unknown rule")
)

// Controller 监控可以驱动的组合操作, 由编排器实现
type Controller interface {
	PauseAll()
	ReducePositionSizes(factor float64)
	EmergencyExit(reason string) *risk.EmergencyReport
	CollectMetrics() models.MetricsSnapshot
}

// Rule 一条已注册的监控规则
type Rule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Condition Condition       `json:"-"`
	Expr      string          `json:"condition"`
	Severity  models.Severity `json:"severity"`
	Action    string          `json:"action"`
	Enabled   bool            `json:"enabled"`
	Firing    bool            `json:"firing"`
	LastValue float64         `json:"last_value"`
}

// Monitor 周期性采集组合指标并评估规则。
// 规则是边沿触发的: 条件由假变真时产生一条告警, 之后条件恢复为假才会重新武装。
type Monitor struct {
	mu     sync.Mutex
	rules  []*Rule
	byID   map[string]*Rule
	alerts []models.Alert

	ctrl       Controller
	notifier   notify.Notifier
	interval   time.Duration
	retention  time.Duration
	maxHistory int
	now        func() time.Time

	logger  *zap.Logger
	metrics *instrumentation.Metrics
}

// New 创建监控并注册配置中的规则。没有配置规则时使用 defaults。
func New(cfg models.MonitorConfig, defaults []models.RuleConfig, ctrl Controller, notifier notify.Notifier, logger *zap.Logger, metrics *instrumentation.Metrics) (*Monitor, error) {
	m := &Monitor{
		byID:       make(map[string]*Rule),
		ctrl:       ctrl,
		notifier:   notifier,
		interval:   time.Duration(cfg.MonitoringIntervalMs) * time.Millisecond,
		retention:  time.Duration(cfg.AlertRetentionHours) * time.Hour,
		maxHistory: cfg.MaxAlertHistory,
		now:        time.Now,
		logger:     logger,
		metrics:    metrics,
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.retention <= 0 {
		m.retention = defaultRetention
	}
	if m.maxHistory <= 0 {
		m.maxHistory = defaultMaxHistory
	}

	rules := cfg.Rules
	if len(rules) == 0 {
		rules = defaults
	}
	for _, rc := range rules {
		if err := m.AddRule(rc); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// DefaultRules 根据风控参数生成的默认规则集
func DefaultRules(limits models.RiskConfig) []models.RuleConfig {
	return []models.RuleConfig{
		{
			ID:        "daily-loss-warning",
			Name:      "Daily loss approaching limit",
			Condition: fmt.Sprintf("portfolio.daily_loss >= %g", limits.MaxDailyLossUSD*0.8),
			Severity:  string(models.SeverityWarning),
			Action:    ActionNotify,
			Enabled:   limits.MaxDailyLossUSD > 0,
		},
		{
			ID:        "drawdown-critical",
			Name:      "Drawdown at limit",
			Condition: fmt.Sprintf("portfolio.drawdown >= %g", limits.MaxDrawdownPercent),
			Severity:  string(models.SeverityCritical),
			Action:    ActionPause,
			Enabled:   limits.MaxDrawdownPercent > 0,
		},
		{
			ID:        "high-volatility",
			Name:      "High market volatility",
			Condition: "market.volatility > 0.05",
			Severity:  string(models.SeverityWarning),
			Action:    ActionReduce,
			Enabled:   true,
		},
		{
			ID:        "feed-disconnected",
			Name:      "Market data disconnected",
			Condition: "system.connected == 0",
			Severity:  string(models.SeverityWarning),
			Action:    ActionNotify,
			Enabled:   true,
		},
	}
}

// AddRule 解析并注册一条规则。条件只在这里解析一次。
func (m *Monitor) AddRule(rc models.RuleConfig) error {
	if rc.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	cond, err := ParseCondition(rc.Condition)
	if err != nil {
		return fmt.Errorf("rule %s: %w", rc.ID, err)
	}
	severity, err := parseSeverity(rc.Severity)
	if err != nil {
		return fmt.Errorf("rule %s: %w", rc.ID, err)
	}
	action := rc.Action
	switch action {
	case "":
		action = ActionNotify
	case ActionNotify, ActionPause, ActionReduce, ActionEmergencyExit:
	default:
		return fmt.Errorf("rule %s: unknown action %q", rc.ID, rc.Action)
	}
	name := rc.Name
	if name == "" {
		name = rc.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[rc.ID]; exists {
		return fmt.Errorf("rule %s already registered", rc.ID)
	}
	r := &Rule{
		ID:        rc.ID,
		Name:      name,
		Condition: cond,
		Expr:      cond.String(),
		Severity:  severity,
		Action:    action,
		Enabled:   rc.Enabled,
	}
	m.rules = append(m.rules, r)
	m.byID[r.ID] = r
	return nil
}

// SetRuleEnabled 启用或禁用规则。禁用会清除触发状态。
func (m *Monitor) SetRuleEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return ErrUnknownRule
	}
	r.Enabled = enabled
	if !enabled {
		r.Firing = false
	}
	return nil
}

// Rules 返回规则的副本
func (m *Monitor) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, len(m.rules))
	for i, r := range m.rules {
		out[i] = *r
	}
	return out
}

// Run 以固定周期运行监控, 直到 ctx 取消
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("组合监控已启动", zap.Duration("interval", m.interval), zap.Int("rules", len(m.Rules())))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("组合监控已停止")
			return
		case <-ticker.C:
			m.safeCycle(ctx)
		}
	}
}

func (m *Monitor) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("监控周期发生panic", zap.Any("panic", r))
			m.metrics.RecordError("monitor", "panic")
		}
	}()
	m.RunCycle(ctx)
}

// RunCycle 执行一次监控: 采集快照, 评估规则, 对新触发的规则通知并执行动作。
// 返回本周期新产生的告警。
func (m *Monitor) RunCycle(ctx context.Context) []models.Alert {
	start := m.now()
	snap := m.ctrl.CollectMetrics()
	if snap.Timestamp.IsZero() {
		snap.Timestamp = start
	}

	fired := m.evaluate(snap)
	for _, alert := range fired {
		m.dispatch(ctx, alert)
	}

	m.mu.Lock()
	m.pruneLocked()
	m.mu.Unlock()

	m.metrics.RecordMonitorCycle(float64(m.now().Sub(start).Microseconds()) / 1000)
	return fired
}

func (m *Monitor) evaluate(snap models.MetricsSnapshot) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fired []models.Alert
	for _, r := range m.rules {
		if !r.Enabled {
			continue
		}
		value, holds, err := evalRule(r, snap)
		if err != nil {
			m.logger.Error("规则评估失败", zap.String("rule", r.ID), zap.Error(err))
			m.metrics.RecordError("monitor", "rule")
			continue
		}
		r.LastValue = value
		if !holds {
			r.Firing = false
			continue
		}
		if r.Firing {
			continue
		}
		r.Firing = true
		alert := models.Alert{
			ID:          uuid.NewString(),
			RuleID:      r.ID,
			RuleName:    r.Name,
			Severity:    r.Severity,
			Message:     fmt.Sprintf("%s: %s (value %g)", r.Name, r.Expr, value),
			Action:      r.Action,
			TriggeredAt: snap.Timestamp,
			Status:      models.AlertActive,
			Snapshot:    snap,
		}
		m.alerts = append(m.alerts, alert)
		fired = append(fired, alert)
		m.metrics.RecordAlert(r.ID, string(r.Severity))
	}
	return fired
}

func evalRule(r *Rule, snap models.MetricsSnapshot) (value float64, holds bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.Condition.Value(snap), r.Condition.Eval(snap), nil
}

// dispatch 在锁外通知并执行动作, 动作可能回调编排器和风控
func (m *Monitor) dispatch(ctx context.Context, alert models.Alert) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("告警动作发生panic", zap.String("rule", alert.RuleID), zap.Any("panic", p))
			m.metrics.RecordError("monitor", "action")
		}
	}()

	if m.notifier != nil {
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		err := m.notifier.Notify(nctx, alert)
		cancel()
		if err != nil {
			m.logger.Warn("告警通知失败", zap.String("alert_id", alert.ID), zap.Error(err))
			m.metrics.RecordError("notify", "send")
		}
	}

	switch alert.Action {
	case ActionPause:
		m.logger.Warn("告警触发暂停所有策略", zap.String("rule", alert.RuleID))
		m.ctrl.PauseAll()
	case ActionReduce:
		m.logger.Warn("告警触发缩减下单数量", zap.String("rule", alert.RuleID), zap.Float64("factor", reduceFactor))
		m.ctrl.ReducePositionSizes(reduceFactor)
	case ActionEmergencyExit:
		m.logger.Error("告警触发紧急退出", zap.String("rule", alert.RuleID))
		report := m.ctrl.EmergencyExit(fmt.Sprintf("alert %s: %s", alert.RuleID, alert.Message))
		if report != nil && report.Failed() {
			m.logger.Error("紧急退出存在失败的平仓", zap.Int("failures", len(report.Failures)))
		}
	}
}

// Resolve 把告警标记为已解决。重复解决不是错误。
func (m *Monitor) Resolve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		a := &m.alerts[i]
		if a.ID != id {
			continue
		}
		if a.Status != models.AlertResolved {
			now := m.now()
			a.Status = models.AlertResolved
			a.ResolvedAt = &now
		}
		return nil
	}
	return ErrUnknownAlert
}

// Alerts 返回告警历史的副本, 按触发顺序
func (m *Monitor) Alerts() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// ActiveAlerts 返回尚未解决的告警
func (m *Monitor) ActiveAlerts() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if a.Status == models.AlertActive {
			out = append(out, a)
		}
	}
	return out
}

// pruneLocked 删除超过保留期的已解决告警, 历史超过上限时先淘汰最旧的已解决告警。
// 未解决的告警一直保留。
func (m *Monitor) pruneLocked() {
	cutoff := m.now().Add(-m.retention)
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if a.Status == models.AlertResolved && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, a)
	}
	m.alerts = kept

	excess := len(m.alerts) - m.maxHistory
	if excess <= 0 {
		return
	}
	kept = m.alerts[:0]
	for _, a := range m.alerts {
		if excess > 0 && a.Status == models.AlertResolved {
			excess--
			continue
		}
		kept = append(kept, a)
	}
	m.alerts = kept
}

func parseSeverity(s string) (models.Severity, error) {
	switch models.Severity(s) {
	case "":
		return models.SeverityWarning, nil
	case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
		return models.Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}
