package instrumentation

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signal_engine"

// Metrics 信号引擎的全部Prometheus指标。nil *Metrics 的所有方法都是空操作, 方便测试。
type Metrics struct {
	registry *prometheus.Registry

	TicksProcessed *prometheus.CounterVec
	TicksDropped   *prometheus.CounterVec
	TickLatencyMs  prometheus.Histogram
	Signals        *prometheus.CounterVec

	RiskRejections  *prometheus.CounterVec
	EmergencyCloses prometheus.Counter
	OpenPositions   prometheus.Gauge
	DailyLossUSD    prometheus.Gauge
	Drawdown        prometheus.Gauge
	Equity          prometheus.Gauge

	OrdersPlaced  *prometheus.CounterVec
	OrderFailures *prometheus.CounterVec

	AlertsFired    *prometheus.CounterVec
	MonitorCycleMs prometheus.Histogram
	FeedConnected  prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics 在独立的registry上创建并注册所有指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TicksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_processed_total",
			Help:      "Ticks routed to strategy instances, by symbol",
		}, []string{"symbol"}),
		TicksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_dropped_total",
			Help:      "Malformed or out-of-order ticks dropped before indicator state",
		}, []string{"reason"}),
		TickLatencyMs: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_latency_ms",
			Help:      "Time to dispatch one tick to every subscribed instance in milliseconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 50, 250, 1000},
		}),
		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Non-hold signals emitted, by strategy kind and action",
		}, []string{"strategy", "action"}),

		RiskRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_rejections_total",
			Help:      "Trades rejected by the risk guard, by reason",
		}, []string{"reason"}),
		EmergencyCloses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_closes_total",
			Help:      "Emergency close-all events",
		}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions currently registered with the risk guard",
		}),
		DailyLossUSD: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_loss_usd",
			Help:      "Net loss of the current trading day",
		}),
		Drawdown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_drawdown_ratio",
			Help:      "Maximum drawdown ratio from peak equity",
		}),
		Equity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity_usd",
			Help:      "Current equity",
		}),

		OrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders acknowledged by the execution venue",
		}, []string{"venue", "side"}),
		OrderFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_failures_total",
			Help:      "Orders rejected or failed at the execution venue",
		}, []string{"venue"}),

		AlertsFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alerts raised by the portfolio monitor",
		}, []string{"rule", "severity"}),
		MonitorCycleMs: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_cycle_ms",
			Help:      "Duration of one monitoring cycle in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500},
		}),
		FeedConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_connected",
			Help:      "1 when the tick feed websocket is connected",
		}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by component and type",
		}, []string{"component", "error_type"}),
	}
}

// Handler 返回 /metrics 的HTTP处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 底层registry, 用于测试时收集指标
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordTick(symbol string, latencyMs float64) {
	if m == nil {
		return
	}
	m.TicksProcessed.WithLabelValues(symbol).Inc()
	m.TickLatencyMs.Observe(latencyMs)
}

func (m *Metrics) RecordDroppedTick(reason string) {
	if m == nil {
		return
	}
	m.TicksDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSignal(strategy, action string) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(strategy, action).Inc()
}

func (m *Metrics) RecordRiskRejection(reason string) {
	if m == nil {
		return
	}
	m.RiskRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordEmergencyClose() {
	if m == nil {
		return
	}
	m.EmergencyCloses.Inc()
}

// RecordRiskState 同步风控状态相关的gauge
func (m *Metrics) RecordRiskState(openPositions int, dailyLoss, drawdown, equity float64) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(openPositions))
	m.DailyLossUSD.Set(dailyLoss)
	m.Drawdown.Set(drawdown)
	m.Equity.Set(equity)
}

func (m *Metrics) RecordOrder(venue, side string) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(venue, side).Inc()
}

func (m *Metrics) RecordOrderFailure(venue string) {
	if m == nil {
		return
	}
	m.OrderFailures.WithLabelValues(venue).Inc()
}

func (m *Metrics) RecordAlert(rule, severity string) {
	if m == nil {
		return
	}
	m.AlertsFired.WithLabelValues(rule, severity).Inc()
}

func (m *Metrics) RecordMonitorCycle(durationMs float64) {
	if m == nil {
		return
	}
	m.MonitorCycleMs.Observe(durationMs)
}

func (m *Metrics) SetFeedConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.FeedConnected.Set(1)
	} else {
		m.FeedConnected.Set(0)
	}
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
