package reporter

import (
	"fmt"
	"io"
	"signal-engine-go/internal/models"
	"signal-engine-go/internal/strategy"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Report 一次状态报告的输入。实时运行在退出时生成, 回放模式在回放结束时生成。
type Report struct {
	Title         string
	InitialEquity float64
	Start         time.Time
	End           time.Time
	Risk          models.RiskState
	Metrics       models.MetricsSnapshot
	Strategies    []strategy.InstanceStatus
	Alerts        []models.Alert
	EquityCurve   []float64
}

// Render 把报告以表格形式写入 w
func Render(w io.Writer, r Report) {
	renderSummary(w, r)
	renderStrategies(w, r.Strategies)
	renderPositions(w, r.Risk.OpenPositions)
	if len(r.Alerts) > 0 {
		renderAlerts(w, r.Alerts)
	}
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

func renderSummary(w io.Writer, r Report) {
	title := r.Title
	if title == "" {
		title = "运行报告"
	}
	t := newTable(w, title)
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})

	if !r.Start.IsZero() {
		t.AppendRow(table.Row{"周期", fmt.Sprintf("%s 到 %s", r.Start.Format("2006-01-02 15:04"), r.End.Format("2006-01-02 15:04"))})
		t.AppendSeparator()
	}
	t.AppendRows([]table.Row{
		{"初始资金", usd(r.InitialEquity)},
		{"当前权益", usd(r.Risk.CurrentEquity)},
		{"组合价值", usd(r.Metrics.PortfolioValue)},
		{"已实现盈亏", usd(r.Risk.RealizedPnL)},
		{"当日亏损", usd(r.Risk.DailyLossUSD)},
		{"最大回撤", pct(r.Risk.MaxDrawdown)},
	})
	if len(r.EquityCurve) > 1 {
		t.AppendRow(table.Row{"权益曲线回撤", pct(calculateMaxDrawdown(r.EquityCurve))})
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"总交易次数", r.Risk.TotalTrades},
		{"盈利次数", r.Risk.WinningTrades},
		{"胜率", fmt.Sprintf("%.2f%%", r.Risk.WinRate())},
		{"当前持仓", len(r.Risk.OpenPositions)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"行情连接", yesNo(r.Metrics.SystemConnected)},
		{"运行中策略", r.Metrics.SystemActiveStrategies},
		{"丢弃tick", r.Metrics.SystemDroppedTicks},
	})
	t.Render()
}

func renderStrategies(w io.Writer, statuses []strategy.InstanceStatus) {
	t := newTable(w, "策略实例")
	t.AppendHeader(table.Row{"ID", "类型", "交易对", "阶段", "运行", "持仓", "数量系数"})
	for _, s := range statuses {
		t.AppendRow(table.Row{s.ID, s.Kind, strings.Join(s.Symbols, ","), string(s.Phase), yesNo(s.Running), s.Positions, fmt.Sprintf("%.2f", s.SizeScale)})
	}
	t.Render()
}

func renderPositions(w io.Writer, positions []models.Position) {
	if len(positions) == 0 {
		return
	}
	t := newTable(w, "当前持仓")
	t.AppendHeader(table.Row{"ID", "策略", "交易对", "场所", "方向", "开仓价", "数量", "杠杆", "止损", "止盈"})
	for _, p := range positions {
		t.AppendRow(table.Row{shortID(p.ID), p.Owner, p.Symbol, p.Venue, string(p.Side),
			price(p.EntryPrice), p.Size, p.Leverage, price(p.StopLoss), price(p.TakeProfit)})
	}
	t.Render()
}

func renderAlerts(w io.Writer, alerts []models.Alert) {
	t := newTable(w, "告警")
	t.AppendHeader(table.Row{"时间", "规则", "级别", "动作", "状态", "消息"})
	for _, a := range alerts {
		t.AppendRow(table.Row{a.TriggeredAt.Format("01-02 15:04:05"), a.RuleID, string(a.Severity), a.Action, string(a.Status), a.Message})
	}
	t.Render()
}

func usd(v float64) string { return fmt.Sprintf("%.2f USDT", v) }
func pct(v float64) string { return fmt.Sprintf("%.2f%%", v*100) }

func price(v float64) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("%.4f", v)
}

func yesNo(b bool) string {
	if b {
		return "是"
	}
	return "否"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}
