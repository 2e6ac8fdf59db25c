package monitor

import (
	"fmt"
	"regexp"
	"signal-engine-go/internal/models"
	"sort"
	"strconv"
	"strings"
)

// Metric 从指标快照中取出一个数值。布尔指标取 1/0。
type Metric func(models.MetricsSnapshot) float64

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var metrics = map[string]Metric{
	"portfolio.value":          func(s models.MetricsSnapshot) float64 { return s.PortfolioValue },
	"portfolio.pnl":            func(s models.MetricsSnapshot) float64 { return s.PortfolioPnL },
	"portfolio.daily_loss":     func(s models.MetricsSnapshot) float64 { return s.PortfolioDailyLoss },
	"portfolio.drawdown":       func(s models.MetricsSnapshot) float64 { return s.PortfolioDrawdown },
	"positions.open":           func(s models.MetricsSnapshot) float64 { return float64(s.PositionsOpen) },
	"positions.total_trades":   func(s models.MetricsSnapshot) float64 { return float64(s.PositionsTrades) },
	"positions.win_rate":       func(s models.MetricsSnapshot) float64 { return s.PositionsWinRate },
	"market.volatility":        func(s models.MetricsSnapshot) float64 { return s.MarketVolatility },
	"market.trend":             func(s models.MetricsSnapshot) float64 { return s.MarketTrend },
	"system.connected":         func(s models.MetricsSnapshot) float64 { return boolValue(s.SystemConnected) },
	"system.active_strategies": func(s models.MetricsSnapshot) float64 { return float64(s.SystemActiveStrategies) },
	"system.dropped_ticks":     func(s models.MetricsSnapshot) float64 { return float64(s.SystemDroppedTicks) },
}

var operators = map[string]func(a, b float64) bool{
	">":  func(a, b float64) bool { return a > b },
	"<":  func(a, b float64) bool { return a < b },
	">=": func(a, b float64) bool { return a >= b },
	"<=": func(a, b float64) bool { return a <= b },
	"==": func(a, b float64) bool { return a == b },
	"!=": func(a, b float64) bool { return a != b },
}

var conditionPattern = regexp.MustCompile(`^\s*([a-z_]+\.[a-z_]+)\s*(>=|<=|==|!=|>|<)\s*(\S+)\s*$`)

// Condition 注册时解析好的 "metric op threshold" 表达式
type Condition struct {
	Metric    string
	Operator  string
	Threshold float64

	value   Metric
	compare func(a, b float64) bool
}

// ParseCondition 解析条件表达式, 未知指标或运算符返回错误
func ParseCondition(expr string) (Condition, error) {
	m := conditionPattern.FindStringSubmatch(expr)
	if m == nil {
		return Condition{}, fmt.Errorf("malformed condition %q: want \"metric op threshold\"", expr)
	}
	value, ok := metrics[m[1]]
	if !ok {
		return Condition{}, fmt.Errorf("unknown metric %q in condition %q", m[1], expr)
	}
	threshold, err := parseThreshold(m[3])
	if err != nil {
		return Condition{}, fmt.Errorf("invalid threshold in condition %q: %w", expr, err)
	}
	return Condition{
		Metric:    m[1],
		Operator:  m[2],
		Threshold: threshold,
		value:     value,
		compare:   operators[m[2]],
	}, nil
}

func parseThreshold(s string) (float64, error) {
	switch strings.ToLower(s) {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// Value 取出条件引用的指标值
func (c Condition) Value(s models.MetricsSnapshot) float64 {
	return c.value(s)
}

// Eval 以快照判断条件是否成立
func (c Condition) Eval(s models.MetricsSnapshot) bool {
	return c.compare(c.value(s), c.Threshold)
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Metric, c.Operator, strconv.FormatFloat(c.Threshold, 'f', -1, 64))
}

// Metrics 返回可用于条件表达式的指标名
func Metrics() []string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
