package indicator

// EMA 增量指数移动平均。前 period 个值的简单平均作为种子, 之后 ema = x*k + ema*(1-k)。
type EMA struct {
	period int
	k      float64
	sum    float64
	count  int
	value  float64
}

func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{period: period, k: 2.0 / float64(period+1)}
}

// Update 加入一个新值, 返回当前EMA以及是否已完成种子阶段
func (e *EMA) Update(x float64) (float64, bool) {
	e.count++
	if e.count < e.period {
		e.sum += x
		return 0, false
	}
	if e.count == e.period {
		e.sum += x
		e.value = e.sum / float64(e.period)
		return e.value, true
	}
	e.value = x*e.k + e.value*(1-e.k)
	return e.value, true
}

func (e *EMA) Value() float64 { return e.value }
func (e *EMA) Ready() bool    { return e.count >= e.period }
func (e *EMA) Period() int    { return e.period }
