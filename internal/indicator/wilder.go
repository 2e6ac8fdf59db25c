package indicator

import "math"

// TrueRange = max(h-l, |h-prevClose|, |l-prevClose|)
func TrueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

// DirectionalMovement 计算 +DM / -DM。只有较大的一方保留, 另一方为0。
func DirectionalMovement(high, low, prevHigh, prevLow float64) (plusDM, minusDM float64) {
	up := high - prevHigh
	down := prevLow - low
	if up > down && up > 0 {
		plusDM = up
	}
	if down > up && down > 0 {
		minusDM = down
	}
	return plusDM, minusDM
}

// safeDiv 分母为0时返回0
func safeDiv(num, den float64) float64 {
	if den == 0 || math.IsNaN(den) || math.IsInf(den, 0) {
		return 0
	}
	return num / den
}

// ATR Wilder平均真实波幅: 前 period 个TR的简单平均作为种子, 之后 atr = (atr*(p-1)+tr)/p。
// 第一根K线没有前收盘价, TR 取 h-l。
type ATR struct {
	period    int
	prevClose float64
	havePrev  bool
	sum       float64
	count     int
	value     float64
}

func NewATR(period int) *ATR {
	if period < 1 {
		period = 1
	}
	return &ATR{period: period}
}

func (a *ATR) Update(high, low, close float64) (float64, bool) {
	tr := high - low
	if a.havePrev {
		tr = TrueRange(high, low, a.prevClose)
	}
	a.prevClose = close
	a.havePrev = true

	a.count++
	switch {
	case a.count < a.period:
		a.sum += tr
		return 0, false
	case a.count == a.period:
		a.sum += tr
		a.value = a.sum / float64(a.period)
	default:
		a.value = (a.value*float64(a.period-1) + tr) / float64(a.period)
	}
	return a.value, true
}

func (a *ATR) Value() float64 { return a.value }
func (a *ATR) Ready() bool    { return a.count >= a.period }

// ADX Wilder方向指标。TR、+DM、-DM 用 s = s - s/p + new 平滑 (以前 period 个值之和为种子),
// ADX 为最近 period 个DX的简单平均。
type ADX struct {
	period int

	prevHigh, prevLow, prevClose float64
	havePrev                     bool

	steps                  int
	sTR, sPlusDM, sMinusDM float64
	dx                     *Ring

	plusDI, minusDI, adx float64
}

func NewADX(period int) *ADX {
	if period < 1 {
		period = 1
	}
	return &ADX{period: period, dx: NewRing(period)}
}

// Update 加入一根K线, 返回ADX以及是否已就绪 (需要 2*period 根K线)
func (a *ADX) Update(high, low, close float64) (float64, bool) {
	if !a.havePrev {
		a.prevHigh, a.prevLow, a.prevClose = high, low, close
		a.havePrev = true
		return 0, false
	}

	tr := TrueRange(high, low, a.prevClose)
	plusDM, minusDM := DirectionalMovement(high, low, a.prevHigh, a.prevLow)
	a.prevHigh, a.prevLow, a.prevClose = high, low, close

	a.steps++
	p := float64(a.period)
	if a.steps <= a.period {
		a.sTR += tr
		a.sPlusDM += plusDM
		a.sMinusDM += minusDM
		if a.steps < a.period {
			return 0, false
		}
	} else {
		a.sTR = a.sTR - a.sTR/p + tr
		a.sPlusDM = a.sPlusDM - a.sPlusDM/p + plusDM
		a.sMinusDM = a.sMinusDM - a.sMinusDM/p + minusDM
	}

	a.plusDI = 100 * safeDiv(a.sPlusDM, a.sTR)
	a.minusDI = 100 * safeDiv(a.sMinusDM, a.sTR)
	dx := 100 * safeDiv(math.Abs(a.plusDI-a.minusDI), a.plusDI+a.minusDI)
	a.dx.Push(dx)

	if !a.dx.Full() {
		return 0, false
	}
	a.adx = Mean(a.dx.Values())
	return a.adx, true
}

func (a *ADX) Value() float64   { return a.adx }
func (a *ADX) PlusDI() float64  { return a.plusDI }
func (a *ADX) MinusDI() float64 { return a.minusDI }
func (a *ADX) Ready() bool      { return a.dx.Full() }
