package indicator

import (
	"math"
	"signal-engine-go/internal/models"
)

// Mean 算术平均, 空序列返回 0
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev 总体标准差
func StdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// ZScore (x-mean)/std, 标准差为0时返回0
func ZScore(x, mean, std float64) float64 {
	return safeDiv(x-mean, std)
}

// Returns 相邻值的百分比变化 (小数)。前值为0的点记为0。
func Returns(xs []float64) []float64 {
	if len(xs) < 2 {
		return nil
	}
	out := make([]float64, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		out[i-1] = safeDiv(xs[i]-xs[i-1], xs[i-1])
	}
	return out
}

// Correlation 两个等长序列的皮尔逊相关系数。
// 长度不一致或样本少于2个时返回 ErrInsufficientData; 任一序列方差为0时返回0。
func Correlation(x, y []float64) (float64, error) {
	if len(x) != len(y) || len(x) < 2 {
		return 0, models.ErrInsufficientData
	}
	mx, my := Mean(x), Mean(y)
	var cov, vx, vy float64
	for i := range x {
		dx, dy := x[i]-mx, y[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	r := safeDiv(cov, math.Sqrt(vx*vy))
	// 浮点误差可能略超出 [-1, 1]
	return math.Max(-1, math.Min(1, r)), nil
}
