package indicator

import (
	"math"
	"math/rand"
	"signal-engine-go/internal/models"
	"testing"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uptrendTicks(symbol string, n int) []models.PriceTick {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := make([]models.PriceTick, n)
	for i := 0; i < n; i++ {
		c := 100 + float64(i)
		ticks[i] = models.PriceTick{
			Symbol:    symbol,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Close:     c,
			High:      c + 0.5,
			Low:       c - 0.5,
		}
	}
	return ticks
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		r.Push(v)
	}
	assert.True(t, r.Full())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []float64{3, 4, 5}, r.Values())
	assert.Equal(t, []float64{4, 5}, r.Tail(2))
	assert.Equal(t, 5.0, r.Last())
	assert.Equal(t, 5.0, r.Max())
	assert.Equal(t, 3.0, r.Min())
}

func TestEMAMatchesTalib(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	closes := make([]float64, 60)
	price := 100.0
	for i := range closes {
		price += rng.Float64()*2 - 1
		closes[i] = price
	}

	period := 10
	reference := talib.Ema(closes, period)

	ema := NewEMA(period)
	for i, c := range closes {
		v, ready := ema.Update(c)
		if i < period-1 {
			assert.False(t, ready, "EMA should still be seeding at index %d", i)
			continue
		}
		require.True(t, ready)
		assert.InDelta(t, reference[i], v, 1e-9, "EMA mismatch at index %d", i)
	}
}

func TestEMASeedIsSimpleAverage(t *testing.T) {
	ema := NewEMA(3)
	ema.Update(1)
	ema.Update(2)
	v, ready := ema.Update(3)
	require.True(t, ready)
	assert.Equal(t, 2.0, v)

	// k = 0.5
	v, _ = ema.Update(6)
	assert.InDelta(t, 4.0, v, 1e-12)
}

func TestADXHandComputed(t *testing.T) {
	bars := [][3]float64{
		{10, 8, 9},
		{11, 9, 10},
		{12, 10, 11},
		{11, 9, 9.5},
		{13, 10, 12.5},
	}
	adx := NewADX(2)

	var v float64
	var ready bool
	for i, b := range bars[:3] {
		v, ready = adx.Update(b[0], b[1], b[2])
		assert.False(t, ready, "bar %d", i)
	}
	// 第三根K线完成种子: +DI=50, -DI=0
	assert.InDelta(t, 50.0, adx.PlusDI(), 1e-9)
	assert.InDelta(t, 0.0, adx.MinusDI(), 1e-9)

	v, ready = adx.Update(bars[3][0], bars[3][1], bars[3][2])
	require.True(t, ready)
	assert.InDelta(t, 25.0, adx.PlusDI(), 1e-9)
	assert.InDelta(t, 25.0, adx.MinusDI(), 1e-9)
	assert.InDelta(t, 50.0, v, 1e-9) // mean(100, 0)

	v, ready = adx.Update(bars[4][0], bars[4][1], bars[4][2])
	require.True(t, ready)
	assert.InDelta(t, 100*2.5/5.5, adx.PlusDI(), 1e-9)
	assert.InDelta(t, 100*0.5/5.5, adx.MinusDI(), 1e-9)
	assert.InDelta(t, (0+200.0/3)/2, v, 1e-9)
}

func TestATRHandComputed(t *testing.T) {
	atr := NewATR(2)
	_, ready := atr.Update(10, 8, 9)
	assert.False(t, ready)
	v, ready := atr.Update(11, 9, 10)
	require.True(t, ready)
	assert.InDelta(t, 2.0, v, 1e-12)
	atr.Update(12, 10, 11)
	atr.Update(11, 9, 9.5)
	v, _ = atr.Update(13, 10, 12.5)
	assert.InDelta(t, 2.75, v, 1e-12)
}

func TestFlatPricesYieldZeroNotNaN(t *testing.T) {
	adx := NewADX(3)
	for i := 0; i < 20; i++ {
		v, _ := adx.Update(100, 100, 100)
		assert.False(t, math.IsNaN(v))
	}
	assert.Equal(t, 0.0, adx.Value())
	assert.Equal(t, 0.0, adx.PlusDI())
	assert.Equal(t, 0.0, adx.MinusDI())
	assert.Equal(t, 0.0, ZScore(100, 100, 0))
}

func TestEngineUptrend(t *testing.T) {
	engine := NewEngine("BTCUSDT", Params{EMAPeriod: 10, ADXPeriod: 5, ATRPeriod: 5, Window: 10})
	ticks := uptrendTicks("BTCUSDT", 30)

	var prevADX float64
	readyCount := 0
	for i, tick := range ticks {
		state, err := engine.Update(tick)
		if i < engine.Params().Lookback()-1 {
			assert.ErrorIs(t, err, models.ErrInsufficientData, "tick %d", i+1)
			assert.False(t, state.Ready)
			continue
		}
		require.NoError(t, err, "tick %d", i+1)
		require.True(t, state.Ready)
		readyCount++

		assert.Less(t, state.EMA, tick.Close, "EMA should trail price in an uptrend")
		assert.GreaterOrEqual(t, state.ADX, prevADX-1e-9, "ADX should not decline in a steady uptrend")
		assert.Greater(t, state.PlusDI, state.MinusDI)
		assert.Greater(t, state.ZScore, 0.0)
		prevADX = state.ADX
	}
	assert.Greater(t, readyCount, 10)
	assert.Greater(t, prevADX, 25.0)
	assert.Equal(t, 30, engine.Samples())
}

func TestEngineRejectsBadTicks(t *testing.T) {
	engine := NewEngine("ETHUSDT", Params{})
	now := time.Now()

	_, err := engine.Update(models.PriceTick{Symbol: "ETHUSDT", Timestamp: now, Close: -1})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = engine.Update(models.PriceTick{Symbol: "BTCUSDT", Timestamp: now, Close: 1})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = engine.Update(models.PriceTick{Symbol: "ETHUSDT", Timestamp: now, Close: 10})
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	_, err = engine.Update(models.PriceTick{Symbol: "ETHUSDT", Timestamp: now.Add(-time.Second), Close: 10})
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "timestamp", vErr.Field)
	assert.Equal(t, 1, engine.Samples(), "rejected ticks must not touch state")
}

func TestEngineBoundedHistory(t *testing.T) {
	engine := NewEngine("BTCUSDT", Params{EMAPeriod: 5, ADXPeriod: 3, ATRPeriod: 3, Window: 5})
	for _, tick := range uptrendTicks("BTCUSDT", 500) {
		engine.Update(tick)
	}
	assert.Equal(t, engine.Params().Lookback()+historyMargin, engine.HistoryLen())
	assert.Equal(t, 599.0, engine.Closes(1)[0])
}

func TestCorrelationScaledSeries(t *testing.T) {
	x := []float64{1, 3, 2, 5, 4, 7, 6}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = 10*v + 3
	}
	r, err := Correlation(x, y)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r, 1e-12)

	for i, v := range x {
		y[i] = -2 * v
	}
	r, err = Correlation(x, y)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, r, 1e-12)
}

func TestCorrelationEdgeCases(t *testing.T) {
	_, err := Correlation([]float64{1, 2, 3}, []float64{1, 2})
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	_, err = Correlation([]float64{1}, []float64{1})
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	r, err := Correlation([]float64{5, 5, 5}, []float64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 0.0, r)
}

func TestCorrelationIndependentSeriesStaysNoisy(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const trials, samples, threshold = 200, 100, 0.3

	within := 0
	for i := 0; i < trials; i++ {
		x := make([]float64, samples)
		y := make([]float64, samples)
		for j := 0; j < samples; j++ {
			x[j] = rng.NormFloat64()
			y[j] = rng.NormFloat64()
		}
		r, err := Correlation(x, y)
		require.NoError(t, err)
		if math.Abs(r) < threshold {
			within++
		}
	}
	assert.GreaterOrEqual(t, float64(within)/trials, 0.95)
}

func TestStatsPopulation(t *testing.T) {
	xs := []float64{95, 105, 95, 105}
	assert.Equal(t, 100.0, Mean(xs))
	assert.Equal(t, 5.0, StdDev(xs))
	assert.Equal(t, -2.0, ZScore(90, 100, 5))
	assert.Equal(t, []float64{0.1, -0.5}, Returns([]float64{10, 11, 5.5}))
}
