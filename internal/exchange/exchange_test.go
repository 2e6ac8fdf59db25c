package exchange

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"signal-engine-go/internal/models"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func tick(symbol string, price float64, ts time.Time) models.PriceTick {
	return models.PriceTick{Symbol: symbol, Close: price, Timestamp: ts}
}

func TestNewClientOrderID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewClientOrderID()
		assert.True(t, strings.HasPrefix(id, "se_"))
		assert.LessOrEqual(t, len(id), 36, "binance clientOrderId limit")
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestPaperVenue_MarketOrderFillsAtMarkWithSlippage(t *testing.T) {
	v := NewPaperVenue("", 0.001, zap.NewNop())
	assert.Equal(t, "paper", v.Name())

	_, err := v.PlaceOrder(context.Background(), models.OrderRequest{ClientOrderID: "a", Symbol: "BTCUSDT", Side: models.Buy, Size: 1})
	require.Error(t, err, "no mark price yet")

	v.ObservePrice(tick("BTCUSDT", 100, time.Unix(10, 0)))
	ack, err := v.PlaceOrder(context.Background(), models.OrderRequest{ClientOrderID: "b", Symbol: "BTCUSDT", Side: models.Buy, Size: 1})
	require.NoError(t, err)
	assert.True(t, ack.Filled())
	assert.InDelta(t, 100.1, ack.FilledPrice, 1e-9)
	assert.Equal(t, "b", ack.ClientOrderID)

	ack, err = v.PlaceOrder(context.Background(), models.OrderRequest{ClientOrderID: "c", Symbol: "BTCUSDT", Side: models.Sell, Size: 1})
	require.NoError(t, err)
	assert.InDelta(t, 99.9, ack.FilledPrice, 1e-9)
	assert.Len(t, v.Fills(), 2)
	assert.Len(t, v.Orders(), 2, "rejected request is not recorded")
}

func TestPaperVenue_LimitOrdersRestUntilCrossed(t *testing.T) {
	v := NewPaperVenue("paper", 0, zap.NewNop())
	var mu sync.Mutex
	var filled []string
	v.OnFill(func(f Fill) {
		mu.Lock()
		defer mu.Unlock()
		filled = append(filled, f.ClientOrderID)
	})
	v.ObservePrice(tick("ETHUSDT", 100, time.Unix(1, 0)))

	ctx := context.Background()
	bid, err := v.PlaceOrder(ctx, models.OrderRequest{ClientOrderID: "bid", Symbol: "ETHUSDT", Side: models.Buy, Size: 1, Price: 99})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusNew, bid.Status)
	assert.False(t, bid.Filled())
	_, err = v.PlaceOrder(ctx, models.OrderRequest{ClientOrderID: "ask", Symbol: "ETHUSDT", Side: models.Sell, Size: 1, Price: 101})
	require.NoError(t, err)
	assert.Equal(t, 2, v.RestingCount())

	// 其他交易对的行情不影响
	v.ObservePrice(tick("BTCUSDT", 1, time.Unix(2, 0)))
	assert.Equal(t, 2, v.RestingCount())

	v.ObservePrice(models.PriceTick{Symbol: "ETHUSDT", Close: 100, High: 100.5, Low: 98.5, Timestamp: time.Unix(3, 0)})
	assert.Equal(t, 1, v.RestingCount())
	mu.Lock()
	assert.Equal(t, []string{"bid"}, filled)
	mu.Unlock()

	fills := v.Fills()
	require.Len(t, fills, 1)
	assert.Equal(t, 99.0, fills[0].Price)
	assert.Equal(t, time.Unix(3, 0), fills[0].Timestamp)

	require.NoError(t, v.CancelOrder(ctx, "ETHUSDT", "ask"))
	assert.Equal(t, 0, v.RestingCount())
	assert.ErrorIs(t, v.CancelOrder(ctx, "ETHUSDT", "ask"), ErrUnknownOrder)
}

func TestPaperVenue_MarketableLimitFillsImmediately(t *testing.T) {
	v := NewPaperVenue("paper", 0, zap.NewNop())
	v.SetPrice("BTCUSDT", 100)
	ack, err := v.PlaceOrder(context.Background(), models.OrderRequest{ClientOrderID: "x", Symbol: "BTCUSDT", Side: models.Buy, Size: 1, Price: 105})
	require.NoError(t, err)
	assert.True(t, ack.Filled())
	assert.Equal(t, 105.0, ack.FilledPrice)
	assert.Equal(t, 0, v.RestingCount())
}

func TestPaperVenue_FailureInjection(t *testing.T) {
	v := NewPaperVenue("paper", 0, zap.NewNop())
	v.SetPrice("BTCUSDT", 100)
	v.SetPrice("ETHUSDT", 10)
	ctx := context.Background()
	boom := errors.New("boom")

	v.FailNext(boom)
	_, err := v.PlaceOrder(ctx, models.OrderRequest{ClientOrderID: "1", Symbol: "BTCUSDT", Side: models.Buy, Size: 1})
	assert.ErrorIs(t, err, boom)
	_, err = v.PlaceOrder(ctx, models.OrderRequest{ClientOrderID: "2", Symbol: "BTCUSDT", Side: models.Buy, Size: 1})
	assert.NoError(t, err, "injected failure is consumed")

	v.FailSymbol("ETHUSDT", boom)
	_, err = v.PlaceOrder(ctx, models.OrderRequest{ClientOrderID: "3", Symbol: "ETHUSDT", Side: models.Buy, Size: 1})
	assert.ErrorIs(t, err, boom)
	_, err = v.PlaceOrder(ctx, models.OrderRequest{ClientOrderID: "4", Symbol: "BTCUSDT", Side: models.Buy, Size: 1})
	assert.NoError(t, err)
	v.FailSymbol("ETHUSDT", nil)
	_, err = v.PlaceOrder(ctx, models.OrderRequest{ClientOrderID: "5", Symbol: "ETHUSDT", Side: models.Buy, Size: 1})
	assert.NoError(t, err)

	_, err = v.PlaceOrder(ctx, models.OrderRequest{ClientOrderID: "6", Symbol: "ETHUSDT", Side: models.Buy, Size: 0})
	assert.ErrorIs(t, err, models.ErrValidation)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = v.PlaceOrder(cancelled, models.OrderRequest{ClientOrderID: "7", Symbol: "ETHUSDT", Side: models.Buy, Size: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

// fakeFutures 记录收到的请求并返回固定响应
type fakeFutures struct {
	mu       sync.Mutex
	requests []string
	params   []url.Values
	failWith string
}

func (f *fakeFutures) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		params := r.URL.Query()
		if form, err := url.ParseQuery(string(body)); err == nil {
			for k, v := range form {
				params[k] = v
			}
		}
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.params = append(f.params, params)
		failWith := f.failWith
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/fapi/v1/leverage":
			_, _ = io.WriteString(w, `{"leverage":`+params.Get("leverage")+`,"maxNotionalValue":"1000000","symbol":"`+params.Get("symbol")+`"}`)
		case r.URL.Path == "/fapi/v1/order" && failWith != "":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, failWith)
		case r.URL.Path == "/fapi/v1/order" && r.Method == http.MethodPost:
			_, _ = io.WriteString(w, `{"symbol":"`+params.Get("symbol")+`","orderId":4242,"clientOrderId":"`+params.Get("newClientOrderId")+
				`","status":"FILLED","avgPrice":"101.5","updateTime":1700000000000}`)
		case r.URL.Path == "/fapi/v1/order" && r.Method == http.MethodDelete:
			_, _ = io.WriteString(w, `{"symbol":"`+params.Get("symbol")+`","orderId":4242,"clientOrderId":"`+params.Get("origClientOrderId")+`","status":"CANCELED"}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestBinanceVenue(t *testing.T) (*BinanceVenue, *fakeFutures) {
	fake := &fakeFutures{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	v, err := NewBinanceVenue(models.VenueConfig{
		Name:              "binance",
		APIKey:            "key",
		SecretKey:         "secret",
		QuantityPrecision: 3,
		PricePrecision:    2,
	}, zap.NewNop())
	require.NoError(t, err)
	v.SetBaseURL(srv.URL)
	return v, fake
}

func TestNewBinanceVenue_RequiresCredentials(t *testing.T) {
	_, err := NewBinanceVenue(models.VenueConfig{APIKey: "key"}, zap.NewNop())
	assert.Error(t, err)
}

func TestBinanceVenue_PlaceMarketOrder(t *testing.T) {
	v, fake := newTestBinanceVenue(t)
	ctx := context.Background()

	ack, err := v.PlaceOrder(ctx, models.OrderRequest{
		ClientOrderID: "se_abc", Symbol: "BTCUSDT", Side: models.Buy, Size: 0.12345, Leverage: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", ack.VenueOrderID)
	assert.True(t, ack.Filled())
	assert.Equal(t, 101.5, ack.FilledPrice)
	assert.Equal(t, "se_abc", ack.ClientOrderID)

	fake.mu.Lock()
	require.Equal(t, []string{"POST /fapi/v1/leverage", "POST /fapi/v1/order"}, fake.requests)
	order := fake.params[1]
	fake.mu.Unlock()
	assert.Equal(t, "MARKET", order.Get("type"))
	assert.Equal(t, "BUY", order.Get("side"))
	assert.Equal(t, "0.123", order.Get("quantity"), "quantity truncated to venue precision")
	assert.Empty(t, order.Get("price"))

	// 相同杠杆不再重复设置
	_, err = v.PlaceOrder(ctx, models.OrderRequest{
		ClientOrderID: "se_def", Symbol: "BTCUSDT", Side: models.Sell, Size: 0.1, Leverage: 5, ReduceOnly: true,
	})
	require.NoError(t, err)
	fake.mu.Lock()
	assert.Len(t, fake.requests, 3)
	assert.Equal(t, "true", fake.params[2].Get("reduceOnly"))
	fake.mu.Unlock()
}

func TestBinanceVenue_PlaceLimitOrderAndCancel(t *testing.T) {
	v, fake := newTestBinanceVenue(t)
	ctx := context.Background()

	_, err := v.PlaceOrder(ctx, models.OrderRequest{
		ClientOrderID: "se_q1", Symbol: "ETHUSDT", Side: models.Sell, Size: 1, Price: 2000.129, Leverage: 1,
	})
	require.NoError(t, err)
	fake.mu.Lock()
	order := fake.params[len(fake.params)-1]
	fake.mu.Unlock()
	assert.Equal(t, "LIMIT", order.Get("type"))
	assert.Equal(t, "GTC", order.Get("timeInForce"))
	assert.Equal(t, "2000.13", order.Get("price"))

	require.NoError(t, v.CancelOrder(ctx, "ETHUSDT", "se_q1"))
	fake.mu.Lock()
	assert.Equal(t, "DELETE /fapi/v1/order", fake.requests[len(fake.requests)-1])
	assert.Equal(t, "se_q1", fake.params[len(fake.params)-1].Get("origClientOrderId"))
	fake.mu.Unlock()
}

func TestBinanceVenue_Errors(t *testing.T) {
	v, fake := newTestBinanceVenue(t)
	ctx := context.Background()

	_, err := v.PlaceOrder(ctx, models.OrderRequest{ClientOrderID: "z", Symbol: "BTCUSDT", Side: models.Buy, Size: 0.0001, Leverage: 2})
	assert.ErrorIs(t, err, models.ErrValidation, "size below venue precision")

	fake.mu.Lock()
	fake.failWith = `{"code":-2019,"msg":"Margin is insufficient."}`
	fake.mu.Unlock()
	_, err = v.PlaceOrder(ctx, models.OrderRequest{ClientOrderID: "y", Symbol: "BTCUSDT", Side: models.Buy, Size: 1, Leverage: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Margin is insufficient")
}
