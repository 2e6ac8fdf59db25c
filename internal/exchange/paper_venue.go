package exchange

import (
	"context"
	"errors"
	"fmt"
	"signal-engine-go/internal/models"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownOrder 撤单时找不到挂单
var ErrUnknownOrder = errors.New("unknown order")

// Fill 模拟盘的一笔成交
type Fill struct {
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Size          float64
	Price         float64
	Timestamp     time.Time
}

type restingOrder struct {
	seq int64
	req models.OrderRequest
}

// PaperVenue 实现了 Venue 接口, 在内存中模拟撮合。
// 市价单以最新价加滑点立即成交; 限价单挂单, 当后续行情穿越挂单价时成交。
type PaperVenue struct {
	mu           sync.Mutex
	name         string
	slippageRate float64
	prices       map[string]float64
	currentTime  time.Time
	resting      map[string]*restingOrder
	nextID       int64
	orders       []models.OrderRequest
	fills        []Fill

	// 故障注入
	failQueue      []error
	symbolFailures map[string]error

	onFill func(Fill)
	logger *zap.Logger
}

// NewPaperVenue 创建一个新的模拟下单场所
func NewPaperVenue(name string, slippageRate float64, logger *zap.Logger) *PaperVenue {
	if name == "" {
		name = "paper"
	}
	return &PaperVenue{
		name:           name,
		slippageRate:   slippageRate,
		prices:         make(map[string]float64),
		resting:        make(map[string]*restingOrder),
		symbolFailures: make(map[string]error),
		logger:         logger,
	}
}

func (e *PaperVenue) Name() string { return e.name }

// OnFill 注册挂单成交回调, 只在 ObservePrice 撮合挂单时触发, 回调在锁外执行。
// 下单时立即成交的订单通过回执 (Status=FILLED) 告知调用方, 不会触发回调。
func (e *PaperVenue) OnFill(fn func(Fill)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFill = fn
}

// FailNext 让接下来的下单依次返回给定错误, nil 表示该笔正常处理
func (e *PaperVenue) FailNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failQueue = append(e.failQueue, errs...)
}

// FailSymbol 让该交易对的所有下单返回 err, err 为 nil 时取消
func (e *PaperVenue) FailSymbol(symbol string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.symbolFailures, symbol)
		return
	}
	e.symbolFailures[symbol] = err
}

// SetPrice 直接设置标记价格
func (e *PaperVenue) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
}

// PlaceOrder 下单。
func (e *PaperVenue) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.failQueue) > 0 {
		err := e.failQueue[0]
		e.failQueue = e.failQueue[1:]
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}
	if err := e.symbolFailures[req.Symbol]; err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if req.Size <= 0 {
		e.mu.Unlock()
		return nil, &models.ValidationError{Symbol: req.Symbol, Field: "size", Reason: "must be positive"}
	}

	e.nextID++
	e.orders = append(e.orders, req)
	ack := &models.OrderAck{
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  strconv.FormatInt(e.nextID, 10),
		Timestamp:     e.currentTime,
	}

	mark := e.prices[req.Symbol]
	switch {
	case req.Price == 0:
		// 市价单
		if mark == 0 {
			e.mu.Unlock()
			return nil, fmt.Errorf("no mark price for %s", req.Symbol)
		}
		price := e.withSlippage(req.Side, mark)
		e.fillLocked(req, price)
		ack.Status, ack.FilledPrice = models.OrderStatusFilled, price
	case mark > 0 && ((req.Side == models.Buy && mark <= req.Price) || (req.Side == models.Sell && mark >= req.Price)):
		// 可立即成交的限价单
		e.fillLocked(req, req.Price)
		ack.Status, ack.FilledPrice = models.OrderStatusFilled, req.Price
	default:
		e.resting[req.ClientOrderID] = &restingOrder{seq: e.nextID, req: req}
		ack.Status = models.OrderStatusNew
	}
	e.mu.Unlock()

	e.logger.Debug("模拟盘订单", zap.String("order", req.String()), zap.String("status", ack.Status))
	return ack, nil
}

// CancelOrder 撤销挂单
func (e *PaperVenue) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.resting[clientOrderID]
	if !ok || o.req.Symbol != symbol {
		return ErrUnknownOrder
	}
	delete(e.resting, clientOrderID)
	return nil
}

// ObservePrice 更新标记价格并撮合被穿越的挂单
func (e *PaperVenue) ObservePrice(tick models.PriceTick) {
	e.mu.Lock()
	e.prices[tick.Symbol] = tick.Close
	if tick.Timestamp.After(e.currentTime) {
		e.currentTime = tick.Timestamp
	}

	var matched []*restingOrder
	for _, o := range e.resting {
		if o.req.Symbol != tick.Symbol {
			continue
		}
		if (o.req.Side == models.Buy && tick.LowOrClose() <= o.req.Price) ||
			(o.req.Side == models.Sell && tick.HighOrClose() >= o.req.Price) {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	fills := make([]Fill, 0, len(matched))
	for _, o := range matched {
		delete(e.resting, o.req.ClientOrderID)
		fills = append(fills, e.fillLocked(o.req, o.req.Price))
	}
	callback := e.onFill
	e.mu.Unlock()

	e.emit(callback, fills)
}

// Orders 返回所有收到的订单请求的拷贝
func (e *PaperVenue) Orders() []models.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.OrderRequest, len(e.orders))
	copy(out, e.orders)
	return out
}

// Fills 返回所有成交的拷贝
func (e *PaperVenue) Fills() []Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Fill, len(e.fills))
	copy(out, e.fills)
	return out
}

// RestingCount 当前挂单数量
func (e *PaperVenue) RestingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.resting)
}

func (e *PaperVenue) withSlippage(side models.Side, price float64) float64 {
	if side == models.Buy {
		return price * (1 + e.slippageRate)
	}
	return price * (1 - e.slippageRate)
}

// fillLocked 记录成交, 必须在持有锁的情况下调用
func (e *PaperVenue) fillLocked(req models.OrderRequest, price float64) Fill {
	f := Fill{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Size:          req.Size,
		Price:         price,
		Timestamp:     e.currentTime,
	}
	e.fills = append(e.fills, f)
	return f
}

func (e *PaperVenue) emit(callback func(Fill), fills []Fill) {
	if callback == nil {
		return
	}
	for _, f := range fills {
		callback(f)
	}
}
