package exchange

import (
	"context"
	"fmt"
	"signal-engine-go/internal/models"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BinanceVenue 实现了 Venue 接口，通过币安U本位合约下单。
type BinanceVenue struct {
	client         *futures.Client
	name           string
	qtyPrecision   int32
	pricePrecision int32
	logger         *zap.Logger

	mu       sync.Mutex
	leverage map[string]int // 已设置的杠杆, 避免重复调用
}

// NewBinanceVenue 创建币安合约下单场所
func NewBinanceVenue(cfg models.VenueConfig, logger *zap.Logger) (*BinanceVenue, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 必须被设置")
	}
	futures.UseTestnet = cfg.IsTestnet
	name := cfg.Name
	if name == "" {
		name = "binance"
	}
	return &BinanceVenue{
		client:         futures.NewClient(cfg.APIKey, cfg.SecretKey),
		name:           name,
		qtyPrecision:   cfg.QuantityPrecision,
		pricePrecision: cfg.PricePrecision,
		logger:         logger,
		leverage:       make(map[string]int),
	}, nil
}

// SetBaseURL 覆盖REST地址 (测试使用)
func (e *BinanceVenue) SetBaseURL(url string) {
	e.client.BaseURL = url
}

func (e *BinanceVenue) Name() string { return e.name }

// PlaceOrder 下单。Price 为 0 时下市价单, 否则下 GTC 限价单。
func (e *BinanceVenue) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderAck, error) {
	if err := e.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return nil, err
	}

	qty := decimal.NewFromFloat(req.Size).Truncate(e.qtyPrecision)
	if !qty.IsPositive() {
		return nil, &models.ValidationError{Symbol: req.Symbol, Field: "size", Reason: "rounds to zero at venue precision"}
	}

	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(qty.String()).
		NewClientOrderID(req.ClientOrderID)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.Price > 0 {
		price := decimal.NewFromFloat(req.Price).Round(e.pricePrecision)
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(price.String())
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		e.logger.Error("币安下单失败", zap.String("order", req.String()), zap.Error(err))
		return nil, err
	}

	ack := &models.OrderAck{
		ClientOrderID: resp.ClientOrderID,
		VenueOrderID:  strconv.FormatInt(resp.OrderID, 10),
		Status:        string(resp.Status),
		Timestamp:     time.UnixMilli(resp.UpdateTime),
	}
	if avg, err := strconv.ParseFloat(resp.AvgPrice, 64); err == nil {
		ack.FilledPrice = avg
	}
	e.logger.Info("币安下单成功",
		zap.String("order", req.String()),
		zap.String("venueOrderID", ack.VenueOrderID),
		zap.String("status", ack.Status))
	return ack, nil
}

// CancelOrder 按客户端订单ID撤单
func (e *BinanceVenue) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	_, err := e.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	return err
}

func (e *BinanceVenue) ensureLeverage(ctx context.Context, symbol string, leverage float64) error {
	lev := int(leverage)
	if lev < 1 {
		lev = 1
	}
	e.mu.Lock()
	current := e.leverage[symbol]
	e.mu.Unlock()
	if current == lev {
		return nil
	}

	if _, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(lev).Do(ctx); err != nil {
		return fmt.Errorf("设置杠杆失败 %s x%d: %w", symbol, lev, err)
	}
	e.mu.Lock()
	e.leverage[symbol] = lev
	e.mu.Unlock()
	return nil
}
