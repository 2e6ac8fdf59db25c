package exchange

import (
	"context"
	"crypto/rand"
	"signal-engine-go/internal/models"

	"github.com/jxskiss/base62"
)

// Venue 定义了下单场所必须提供的方法。
// 这使得信号引擎可以在真实交易所和模拟撮合之间轻松切换。
type Venue interface {
	Name() string
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
}

// PriceObserver 需要行情来撮合的场所 (模拟盘) 实现此接口
type PriceObserver interface {
	ObservePrice(tick models.PriceTick)
}

// NewClientOrderID 生成形如 "se_<base62>" 的客户端订单ID, 满足币安 clientOrderId 的字符集与长度限制
func NewClientOrderID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return "se_" + base62.EncodeToString(b)
}
