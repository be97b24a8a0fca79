package exchange

import (
	"context"
	"errors"
	"time"

	"trend-grid-bot-go/internal/models"
)

// ErrOrderNotFound is returned when the exchange no longer knows an order.
var ErrOrderNotFound = errors.New("order not found")

// MarketData 行情接口, 只读.
type MarketData interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	GetSymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error)
	GetServerTime(ctx context.Context) (time.Time, error)
}

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得交易机器人可以在真实交易和模拟盘之间轻松切换。
type Exchange interface {
	MarketData
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetPositions(ctx context.Context, symbol string) ([]models.Position, error)
	GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*models.Order, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Order statuses used across implementations.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusExpired         = "EXPIRED"
)

// Sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)
