package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trend-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Binance error codes that mean "the order is already gone".
const (
	codeUnknownOrder   = -2011
	codeOrderNotExists = -2013
)

// BinanceExchange 通过 go-binance 访问 U 本位合约.
type BinanceExchange struct {
	client *futures.Client
	logger *zap.Logger
}

// NewBinanceExchange builds a futures client. futures.UseTestnet is package
// global in go-binance, so it is set here once from the config.
func NewBinanceExchange(apiKey, secretKey string, testnet bool, logger *zap.Logger) *BinanceExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	futures.UseTestnet = testnet
	return &BinanceExchange{
		client: futures.NewClient(apiKey, secretKey),
		logger: logger,
	}
}

// mapError turns the "unknown order" API errors into ErrOrderNotFound.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && (apiErr.Code == codeUnknownOrder || apiErr.Code == codeOrderNotExists) {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, apiErr.Message)
	}
	return err
}

func (e *BinanceExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取价格失败: %w", err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseFloat(p.Price), nil
		}
	}
	return 0, fmt.Errorf("no price returned for %s", symbol)
}

func (e *BinanceExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	klines, err := e.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取K线失败 (%s %s): %w", symbol, interval, err)
	}
	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, models.Candle{
			OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
			CloseTime: time.UnixMilli(k.CloseTime).UTC(),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
		})
	}
	return candles, nil
}

func (e *BinanceExchange) GetSymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error) {
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return models.SymbolRules{}, fmt.Errorf("获取交易规则失败: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		return rulesFromFilters(symbol, s.Filters), nil
	}
	return models.SymbolRules{}, fmt.Errorf("symbol %s not listed", symbol)
}

// rulesFromFilters reads PRICE_FILTER, LOT_SIZE and MIN_NOTIONAL.
func rulesFromFilters(symbol string, filters []map[string]interface{}) models.SymbolRules {
	rules := models.SymbolRules{Symbol: symbol}
	str := func(f map[string]interface{}, key string) string {
		v, _ := f[key].(string)
		return v
	}
	for _, f := range filters {
		switch f["filterType"] {
		case "PRICE_FILTER":
			rules.TickSize = parseFloat(str(f, "tickSize"))
		case "LOT_SIZE":
			rules.StepSize = parseFloat(str(f, "stepSize"))
			rules.MinQty = parseFloat(str(f, "minQty"))
		case "MIN_NOTIONAL":
			rules.MinNotional = parseFloat(str(f, "notional"))
		}
	}
	return rules
}

func (e *BinanceExchange) GetServerTime(ctx context.Context) (time.Time, error) {
	ms, err := e.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (e *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取挂单失败: %w", err)
	}
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, fromFuturesOrder(o))
	}
	return out, nil
}

func fromFuturesOrder(o *futures.Order) models.Order {
	return models.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Status:        string(o.Status),
		Price:         parseFloat(o.Price),
		StopPrice:     parseFloat(o.StopPrice),
		Quantity:      parseFloat(o.OrigQuantity),
	}
}

func (e *BinanceExchange) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	risks, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取持仓失败: %w", err)
	}
	out := make([]models.Position, 0, len(risks))
	for _, p := range risks {
		out = append(out, models.Position{
			Symbol:       p.Symbol,
			PositionSide: p.PositionSide,
			EntryPrice:   parseFloat(p.EntryPrice),
			Quantity:     parseFloat(p.PositionAmt),
		})
	}
	return out, nil
}

func (e *BinanceExchange) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*models.Order, error) {
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	order := fromFuturesOrder(o)
	return &order, nil
}

// PlaceOrder sends LIMIT (GTC) or TAKE_PROFIT_MARKET orders. Prices and
// quantities must already be on the symbol's tick and lot steps.
func (e *BinanceExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(strings.ToUpper(req.Side))).
		Type(futures.OrderType(req.Type)).
		Quantity(formatPlain(req.Quantity))
	switch req.Type {
	case models.OrderTypeLimit:
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).Price(formatPlain(req.Price))
	case models.OrderTypeTakeProfitMarket:
		svc = svc.StopPrice(formatPlain(req.StopPrice)).WorkingType(futures.WorkingTypeMarkPrice)
	default:
		return nil, fmt.Errorf("unsupported order type %q", req.Type)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下单失败 (%s %s @ %v): %w", req.Side, req.Type, req.Price, err)
	}
	e.logger.Debug("order accepted", zap.Int64("order_id", res.OrderID), zap.String("client_id", res.ClientOrderID))
	return &models.Order{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          string(res.Side),
		Type:          string(res.Type),
		Status:        string(res.Status),
		Price:         parseFloat(res.Price),
		StopPrice:     parseFloat(res.StopPrice),
		Quantity:      parseFloat(res.OrigQuantity),
	}, nil
}

func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	return mapError(err)
}

func (e *BinanceExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("设置杠杆失败: %w", err)
	}
	return nil
}

// formatPlain writes a float without exponent and without trailing zeros.
func formatPlain(v float64) string {
	return decimal.NewFromFloat(v).String()
}
