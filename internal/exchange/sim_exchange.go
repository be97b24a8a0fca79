package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"trend-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

const dust = 1e-9

// SimConfig 模拟盘参数.
type SimConfig struct {
	Symbol         string
	InitialBalance float64
	MakerFeeRate   float64 // 挂单手续费率
	TakerFeeRate   float64 // 吃单手续费率
	SlippageRate   float64 // 滑点率, 只作用于市价触发单
	Rules          models.SymbolRules
}

// SimAccount 模拟账户快照.
type SimAccount struct {
	Cash          float64 `json:"cash"`
	Position      float64 `json:"position"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	RealizedPNL   float64 `json:"realized_pnl"`
	UnrealizedPNL float64 `json:"unrealized_pnl"`
	TotalFees     float64 `json:"total_fees"`
	Fills         int     `json:"fills"`
	Leverage      int     `json:"leverage"`
}

// SimExchange 在内存中撮合订单: LIMIT 在价格穿越时成交,
// TAKE_PROFIT_MARKET 在价格触及 stopPrice 时按市价平仓.
// 行情来自 feed (模拟盘) 或由 SetPrice/SetKlines 注入 (测试).
type SimExchange struct {
	cfg  SimConfig
	feed MarketData

	mu            sync.Mutex
	currentPrice  float64
	currentTime   time.Time
	klines        map[string][]models.Candle
	orders        map[int64]*models.Order
	nextOrderID   int64
	position      float64
	avgEntryPrice float64
	cash          float64
	realizedPNL   float64
	totalFees     float64
	fills         int
	leverage      int

	logger *zap.Logger
}

func NewSimExchange(cfg SimConfig, feed MarketData, logger *zap.Logger) *SimExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Rules.Symbol == "" {
		cfg.Rules.Symbol = cfg.Symbol
	}
	return &SimExchange{
		cfg:         cfg,
		feed:        feed,
		klines:      make(map[string][]models.Candle),
		orders:      make(map[int64]*models.Order),
		nextOrderID: 1,
		cash:        cfg.InitialBalance,
		leverage:    1,
		logger:      logger,
	}
}

// SetPrice 模拟价格变动并触发订单成交检查, 按 O->L->H->C 路径推进.
func (e *SimExchange) SetPrice(open, high, low, close float64, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentTime = ts
	for _, p := range []float64{open, low, high, close} {
		e.currentPrice = p
		e.matchAt(p)
	}
	e.currentPrice = close
}

// SetKlines injects the candles GetKlines returns for an interval.
func (e *SimExchange) SetKlines(interval string, candles []models.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.klines[interval] = append([]models.Candle(nil), candles...)
}

// matchAt 必须在持有锁的情况下调用.
func (e *SimExchange) matchAt(price float64) {
	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if o.Status == StatusNew {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		o := e.orders[id]
		switch o.Type {
		case models.OrderTypeLimit:
			if (o.Side == SideBuy && price <= o.Price) || (o.Side == SideSell && price >= o.Price) {
				e.fill(o, o.Price, e.cfg.MakerFeeRate)
			}
		case models.OrderTypeTakeProfitMarket:
			if o.Side == SideSell && price >= o.StopPrice {
				e.fill(o, o.StopPrice*(1-e.cfg.SlippageRate), e.cfg.TakerFeeRate)
			}
		}
	}
}

// fill 更新仓位与现金. 必须在持有锁的情况下调用.
func (e *SimExchange) fill(o *models.Order, execPrice, feeRate float64) {
	qty := o.Quantity
	if o.Side == SideSell {
		if e.position <= dust {
			// reduce-only 单在无仓位时被交易所撤销
			o.Status = StatusExpired
			return
		}
		if qty > e.position {
			qty = e.position
		}
	}
	fee := execPrice * qty * feeRate
	e.totalFees += fee
	e.cash -= fee

	if o.Side == SideBuy {
		total := e.position + qty
		e.avgEntryPrice = (e.avgEntryPrice*e.position + execPrice*qty) / total
		e.position = total
	} else {
		pnl := (execPrice - e.avgEntryPrice) * qty
		e.realizedPNL += pnl
		e.cash += pnl
		e.position -= qty
		if e.position <= dust {
			e.position = 0
			e.avgEntryPrice = 0
		}
	}
	o.Status = StatusFilled
	e.fills++
	e.logger.Info("[模拟盘] 订单成交",
		zap.Int64("order_id", o.OrderID),
		zap.String("side", o.Side),
		zap.String("type", o.Type),
		zap.Float64("price", execPrice),
		zap.Float64("quantity", qty),
		zap.Float64("position", e.position),
	)
}

// Account returns a snapshot of the simulated wallet.
func (e *SimExchange) Account() SimAccount {
	e.mu.Lock()
	defer e.mu.Unlock()
	unrealized := 0.0
	if e.position > 0 {
		unrealized = (e.currentPrice - e.avgEntryPrice) * e.position
	}
	return SimAccount{
		Cash:          e.cash,
		Position:      e.position,
		AvgEntryPrice: e.avgEntryPrice,
		RealizedPNL:   e.realizedPNL,
		UnrealizedPNL: unrealized,
		TotalFees:     e.totalFees,
		Fills:         e.fills,
		Leverage:      e.leverage,
	}
}

func (e *SimExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if e.feed != nil {
		p, err := e.feed.GetPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		e.SetPrice(p, p, p, p, time.Now())
		return p, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentPrice <= 0 {
		return 0, errors.New("no price yet")
	}
	return e.currentPrice, nil
}

func (e *SimExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if e.feed != nil {
		return e.feed.GetKlines(ctx, symbol, interval, limit)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	k, ok := e.klines[interval]
	if !ok {
		return nil, fmt.Errorf("no klines for interval %s", interval)
	}
	if limit > 0 && len(k) > limit {
		k = k[len(k)-limit:]
	}
	return append([]models.Candle(nil), k...), nil
}

func (e *SimExchange) GetSymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error) {
	if e.feed != nil {
		return e.feed.GetSymbolRules(ctx, symbol)
	}
	return e.cfg.Rules, nil
}

func (e *SimExchange) GetServerTime(ctx context.Context) (time.Time, error) {
	if e.feed != nil {
		return e.feed.GetServerTime(ctx)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentTime.IsZero() {
		return time.Now().UTC(), nil
	}
	return e.currentTime, nil
}

func (e *SimExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.Order
	for _, o := range e.orders {
		if o.Status == StatusNew && o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (e *SimExchange) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position <= dust {
		return nil, nil
	}
	return []models.Position{{
		Symbol:       symbol,
		PositionSide: "BOTH",
		EntryPrice:   e.avgEntryPrice,
		Quantity:     e.position,
	}}, nil
}

func (e *SimExchange) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	cp := *o
	return &cp, nil
}

func (e *SimExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %v", req.Quantity)
	}
	switch req.Type {
	case models.OrderTypeLimit:
		if req.Price <= 0 {
			return nil, fmt.Errorf("invalid limit price %v", req.Price)
		}
	case models.OrderTypeTakeProfitMarket:
		if req.StopPrice <= 0 {
			return nil, fmt.Errorf("invalid stop price %v", req.StopPrice)
		}
	default:
		return nil, fmt.Errorf("unsupported order type %q", req.Type)
	}
	if minNotional := e.cfg.Rules.MinNotional; minNotional > 0 && req.Type == models.OrderTypeLimit && req.Price*req.Quantity < minNotional {
		return nil, fmt.Errorf("notional %.4f below minimum %.4f", req.Price*req.Quantity, minNotional)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	o := &models.Order{
		OrderID:       e.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        StatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
	}
	e.nextOrderID++
	e.orders[o.OrderID] = o
	cp := *o
	return &cp, nil
}

func (e *SimExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.Status != StatusNew {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	o.Status = StatusCanceled
	return nil
}

func (e *SimExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return fmt.Errorf("invalid leverage %d", leverage)
	}
	e.mu.Lock()
	e.leverage = leverage
	e.mu.Unlock()
	return nil
}
