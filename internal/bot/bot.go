package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"trend-grid-bot-go/internal/engine"
	"trend-grid-bot-go/internal/exchange"
	"trend-grid-bot-go/internal/filter"
	"trend-grid-bot-go/internal/grid"
	"trend-grid-bot-go/internal/indicator"
	"trend-grid-bot-go/internal/metrics"
	"trend-grid-bot-go/internal/models"
	"trend-grid-bot-go/internal/persistence"
	"trend-grid-bot-go/internal/reporter"
	"trend-grid-bot-go/internal/statemanager"
	"trend-grid-bot-go/internal/storage"

	"go.uber.org/zap"
)

// maxClockSkew 本地时钟与交易所时钟允许的最大偏差
const maxClockSkew = time.Second

// PriceSource is a cached real-time price, such as exchange.PriceStream.
type PriceSource interface {
	Price(maxAge time.Duration) (float64, bool)
}

// Options 组装机器人所需的依赖. 除 Exchange 外均可为空.
type Options struct {
	Config     models.Config
	Exchange   exchange.Exchange
	Prices     PriceSource
	Repository persistence.StateRepository
	Journal    storage.TradeJournal
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	StatusOut  io.Writer // 状态表格输出, 默认 stdout
}

// GridTradingBot 是网格交易机器人的核心结构: 拉取行情, 交给 engine 决策, 再执行撤单/下单.
type GridTradingBot struct {
	config   models.Config
	exchange exchange.Exchange
	prices   PriceSource
	journal  storage.TradeJournal
	metrics  *metrics.Metrics
	out      io.Writer

	engine   *engine.Engine
	registry *filter.Registry
	state    *statemanager.StateManager
	rules    models.SymbolRules
	ids      *clientIDGen

	// execMu 串行化一次 tick 的 "读取-决策-执行" 与过滤器回调触发的撤单
	execMu sync.Mutex

	mutex     sync.RWMutex
	isRunning bool
	lastPrice float64
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	logger *zap.Logger
}

// NewGridTradingBot 获取交易规则, 构建决策引擎并恢复持久化的策略状态.
func NewGridTradingBot(ctx context.Context, opts Options) (*GridTradingBot, error) {
	if opts.Exchange == nil {
		return nil, errors.New("exchange is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := opts.StatusOut
	if out == nil {
		out = os.Stdout
	}
	cfg := opts.Config

	rules, err := opts.Exchange.GetSymbolRules(ctx, cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("无法获取交易对 %s 的规则: %w", cfg.Symbol, err)
	}
	logger.Info("成功获取并缓存了交易规则",
		zap.String("symbol", cfg.Symbol),
		zap.Float64("tick_size", rules.TickSize),
		zap.Float64("step_size", rules.StepSize),
		zap.Float64("min_notional", rules.MinNotional),
	)

	registry := filter.NewRegistry(logger.Named("filters"))
	registry.Register(filter.NewEMAFilter(cfg.EMAFilter, logger.Named("ema")))

	eng, err := engine.New(cfg, rules, registry, logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("构建决策引擎失败: %w", err)
	}

	b := &GridTradingBot{
		config:   cfg,
		exchange: opts.Exchange,
		prices:   opts.Prices,
		journal:  opts.Journal,
		metrics:  opts.Metrics,
		out:      out,
		engine:   eng,
		registry: registry,
		rules:    rules,
		ids:      newClientIDGen(time.Now()),
		runCtx:   context.Background(),
		logger:   logger,
	}
	registry.SetCancelCallback(b.onFilterBlocked)

	b.restore(opts.Repository)
	b.state = statemanager.NewStateManager(snapshotPtr(eng.Snapshot(time.Now())), opts.Repository, opts.Journal, logger.Named("state"))
	if b.metrics != nil {
		b.metrics.ObserveFilters(registry.States())
	}
	return b, nil
}

// restore 从仓库加载快照. 过期或不匹配的快照被丢弃, 以全新状态启动.
func (b *GridTradingBot) restore(repo persistence.StateRepository) {
	if repo == nil {
		return
	}
	snap, err := repo.LoadState(b.config.Symbol)
	if err != nil {
		b.logger.Warn("加载策略状态失败, 以全新状态启动", zap.Error(err))
		return
	}
	outcome, err := b.engine.Restore(snap, time.Now())
	switch {
	case errors.Is(err, engine.ErrSnapshotExpired), errors.Is(err, engine.ErrSnapshotMismatch):
		b.logger.Warn("丢弃持久化的策略状态", zap.Error(err))
	case err != nil:
		b.logger.Error("恢复策略状态失败", zap.Error(err))
	default:
		b.logger.Info("策略状态已恢复", zap.Stringer("outcome", outcome))
	}
}

func snapshotPtr(s models.StrategySnapshot) *models.StrategySnapshot { return &s }

// Engine exposes the decision engine.
func (b *GridTradingBot) Engine() *engine.Engine { return b.engine }

// Start 启动状态管理器, 策略循环和状态播报循环.
func (b *GridTradingBot) Start(ctx context.Context) error {
	b.mutex.Lock()
	if b.isRunning {
		b.mutex.Unlock()
		return errors.New("机器人已在运行")
	}
	b.mutex.Unlock()

	// 1. 检查时间同步
	if serverTime, err := b.exchange.GetServerTime(ctx); err != nil {
		b.logger.Warn("获取服务器时间失败", zap.Error(err))
	} else if skew := time.Since(serverTime); skew > maxClockSkew || skew < -maxClockSkew {
		b.logger.Warn("!!! 系统时间与交易所时间不同步, 请同步系统时钟 (NTP)", zap.Duration("skew", skew))
	} else {
		b.logger.Info("时间同步检查通过", zap.Duration("skew", skew))
	}

	if err := b.exchange.SetLeverage(ctx, b.config.Symbol, b.config.Leverage); err != nil {
		b.logger.Warn("设置杠杆失败", zap.Error(err), zap.Int("leverage", b.config.Leverage))
	}

	if orders, err := b.exchange.GetOpenOrders(ctx, b.config.Symbol); err == nil {
		own := 0
		for _, o := range orders {
			if ownsClientID(o.ClientOrderID) {
				own++
			}
		}
		b.logger.Info("从交易所读取当前挂单", zap.Int("open_orders", len(orders)), zap.Int("own", own))
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mutex.Lock()
	b.isRunning = true
	b.runCtx = runCtx
	b.cancel = cancel
	b.mutex.Unlock()

	b.state.Start()

	b.wg.Add(2)
	go b.strategyLoop(runCtx)
	go b.monitorStatus(runCtx)

	b.logger.Info("网格交易机器人已启动", zap.String("symbol", b.config.Symbol))
	return nil
}

// Stop 停止所有循环并落盘最新的策略状态. 挂单与止盈单保留在交易所, 重启后由对账恢复.
func (b *GridTradingBot) Stop() {
	b.mutex.Lock()
	if !b.isRunning {
		b.mutex.Unlock()
		return
	}
	b.isRunning = false
	cancel := b.cancel
	b.mutex.Unlock()

	cancel()
	b.wg.Wait()

	b.state.DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.SnapshotUpdatedEvent,
		Timestamp: time.Now(),
		Data:      statemanager.SnapshotUpdatedEventData{Snapshot: b.engine.Snapshot(time.Now())},
	})
	b.state.Stop()
	b.logger.Info("网格交易机器人已停止")
}

// strategyLoop 是机器人的主循环
func (b *GridTradingBot) strategyLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.tickInterval())
	defer ticker.Stop()

	b.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runTick(ctx)
		}
	}
}

func (b *GridTradingBot) runTick(ctx context.Context) {
	if _, err := b.Tick(ctx); err != nil && ctx.Err() == nil {
		b.logger.Warn("本轮决策失败", zap.Error(err))
	}
}

func (b *GridTradingBot) tickInterval() time.Duration {
	if b.config.TickIntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(b.config.TickIntervalSec) * time.Second
}

// Tick 执行一轮: 读取交易所快照, 评估, 执行撤单, 处理成交, 下新单.
func (b *GridTradingBot) Tick(ctx context.Context) (engine.Decision, error) {
	b.execMu.Lock()
	defer b.execMu.Unlock()

	in, err := b.snapshot(ctx)
	if err != nil {
		if b.metrics != nil {
			b.metrics.TickFailed()
		}
		return engine.Decision{}, err
	}

	d := b.engine.Evaluate(in)
	if b.metrics != nil {
		b.metrics.ObserveDecision(d, in.Price)
		b.metrics.ObserveFilters(b.registry.States())
	}

	b.executeCancels(ctx, d.OrdersToCancel)
	b.handleEvents(ctx, d)
	b.placeEntries(ctx, d.LevelsToCreate)
	return d, nil
}

// snapshot 收集 engine 所需的输入. 挂单和持仓读取失败时放弃本轮, K线失败则交给 engine 按指标不可用处理.
func (b *GridTradingBot) snapshot(ctx context.Context) (engine.Input, error) {
	symbol := b.config.Symbol
	price, err := b.currentPrice(ctx)
	if err != nil {
		return engine.Input{}, err
	}

	candles, err := b.exchange.GetKlines(ctx, symbol, b.config.MACD.Timeframe, b.config.KlineLimit)
	if err != nil {
		b.logger.Warn("获取K线失败", zap.Error(err))
		candles = nil
	}
	trend := candles
	if ema := b.config.EMAFilter; ema.Timeframe != "" && ema.Timeframe != b.config.MACD.Timeframe {
		limit := b.config.KlineLimit
		if limit < ema.Period+2 {
			limit = ema.Period + 2
		}
		trend, err = b.exchange.GetKlines(ctx, symbol, ema.Timeframe, limit)
		if err != nil {
			b.logger.Warn("获取趋势K线失败", zap.Error(err), zap.String("timeframe", ema.Timeframe))
			trend = nil
		}
	}

	orders, err := b.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return engine.Input{}, fmt.Errorf("获取挂单失败: %w", err)
	}
	positions, err := b.exchange.GetPositions(ctx, symbol)
	if err != nil {
		return engine.Input{}, fmt.Errorf("获取持仓失败: %w", err)
	}

	return engine.Input{
		Candles:      candles,
		TrendCandles: trend,
		Price:        price,
		Orders:       orders,
		Positions:    positions,
		Now:          time.Now(),
	}, nil
}

// currentPrice 优先使用 WebSocket 缓存价格, 过期时回退到 REST.
func (b *GridTradingBot) currentPrice(ctx context.Context) (float64, error) {
	if b.prices != nil {
		if p, ok := b.prices.Price(3 * b.tickInterval()); ok {
			b.setLastPrice(p)
			return p, nil
		}
	}
	p, err := b.exchange.GetPrice(ctx, b.config.Symbol)
	if err != nil {
		return 0, fmt.Errorf("获取当前价格失败: %w", err)
	}
	b.setLastPrice(p)
	return p, nil
}

func (b *GridTradingBot) setLastPrice(p float64) {
	b.mutex.Lock()
	b.lastPrice = p
	b.mutex.Unlock()
}

func (b *GridTradingBot) executeCancels(ctx context.Context, cancels []grid.CancelRequest) {
	for _, c := range cancels {
		err := b.exchange.CancelOrder(ctx, b.config.Symbol, c.Order.OrderID)
		switch {
		case err == nil:
			b.logger.Info("已撤销订单",
				zap.Int64("order_id", c.Order.OrderID),
				zap.Float64("price", c.Order.Price),
				zap.String("reason", string(c.Reason)),
			)
		case errors.Is(err, exchange.ErrOrderNotFound):
			b.logger.Debug("订单已不在交易所", zap.Int64("order_id", c.Order.OrderID))
		default:
			b.logger.Warn("撤单失败", zap.Int64("order_id", c.Order.OrderID), zap.Error(err))
		}
	}
}

func (b *GridTradingBot) handleEvents(ctx context.Context, d engine.Decision) {
	for _, ev := range d.Events {
		switch ev.Type {
		case engine.EventStateChanged:
			b.state.DispatchEvent(statemanager.NormalizedEvent{
				Type:      statemanager.StateChangedEvent,
				Timestamp: ev.At,
				Data: statemanager.StateChangedEventData{
					From:     ev.From.String(),
					To:       ev.To.String(),
					Snapshot: b.engine.Snapshot(ev.At),
				},
			})
		case engine.EventOrderFilled:
			b.onEntryFilled(ctx, ev, d.State)
		}
	}
}

// onEntryFilled 确认成交后挂出 reduce-only 的 TAKE_PROFIT_MARKET 止盈单.
func (b *GridTradingBot) onEntryFilled(ctx context.Context, ev engine.Event, state indicator.GridState) {
	order, err := b.exchange.GetOrderStatus(ctx, b.config.Symbol, ev.OrderID)
	if err != nil {
		b.logger.Warn("无法确认订单状态", zap.Int64("order_id", ev.OrderID), zap.Error(err))
		return
	}
	if order.Status != exchange.StatusFilled {
		b.logger.Info("挂单离开订单簿但未成交", zap.Int64("order_id", ev.OrderID), zap.String("status", order.Status))
		return
	}

	entry := order.Price
	if entry <= 0 {
		entry = ev.Price
	}
	qty := grid.FloorToStep(order.Quantity, b.rules.StepSize)
	tp := b.engine.TakeProfitPrice(entry)
	b.logger.Info("订单已成交, 准备挂止盈单",
		zap.Int64("order_id", ev.OrderID),
		zap.Float64("entry", entry),
		zap.Float64("quantity", qty),
		zap.Float64("tp", tp),
	)

	_, err = b.exchange.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        b.config.Symbol,
		Side:          exchange.SideSell,
		Type:          models.OrderTypeTakeProfitMarket,
		StopPrice:     tp,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: b.ids.next(kindTakeProfit),
	})
	if b.metrics != nil {
		b.metrics.ObserveOrder(models.OrderTypeTakeProfitMarket, err)
	}
	if err != nil {
		b.logger.Error("止盈单下单失败", zap.Int64("order_id", ev.OrderID), zap.Error(err))
	}

	b.state.DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.OrderFilledEvent,
		Timestamp: ev.At,
		Data: statemanager.OrderFilledEventData{Fill: models.FillRecord{
			Symbol:    b.config.Symbol,
			OrderID:   ev.OrderID,
			Side:      order.Side,
			Price:     entry,
			Quantity:  qty,
			TPPrice:   tp,
			GridState: state.String(),
			FilledAt:  ev.At,
		}},
	})
}

func (b *GridTradingBot) placeEntries(ctx context.Context, levels []models.GridLevel) {
	for _, level := range levels {
		qty, ok := b.quantityFor(level.EntryPrice)
		if !ok {
			b.logger.Warn("下单数量低于交易所最小要求, 跳过该档位",
				zap.Float64("price", level.EntryPrice),
				zap.Float64("quantity", qty),
			)
			continue
		}
		o, err := b.exchange.PlaceOrder(ctx, models.OrderRequest{
			Symbol:        b.config.Symbol,
			Side:          exchange.SideBuy,
			Type:          models.OrderTypeLimit,
			Price:         level.EntryPrice,
			Quantity:      qty,
			ClientOrderID: b.ids.next(kindEntry),
		})
		if b.metrics != nil {
			b.metrics.ObserveOrder(models.OrderTypeLimit, err)
		}
		if err != nil {
			b.logger.Warn("挂单失败", zap.Float64("price", level.EntryPrice), zap.Error(err))
			continue
		}
		b.engine.NotePlaced(*o)
		b.logger.Info("补充网格买单",
			zap.Int64("order_id", o.OrderID),
			zap.Int("level", level.LevelIndex),
			zap.Float64("price", level.EntryPrice),
			zap.Float64("quantity", qty),
			zap.Float64("tp", level.TPPrice),
		)
	}
}

// quantityFor 计算每格数量: grid_quantity 优先, 否则 grid_value / price, 按 stepSize 向下取整.
func (b *GridTradingBot) quantityFor(price float64) (float64, bool) {
	qty := b.config.GridQuantity
	if qty <= 0 && price > 0 {
		qty = b.config.GridValue / price
	}
	qty = grid.FloorToStep(qty, b.rules.StepSize)
	if qty <= 0 || qty < b.rules.MinQty {
		return qty, false
	}
	if b.rules.MinNotional > 0 && qty*price < b.rules.MinNotional {
		return qty, false
	}
	return qty, true
}

// onFilterBlocked 过滤器启用后阻止开仓时, 撤销所有 LIMIT 挂单.
func (b *GridTradingBot) onFilterBlocked(reason string) {
	b.mutex.RLock()
	ctx := b.runCtx
	b.mutex.RUnlock()

	b.execMu.Lock()
	defer b.execMu.Unlock()

	if b.registry.ShouldProtectOrders() {
		b.logger.Info("过滤器阻止开仓, 但挂单处于保护中", zap.String("reason", reason))
		return
	}
	orders, err := b.exchange.GetOpenOrders(ctx, b.config.Symbol)
	if err != nil {
		b.logger.Error("过滤器撤单: 获取挂单失败", zap.Error(err))
		return
	}
	var cancels []grid.CancelRequest
	var ids []int64
	for _, o := range orders {
		if o.IsLimit() {
			cancels = append(cancels, grid.CancelRequest{Order: o, Reason: grid.CancelTrend})
			ids = append(ids, o.OrderID)
		}
	}
	b.logger.Info("过滤器阻止开仓, 撤销所有挂单", zap.String("reason", reason), zap.Int("orders", len(ids)))
	b.engine.NoteCancelled(ids...)
	b.executeCancels(ctx, cancels)
}

// monitorStatus 定期打印状态
func (b *GridTradingBot) monitorStatus(ctx context.Context) {
	defer b.wg.Done()
	interval := time.Duration(b.config.StatusIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.printStatus(ctx)
		}
	}
}

type simAccounter interface {
	Account() exchange.SimAccount
}

func (b *GridTradingBot) buildReport(ctx context.Context) reporter.Report {
	r := reporter.Report{
		Status: b.engine.Status(),
		Price:  b.LastPrice(),
		At:     time.Now(),
	}
	if b.journal != nil {
		if stats, err := b.journal.FillStats(ctx, b.config.Symbol); err == nil {
			r.Fills = stats
		}
		if recent, err := b.journal.RecentFills(ctx, b.config.Symbol, 5); err == nil {
			r.Recent = recent
		}
	}
	if sim, ok := b.exchange.(simAccounter); ok {
		acct := sim.Account()
		r.Account = &acct
	}
	return r
}

func (b *GridTradingBot) printStatus(ctx context.Context) {
	fmt.Fprint(b.out, reporter.Render(b.buildReport(ctx)))
}

// LastPrice returns the price used by the latest tick.
func (b *GridTradingBot) LastPrice() float64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.lastPrice
}

// IsRunning reports whether Start has been called without Stop.
func (b *GridTradingBot) IsRunning() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.isRunning
}
