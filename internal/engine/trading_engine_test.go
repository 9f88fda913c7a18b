package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneybot/exchange"
	"moneybot/infrastructure/alert"
	"moneybot/infrastructure/logger"
	"moneybot/internal/engine"
	"moneybot/market"
	"moneybot/metrics"
	"moneybot/order"
	"moneybot/portfolio"
	"moneybot/posttrade"
	"moneybot/risk"
	"moneybot/strategy"
)

const symbol = "BTCUSDT"

type harness struct {
	ex     *exchange.MockExchange
	orders *order.Manager
	pf     *portfolio.Manager
	risk   *risk.Manager
	engine *engine.TradingEngine
	alerts *alert.Manager
	post   *posttrade.Analyzer
}

func newHarness(t *testing.T, limits risk.Limits, withStrategy bool, opts ...func(*engine.Components)) *harness {
	t.Helper()
	ex, err := exchange.NewMockExchange(exchange.Config{
		Symbols: map[string]exchange.SymbolConfig{
			symbol: {StartPrice: 100, TickSize: 0.01, SpreadBps: 10},
		},
		Levels:   5,
		LevelQty: 1,
		Seed:     7,
	}, nil)
	require.NoError(t, err)

	orders := order.NewManager(ex)
	pf := portfolio.NewManager("USDT", map[string]float64{"USDT": 10000})
	rm := risk.NewManager(limits, pf)

	var strategies []strategy.Strategy
	if withStrategy {
		mm, err := strategy.NewMarketMaker("mm", strategy.MarketMakerParams{
			Symbol:       symbol,
			MinSpreadBps: 20,
			BaseSize:     0.1,
			TickSize:     0.01,
			StepSize:     0.001,
		}, pf)
		require.NoError(t, err)
		strategies = append(strategies, mm)
	}

	alerts := alert.NewManager(nil, time.Minute, 10)
	post := posttrade.NewAnalyzer(posttrade.Config{})
	comps := engine.Components{
		Market:     market.NewService(nil, nil, market.ServiceConfig{}),
		Orders:     orders,
		Portfolio:  pf,
		Risk:       rm,
		Strategies: strategies,
		Metrics:    metrics.New(metrics.DefaultConfig()),
		Alerts:     alerts,
		PostTrade:  post,
		Logger:     logger.NewNop(),
	}
	for _, opt := range opts {
		opt(&comps)
	}
	e, err := engine.New(engine.Config{HousekeepingInterval: time.Hour}, comps)
	require.NoError(t, err)
	ex.SetHandler(e)

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return &harness{ex: ex, orders: orders, pf: pf, risk: rm, engine: e, alerts: alerts, post: post}
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := engine.New(engine.Config{}, engine.Components{})
	assert.Error(t, err)
}

func TestEngineQuotesOnBookUpdate(t *testing.T) {
	h := newHarness(t, risk.Limits{}, true)

	h.ex.Step()
	active := h.orders.ActiveOrders(symbol)
	require.Len(t, active, 2)
	assert.Equal(t, 2, h.ex.OpenOrders())

	sides := map[string]bool{}
	for _, o := range active {
		sides[o.Side] = true
		assert.Equal(t, order.StatusAck, o.Status)
	}
	assert.True(t, sides[order.SideBuy])
	assert.True(t, sides[order.SideSell])

	// 每次盘口更新都替换挂单，交易所侧不累积
	h.ex.Step()
	assert.Len(t, h.orders.ActiveOrders(symbol), 2)
	assert.Equal(t, 2, h.ex.OpenOrders())

	stats := h.engine.GetStatistics()
	assert.Equal(t, int64(2), stats.BookUpdates)
	assert.Equal(t, int64(4), stats.TotalOrders)
	assert.Equal(t, int64(2), stats.Trades)
}

func TestEngineRiskRejectsQuotes(t *testing.T) {
	h := newHarness(t, risk.Limits{MaxOrderSize: 0.01}, true)

	h.ex.Step()
	assert.Empty(t, h.orders.ActiveOrders(symbol))
	stats := h.engine.GetStatistics()
	assert.Equal(t, int64(2), stats.TotalRejects)
	assert.Equal(t, int64(2), h.risk.Status().Rejections["order_size"])
}

func TestEngineHaltCancelsAndPauses(t *testing.T) {
	h := newHarness(t, risk.Limits{}, true)
	h.ex.Step()
	require.Len(t, h.orders.ActiveOrders(symbol), 2)

	h.engine.HaltTrading("operator")
	assert.Equal(t, engine.StatePaused, h.engine.GetState())
	assert.Empty(t, h.orders.ActiveOrders(symbol))
	assert.Equal(t, 0, h.ex.OpenOrders())
	recent := h.alerts.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, "halt", recent[0].Kind)
	assert.Equal(t, alert.LevelCritical, recent[0].Level)
	assert.Equal(t, "operator", recent[0].Fields["reason"])

	before := h.engine.GetStatistics().TotalOrders
	h.ex.Step()
	assert.Equal(t, before, h.engine.GetStatistics().TotalOrders)

	require.NoError(t, h.engine.ResumeTrading())
	assert.Equal(t, engine.StateRunning, h.engine.GetState())
	h.ex.Step()
	assert.Len(t, h.orders.ActiveOrders(symbol), 2)
}

func TestEngineFillAccounting(t *testing.T) {
	h := newHarness(t, risk.Limits{}, false)

	o, err := h.orders.Submit(order.Order{Symbol: symbol, Side: order.SideBuy, Price: 101, Quantity: 1})
	require.NoError(t, err)
	h.ex.Step()

	st, ok := h.orders.Status(o.ID)
	require.True(t, ok)
	assert.Equal(t, order.StatusFilled, st)
	assert.InDelta(t, 1.0, h.pf.Position(symbol), 1e-9)
	assert.InDelta(t, 10000-101.0, h.pf.Balance("USDT"), 1e-9)
	assert.InDelta(t, 1.0, h.pf.Balance("BTC"), 1e-9)
	// 盘口在成交之后到达，持仓按 mid 估值
	assert.Less(t, h.pf.UnrealizedPnL(), 0.0)
	assert.Equal(t, int64(1), h.engine.GetStatistics().TotalFills)

	pt := h.post.Stats()
	require.Len(t, pt, 1)
	assert.Equal(t, 1, pt[0].TotalFills)
}

func TestEngineDailyLossHalts(t *testing.T) {
	h := newHarness(t, risk.Limits{MaxDailyLoss: 0.5}, false)

	_, err := h.orders.Submit(order.Order{Symbol: symbol, Side: order.SideBuy, Price: 101, Quantity: 1})
	require.NoError(t, err)
	h.ex.Step()
	require.True(t, h.risk.TradingEnabled())

	_, err = h.orders.Submit(order.Order{Symbol: symbol, Side: order.SideSell, Type: order.TypeMarket, Quantity: 1})
	require.NoError(t, err)
	h.ex.Step()

	assert.False(t, h.risk.TradingEnabled())
	assert.Equal(t, engine.StatePaused, h.engine.GetState())
	assert.InDelta(t, 0, h.pf.Position(symbol), 1e-9)
	assert.Less(t, h.risk.Status().DailyPnL, -0.5)
}

func TestEngineCircuitBreakerStopsQuoting(t *testing.T) {
	pf := portfolio.NewManager("USDT", map[string]float64{"USDT": 10000})
	orders := order.NewManager(nil)
	mm, err := strategy.NewMarketMaker("mm", strategy.MarketMakerParams{
		Symbol: symbol, MinSpreadBps: 20, BaseSize: 0.1, TickSize: 0.01,
	}, pf)
	require.NoError(t, err)
	e, err := engine.New(engine.Config{CircuitCooldown: time.Minute}, engine.Components{
		Market:     market.NewService(nil, nil, market.ServiceConfig{}),
		Orders:     orders,
		Portfolio:  pf,
		Risk:       risk.NewManager(risk.Limits{}, pf),
		Circuit:    risk.NewCircuitBreaker(0.01, 0.05),
		Strategies: []strategy.Strategy{mm},
		Logger:     logger.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	book := func(mid float64) ([]market.Level, []market.Level) {
		return []market.Level{{Price: mid - 0.1, Quantity: 1}}, []market.Level{{Price: mid + 0.1, Quantity: 1}}
	}

	bids, asks := book(100)
	e.OnBook(symbol, bids, asks, t0)
	require.Len(t, orders.ActiveOrders(symbol), 2)

	bids, asks = book(102)
	e.OnBook(symbol, bids, asks, t0.Add(10*time.Second))
	assert.Empty(t, orders.ActiveOrders(symbol))
	assert.Equal(t, int64(1), e.GetStatistics().CircuitTrips)

	bids, asks = book(102)
	e.OnBook(symbol, bids, asks, t0.Add(20*time.Second))
	assert.Empty(t, orders.ActiveOrders(symbol))

	// 冷却结束后恢复报价
	e.OnBook(symbol, bids, asks, t0.Add(2*time.Minute))
	assert.Len(t, orders.ActiveOrders(symbol), 2)
}

func TestEngineStateTransitions(t *testing.T) {
	pf := portfolio.NewManager("USDT", nil)
	e, err := engine.New(engine.Config{}, engine.Components{
		Market:    market.NewService(nil, nil, market.ServiceConfig{}),
		Orders:    order.NewManager(nil),
		Portfolio: pf,
		Risk:      risk.NewManager(risk.Limits{}, pf),
		Logger:    logger.NewNop(),
	})
	require.NoError(t, err)

	assert.Equal(t, engine.StateIdle, e.GetState())
	assert.False(t, e.Health().Healthy)
	assert.Error(t, e.Stop())
	assert.Error(t, e.Pause())

	require.NoError(t, e.Start(context.Background()))
	assert.Error(t, e.Start(context.Background()))
	require.NoError(t, e.Pause())
	assert.Equal(t, "PAUSED", e.GetState().String())
	require.NoError(t, e.Resume())
	require.NoError(t, e.Stop())
	assert.Equal(t, engine.StateStopped, e.GetState())

	// 停止后可以重新启动
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop())
}

func withDrawdownBands(bands, fractions []float64) func(*engine.Components) {
	return func(c *engine.Components) {
		c.Drawdown = risk.NewDrawdownManager(bands, fractions, time.Hour, c.Portfolio)
	}
}

// openLong 以限价 101 买入 qty 并推进一步使其成交。
func openLong(t *testing.T, h *harness, qty float64) {
	t.Helper()
	_, err := h.orders.Submit(order.Order{Symbol: symbol, Side: order.SideBuy, Price: 101, Quantity: qty})
	require.NoError(t, err)
	h.ex.Step()
	require.InDelta(t, qty, h.pf.Position(symbol), 1e-9)
}

func TestEngineDrawdownReducesPosition(t *testing.T) {
	h := newHarness(t, risk.Limits{}, false, withDrawdownBands([]float64{5}, []float64{0.5}))
	openLong(t, h, 90)

	// 910 USDT + 90 BTC @ 89，相对峰值 10000 回撤约 10.8%
	h.pf.MarkPrice(symbol, 89)
	h.engine.Housekeep()
	assert.Greater(t, h.risk.Status().Drawdown, 0.05)
	assert.Equal(t, int64(1), h.engine.GetStatistics().ReduceOrders)

	active := h.orders.ActiveOrders(symbol)
	require.Len(t, active, 1)
	assert.Equal(t, order.TypeMarket, active[0].Type)
	assert.Equal(t, order.SideSell, active[0].Side)
	assert.InDelta(t, 45, active[0].Quantity, 1e-9)

	h.ex.Step()
	assert.InDelta(t, 45, h.pf.Position(symbol), 1e-9)
	assert.Empty(t, h.orders.ActiveOrders(symbol))

	recent := h.alerts.Recent(0)
	require.NotEmpty(t, recent)
	assert.Equal(t, "drawdown_reduce", recent[0].Kind)
	assert.Equal(t, symbol, recent[0].Symbol)

	// 冷却期内不重复减仓
	h.pf.MarkPrice(symbol, 80)
	h.engine.Housekeep()
	assert.Equal(t, int64(1), h.engine.GetStatistics().ReduceOrders)
}

func TestEngineRequoteKeepsReduceOrders(t *testing.T) {
	h := newHarness(t, risk.Limits{}, true, withDrawdownBands([]float64{5}, []float64{0.5}))
	openLong(t, h, 90)
	require.Len(t, h.orders.ActiveOrders(symbol), 2)

	h.pf.MarkPrice(symbol, 89)
	h.engine.Housekeep()
	require.Equal(t, int64(1), h.engine.GetStatistics().ReduceOrders)

	// 减仓单成交前先到一次盘口，策略换单只撤自己的限价单
	h.engine.OnBook(symbol,
		[]market.Level{{Price: 99.95, Quantity: 1}},
		[]market.Level{{Price: 100.05, Quantity: 1}},
		time.Now())

	var reduce, quotes int
	for _, o := range h.orders.ActiveOrders(symbol) {
		switch o.Type {
		case order.TypeMarket:
			reduce++
		case order.TypeLimit:
			quotes++
			assert.Equal(t, "mm", o.ClientID)
		}
	}
	assert.Equal(t, 1, reduce)
	assert.Equal(t, 2, quotes)
	assert.Equal(t, 3, h.ex.OpenOrders())

	h.ex.Step()
	assert.InDelta(t, 45, h.pf.Position(symbol), 1e-9)
}

func TestEngineExtraGuardsApplied(t *testing.T) {
	var seen []string
	block := risk.GuardFunc(func(req risk.OrderRequest) error {
		seen = append(seen, req.Side)
		if req.Side == order.SideSell {
			return errors.New("sell blocked")
		}
		return nil
	})
	h := newHarness(t, risk.Limits{}, true, func(c *engine.Components) {
		c.Guards = []risk.Guard{block}
	})

	h.ex.Step()
	active := h.orders.ActiveOrders(symbol)
	require.Len(t, active, 1)
	assert.Equal(t, order.SideBuy, active[0].Side)
	assert.ElementsMatch(t, []string{order.SideBuy, order.SideSell}, seen)
	assert.Equal(t, int64(1), h.engine.GetStatistics().TotalRejects)
}
