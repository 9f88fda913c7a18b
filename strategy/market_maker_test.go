package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneybot/market"
	"moneybot/order"
)

type stubInv map[string]float64

func (s stubInv) Position(symbol string) float64 { return s[symbol] }

func book(t *testing.T, bid, bidQty, ask, askQty float64) *market.OrderBook {
	t.Helper()
	ob := market.NewOrderBook("BTCUSDT")
	require.NoError(t, ob.ApplySnapshot(
		[]market.Level{{Price: bid, Quantity: bidQty}},
		[]market.Level{{Price: ask, Quantity: askQty}},
	))
	return ob
}

func baseParams() MarketMakerParams {
	return MarketMakerParams{
		Symbol:       "BTCUSDT",
		MinSpreadBps: 10,
		BaseSize:     0.5,
		MaxDrift:     0.5,
		TickSize:     0.01,
		StepSize:     0.001,
	}
}

func sideOf(qs []Quote, side string) (Quote, bool) {
	for _, q := range qs {
		if q.Side == side {
			return q, true
		}
	}
	return Quote{}, false
}

func TestNewMarketMakerValidates(t *testing.T) {
	_, err := NewMarketMaker("x", MarketMakerParams{Symbol: "BTCUSDT"}, nil)
	assert.Error(t, err)
	p := baseParams()
	p.SkewFactor = 2
	_, err = NewMarketMaker("x", p, nil)
	assert.Error(t, err)
}

func TestSymmetricQuotes(t *testing.T) {
	mm, err := NewMarketMaker("mm", baseParams(), stubInv{})
	require.NoError(t, err)
	qs := mm.OnOrderBookUpdate(book(t, 99.9, 2, 100.1, 2))
	require.Len(t, qs, 2)
	bid, _ := sideOf(qs, order.SideBuy)
	ask, _ := sideOf(qs, order.SideSell)
	assert.InDelta(t, 99.95, bid.Price, 1e-9)
	assert.InDelta(t, 100.05, ask.Price, 1e-9)
	assert.Equal(t, 0.5, bid.Size)
	assert.Less(t, bid.Price, ask.Price)
}

func TestInventoryDriftShiftsQuotesDown(t *testing.T) {
	mm, err := NewMarketMaker("mm", baseParams(), stubInv{"BTCUSDT": 1})
	require.NoError(t, err)
	qs := mm.OnOrderBookUpdate(book(t, 99.9, 2, 100.1, 2))
	bid, _ := sideOf(qs, order.SideBuy)
	ask, _ := sideOf(qs, order.SideSell)
	assert.InDelta(t, 99.92, bid.Price, 1e-9)
	assert.InDelta(t, 100.03, ask.Price, 1e-9)
}

func TestMaxPositionSuppressesSide(t *testing.T) {
	p := baseParams()
	p.MaxPosition = 1
	inv := stubInv{"BTCUSDT": 1}
	mm, err := NewMarketMaker("mm", p, inv)
	require.NoError(t, err)
	qs := mm.OnOrderBookUpdate(book(t, 99.9, 2, 100.1, 2))
	require.Len(t, qs, 1)
	assert.Equal(t, order.SideSell, qs[0].Side)

	inv["BTCUSDT"] = -0.8
	qs = mm.OnOrderBookUpdate(book(t, 99.9, 2, 100.1, 2))
	sell, ok := sideOf(qs, order.SideSell)
	require.True(t, ok)
	assert.InDelta(t, 0.2, sell.Size, 1e-9)
}

func TestRequoteThreshold(t *testing.T) {
	p := baseParams()
	p.RequoteBps = 5
	mm, err := NewMarketMaker("mm", p, stubInv{})
	require.NoError(t, err)
	require.NotNil(t, mm.OnOrderBookUpdate(book(t, 99.9, 2, 100.1, 2)))
	assert.Nil(t, mm.OnOrderBookUpdate(book(t, 99.91, 2, 100.11, 2)))
	assert.NotNil(t, mm.OnOrderBookUpdate(book(t, 100.9, 2, 101.1, 2)))

	assert.Nil(t, mm.OnOrderFill(order.Fill{Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 0.5}))
	assert.NotNil(t, mm.OnOrderBookUpdate(book(t, 100.9, 2, 101.1, 2)))
	stats := mm.Statistics()
	assert.Equal(t, 1, stats["buy_fills"])
}

func TestQuotesNeverCrossBook(t *testing.T) {
	p := baseParams()
	p.MinSpreadBps = 1
	mm, err := NewMarketMaker("mm", p, stubInv{})
	require.NoError(t, err)
	// 价差 2 tick，最小价差更窄
	qs := mm.OnOrderBookUpdate(book(t, 99.99, 1, 100.01, 1))
	bid, _ := sideOf(qs, order.SideBuy)
	ask, _ := sideOf(qs, order.SideSell)
	assert.Less(t, bid.Price, 100.01)
	assert.Greater(t, ask.Price, 99.99)
}

func TestImbalanceSkew(t *testing.T) {
	p := baseParams()
	p.ImbalanceSkew = 1
	mm, err := NewMarketMaker("mm", p, stubInv{})
	require.NoError(t, err)
	// 买盘远厚于卖盘，报价上移
	qs := mm.OnOrderBookUpdate(book(t, 99.9, 9, 100.1, 1))
	bid, _ := sideOf(qs, order.SideBuy)
	assert.Greater(t, bid.Price, 99.95)
}

func TestIgnoresOtherSymbols(t *testing.T) {
	mm, err := NewMarketMaker("mm", baseParams(), stubInv{})
	require.NoError(t, err)
	other := market.NewOrderBook("ETHUSDT")
	require.NoError(t, other.Update(market.SideBid, 1, 1))
	require.NoError(t, other.Update(market.SideAsk, 2, 1))
	assert.Nil(t, mm.OnOrderBookUpdate(other))
	assert.Nil(t, mm.OnOrderBookUpdate(market.NewOrderBook("BTCUSDT")))
}

func TestFactory(t *testing.T) {
	s, err := New(Config{Type: "market_maker", Symbol: "BTCUSDT", Params: baseParams()}, stubInv{})
	require.NoError(t, err)
	assert.Equal(t, "mm-BTCUSDT", s.Name())
	assert.Equal(t, "BTCUSDT", s.Symbol())

	_, err = New(Config{Type: "triangle_arbitrage", Symbol: "BTCUSDT"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedStrategy)
}
