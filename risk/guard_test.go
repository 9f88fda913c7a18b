package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiGuard(t *testing.T) {
	called := 0
	g := MultiGuard{
		Guards: []Guard{
			nil,
			GuardFunc(func(OrderRequest) error { called++; return nil }),
			GuardFunc(func(OrderRequest) error { return ErrSpreadTooWide }),
			GuardFunc(func(OrderRequest) error { called++; return nil }),
		},
	}
	assert.ErrorIs(t, g.PreOrder(buy(1, 1)), ErrSpreadTooWide)
	assert.Equal(t, 1, called)
}

func TestLimitCheckerDailyVolume(t *testing.T) {
	clk := newClock()
	lc := NewLimitChecker(3)
	lc.clock = clk
	lc.day = utcDay(clk.Now())

	require.NoError(t, lc.PreOrder(buy(2, 1)))
	assert.ErrorIs(t, lc.PreOrder(sell(1.5, 1)), ErrDailyVolumeExceeded)
	// 被拒的数量不计入
	assert.InDelta(t, 2, lc.DailyVolume("BTCUSDT"), 1e-12)
	require.NoError(t, lc.PreOrder(sell(1, 1)))

	clk.Advance(12 * time.Hour)
	require.NoError(t, lc.PreOrder(buy(3, 1)))
}

func TestLatencyGuard(t *testing.T) {
	clk := newClock()
	g := NewLatencyGuard(100 * time.Millisecond)
	g.clock = clk

	require.NoError(t, g.PreOrder(buy(1, 1)))
	require.NoError(t, g.PreOrder(sell(1, 1)), "sell should be allowed immediately")
	assert.ErrorIs(t, g.PreOrder(buy(1, 1)), ErrTooFrequent)
	clk.Advance(200 * time.Millisecond)
	assert.NoError(t, g.PreOrder(buy(1, 1)))
}

type stubBook struct{ bid, ask float64 }

func (s stubBook) Best() (float64, float64) { return s.bid, s.ask }

func TestSpreadGuard(t *testing.T) {
	book := stubBook{bid: 100, ask: 101}
	g := &SpreadGuard{
		MaxSpreadRatio: 0.03,
		Books: func(string) (BookSource, bool) {
			return book, true
		},
	}
	assert.NoError(t, g.PreOrder(buy(1, 1)))
	book = stubBook{bid: 90, ask: 110}
	assert.ErrorIs(t, g.PreOrder(buy(1, 1)), ErrSpreadTooWide)
	book = stubBook{}
	assert.NoError(t, g.PreOrder(buy(1, 1)))
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "", RejectReason(nil))
	assert.Equal(t, "rate", RejectReason(ErrRateLimited))
	assert.Equal(t, "other", RejectReason(errors.New("x")))
}

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(0.01, 0.02)
	now := time.Now()
	for i := 0; i < 5; i++ {
		trip, _ := cb.OnTick("BTCUSDT", Tick{Price: 100, Ts: now.Add(time.Duration(i) * 10 * time.Second)})
		require.False(t, trip)
	}
	// 其他交易对互不影响
	trip, _ := cb.OnTick("ETHUSDT", Tick{Price: 10, Ts: now})
	require.False(t, trip)

	trip, span := cb.OnTick("BTCUSDT", Tick{Price: 102, Ts: now.Add(45 * time.Second)})
	assert.True(t, trip)
	assert.Equal(t, "1m", span)

	cb.Reset("BTCUSDT")
	trip, _ = cb.OnTick("BTCUSDT", Tick{Price: 102, Ts: now.Add(50 * time.Second)})
	assert.False(t, trip)
}

func TestCircuitBreakerFiveMinute(t *testing.T) {
	cb := NewCircuitBreaker(0.05, 0.02)
	now := time.Now()
	prices := []float64{100, 100.8, 101.6, 102.5}
	var trip bool
	var span string
	for i, p := range prices {
		trip, span = cb.OnTick("BTCUSDT", Tick{Price: p, Ts: now.Add(time.Duration(i) * time.Minute)})
	}
	assert.True(t, trip)
	assert.Equal(t, "5m", span)
}

func TestDrawdownManagerPlan(t *testing.T) {
	exp := stubExposure{"BTCUSDT": 0.2}
	clk := newClock()
	d := NewDrawdownManager([]float64{5, 8, 12}, []float64{0.15, 0.25, 0.40}, 2*time.Second, exp)
	d.clock = clk
	d.MinQty = 0.01

	_, ok := d.Plan("BTCUSDT", 3)
	assert.False(t, ok)

	p, ok := d.Plan("BTCUSDT", 8.5)
	require.True(t, ok)
	assert.Equal(t, "SELL", p.Side)
	assert.Equal(t, 8.0, p.Band)
	assert.InDelta(t, 0.05, p.Quantity, 1e-12)

	// 冷却期内不重复触发
	_, ok = d.Plan("BTCUSDT", 13)
	assert.False(t, ok)

	clk.Advance(3 * time.Second)
	exp["BTCUSDT"] = -0.02
	p, ok = d.Plan("BTCUSDT", 13)
	require.True(t, ok)
	assert.Equal(t, "BUY", p.Side)
	// 最小颗粒度不能超过持仓
	assert.InDelta(t, 0.01, p.Quantity, 1e-12)

	exp["ETHUSDT"] = 0
	_, ok = d.Plan("ETHUSDT", 20)
	assert.False(t, ok)
}
