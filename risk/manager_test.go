package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type stubExposure map[string]float64

func (s stubExposure) Position(symbol string) float64 { return s[symbol] }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func buy(qty, price float64) OrderRequest {
	return OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Price: price, Quantity: qty}
}

func sell(qty, price float64) OrderRequest {
	return OrderRequest{Symbol: "BTCUSDT", Side: "SELL", Price: price, Quantity: qty}
}

func TestCheckOrderLimits(t *testing.T) {
	exp := stubExposure{"BTCUSDT": 0}
	m := NewManager(Limits{
		MaxOrderSize:    2,
		MaxOrderValue:   150,
		MaxPositionSize: 3,
	}, exp, WithClock(newClock()))

	assert.NoError(t, m.CheckOrder(buy(1, 100)))
	assert.ErrorIs(t, m.CheckOrder(buy(3, 10)), ErrOrderSizeExceeded)
	assert.ErrorIs(t, m.CheckOrder(buy(2, 100)), ErrOrderValueExceeded)

	exp["BTCUSDT"] = 2.5
	assert.ErrorIs(t, m.CheckOrder(buy(1, 10)), ErrPositionLimitExceeded)
	assert.NoError(t, m.CheckOrder(sell(1, 10)))

	// 超限持仓下的减仓单也要放行
	exp["BTCUSDT"] = 5
	assert.NoError(t, m.CheckOrder(sell(2, 10)))
	exp["BTCUSDT"] = -5
	assert.NoError(t, m.CheckOrder(buy(2, 10)))
	assert.ErrorIs(t, m.CheckOrder(sell(0.1, 10)), ErrPositionLimitExceeded)

	st := m.Status()
	assert.Equal(t, int64(1), st.Rejections["order_size"])
	assert.Equal(t, int64(1), st.Rejections["order_value"])
	assert.Equal(t, int64(2), st.Rejections["position"])
}

func TestCheckOrderPrecedence(t *testing.T) {
	m := NewManager(Limits{MaxOrderSize: 1, MaxOrderValue: 10}, nil, WithClock(newClock()))
	// 数量与价值同时超限时先报数量
	assert.ErrorIs(t, m.CheckOrder(buy(5, 100)), ErrOrderSizeExceeded)
	m.Halt("maintenance")
	err := m.CheckOrder(buy(5, 100))
	assert.ErrorIs(t, err, ErrTradingHalted)
	assert.Contains(t, err.Error(), "maintenance")
}

func TestDailyLossHaltsAndResetsAtUTCMidnight(t *testing.T) {
	clk := newClock()
	m := NewManager(Limits{MaxDailyLoss: 100}, nil, WithClock(clk))
	var halted []string
	m.OnHalt(func(reason string) { halted = append(halted, reason) })

	m.RecordRealized(-60)
	assert.True(t, m.TradingEnabled())
	m.RecordRealized(-40)
	assert.False(t, m.TradingEnabled())
	require.Len(t, halted, 1)
	assert.ErrorIs(t, m.CheckOrder(buy(1, 1)), ErrTradingHalted)
	assert.InDelta(t, -100, m.Status().DailyPnL, 1e-9)

	clk.Advance(11*time.Hour + 59*time.Minute)
	assert.False(t, m.TradingEnabled())

	clk.Advance(2 * time.Minute)
	assert.True(t, m.TradingEnabled())
	st := m.Status()
	assert.Zero(t, st.DailyPnL)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), st.Day)
	assert.NoError(t, m.CheckOrder(buy(1, 1)))
}

func TestDrawdownHaltNeedsManualResume(t *testing.T) {
	clk := newClock()
	m := NewManager(Limits{MaxDrawdown: 0.1}, nil, WithClock(clk))
	reasons := make(chan string, 4)
	m.OnHalt(func(r string) { reasons <- r })

	m.UpdateEquity(1000)
	m.UpdateEquity(1200)
	m.UpdateEquity(1100)
	st := m.Status()
	assert.InDelta(t, 1200, st.PeakEquity, 1e-9)
	assert.InDelta(t, 100.0/1200, st.Drawdown, 1e-9)
	assert.True(t, st.TradingEnabled)

	m.UpdateEquity(1070)
	assert.False(t, m.TradingEnabled())
	assert.Len(t, reasons, 1)
	assert.InDelta(t, 130.0/1200, m.Status().MaxDrawdown, 1e-9)

	// 跨日不会自动恢复回撤停机
	clk.Advance(24 * time.Hour)
	assert.False(t, m.TradingEnabled())

	m.Resume()
	assert.True(t, m.TradingEnabled())
	st = m.Status()
	assert.Zero(t, st.Drawdown)
	assert.InDelta(t, 130.0/1200, st.MaxDrawdown, 1e-9)
	assert.InDelta(t, 1070, st.PeakEquity, 1e-9)
}

func TestRateLimitIsLastCheck(t *testing.T) {
	clk := newClock()
	m := NewManager(Limits{MaxOrderSize: 1, MaxOrdersPerSecond: 2, OrderBurst: 2}, nil, WithClock(clk))

	// 被前置规则拒绝的订单不消耗令牌
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, m.CheckOrder(buy(5, 1)), ErrOrderSizeExceeded)
	}
	assert.NoError(t, m.CheckOrder(buy(1, 1)))
	assert.NoError(t, m.CheckOrder(buy(1, 1)))
	assert.ErrorIs(t, m.CheckOrder(buy(1, 1)), ErrRateLimited)

	clk.Advance(500 * time.Millisecond)
	assert.NoError(t, m.CheckOrder(buy(1, 1)))
	assert.ErrorIs(t, m.CheckOrder(buy(1, 1)), ErrRateLimited)
	assert.Equal(t, int64(2), m.Status().Rejections["rate"])
}

func TestSetLimitsHotReload(t *testing.T) {
	m := NewManager(Limits{MaxOrderSize: 1}, nil, WithClock(newClock()))
	assert.Error(t, m.CheckOrder(buy(2, 1)))
	m.SetLimits(Limits{MaxOrderSize: 5})
	assert.NoError(t, m.CheckOrder(buy(2, 1)))
	assert.Equal(t, 5.0, m.Limits().MaxOrderSize)
}

func TestManagerIsGuard(t *testing.T) {
	m := NewManager(Limits{}, nil)
	var g Guard = m
	assert.NoError(t, g.PreOrder(buy(100, 100)))
	m.Halt("")
	assert.ErrorIs(t, g.PreOrder(buy(1, 1)), ErrTradingHalted)
	assert.Equal(t, "manual halt", m.Status().HaltReason)
}

func TestManagerConcurrentUse(t *testing.T) {
	m := NewManager(Limits{MaxOrderSize: 10, MaxDailyLoss: 1e9}, stubExposure{}, WithClock(newClock()))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = m.CheckOrder(buy(1, 1))
				m.RecordRealized(-1)
				m.UpdateEquity(float64(1000 + j))
				_ = m.Status()
			}
		}(i)
	}
	wg.Wait()
	assert.InDelta(t, -1600, m.Status().DailyPnL, 1e-9)
}
