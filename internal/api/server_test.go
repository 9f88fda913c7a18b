package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneybot/infrastructure/alert"
	"moneybot/infrastructure/logger"
	"moneybot/internal/engine"
	"moneybot/market"
	"moneybot/metrics"
	"moneybot/order"
	"moneybot/portfolio"
	"moneybot/risk"
)

type fixture struct {
	srv    *httptest.Server
	market *market.Service
	risk   *risk.Manager
	engine *engine.TradingEngine
}

func TestAlertsEndpoint(t *testing.T) {
	f := newFixture(t)

	var alerts []alert.Alert
	require.Equal(t, http.StatusOK, f.get(t, "/api/alerts", &alerts))
	assert.Empty(t, alerts)

	require.Equal(t, http.StatusOK, f.post(t, "/api/risk/halt", `{"reason":"maintenance"}`, nil))
	require.Equal(t, http.StatusOK, f.get(t, "/api/alerts?limit=5", &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, "halt", alerts[0].Kind)
	assert.Equal(t, alert.LevelCritical, alerts[0].Level)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/alerts?limit=x", nil))

	var pt []map[string]interface{}
	require.Equal(t, http.StatusOK, f.get(t, "/api/posttrade", &pt))
	assert.Empty(t, pt)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	svc := market.NewService(nil, nil, market.ServiceConfig{})
	require.NoError(t, svc.ApplySnapshot(context.Background(), "BTCUSDT",
		[]market.Level{{Price: 99.9, Quantity: 1}, {Price: 99.8, Quantity: 2}},
		[]market.Level{{Price: 100.1, Quantity: 1}, {Price: 100.2, Quantity: 3}},
		time.Now()))

	pf := portfolio.NewManager("USDT", map[string]float64{"USDT": 10000})
	rm := risk.NewManager(risk.Limits{MaxOrderSize: 1}, pf)
	orders := order.NewManager(nil)
	alerts := alert.NewManager(nil, time.Minute, 20)
	eng, err := engine.New(engine.Config{}, engine.Components{
		Alerts:    alerts,
		Market:    svc,
		Orders:    orders,
		Portfolio: pf,
		Risk:      rm,
		Logger:    logger.NewNop(),
	})
	require.NoError(t, err)

	s := NewServer(Deps{
		Market:    svc,
		Portfolio: pf,
		Risk:      rm,
		Orders:    orders,
		Engine:    eng,
		Metrics:   metrics.New(metrics.DefaultConfig()),
		Alerts:    alerts,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: ts, market: svc, risk: rm, engine: eng}
}

func (f *fixture) get(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) post(t *testing.T, path, body string, out interface{}) int {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestGetBook(t *testing.T) {
	f := newFixture(t)

	var book struct {
		Symbol    string         `json:"symbol"`
		Bids      []market.Level `json:"bids"`
		Asks      []market.Level `json:"asks"`
		BestBid   float64        `json:"bestBid"`
		BestAsk   float64        `json:"bestAsk"`
		Mid       float64        `json:"mid"`
		SpreadBps float64        `json:"spreadBps"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/book/BTCUSDT?depth=1", &book))
	assert.Equal(t, "BTCUSDT", book.Symbol)
	require.Len(t, book.Bids, 1)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, 99.9, book.BestBid)
	assert.Equal(t, 100.1, book.BestAsk)
	assert.InDelta(t, 100.0, book.Mid, 1e-9)
	assert.InDelta(t, 20.0, book.SpreadBps, 1e-6)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/book/DOGEUSDT", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/book/BTCUSDT?depth=0", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/book/BTCUSDT?depth=abc", nil))
}

func TestGetPortfolioAndOrders(t *testing.T) {
	f := newFixture(t)

	var snap portfolio.Snapshot
	require.Equal(t, http.StatusOK, f.get(t, "/api/portfolio", &snap))
	assert.Equal(t, 10000.0, snap.Balances["USDT"])
	assert.Equal(t, 10000.0, snap.Equity)

	var orders []order.Order
	require.Equal(t, http.StatusOK, f.get(t, "/api/orders?symbol=BTCUSDT", &orders))
	assert.Empty(t, orders)

	var symbols []string
	require.Equal(t, http.StatusOK, f.get(t, "/api/symbols", &symbols))
	assert.Equal(t, []string{"BTCUSDT"}, symbols)
}

func TestHaltAndResume(t *testing.T) {
	f := newFixture(t)

	var st risk.Status
	require.Equal(t, http.StatusOK, f.get(t, "/api/risk", &st))
	assert.True(t, st.TradingEnabled)
	assert.Equal(t, 1.0, st.Limits.MaxOrderSize)

	require.Equal(t, http.StatusOK, f.post(t, "/api/risk/halt", `{"reason":"maintenance"}`, &st))
	assert.False(t, st.TradingEnabled)
	assert.Equal(t, "maintenance", st.HaltReason)
	assert.False(t, f.risk.TradingEnabled())

	require.Equal(t, http.StatusOK, f.post(t, "/api/risk/resume", "", &st))
	assert.True(t, st.TradingEnabled)

	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/risk/halt", `{bad`, nil))
	// 只允许 POST
	assert.Equal(t, http.StatusMethodNotAllowed, f.get(t, "/api/risk/halt", nil))
}

func TestMethodMismatch(t *testing.T) {
	f := newFixture(t)

	// 后注册的 GET 路由不能把 405 覆盖成 404
	assert.Equal(t, http.StatusMethodNotAllowed, f.get(t, "/api/risk/resume", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, f.post(t, "/api/portfolio", "", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, f.post(t, "/metrics", "", nil))

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/nope", &body))
	assert.Contains(t, body["error"], "/api/nope")
}

func TestHealthReflectsEngineState(t *testing.T) {
	f := newFixture(t)

	var h engine.Health
	assert.Equal(t, http.StatusServiceUnavailable, f.get(t, "/api/health", &h))
	assert.Equal(t, "IDLE", h.State)

	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(func() { _ = f.engine.Stop() })
	assert.Equal(t, http.StatusOK, f.get(t, "/api/health", &h))
	assert.True(t, h.Healthy)

	var stats engine.Statistics
	assert.Equal(t, http.StatusOK, f.get(t, "/api/stats", &stats))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketStreamsFilteredBooks(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?symbol=BTCUSDT"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	require.NoError(t, f.market.ApplySnapshot(ctx, "ETHUSDT",
		[]market.Level{{Price: 9.9, Quantity: 1}}, []market.Level{{Price: 10.1, Quantity: 1}}, time.Now()))
	require.NoError(t, f.market.ApplySnapshot(ctx, "BTCUSDT",
		[]market.Level{{Price: 101, Quantity: 1}}, []market.Level{{Price: 102, Quantity: 1}}, time.Now()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var evt struct {
		Event string          `json:"event"`
		Data  market.Snapshot `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "book", evt.Event)
	assert.Equal(t, "BTCUSDT", evt.Data.Symbol)
	require.Len(t, evt.Data.Bids, 1)
	assert.Equal(t, 101.0, evt.Data.Bids[0].Price)
}
