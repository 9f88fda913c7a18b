// Package metrics provides Prometheus metrics for the trading engine
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "moneybot",
		Subsystem: "trading",
	}
}

// Metrics Prometheus 指标集合，使用独立 registry 便于测试。
type Metrics struct {
	registry *prometheus.Registry

	// 行情指标
	bestBid   *prometheus.GaugeVec
	bestAsk   *prometheus.GaugeVec
	midPrice  *prometheus.GaugeVec
	spreadBps *prometheus.GaugeVec
	bookTicks *prometheus.CounterVec

	// 订单指标
	ordersPlaced   *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	ordersFilled   *prometheus.CounterVec
	filledVolume   *prometheus.CounterVec
	riskRejects    *prometheus.CounterVec
	quotes         *prometheus.CounterVec

	// 风控指标
	tradingEnabled prometheus.Gauge
	dailyPnL       prometheus.Gauge
	drawdown       prometheus.Gauge
	circuitTrips   *prometheus.CounterVec

	// 组合指标
	equity        prometheus.Gauge
	realizedPnL   prometheus.Gauge
	unrealizedPnL prometheus.Gauge
	position      *prometheus.GaugeVec

	// 系统指标
	storageErrors *prometheus.CounterVec
}

// New 创建新的 Metrics 实例
func New(cfg Config) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		}, labels)
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}

	return &Metrics{
		registry: reg,

		bestBid:   gaugeVec("best_bid", "买一价", "symbol"),
		bestAsk:   gaugeVec("best_ask", "卖一价", "symbol"),
		midPrice:  gaugeVec("mid_price", "中间价", "symbol"),
		spreadBps: gaugeVec("spread_bps", "买卖价差（bps）", "symbol"),
		bookTicks: counterVec("book_updates_total", "盘口更新次数", "symbol"),

		ordersPlaced:   counterVec("orders_placed_total", "订单下单总数", "symbol", "side"),
		ordersCanceled: counterVec("orders_canceled_total", "订单撤单总数", "symbol"),
		ordersFilled:   counterVec("fills_total", "成交回报总数", "symbol", "side"),
		filledVolume:   counterVec("filled_volume_total", "累计成交量", "symbol"),
		riskRejects:    counterVec("risk_rejects_total", "风控拒单数量", "symbol", "reason"),
		quotes:         counterVec("quotes_total", "策略报价次数", "strategy"),

		tradingEnabled: gauge("trading_enabled", "是否允许交易(1=允许,0=停机)"),
		dailyPnL:       gauge("daily_pnl", "当日已实现盈亏"),
		drawdown:       gauge("drawdown_ratio", "相对峰值权益的回撤"),
		circuitTrips:   counterVec("circuit_trips_total", "价格熔断触发次数", "symbol", "window"),

		equity:        gauge("equity", "组合权益（计价资产）"),
		realizedPnL:   gauge("realized_pnl", "已实现盈亏"),
		unrealizedPnL: gauge("unrealized_pnl", "未实现盈亏"),
		position:      gaugeVec("position", "当前净仓位", "symbol"),

		storageErrors: counterVec("storage_errors_total", "持久化失败次数", "op"),
	}
}

// Registry 返回底层 registry。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveBook(symbol string, bid, ask, mid, spreadBps float64) {
	m.bestBid.WithLabelValues(symbol).Set(bid)
	m.bestAsk.WithLabelValues(symbol).Set(ask)
	m.midPrice.WithLabelValues(symbol).Set(mid)
	m.spreadBps.WithLabelValues(symbol).Set(spreadBps)
	m.bookTicks.WithLabelValues(symbol).Inc()
}

func (m *Metrics) OrderPlaced(symbol, side string) {
	m.ordersPlaced.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) OrdersCanceled(symbol string, n int) {
	if n > 0 {
		m.ordersCanceled.WithLabelValues(symbol).Add(float64(n))
	}
}

func (m *Metrics) OrderFilled(symbol, side string, qty float64) {
	m.ordersFilled.WithLabelValues(symbol, side).Inc()
	m.filledVolume.WithLabelValues(symbol).Add(qty)
}

func (m *Metrics) RiskRejected(symbol, reason string) {
	m.riskRejects.WithLabelValues(symbol, reason).Inc()
}

func (m *Metrics) QuoteGenerated(strategy string) {
	m.quotes.WithLabelValues(strategy).Inc()
}

func (m *Metrics) CircuitTripped(symbol, window string) {
	m.circuitTrips.WithLabelValues(symbol, window).Inc()
}

// SetRisk 更新风控状态指标。
func (m *Metrics) SetRisk(enabled bool, dailyPnL, drawdown float64) {
	if enabled {
		m.tradingEnabled.Set(1)
	} else {
		m.tradingEnabled.Set(0)
	}
	m.dailyPnL.Set(dailyPnL)
	m.drawdown.Set(drawdown)
}

// SetPortfolio 更新组合指标。
func (m *Metrics) SetPortfolio(equity, realized, unrealized float64) {
	m.equity.Set(equity)
	m.realizedPnL.Set(realized)
	m.unrealizedPnL.Set(unrealized)
}

func (m *Metrics) SetPosition(symbol string, qty float64) {
	m.position.WithLabelValues(symbol).Set(qty)
}

func (m *Metrics) StorageError(op string) {
	m.storageErrors.WithLabelValues(op).Inc()
}
