package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"moneybot/infrastructure/alert"
	"moneybot/infrastructure/logger"
	"moneybot/market"
	"moneybot/metrics"
	"moneybot/order"
	"moneybot/portfolio"
	"moneybot/posttrade"
	"moneybot/risk"
	"moneybot/strategy"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StatePaused 暂停状态
	StatePaused
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 引擎配置
type Config struct {
	HousekeepingInterval time.Duration // 权益/回撤检查与订单清理间隔
	OrderRetention       time.Duration // 终态订单保留时长
	CircuitCooldown      time.Duration // 熔断后暂停报价的时长
	StaleAfter           time.Duration // 行情超过该时长未更新视为过期
}

// Components 引擎依赖组件
type Components struct {
	Market     *market.Service
	Orders     *order.Manager
	Portfolio  *portfolio.Manager
	Risk       *risk.Manager
	Guards     []risk.Guard // 附加在 Risk 之后的下单前检查
	Circuit    *risk.CircuitBreaker
	Drawdown   *risk.DrawdownManager
	Strategies []strategy.Strategy
	Metrics    *metrics.Metrics
	Alerts     *alert.Manager      // 可选
	PostTrade  *posttrade.Analyzer // 可选
	Logger     *logger.Logger
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime     time.Time `json:"startTime"`
	BookUpdates   int64     `json:"bookUpdates"`
	Trades        int64     `json:"trades"`
	TotalQuotes   int64     `json:"totalQuotes"`
	TotalOrders   int64     `json:"totalOrders"`
	TotalFills    int64     `json:"totalFills"`
	TotalRejects  int64     `json:"totalRejects"`
	TotalErrors   int64     `json:"totalErrors"`
	CircuitTrips  int64     `json:"circuitTrips"`
	ReduceOrders  int64     `json:"reduceOrders"`
	LastBookTime  time.Time `json:"lastBookTime"`
	LastOrderTime time.Time `json:"lastOrderTime"`
	LastFillTime  time.Time `json:"lastFillTime"`
}

// Health 是供健康检查接口使用的摘要。
type Health struct {
	State          string   `json:"state"`
	TradingEnabled bool     `json:"tradingEnabled"`
	HaltReason     string   `json:"haltReason,omitempty"`
	StaleSymbols   []string `json:"staleSymbols,omitempty"`
	Healthy        bool     `json:"healthy"`
}

// TradingEngine 串联行情、策略、风控、订单与组合。
// 通过实现 exchange.Handler 接收模拟交易所的事件。
type TradingEngine struct {
	config Config

	market     *market.Service
	orders     *order.Manager
	portfolio  *portfolio.Manager
	risk       *risk.Manager
	guard      risk.Guard
	circuit    *risk.CircuitBreaker
	drawdown   *risk.DrawdownManager
	strategies map[string][]strategy.Strategy // symbol -> strategies
	metrics    *metrics.Metrics
	alerts     *alert.Manager
	postTrade  *posttrade.Analyzer
	logger     *logger.Logger

	state EngineState
	mu    sync.RWMutex
	ctx   context.Context

	tripped map[string]time.Time // symbol -> 熔断解除时间

	stopChan chan struct{}
	doneChan chan struct{}

	statsMu sync.RWMutex
	stats   Statistics
}

// New 创建交易引擎
func New(cfg Config, c Components) (*TradingEngine, error) {
	if err := validateComponents(c); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = 5 * time.Second
	}
	if cfg.OrderRetention <= 0 {
		cfg.OrderRetention = time.Hour
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}

	guards := risk.MultiGuard{Guards: append([]risk.Guard{c.Risk}, c.Guards...)}

	e := &TradingEngine{
		config:     cfg,
		market:     c.Market,
		orders:     c.Orders,
		portfolio:  c.Portfolio,
		risk:       c.Risk,
		guard:      guards,
		circuit:    c.Circuit,
		drawdown:   c.Drawdown,
		strategies: make(map[string][]strategy.Strategy),
		metrics:    c.Metrics,
		alerts:     c.Alerts,
		postTrade:  c.PostTrade,
		logger:     c.Logger,
		state:      StateIdle,
		ctx:        context.Background(),
		tripped:    make(map[string]time.Time),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
	for _, s := range c.Strategies {
		e.strategies[s.Symbol()] = append(e.strategies[s.Symbol()], s)
	}

	// 风控停机：暂停引擎并撤销全部挂单
	e.risk.OnHalt(e.onHalt)
	return e, nil
}

// Start 启动引擎
func (e *TradingEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle && e.state != StateStopped {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	// 如果从 StateStopped 复启，需要重建通道
	if e.state == StateStopped {
		e.stopChan = make(chan struct{})
		e.doneChan = make(chan struct{})
	}
	e.state = StateRunning
	e.ctx = ctx
	e.mu.Unlock()

	e.statsMu.Lock()
	e.stats.StartTime = time.Now()
	e.statsMu.Unlock()

	e.logger.Info("Trading engine starting",
		zap.Int("strategies", e.strategyCount()),
		zap.Duration("housekeeping_interval", e.config.HousekeepingInterval))

	go e.run(ctx)
	return nil
}

// Stop 停止引擎并撤销所有订单
func (e *TradingEngine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StatePaused {
		e.mu.Unlock()
		return fmt.Errorf("engine not running (state: %s)", e.state)
	}
	e.mu.Unlock()

	e.logger.Info("Trading engine stopping...")
	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}
	select {
	case <-e.doneChan:
	case <-time.After(10 * time.Second):
		e.logger.Warn("Timeout waiting for engine to stop")
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()

	if err := e.cancelAll(""); err != nil {
		e.logger.Error("Failed to cancel all orders", zap.Error(err))
	}
	e.logger.Info("Trading engine stopped")
	return nil
}

// Pause 暂停报价；行情与成交仍然记账。
func (e *TradingEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return fmt.Errorf("engine not running (state: %s)", e.state)
	}
	e.state = StatePaused
	e.logger.Info("Trading engine paused")
	return nil
}

// Resume 恢复引擎
func (e *TradingEngine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return fmt.Errorf("engine not paused (state: %s)", e.state)
	}
	e.state = StateRunning
	e.logger.Info("Trading engine resumed")
	return nil
}

// HaltTrading 手动停止交易，经由风控回调暂停引擎。
func (e *TradingEngine) HaltTrading(reason string) {
	e.risk.Halt(reason)
}

// ResumeTrading 解除风控停机并恢复报价。
func (e *TradingEngine) ResumeTrading() error {
	e.risk.Resume()
	e.logger.LogRisk("resume")
	if e.GetState() == StatePaused {
		return e.Resume()
	}
	return nil
}

func (e *TradingEngine) run(ctx context.Context) {
	defer close(e.doneChan)
	ticker := time.NewTicker(e.config.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Context done, stopping engine")
			return
		case <-e.stopChan:
			e.logger.Info("Stop signal received")
			return
		case <-ticker.C:
			e.Housekeep()
		}
	}
}

// Housekeep 刷新权益与回撤、执行分档减仓、清理终态订单。
func (e *TradingEngine) Housekeep() {
	e.refreshEquity()
	e.reduceOnDrawdown()
	if n := e.orders.PruneFinal(time.Now().Add(-e.config.OrderRetention)); n > 0 {
		e.logger.Debug("Pruned final orders", zap.Int("count", n))
	}
	if e.postTrade != nil {
		e.postTrade.Prune(time.Now())
	}
}

// OnBook 处理盘口更新：记账、熔断检查，然后驱动策略重新报价。
func (e *TradingEngine) OnBook(symbol string, bids, asks []market.Level, ts time.Time) {
	ctx := e.context()
	if err := e.market.ApplySnapshot(ctx, symbol, bids, asks, ts); err != nil {
		e.logger.LogError(err, zap.String("symbol", symbol), zap.String("op", "apply_snapshot"))
		e.recordError()
		if e.metrics != nil {
			e.metrics.StorageError("tick")
		}
	}
	book := e.market.Book(symbol)
	bid, ask := book.Best()
	mid := book.Mid()

	e.statsMu.Lock()
	e.stats.BookUpdates++
	e.stats.LastBookTime = ts
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.ObserveBook(symbol, bid, ask, mid, book.SpreadBps())
	}
	if mid <= 0 {
		return
	}

	e.portfolio.MarkPrice(symbol, mid)
	e.refreshEquity()
	if e.postTrade != nil {
		e.postTrade.OnMid(symbol, mid, ts)
	}

	if e.checkCircuit(symbol, mid, ts) {
		return
	}
	if e.GetState() != StateRunning || !e.risk.TradingEnabled() {
		return
	}
	for _, s := range e.strategies[symbol] {
		e.execute(s, s.OnOrderBookUpdate(book))
	}
}

// OnTrade 处理公开成交。
func (e *TradingEngine) OnTrade(t market.Trade) {
	if err := e.market.OnTrade(e.context(), t); err != nil {
		e.logger.LogError(err, zap.String("symbol", t.Symbol), zap.String("op", "save_trade"))
		e.recordError()
		if e.metrics != nil {
			e.metrics.StorageError("trade")
		}
	}
	e.statsMu.Lock()
	e.stats.Trades++
	e.statsMu.Unlock()
	for _, s := range e.strategies[t.Symbol] {
		s.OnTrade(t)
	}
}

// OnFill 处理本方成交：订单状态、组合记账、已实现盈亏与权益。
func (e *TradingEngine) OnFill(f order.Fill) {
	o, err := e.orders.ApplyFill(f)
	if err != nil {
		// 资金已经发生变动，仍然记入组合
		e.logger.LogError(err, zap.String("order_id", f.OrderID), zap.String("op", "order_fill"))
		e.recordError()
	}
	realized, err := e.portfolio.ApplyFill(f)
	if err != nil {
		e.logger.LogError(err, zap.String("order_id", f.OrderID), zap.String("op", "portfolio_fill"))
		e.recordError()
		return
	}
	e.logger.LogTrade("fill",
		zap.String("order_id", f.OrderID),
		zap.String("symbol", f.Symbol),
		zap.String("side", f.Side),
		zap.Float64("price", f.Price),
		zap.Float64("qty", f.Quantity),
		zap.Float64("fee", f.Fee),
		zap.String("status", string(o.Status)),
		zap.Float64("realized_pnl", realized))

	e.statsMu.Lock()
	e.stats.TotalFills++
	e.stats.LastFillTime = time.Now()
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.OrderFilled(f.Symbol, f.Side, f.Quantity)
		e.metrics.SetPosition(f.Symbol, e.portfolio.Position(f.Symbol))
	}

	e.risk.RecordRealized(realized)
	e.refreshEquity()
	if e.postTrade != nil {
		e.postTrade.OnFill(f)
	}

	if e.GetState() != StateRunning || !e.risk.TradingEnabled() {
		return
	}
	for _, s := range e.strategies[f.Symbol] {
		e.execute(s, s.OnOrderFill(f))
	}
}

// execute 用新报价替换该策略自己的挂单；quotes 为 nil 时维持现状。
func (e *TradingEngine) execute(s strategy.Strategy, quotes []strategy.Quote) {
	if quotes == nil {
		return
	}
	e.statsMu.Lock()
	e.stats.TotalQuotes++
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.QuoteGenerated(s.Name())
	}

	if err := e.cancelQuotes(s); err != nil {
		e.logger.Warn("Failed to cancel old orders", zap.String("symbol", s.Symbol()), zap.Error(err))
	}
	for _, q := range quotes {
		if err := e.placeQuote(s, q); err != nil {
			e.logger.Debug("Quote not placed",
				zap.String("strategy", s.Name()),
				zap.String("side", q.Side),
				zap.Float64("price", q.Price),
				zap.Float64("size", q.Size),
				zap.Error(err))
		}
	}
}

// cancelQuotes 只撤该策略的限价挂单，减仓市价单不受影响。
func (e *TradingEngine) cancelQuotes(s strategy.Strategy) error {
	var errs []error
	n := 0
	for _, o := range e.orders.ActiveOrders(s.Symbol()) {
		if o.ClientID != s.Name() || o.Type != order.TypeLimit {
			continue
		}
		if err := e.orders.Cancel(o.ID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", o.ID, err))
			continue
		}
		n++
	}
	if e.metrics != nil && n > 0 {
		e.metrics.OrdersCanceled(s.Symbol(), n)
	}
	return errors.Join(errs...)
}

func (e *TradingEngine) placeQuote(s strategy.Strategy, q strategy.Quote) error {
	symbol := s.Symbol()
	req := risk.OrderRequest{Symbol: symbol, Side: q.Side, Price: q.Price, Quantity: q.Size}
	if err := e.guard.PreOrder(req); err != nil {
		reason := risk.RejectReason(err)
		e.statsMu.Lock()
		e.stats.TotalRejects++
		e.statsMu.Unlock()
		if e.metrics != nil {
			e.metrics.RiskRejected(symbol, reason)
		}
		return fmt.Errorf("pre-trade risk check failed: %w", err)
	}
	o, err := e.orders.Submit(order.Order{
		ClientID: s.Name(),
		Symbol:   symbol,
		Side:     q.Side,
		Type:     order.TypeLimit,
		Price:    q.Price,
		Quantity: q.Size,
	})
	if err != nil {
		e.recordError()
		return err
	}
	e.statsMu.Lock()
	e.stats.TotalOrders++
	e.stats.LastOrderTime = time.Now()
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.OrderPlaced(symbol, q.Side)
	}
	e.logger.LogOrder("placed", o.ID,
		zap.String("symbol", symbol),
		zap.String("side", q.Side),
		zap.Float64("price", q.Price),
		zap.Float64("qty", q.Size))
	return nil
}

// checkCircuit 返回该交易对当前是否处于熔断中。
func (e *TradingEngine) checkCircuit(symbol string, mid float64, ts time.Time) bool {
	if e.circuit == nil {
		return false
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	e.mu.Lock()
	until, ok := e.tripped[symbol]
	if ok && ts.Before(until) {
		e.mu.Unlock()
		return true
	}
	if ok {
		delete(e.tripped, symbol)
		e.mu.Unlock()
		e.circuit.Reset(symbol)
		e.logger.LogRisk("circuit_reset", zap.String("symbol", symbol))
		return false
	}
	e.mu.Unlock()

	tripped, window := e.circuit.OnTick(symbol, risk.Tick{Price: mid, Ts: ts})
	if !tripped {
		return false
	}
	e.mu.Lock()
	e.tripped[symbol] = ts.Add(e.config.CircuitCooldown)
	e.mu.Unlock()

	e.statsMu.Lock()
	e.stats.CircuitTrips++
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.CircuitTripped(symbol, window)
	}
	e.logger.LogRisk("circuit_tripped",
		zap.String("symbol", symbol),
		zap.String("window", window),
		zap.Float64("mid", mid),
		zap.Duration("cooldown", e.config.CircuitCooldown))
	e.alert(alert.LevelWarning, "circuit", symbol, "circuit breaker tripped", map[string]interface{}{
		"window": window,
		"mid":    mid,
	})
	if err := e.cancelAll(symbol); err != nil {
		e.logger.Error("Failed to cancel orders on circuit trip", zap.String("symbol", symbol), zap.Error(err))
	}
	return true
}

// reduceOnDrawdown 按回撤档位对各持仓下市价减仓单，不经过下单前检查。
func (e *TradingEngine) reduceOnDrawdown() {
	if e.drawdown == nil {
		return
	}
	pct := e.risk.Status().Drawdown * 100
	if pct <= 0 {
		return
	}
	for _, p := range e.portfolio.Positions() {
		plan, ok := e.drawdown.Plan(p.Symbol, pct)
		if !ok {
			continue
		}
		qty := plan.Quantity
		if c, ok := e.orders.Constraints(plan.Symbol); ok {
			qty = c.FloorQty(qty)
		}
		if qty <= 0 {
			continue
		}
		o, err := e.orders.Submit(order.Order{
			ClientID: "drawdown_reduce",
			Symbol:   plan.Symbol,
			Side:     plan.Side,
			Type:     order.TypeMarket,
			Quantity: qty,
		})
		if err != nil {
			e.logger.LogError(err, zap.String("symbol", plan.Symbol), zap.String("op", "drawdown_reduce"))
			e.recordError()
			continue
		}
		e.statsMu.Lock()
		e.stats.ReduceOrders++
		e.statsMu.Unlock()
		e.logger.LogRisk("drawdown_reduce",
			zap.String("order_id", o.ID),
			zap.String("symbol", plan.Symbol),
			zap.String("side", plan.Side),
			zap.Float64("qty", qty),
			zap.Float64("band", plan.Band),
			zap.Float64("drawdown_pct", pct))
		e.alert(alert.LevelWarning, "drawdown_reduce", plan.Symbol, "position reduced on drawdown", map[string]interface{}{
			"side":         plan.Side,
			"qty":          qty,
			"drawdown_pct": pct,
		})
	}
}

func (e *TradingEngine) refreshEquity() {
	equity := e.portfolio.Equity()
	e.risk.UpdateEquity(equity)
	if e.metrics == nil {
		return
	}
	st := e.risk.Status()
	e.metrics.SetRisk(st.TradingEnabled, st.DailyPnL, st.Drawdown)
	e.metrics.SetPortfolio(equity, e.portfolio.RealizedPnL(), e.portfolio.UnrealizedPnL())
}

func (e *TradingEngine) onHalt(reason string) {
	e.logger.LogRisk("halt", zap.String("reason", reason))
	e.alert(alert.LevelCritical, "halt", "", "trading halted", map[string]interface{}{"reason": reason})
	if e.GetState() == StateRunning {
		if err := e.Pause(); err != nil {
			e.logger.Error("Failed to pause engine", zap.Error(err))
		}
	}
	if err := e.cancelAll(""); err != nil {
		e.logger.Error("Failed to cancel orders during halt", zap.Error(err))
	}
}

func (e *TradingEngine) alert(level alert.Level, kind, symbol, msg string, fields map[string]interface{}) {
	if e.alerts == nil {
		return
	}
	if _, err := e.alerts.Send(alert.Alert{Level: level, Kind: kind, Symbol: symbol, Message: msg, Fields: fields}); err != nil {
		e.logger.Warn("Failed to send alert", zap.String("kind", kind), zap.Error(err))
	}
}

func (e *TradingEngine) cancelAll(symbol string) error {
	n, err := e.orders.CancelAll(symbol)
	if e.metrics != nil && n > 0 {
		label := symbol
		if label == "" {
			label = "all"
		}
		e.metrics.OrdersCanceled(label, n)
	}
	return err
}

func (e *TradingEngine) context() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ctx
}

func (e *TradingEngine) recordError() {
	e.statsMu.Lock()
	e.stats.TotalErrors++
	e.statsMu.Unlock()
}

func (e *TradingEngine) strategyCount() int {
	n := 0
	for _, ss := range e.strategies {
		n += len(ss)
	}
	return n
}

// GetState 获取引擎状态
func (e *TradingEngine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetStatistics 获取统计信息
func (e *TradingEngine) GetStatistics() Statistics {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.stats
}

// Health 汇总引擎状态、风控开关与行情新鲜度。
func (e *TradingEngine) Health() Health {
	st := e.risk.Status()
	h := Health{
		State:          e.GetState().String(),
		TradingEnabled: st.TradingEnabled,
		HaltReason:     st.HaltReason,
	}
	for symbol := range e.strategies {
		if e.market.Staleness(symbol) > e.config.StaleAfter {
			h.StaleSymbols = append(h.StaleSymbols, symbol)
		}
	}
	sort.Strings(h.StaleSymbols)
	state := e.GetState()
	h.Healthy = (state == StateRunning || state == StatePaused) && len(h.StaleSymbols) == 0
	return h
}

func validateComponents(c Components) error {
	if c.Market == nil {
		return errors.New("market service is required")
	}
	if c.Orders == nil {
		return errors.New("order manager is required")
	}
	if c.Portfolio == nil {
		return errors.New("portfolio is required")
	}
	if c.Risk == nil {
		return errors.New("risk manager is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}
