package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"moneybot/market"
	"moneybot/order"
)

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrOrderNotFound = errors.New("order not found")
)

// SymbolConfig 描述单个交易对的模拟行情参数。
type SymbolConfig struct {
	StartPrice float64 `yaml:"startPrice"`
	Volatility float64 `yaml:"volatility"` // 每步对数收益率标准差
	TickSize   float64 `yaml:"tickSize"`
	SpreadBps  float64 `yaml:"spreadBps"`
}

// Config 是 MockExchange 的配置。
type Config struct {
	Symbols   map[string]SymbolConfig `yaml:"symbols"`
	Levels    int                     `yaml:"levels"`
	LevelQty  float64                 `yaml:"levelQty"`
	FeeRate   float64                 `yaml:"feeRate"`
	FillRatio float64                 `yaml:"fillRatio"` // 每步成交剩余量的比例，(0,1]
	Seed      int64                   `yaml:"seed"`      // 0 表示使用当前时间
}

// Handler 接收交易所事件，由交易引擎实现。
type Handler interface {
	OnBook(symbol string, bids, asks []market.Level, ts time.Time)
	OnTrade(t market.Trade)
	OnFill(f order.Fill)
}

type restingOrder struct {
	order.Order
	remaining float64
}

type bookEvent struct {
	symbol string
	bids   []market.Level
	asks   []market.Level
}

// MockExchange 是模拟交易所：随机游走中间价、合成深度与成交，撮合挂单。
// 所有成交都在 Step 中产生，Place/Cancel 不会回调 Handler。
type MockExchange struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	symbols []string
	mids    map[string]float64
	books   map[string]bookEvent
	resting map[string]*restingOrder
	handler Handler
	steps   uint64
}

func NewMockExchange(cfg Config, logger *zap.Logger) (*MockExchange, error) {
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("mock exchange: no symbols configured")
	}
	if cfg.Levels <= 0 {
		cfg.Levels = 10
	}
	if cfg.LevelQty <= 0 {
		cfg.LevelQty = 1
	}
	if cfg.FillRatio <= 0 || cfg.FillRatio > 1 {
		cfg.FillRatio = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ex := &MockExchange{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(seed)),
		mids:    make(map[string]float64),
		books:   make(map[string]bookEvent),
		resting: make(map[string]*restingOrder),
	}
	for sym, sc := range cfg.Symbols {
		if sc.StartPrice <= 0 {
			return nil, fmt.Errorf("mock exchange: %s startPrice must be > 0", sym)
		}
		ex.symbols = append(ex.symbols, sym)
		ex.mids[sym] = sc.StartPrice
	}
	sort.Strings(ex.symbols)
	return ex, nil
}

// SetHandler 设置事件接收方。
func (ex *MockExchange) SetHandler(h Handler) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.handler = h
}

func (ex *MockExchange) Symbols() []string {
	res := make([]string, len(ex.symbols))
	copy(res, ex.symbols)
	return res
}

// Mid 返回当前模拟中间价。
func (ex *MockExchange) Mid(symbol string) (float64, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	m, ok := ex.mids[symbol]
	return m, ok
}

// Place 登记挂单，实现 order.Gateway。
func (ex *MockExchange) Place(o order.Order) (string, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if _, ok := ex.mids[o.Symbol]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, o.Symbol)
	}
	if o.ID == "" {
		return "", errors.New("mock exchange: order id required")
	}
	ex.resting[o.ID] = &restingOrder{Order: o, remaining: o.Quantity}
	return o.ID, nil
}

// Cancel 撤销挂单，实现 order.Gateway。
func (ex *MockExchange) Cancel(orderID string) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if _, ok := ex.resting[orderID]; !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	delete(ex.resting, orderID)
	return nil
}

// OpenOrders 返回交易所侧仍在挂的订单数量。
func (ex *MockExchange) OpenOrders() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return len(ex.resting)
}

// Step 推进一步：更新中间价、生成盘口与成交、撮合挂单，随后在锁外派发事件。
// 事件处理中可以安全地调用 Place/Cancel。
func (ex *MockExchange) Step() {
	ex.mu.Lock()
	ts := ex.now()
	ex.steps++
	books := make([]bookEvent, 0, len(ex.symbols))
	trades := make([]market.Trade, 0, len(ex.symbols))
	var fills []order.Fill
	for _, sym := range ex.symbols {
		sc := ex.cfg.Symbols[sym]
		mid := ex.walkLocked(sym, sc)
		bids, asks := ex.depth(mid, sc)
		ev := bookEvent{symbol: sym, bids: bids, asks: asks}
		ex.books[sym] = ev
		books = append(books, ev)

		side := order.SideBuy
		px := asks[0].Price
		if ex.rng.Float64() < 0.5 {
			side = order.SideSell
			px = bids[0].Price
		}
		trades = append(trades, market.Trade{
			Symbol:   sym,
			Price:    px,
			Quantity: roundQty(ex.cfg.LevelQty * (0.1 + ex.rng.Float64())),
			Side:     side,
			Ts:       ts,
		})
		fills = append(fills, ex.matchLocked(sym, bids[0].Price, asks[0].Price, ts)...)
	}
	h := ex.handler
	ex.mu.Unlock()

	if h == nil {
		return
	}
	// 成交先于盘口派发，上层在重新报价前已完成记账
	for _, f := range fills {
		h.OnFill(f)
	}
	for _, b := range books {
		h.OnBook(b.symbol, b.bids, b.asks, ts)
	}
	for _, t := range trades {
		h.OnTrade(t)
	}
}

func (ex *MockExchange) walkLocked(sym string, sc SymbolConfig) float64 {
	mid := ex.mids[sym]
	if sc.Volatility > 0 {
		mid *= math.Exp(sc.Volatility * ex.rng.NormFloat64())
	}
	if sc.TickSize > 0 {
		mid = math.Round(mid/sc.TickSize) * sc.TickSize
		if mid < sc.TickSize {
			mid = sc.TickSize
		}
	}
	ex.mids[sym] = mid
	return mid
}

// depth 在 mid 两侧按 tick 间隔生成 N 档，买一严格低于卖一。
func (ex *MockExchange) depth(mid float64, sc SymbolConfig) ([]market.Level, []market.Level) {
	tick := sc.TickSize
	if tick <= 0 {
		tick = mid * 1e-4
	}
	half := mid * sc.SpreadBps / 2 / 1e4
	bestBid := math.Floor((mid-half)/tick+1e-9) * tick
	bestAsk := math.Ceil((mid+half)/tick-1e-9) * tick
	if bestAsk <= bestBid {
		bestAsk = bestBid + tick
	}
	bids := make([]market.Level, 0, ex.cfg.Levels)
	asks := make([]market.Level, 0, ex.cfg.Levels)
	for i := 0; i < ex.cfg.Levels; i++ {
		qty := roundQty(ex.cfg.LevelQty * (1 + float64(i)*0.5) * (0.5 + ex.rng.Float64()))
		if p := roundPx(bestBid-float64(i)*tick, tick); p > 0 {
			bids = append(bids, market.Level{Price: p, Quantity: qty})
		}
		asks = append(asks, market.Level{Price: roundPx(bestAsk+float64(i)*tick, tick), Quantity: qty})
	}
	if len(bids) == 0 {
		bids = append(bids, market.Level{Price: tick, Quantity: ex.cfg.LevelQty})
	}
	return bids, asks
}

// matchLocked 撮合：买单在卖一 <= 限价时成交，卖单在买一 >= 限价时成交，市价单按对手价成交。
func (ex *MockExchange) matchLocked(sym string, bestBid, bestAsk float64, ts time.Time) []order.Fill {
	ids := make([]string, 0)
	for id, ro := range ex.resting {
		if ro.Symbol == sym {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ex.resting[ids[i]], ex.resting[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	var fills []order.Fill
	for _, id := range ids {
		ro := ex.resting[id]
		var px float64
		switch {
		case ro.Type == order.TypeMarket && ro.Side == order.SideBuy:
			px = bestAsk
		case ro.Type == order.TypeMarket:
			px = bestBid
		case ro.Side == order.SideBuy && bestAsk <= ro.Price:
			px = ro.Price
		case ro.Side == order.SideSell && bestBid >= ro.Price:
			px = ro.Price
		default:
			continue
		}
		qty := ro.remaining
		if ro.Type != order.TypeMarket && ex.cfg.FillRatio < 1 {
			qty = roundQty(ro.remaining * ex.cfg.FillRatio)
			if qty <= 0 || ro.remaining-qty < 1e-9 {
				qty = ro.remaining
			}
		}
		ro.remaining -= qty
		if ro.remaining < 1e-9 {
			delete(ex.resting, id)
		}
		fills = append(fills, order.Fill{
			OrderID:  id,
			Symbol:   sym,
			Side:     ro.Side,
			Price:    px,
			Quantity: qty,
			Fee:      px * qty * ex.cfg.FeeRate,
			Ts:       ts,
		})
	}
	return fills
}

// Run 按 interval 循环 Step，直到 ctx 取消。
func (ex *MockExchange) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ex.logger.Info("mock exchange started", zap.Strings("symbols", ex.symbols), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			ex.logger.Info("mock exchange stopped")
			return
		case <-ticker.C:
			ex.Step()
		}
	}
}

func roundPx(p, tick float64) float64 {
	if tick <= 0 {
		return p
	}
	return math.Round(p/tick) * tick
}

func roundQty(q float64) float64 {
	return math.Round(q*1e8) / 1e8
}
