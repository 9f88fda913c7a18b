package market

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Side 表示盘口方向。
type Side int

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	if s == SideAsk {
		return "ask"
	}
	return "bid"
}

var (
	ErrInvalidLevel      = errors.New("invalid price level")
	ErrInsufficientDepth = errors.New("insufficient depth")
)

const defaultTradeHistory = 1000

// Level 是聚合后的价格档位。
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Snapshot is a point-in-time copy of the top levels of a book.
type Snapshot struct {
	Symbol string    `json:"symbol"`
	Bids   []Level   `json:"bids"`
	Asks   []Level   `json:"asks"`
	Ts     time.Time `json:"ts"`
}

// OrderBook 维护单个交易对的价格->数量聚合。
// bidPrices 严格降序，askPrices 严格升序，map 中不保存数量为 0 的档位。
type OrderBook struct {
	symbol string

	mu        sync.RWMutex
	bids      map[float64]float64
	asks      map[float64]float64
	bidPrices []float64
	askPrices []float64

	trades     []Trade
	tradeCap   int
	lastUpdate time.Time
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol:   symbol,
		bids:     make(map[float64]float64),
		asks:     make(map[float64]float64),
		trades:   make([]Trade, 0, 64),
		tradeCap: defaultTradeHistory,
	}
}

func (ob *OrderBook) Symbol() string { return ob.symbol }

// Update 设置某一档的聚合数量，qty 为 0 表示删除该档。
func (ob *OrderBook) Update(side Side, price, qty float64) error {
	if err := validateLevel(price, qty); err != nil {
		return err
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.setLocked(side, price, qty)
	ob.lastUpdate = time.Now()
	return nil
}

// ApplyDelta 应用增量更新，qty 为 0 表示删除该档。
// 任一档位非法时整批拒绝，不会留下部分更新。
func (ob *OrderBook) ApplyDelta(bidDelta map[float64]float64, askDelta map[float64]float64) error {
	for p, q := range bidDelta {
		if err := validateLevel(p, q); err != nil {
			return err
		}
	}
	for p, q := range askDelta {
		if err := validateLevel(p, q); err != nil {
			return err
		}
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for p, q := range bidDelta {
		ob.setLocked(SideBid, p, q)
	}
	for p, q := range askDelta {
		ob.setLocked(SideAsk, p, q)
	}
	ob.lastUpdate = time.Now()
	return nil
}

// ApplySnapshot replaces both sides of the book.
func (ob *OrderBook) ApplySnapshot(bids, asks []Level) error {
	for _, l := range bids {
		if err := validateLevel(l.Price, l.Quantity); err != nil {
			return err
		}
	}
	for _, l := range asks {
		if err := validateLevel(l.Price, l.Quantity); err != nil {
			return err
		}
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.resetLocked()
	for _, l := range bids {
		ob.setLocked(SideBid, l.Price, l.Quantity)
	}
	for _, l := range asks {
		ob.setLocked(SideAsk, l.Price, l.Quantity)
	}
	ob.lastUpdate = time.Now()
	return nil
}

func validateLevel(price, qty float64) error {
	// NaN 与任何值比较都为 false，必须单独拦截
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return fmt.Errorf("%w: price %.8f", ErrInvalidLevel, price)
	}
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty < 0 {
		return fmt.Errorf("%w: qty %.8f", ErrInvalidLevel, qty)
	}
	return nil
}

func (ob *OrderBook) setLocked(side Side, price, qty float64) {
	levels, prices := ob.bids, &ob.bidPrices
	desc := true
	if side == SideAsk {
		levels, prices = ob.asks, &ob.askPrices
		desc = false
	}
	_, exists := levels[price]
	if qty == 0 {
		if exists {
			delete(levels, price)
			*prices = removePrice(*prices, price, desc)
		}
		return
	}
	levels[price] = qty
	if !exists {
		*prices = insertPrice(*prices, price, desc)
	}
}

func (ob *OrderBook) resetLocked() {
	ob.bids = make(map[float64]float64, len(ob.bids))
	ob.asks = make(map[float64]float64, len(ob.asks))
	ob.bidPrices = ob.bidPrices[:0]
	ob.askPrices = ob.askPrices[:0]
}

func searchPrice(prices []float64, price float64, desc bool) int {
	if desc {
		return sort.Search(len(prices), func(i int) bool { return prices[i] <= price })
	}
	return sort.Search(len(prices), func(i int) bool { return prices[i] >= price })
}

func insertPrice(prices []float64, price float64, desc bool) []float64 {
	i := searchPrice(prices, price, desc)
	if i < len(prices) && prices[i] == price {
		return prices
	}
	prices = append(prices, 0)
	copy(prices[i+1:], prices[i:])
	prices[i] = price
	return prices
}

func removePrice(prices []float64, price float64, desc bool) []float64 {
	i := searchPrice(prices, price, desc)
	if i >= len(prices) || prices[i] != price {
		return prices
	}
	return append(prices[:i], prices[i+1:]...)
}

// Best 返回最好买/卖价；若不存在则为 0。
func (ob *OrderBook) Best() (bestBid float64, bestAsk float64) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.bidPrices) > 0 {
		bestBid = ob.bidPrices[0]
	}
	if len(ob.askPrices) > 0 {
		bestAsk = ob.askPrices[0]
	}
	return bestBid, bestAsk
}

func (ob *OrderBook) BestBid() (Level, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.bidPrices) == 0 {
		return Level{}, false
	}
	p := ob.bidPrices[0]
	return Level{Price: p, Quantity: ob.bids[p]}, true
}

func (ob *OrderBook) BestAsk() (Level, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.askPrices) == 0 {
		return Level{}, false
	}
	p := ob.askPrices[0]
	return Level{Price: p, Quantity: ob.asks[p]}, true
}

// Mid 返回中间价；若缺失任一侧返回 0。
func (ob *OrderBook) Mid() float64 {
	bid, ask := ob.Best()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Spread returns ask-bid, or 0 when either side is empty.
func (ob *OrderBook) Spread() float64 {
	bid, ask := ob.Best()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

func (ob *OrderBook) SpreadBps() float64 {
	mid := ob.Mid()
	if mid == 0 {
		return 0
	}
	return ob.Spread() / mid * 10000
}

// Crossed 判断是否出现 bid >= ask 的交叉盘口。
func (ob *OrderBook) Crossed() bool {
	bid, ask := ob.Best()
	return bid > 0 && ask > 0 && bid >= ask
}

// Depth returns the top n levels of each side. n <= 0 returns everything.
func (ob *OrderBook) Depth(n int) (bids []Level, asks []Level) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return collect(ob.bidPrices, ob.bids, n), collect(ob.askPrices, ob.asks, n)
}

func collect(prices []float64, levels map[float64]float64, n int) []Level {
	if n <= 0 || n > len(prices) {
		n = len(prices)
	}
	res := make([]Level, 0, n)
	for _, p := range prices[:n] {
		res = append(res, Level{Price: p, Quantity: levels[p]})
	}
	return res
}

// BidPrices 返回降序买价（拷贝）。
func (ob *OrderBook) BidPrices() []float64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return append([]float64(nil), ob.bidPrices...)
}

// AskPrices 返回升序卖价（拷贝）。
func (ob *OrderBook) AskPrices() []float64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return append([]float64(nil), ob.askPrices...)
}

func (ob *OrderBook) BidVolume(price float64) float64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bids[price]
}

func (ob *OrderBook) AskVolume(price float64) float64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.asks[price]
}

// TotalVolume 汇总前 levels 档的数量，levels <= 0 表示全部。
func (ob *OrderBook) TotalVolume(side Side, levels int) float64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	prices, book := ob.sideLocked(side)
	if levels <= 0 || levels > len(prices) {
		levels = len(prices)
	}
	total := 0.0
	for _, p := range prices[:levels] {
		total += book[p]
	}
	return total
}

func (ob *OrderBook) sideLocked(side Side) ([]float64, map[float64]float64) {
	if side == SideAsk {
		return ob.askPrices, ob.asks
	}
	return ob.bidPrices, ob.bids
}

// EstimateFillPrice 沿指定方向逐档累加，返回累计数量首次覆盖 qty 时所在档位价格及累计量。
// 深度不足时返回最差一档价格与全部累计量。
func (ob *OrderBook) EstimateFillPrice(side Side, qty float64) (price float64, cumulative float64) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	prices, book := ob.sideLocked(side)
	for _, p := range prices {
		cumulative += book[p]
		price = p
		if cumulative >= qty {
			break
		}
	}
	return price, cumulative
}

// VWAP returns the volume weighted price of taking qty from the given side.
func (ob *OrderBook) VWAP(side Side, qty float64) (float64, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: qty %.8f", ErrInvalidLevel, qty)
	}
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	prices, book := ob.sideLocked(side)
	remaining := qty
	notional := 0.0
	for _, p := range prices {
		take := book[p]
		if take > remaining {
			take = remaining
		}
		notional += take * p
		remaining -= take
		if remaining <= 0 {
			return notional / qty, nil
		}
	}
	return 0, fmt.Errorf("%w: need %.8f, short %.8f", ErrInsufficientDepth, qty, remaining)
}

// Snapshot 拷贝前 n 档。
func (ob *OrderBook) Snapshot(n int) Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	ts := ob.lastUpdate
	if ts.IsZero() {
		ts = time.Now()
	}
	return Snapshot{
		Symbol: ob.symbol,
		Bids:   collect(ob.bidPrices, ob.bids, n),
		Asks:   collect(ob.askPrices, ob.asks, n),
		Ts:     ts,
	}
}

// Clear 清空双边盘口，成交记录保留。
func (ob *OrderBook) Clear() {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.resetLocked()
	ob.lastUpdate = time.Now()
}

func (ob *OrderBook) LastUpdate() time.Time {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastUpdate
}

// AddTrade 记录一笔成交，超过容量时丢弃最旧记录。
func (ob *OrderBook) AddTrade(t Trade) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.trades = append(ob.trades, t)
	if over := len(ob.trades) - ob.tradeCap; over > 0 {
		ob.trades = append(ob.trades[:0], ob.trades[over:]...)
	}
}

// RecentTrades returns up to n trades, oldest first.
func (ob *OrderBook) RecentTrades(n int) []Trade {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if n <= 0 || n > len(ob.trades) {
		n = len(ob.trades)
	}
	return append([]Trade(nil), ob.trades[len(ob.trades)-n:]...)
}
