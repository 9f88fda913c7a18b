package market

import (
	"sync"
	"time"
)

// Trade 表示一笔公开成交。
type Trade struct {
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Side     string    `json:"side"` // taker side, BUY/SELL
	Ts       time.Time `json:"ts"`
}

// Kline represents OHLCV data for one interval bucket starting at Ts.
type Kline struct {
	Symbol   string
	Interval time.Duration
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Ts       time.Time
}

// KlineAggregator 从成交流生成固定周期的 Kline。
type KlineAggregator struct {
	Symbol   string
	Interval time.Duration
	mu       sync.Mutex
	current  *Kline
}

func NewKlineAggregator(symbol string, interval time.Duration) *KlineAggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &KlineAggregator{Symbol: symbol, Interval: interval}
}

// OnTrade 更新当前 Kline；跨越周期边界时返回已闭合的 Kline，否则返回 nil。
// 乱序到达且早于当前周期的成交直接忽略。
func (a *KlineAggregator) OnTrade(t Trade) *Kline {
	a.mu.Lock()
	defer a.mu.Unlock()
	bucket := t.Ts.Truncate(a.Interval)
	if a.current != nil && bucket.Before(a.current.Ts) {
		return nil
	}
	if a.current == nil || bucket.After(a.current.Ts) {
		closed := a.current
		a.current = &Kline{
			Symbol:   a.Symbol,
			Interval: a.Interval,
			Open:     t.Price,
			High:     t.Price,
			Low:      t.Price,
			Close:    t.Price,
			Volume:   t.Quantity,
			Ts:       bucket,
		}
		return closed
	}
	if t.Price > a.current.High {
		a.current.High = t.Price
	}
	if t.Price < a.current.Low {
		a.current.Low = t.Price
	}
	a.current.Close = t.Price
	a.current.Volume += t.Quantity
	return nil
}

// Current 返回进行中的 Kline 拷贝。
func (a *KlineAggregator) Current() (Kline, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return Kline{}, false
	}
	return *a.current, true
}
