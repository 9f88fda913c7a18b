package risk

import (
	"sync"
	"time"
)

// Tick 依赖 minimal 行情信息。
type Tick struct {
	Price float64
	Ts    time.Time
}

// CircuitBreaker 基于 1m/5m 窗口内的相对涨跌幅触发熔断，按交易对独立统计。
type CircuitBreaker struct {
	// 阈值：1m、5m 相对涨跌幅
	OneMinuteThresh  float64
	FiveMinuteThresh float64

	mu       sync.Mutex
	window1m map[string][]Tick
	window5m map[string][]Tick
}

func NewCircuitBreaker(one, five float64) *CircuitBreaker {
	return &CircuitBreaker{
		OneMinuteThresh:  one,
		FiveMinuteThresh: five,
		window1m:         make(map[string][]Tick),
		window5m:         make(map[string][]Tick),
	}
}

// OnTick 返回 (是否触发, 触发窗口 "1m"/"5m"/"")
func (c *CircuitBreaker) OnTick(symbol string, t Tick) (bool, string) {
	if t.Price <= 0 {
		return false, ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w1 := trim(append(c.window1m[symbol], t), t.Ts.Add(-time.Minute))
	w5 := trim(append(c.window5m[symbol], t), t.Ts.Add(-5*time.Minute))
	c.window1m[symbol] = w1
	c.window5m[symbol] = w5

	if check(w1, c.OneMinuteThresh) {
		return true, "1m"
	}
	if check(w5, c.FiveMinuteThresh) {
		return true, "5m"
	}
	return false, ""
}

// Reset 清空某交易对的窗口，熔断恢复后调用。
func (c *CircuitBreaker) Reset(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.window1m, symbol)
	delete(c.window5m, symbol)
}

func trim(buf []Tick, cutoff time.Time) []Tick {
	i := 0
	for ; i < len(buf); i++ {
		if buf[i].Ts.After(cutoff) {
			break
		}
	}
	return buf[i:]
}

func check(buf []Tick, thresh float64) bool {
	if thresh <= 0 || len(buf) == 0 {
		return false
	}
	first := buf[0].Price
	last := buf[len(buf)-1].Price
	change := (last - first) / first
	return change > thresh || change < -thresh
}
