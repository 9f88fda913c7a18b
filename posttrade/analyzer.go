// Package posttrade 统计成交后的价格走势，衡量做市的逆向选择。
package posttrade

import (
	"sort"
	"sync"
	"time"

	"moneybot/order"
)

// FillRecord 一笔成交及其之后两个观察点的中间价
type FillRecord struct {
	OrderID   string    `json:"orderId"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	FillPrice float64   `json:"fillPrice"`
	FillTime  time.Time `json:"fillTime"`
	MidShort  float64   `json:"midShort,omitempty"`
	MidLong   float64   `json:"midLong,omitempty"`
}

func (r *FillRecord) complete() bool { return r.MidShort > 0 && r.MidLong > 0 }

// markout 按本方方向计算的收益率，负值说明成交后价格朝不利方向移动。
func (r *FillRecord) markout(mid float64) float64 {
	if r.Side == order.SideBuy {
		return (mid - r.FillPrice) / r.FillPrice
	}
	return (r.FillPrice - mid) / r.FillPrice
}

// Stats 单个交易对的统计
type Stats struct {
	Symbol               string  `json:"symbol"`
	TotalFills           int     `json:"totalFills"`
	AnalyzedFills        int     `json:"analyzedFills"`
	AdverseSelectionRate float64 `json:"adverseSelectionRate"`
	AvgMarkoutShort      float64 `json:"avgMarkoutShort"`
	AvgMarkoutLong       float64 `json:"avgMarkoutLong"`
}

// Config 观察窗口
type Config struct {
	Short  time.Duration
	Long   time.Duration
	MaxAge time.Duration // 超过该时长的记录在 Prune 时丢弃
}

// Analyzer 由行情时间驱动：OnFill 记录成交，OnMid 在窗口到期时补上中间价。
type Analyzer struct {
	cfg Config

	mu      sync.RWMutex
	fills   map[string][]*FillRecord // symbol -> records
	pending map[string][]*FillRecord // 尚未取满两个观察点
}

// NewAnalyzer 创建分析器，默认窗口 1s / 5s。
func NewAnalyzer(cfg Config) *Analyzer {
	if cfg.Short <= 0 {
		cfg.Short = time.Second
	}
	if cfg.Long <= cfg.Short {
		cfg.Long = 5 * cfg.Short
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	return &Analyzer{
		cfg:     cfg,
		fills:   make(map[string][]*FillRecord),
		pending: make(map[string][]*FillRecord),
	}
}

// OnFill 记录一笔本方成交
func (a *Analyzer) OnFill(f order.Fill) {
	if f.Price <= 0 {
		return
	}
	ts := f.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := &FillRecord{
		OrderID:   f.OrderID,
		Symbol:    f.Symbol,
		Side:      f.Side,
		FillPrice: f.Price,
		FillTime:  ts,
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fills[f.Symbol] = append(a.fills[f.Symbol], rec)
	a.pending[f.Symbol] = append(a.pending[f.Symbol], rec)
}

// OnMid 用 ts 时刻的中间价填充到期的观察点
func (a *Analyzer) OnMid(symbol string, mid float64, ts time.Time) {
	if mid <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	pending := a.pending[symbol]
	if len(pending) == 0 {
		return
	}
	kept := pending[:0]
	for _, r := range pending {
		elapsed := ts.Sub(r.FillTime)
		if r.MidShort == 0 && elapsed >= a.cfg.Short {
			r.MidShort = mid
		}
		if r.MidLong == 0 && elapsed >= a.cfg.Long {
			r.MidLong = mid
		}
		if !r.complete() {
			kept = append(kept, r)
		}
	}
	a.pending[symbol] = kept
}

// Stats 返回各交易对的统计，按交易对排序。
func (a *Analyzer) Stats() []Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Stats, 0, len(a.fills))
	for symbol, records := range a.fills {
		st := Stats{Symbol: symbol, TotalFills: len(records)}
		var adverse int
		var sumShort, sumLong float64
		for _, r := range records {
			if !r.complete() {
				continue
			}
			st.AnalyzedFills++
			short := r.markout(r.MidShort)
			sumShort += short
			sumLong += r.markout(r.MidLong)
			if short < 0 {
				adverse++
			}
		}
		if st.AnalyzedFills > 0 {
			n := float64(st.AnalyzedFills)
			st.AdverseSelectionRate = float64(adverse) / n
			st.AvgMarkoutShort = sumShort / n
			st.AvgMarkoutLong = sumLong / n
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Prune 丢弃早于 now-MaxAge 的记录，返回丢弃条数。
func (a *Analyzer) Prune(now time.Time) int {
	cutoff := now.Add(-a.cfg.MaxAge)
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for symbol, records := range a.fills {
		kept := records[:0]
		for _, r := range records {
			if r.FillTime.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		a.fills[symbol] = kept
		pending := a.pending[symbol][:0]
		for _, r := range a.pending[symbol] {
			if !r.FillTime.Before(cutoff) {
				pending = append(pending, r)
			}
		}
		a.pending[symbol] = pending
	}
	return removed
}
