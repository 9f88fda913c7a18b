package risk

import (
	"sync"
	"time"
)

// DrawdownManager 提供回撤分层减仓的决策，不直接下单，仅给出建议方案。
// 由引擎拿到方案后以市价单执行。
type DrawdownManager struct {
	Bands     []float64     // 回撤档位（%），例如 [5,8,12]
	Fractions []float64     // 每档对应的减仓比例，例如 [0.15,0.25,0.40]
	Cooldown  time.Duration // 两次触发的最小间隔
	MinQty    float64       // 最小动作颗粒度

	Pos   Exposure
	clock Clock

	mu         sync.Mutex
	lastAction map[string]time.Time
}

// ReducePlan 是一次减仓建议；Side 为平仓方向。
type ReducePlan struct {
	Symbol   string
	Side     string
	Quantity float64
	Band     float64
}

func NewDrawdownManager(bands, fractions []float64, cooldown time.Duration, pos Exposure) *DrawdownManager {
	return &DrawdownManager{
		Bands:      bands,
		Fractions:  fractions,
		Cooldown:   cooldown,
		Pos:        pos,
		clock:      NowUTC,
		lastAction: make(map[string]time.Time),
	}
}

// Plan 根据回撤百分比（正值表示亏损百分比）给出减仓方案，ok=false 表示无需动作。
func (d *DrawdownManager) Plan(symbol string, drawdownPct float64) (ReducePlan, bool) {
	if d == nil || d.Pos == nil || len(d.Bands) == 0 || len(d.Fractions) == 0 {
		return ReducePlan{}, false
	}
	bandIdx := -1
	for i := range d.Bands {
		if i < len(d.Fractions) && drawdownPct >= d.Bands[i] {
			bandIdx = i
		}
	}
	if bandIdx < 0 || d.Fractions[bandIdx] <= 0 {
		return ReducePlan{}, false
	}
	net := d.Pos.Position(symbol)
	if net == 0 {
		return ReducePlan{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastAction == nil {
		d.lastAction = make(map[string]time.Time)
	}
	now := d.clock.Now()
	if last, ok := d.lastAction[symbol]; ok && d.Cooldown > 0 && now.Sub(last) < d.Cooldown {
		return ReducePlan{}, false
	}

	qty := abs(net) * d.Fractions[bandIdx]
	if d.MinQty > 0 && qty < d.MinQty {
		qty = d.MinQty
	}
	// 不能减成反向仓位
	if qty > abs(net) {
		qty = abs(net)
	}
	side := "SELL"
	if net < 0 {
		side = "BUY"
	}
	d.lastAction[symbol] = now
	return ReducePlan{Symbol: symbol, Side: side, Quantity: qty, Band: d.Bands[bandIdx]}, true
}
