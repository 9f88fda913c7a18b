package risk

import (
	"fmt"
	"sync"
	"time"
)

// LatencyGuard 限制同一交易对同方向的最小下单间隔。
type LatencyGuard struct {
	MinInterval time.Duration

	mu    sync.Mutex
	last  map[string]time.Time
	clock Clock
}

func NewLatencyGuard(minInterval time.Duration) *LatencyGuard {
	return &LatencyGuard{
		MinInterval: minInterval,
		last:        make(map[string]time.Time),
		clock:       NowUTC,
	}
}

func (g *LatencyGuard) PreOrder(req OrderRequest) error {
	if g == nil || g.MinInterval <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == nil {
		g.last = make(map[string]time.Time)
	}
	key := req.Symbol + "/" + req.Side
	now := g.clock.Now()
	if prev, ok := g.last[key]; ok && now.Sub(prev) < g.MinInterval {
		return fmt.Errorf("%w: %s %s within %s", ErrTooFrequent, req.Symbol, req.Side, g.MinInterval)
	}
	g.last[key] = now
	return nil
}
