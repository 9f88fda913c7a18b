package portfolio

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Snapshot 是组合在某一时刻的完整视图。
type Snapshot struct {
	Ts            time.Time          `json:"ts"`
	Balances      map[string]float64 `json:"balances"`
	Positions     []Position         `json:"positions"`
	Equity        float64            `json:"equity"`
	RealizedPnL   float64            `json:"realizedPnl"`
	UnrealizedPnL float64            `json:"unrealizedPnl"`
}

// SnapshotStore 持久化快照，由 storage 包的 SQLite 实现。
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

// Snapshot 返回当前视图，不写入历史。
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Ts:            m.now(),
		Balances:      m.balancesLocked(),
		Positions:     m.positionsLocked(),
		Equity:        m.equityLocked().InexactFloat64(),
		RealizedPnL:   m.realizedLocked().InexactFloat64(),
		UnrealizedPnL: m.unrealizedLocked().InexactFloat64(),
	}
}

// TakeSnapshot 生成快照并写入内存历史（环形，超出容量丢弃最旧的）。
func (m *Manager) TakeSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snapshotLocked()
	m.history = append(m.history, s)
	if len(m.history) > m.historyCap {
		m.history = append(m.history[:0:0], m.history[len(m.history)-m.historyCap:]...)
	}
	return s
}

// History 返回最近 n 个快照（旧到新），n<=0 返回全部。
func (m *Manager) History(n int) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	res := make([]Snapshot, n)
	copy(res, m.history[len(m.history)-n:])
	return res
}

// Run 按 interval 周期性生成快照并持久化，ctx 取消时返回。
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := m.TakeSnapshot()
			if m.store == nil {
				continue
			}
			if err := m.store.SaveSnapshot(ctx, s); err != nil {
				m.logger.Warn("save portfolio snapshot failed", zap.Error(err))
			}
		}
	}
}
