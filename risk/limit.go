package risk

import (
	"fmt"
	"sync"
	"time"
)

// Exposure 提供当前持仓（基础资产数量，多为正空为负）。
type Exposure interface {
	Position(symbol string) float64
}

// LimitChecker 维护每个交易对的日累计下单量，UTC 零点清零。
type LimitChecker struct {
	mu       sync.Mutex
	dailyMax float64
	dayVol   map[string]float64
	day      time.Time
	clock    Clock
}

func NewLimitChecker(dailyMax float64) *LimitChecker {
	return &LimitChecker{
		dailyMax: dailyMax,
		dayVol:   make(map[string]float64),
		day:      utcDay(NowUTC.Now()),
		clock:    NowUTC,
	}
}

// PreOrder 超出日累计上限时拒单；被拒的数量不计入累计。
func (lc *LimitChecker) PreOrder(req OrderRequest) error {
	if lc == nil || lc.dailyMax <= 0 {
		return nil
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if today := utcDay(lc.clock.Now()); today.After(lc.day) {
		lc.dayVol = make(map[string]float64)
		lc.day = today
	}
	next := lc.dayVol[req.Symbol] + req.Quantity
	if next > lc.dailyMax {
		return fmt.Errorf("%w: %s %.8f > daily %.8f", ErrDailyVolumeExceeded, req.Symbol, next, lc.dailyMax)
	}
	lc.dayVol[req.Symbol] = next
	return nil
}

// DailyVolume 返回当日累计下单量。
func (lc *LimitChecker) DailyVolume(symbol string) float64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.dayVol[symbol]
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
