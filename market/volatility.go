package market

import (
	"math"
	"sync"
)

// VolatilityCalculator 基于最近 windowSize 个中间价计算对数收益率标准差。
type VolatilityCalculator struct {
	mu         sync.Mutex
	windowSize int
	prices     []float64
}

func NewVolatilityCalculator(windowSize int) *VolatilityCalculator {
	if windowSize < 2 {
		windowSize = 2
	}
	return &VolatilityCalculator{
		windowSize: windowSize,
		prices:     make([]float64, 0, windowSize),
	}
}

func (v *VolatilityCalculator) AddPrice(mid float64) {
	if mid <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices = append(v.prices, mid)
	if len(v.prices) > v.windowSize {
		v.prices = v.prices[len(v.prices)-v.windowSize:]
	}
}

// StdDev returns the per-sample standard deviation of log returns.
func (v *VolatilityCalculator) StdDev() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.prices) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(v.prices)-1)
	for i := 1; i < len(v.prices); i++ {
		returns = append(returns, math.Log(v.prices[i]/v.prices[i-1]))
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(returns)))
}

func (v *VolatilityCalculator) IsReady() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.prices) >= v.windowSize
}
