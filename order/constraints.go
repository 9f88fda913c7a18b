package order

import (
	"fmt"
	"math"
)

// SymbolConstraints 描述交易对的步长与名义限制。
type SymbolConstraints struct {
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
}

// Validate 检查订单价格/数量是否符合精度与最小名义。
func (c SymbolConstraints) Validate(price, qty float64) error {
	if c.TickSize > 0 && !isMultiple(price, c.TickSize) {
		return fmt.Errorf("%w: price %.8f not aligned to tickSize %.8f", ErrConstraint, price, c.TickSize)
	}
	if c.StepSize > 0 && !isMultiple(qty, c.StepSize) {
		return fmt.Errorf("%w: qty %.8f not aligned to stepSize %.8f", ErrConstraint, qty, c.StepSize)
	}
	if c.MinQty > 0 && qty < c.MinQty {
		return fmt.Errorf("%w: qty %.8f < minQty %.8f", ErrConstraint, qty, c.MinQty)
	}
	if c.MaxQty > 0 && qty > c.MaxQty {
		return fmt.Errorf("%w: qty %.8f > maxQty %.8f", ErrConstraint, qty, c.MaxQty)
	}
	if c.MinNotional > 0 && price*qty < c.MinNotional {
		return fmt.Errorf("%w: notional %.8f < minNotional %.8f", ErrConstraint, price*qty, c.MinNotional)
	}
	return nil
}

// FloorPrice 向下对齐 tick（买单使用）。
func (c SymbolConstraints) FloorPrice(p float64) float64 {
	return floorTo(p, c.TickSize)
}

// CeilPrice 向上对齐 tick（卖单使用）。
func (c SymbolConstraints) CeilPrice(p float64) float64 {
	if c.TickSize <= 0 {
		return p
	}
	return roundClean(math.Ceil(p/c.TickSize-1e-9)*c.TickSize, c.TickSize)
}

// FloorQty 向下对齐 step。
func (c SymbolConstraints) FloorQty(q float64) float64 {
	return floorTo(q, c.StepSize)
}

func floorTo(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return roundClean(math.Floor(v/step+1e-9)*step, step)
}

// roundClean 去掉浮点乘法带来的尾差，例如 0.1*3=0.30000000000000004。
func roundClean(v, step float64) float64 {
	decimals := math.Max(0, math.Ceil(-math.Log10(step)))
	pow := math.Pow(10, decimals+2)
	return math.Round(v*pow) / pow
}

func isMultiple(value, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) <= 1e-8
}
